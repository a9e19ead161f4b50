package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
)

const controlPrefix = "/__offline0/"

type Service struct {
	cfg Config

	transport http.RoundTripper

	db         *leveldb.DB
	store      *Store
	classifier *Classifier
	reg        *Registration
	queue      *MutationQueue
	monitor    *Monitor
	redis      *redis.Client
	ownsRedis  bool

	generations func() (Generations, error)

	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

type ServiceOption func(*Service)

// WithTransport replaces the network transport used for every origin call.
func WithTransport(rt http.RoundTripper) ServiceOption {
	return func(s *Service) { s.transport = rt }
}

// WithRedisClient supplies the client for the redis queue backend instead of
// dialing queue.redisURL.
func WithRedisClient(c *redis.Client) ServiceOption {
	return func(s *Service) { s.redis = c }
}

// WithGenerationSource is consulted on every update check. The default
// returns the generations from the startup config.
func WithGenerationSource(fn func() (Generations, error)) ServiceOption {
	return func(s *Service) { s.generations = fn }
}

func defaultTransport() http.RoundTripper {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = 30 * time.Second
	return tr
}

func NewService(cfg Config, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		bgSem:  make(chan struct{}, 4),
		stopCh: make(chan struct{}),
		stats:  newStatsCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = defaultTransport()
	}
	if s.generations == nil {
		s.generations = func() (Generations, error) { return cfg.Generations(), nil }
	}

	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	// Probes report themselves; every other origin call goes through Watch.
	s.monitor = NewMonitor(cfg.Server.Origin+cfg.Sync.ProbePath, s.transport,
		cfg.Sync.probeEveryDur, cfg.Sync.maxBackoffDur, s.replayAsync)
	s.transport = s.monitor.Watch(origin.Host, s.transport)

	db, err := openLevelDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
	}
	s.db = db
	s.store = NewStore(db, cfg.Storage.ramMax, cfg.Storage.maxEntry)
	s.classifier = NewClassifier(cfg.Routing)

	if err := s.initQueue(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.reg = NewRegistration(RegistrationOptions{
		Store: s.store,
		NewEngine: func(g Generations) *Engine {
			return NewEngine(EngineOptions{
				Generations: g,
				Classifier:  s.classifier,
				Store:       s.store,
				Transport:   s.transport,
				VaryHeaders: cfg.Cache.VaryHeaders,
				Stats:       s.stats,
			})
		},
		Transport:     s.transport,
		Origin:        cfg.Server.Origin,
		Manifest:      cfg.Cache.Manifest,
		AssetManifest: cfg.Cache.AssetManifest,
		HoldUpdates:   cfg.Sync.HoldUpdates,
	})

	if gens, ok, err := s.store.LoadActive(); err != nil {
		log.Warnf("load active generation: %v", err)
	} else if ok {
		w := s.reg.Restore(gens)
		log.WithFields(log.Fields{"worker": w.ID(), "regions": gens.String()}).Info("resumed active generation")
	}

	return s, nil
}

func (s *Service) initQueue() error {
	var (
		backend QueueBackend
		qopts   = []QueueOption{
			WithMaxAttempts(s.cfg.Queue.MaxAttempts),
			WithOnEnqueue(func() { s.stats.Observe(OutcomeQueued, -1) }),
		}
	)
	switch s.cfg.Queue.Backend {
	case QueueBackendRedis:
		if s.redis == nil {
			opts, err := redis.ParseURL(s.cfg.Queue.RedisURL)
			if err != nil {
				return fmt.Errorf("queue.redisURL: %w", err)
			}
			s.redis = redis.NewClient(opts)
			s.ownsRedis = true
		}
		backend = newRedisQueue(s.redis, defaultRedisQueuePrefix)
		qopts = append(qopts, WithLocker(newRedsyncLocker(s.redis, defaultRedisQueuePrefix+":replay", 2*time.Minute)))
	default:
		lq, err := newLevelQueue(s.db)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		backend = lq
	}
	s.queue = NewMutationQueue(backend, HTTPDeliverer(s.transport), qopts...)
	return nil
}

// Start installs the configured generation and launches the background
// loops. A failed install is logged, not fatal: the previous generation, if
// any, keeps serving.
func (s *Service) Start(ctx context.Context) {
	if err := s.CheckForUpdate(ctx); err != nil {
		log.Errorf("initial install: %v", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(s.stopCh)
	}()

	if every := s.cfg.Sync.updateEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tickLoop(every, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := s.CheckForUpdate(ctx); err != nil {
					log.Warnf("update check: %v", err)
				}
			})
		}()
	}

	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tickLoop(every, s.logStats)
		}()
	}
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if s.ownsRedis {
		_ = s.redis.Close()
	}
	_ = s.db.Close()
}

func (s *Service) Registration() *Registration { return s.reg }
func (s *Service) Queue() *MutationQueue       { return s.queue }
func (s *Service) Monitor() *Monitor           { return s.monitor }

// Transport exposes interception to Go callers: requests go through the
// active worker exactly like proxied ones.
func (s *Service) Transport() http.RoundTripper {
	return roundTripFunc(s.reg.Fetch)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// CheckForUpdate runs the update protocol for the currently declared
// generations. It is a no-op when nothing changed.
func (s *Service) CheckForUpdate(ctx context.Context) error {
	gens, err := s.generations()
	if err != nil {
		return err
	}
	_, err = s.reg.Update(ctx, gens)
	return err
}

func (s *Service) tickLoop(every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			fn()
		}
	}
}

// replayAsync runs one replay pass in the background. Extra triggers while
// the semaphore is full are dropped, the running pass covers them.
func (s *Service) replayAsync() {
	select {
	case <-s.stopCh:
		return
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.queue.Replay(ctx); err != nil && !IsQueueBusy(err) {
			log.Warnf("replay: %v", err)
		}
	}()
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	queued, _ := s.queue.Len(context.Background())
	fields := log.Fields{
		"hit":      ss.Outcomes[OutcomeHit],
		"miss":     ss.Outcomes[OutcomeMiss],
		"network":  ss.Outcomes[OutcomeNetwork],
		"fallback": ss.Outcomes[OutcomeFallback],
		"bypass":   ss.Outcomes[OutcomeBypass],
		"queued":   queued,
		"online":   s.monitor.Online(),
	}
	if rss, ok := processRSSBytes(); ok {
		fields["rss"] = formatBytes(rss)
	}
	log.WithFields(fields).Infof(
		"RAM tier: %s, Resp min/avg/max %s/%s/%s",
		formatBytes(uint64(s.store.RAMSize())),
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
	)
}

// ---- http ----

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+controlPrefix+"message", s.handleMessage)
	mux.HandleFunc("POST "+controlPrefix+"sync", s.handleSync)
	mux.HandleFunc("POST "+controlPrefix+"update", s.handleUpdate)
	mux.HandleFunc("GET "+controlPrefix+"status", s.handleStatus)
	mux.HandleFunc("GET "+controlPrefix+"events", s.handleEvents)
	mux.HandleFunc("/", s.handle)
	return requestLogger(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"request_id": requestID,
			"status":     rec.status,
			"method":     r.Method,
			"path":       r.URL.Path,
			"outcome":    w.Header().Get(HeaderOutcome),
			"latency":    time.Since(start).String(),
		}).Debug("request")
	})
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	target := s.cfg.Server.Origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		var src io.Reader = r.Body
		if s.store.maxEntry > 0 {
			src = io.LimitReader(r.Body, s.store.maxEntry+1)
		}
		b, err := io.ReadAll(src)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if s.store.maxEntry > 0 && int64(len(b)) > s.store.maxEntry {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = b
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		setOutcomeHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	captures := s.cfg.Queue.CaptureWrites && r.Method != http.MethodGet && r.Method != http.MethodHead
	if captures && !s.monitor.Online() {
		s.captureWrite(w, req, body, nil)
		return
	}

	resp, err := s.reg.Fetch(req)
	if err != nil {
		if captures && IsNetworkError(err) {
			s.captureWrite(w, req, body, err)
			return
		}
		setOutcomeHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	writeResponse(w, resp)
}

// captureWrite enqueues a write the origin could not take. If the enqueue
// itself fails the caller gets the original failure.
func (s *Service) captureWrite(w http.ResponseWriter, req *http.Request, body []byte, cause error) {
	m, err := s.queue.Enqueue(req.Context(), req.URL.String(), req.Method, req.Header, body)
	if err != nil {
		log.Errorf("enqueue %s %s: %v", req.Method, req.URL, err)
		setOutcomeHeaders(w.Header(), OutcomeBadGateway)
		msg := "bad gateway"
		if cause != nil {
			msg = cause.Error()
		}
		http.Error(w, msg, http.StatusBadGateway)
		return
	}
	setOutcomeHeaders(w.Header(), OutcomeQueued)
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": m.ID})
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, HeaderOutcome) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), resp.Header.Get(HeaderOutcome))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(HeaderOutcome, outcome)
	}
	// Browsers hide custom headers from scripts in a CORS context unless exposed.
	ensureExposedHeader(h, HeaderOutcome)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
		return
	}
	err := s.reg.PostMessage(r.Context(), msg)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUnknownMessage):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNoWaitingWorker):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Replay(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case IsQueueBusy(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.CheckForUpdate(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.handleStatus(w, r)
}

type workerStatus struct {
	ID      int64    `json:"id"`
	State   string   `json:"state"`
	Regions []string `json:"regions"`
}

type serviceStatus struct {
	Active  *workerStatus `json:"active,omitempty"`
	Waiting *workerStatus `json:"waiting,omitempty"`
	Regions []string      `json:"regions"`
	Queued  int           `json:"queued"`
	Dead    []Mutation    `json:"dead,omitempty"`
	Online  bool          `json:"online"`
	Clients int           `json:"clients"`
	Stats   statsSnapshot `json:"stats"`
}

func describeWorker(w *Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{ID: w.ID(), State: w.State().String(), Regions: w.Generations().Current()}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := serviceStatus{
		Active:  describeWorker(s.reg.Active()),
		Waiting: describeWorker(s.reg.Waiting()),
		Online:  s.monitor.Online(),
		Clients: s.reg.ClientCount(),
		Stats:   s.stats.Snapshot(),
	}
	var err error
	if st.Regions, err = s.store.Regions(); err != nil {
		log.Warnf("status: %v", err)
	}
	if st.Queued, err = s.queue.Len(r.Context()); err != nil {
		log.Warnf("status: %v", err)
	}
	if st.Dead, err = s.queue.Dead(r.Context()); err != nil {
		log.Warnf("status: %v", err)
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEvents holds a server-sent events stream for one page. The page is
// a Client of the registration for as long as the stream is open.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := make(chan string, 4)
	send := func(ev string) {
		select {
		case events <- ev:
		default:
		}
	}
	c := NewClient(uuid.NewString(),
		func() { send("event: reload\ndata: {}\n\n") },
		func(nw *Worker) { send(fmt.Sprintf("event: controllerchange\ndata: {\"worker\":%d}\n\n", nw.ID())) },
	)
	s.reg.AddClient(c)
	defer s.reg.RemoveClient(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: hello\ndata: {\"client\":%q,\"state\":%q}\n\n", c.ID, c.State())
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		case ev := <-events:
			_, _ = io.WriteString(w, ev)
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
