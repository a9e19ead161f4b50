package offline0

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// WorkerState follows installing -> installed (waiting) -> activating -> activated.
// A worker that fails to install or is replaced becomes redundant.
type WorkerState int32

const (
	StateInstalling WorkerState = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s WorkerState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("WorkerState(%d)", int32(s))
}

// Message is the only inbound lifecycle message shape.
type Message struct {
	Type string `json:"type"`
}

const MessageSkipWaiting = "SKIP_WAITING"

// Worker is one generation of the interception engine.
type Worker struct {
	id     int64
	gens   Generations
	engine *Engine
	events *Dispatcher
	reg    *Registration

	state       atomic.Int32
	skipWaiting atomic.Bool
}

func (w *Worker) ID() int64                { return w.id }
func (w *Worker) Generations() Generations { return w.gens }
func (w *Worker) State() WorkerState       { return WorkerState(w.state.Load()) }
func (w *Worker) Engine() *Engine          { return w.engine }

func (w *Worker) setState(s WorkerState) {
	old := WorkerState(w.state.Swap(int32(s)))
	if old != s {
		log.WithFields(log.Fields{"worker": w.id, "from": old, "to": s}).Info("worker state change")
	}
}

func (w *Worker) onInstall(ctx context.Context, _ Event) (*http.Response, error) {
	if _, err := w.reg.seeder.seed(ctx, w.reg.store, w.gens.Region(RoleShell)); err != nil {
		return nil, err
	}
	if !w.reg.holdUpdates {
		w.skipWaiting.Store(true)
	}
	return nil, nil
}

func (w *Worker) onActivate(_ context.Context, _ Event) (*http.Response, error) {
	if _, err := w.gens.Collect(w.reg.store); err != nil {
		return nil, err
	}
	w.reg.claim(w)
	return nil, nil
}

func (w *Worker) onFetch(_ context.Context, ev Event) (*http.Response, error) {
	return w.engine.RoundTrip(ev.Request)
}

func (w *Worker) onMessage(_ context.Context, ev Event) (*http.Response, error) {
	if ev.Message.Type != MessageSkipWaiting {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, ev.Message.Type)
	}
	w.skipWaiting.Store(true)
	return nil, nil
}

// RegistrationOptions wires a Registration to its collaborators.
type RegistrationOptions struct {
	Store *Store
	// NewEngine builds the strategy engine for a generation.
	NewEngine func(Generations) *Engine
	// Transport is used for uncontrolled fetches and for shell seeding.
	Transport     http.RoundTripper
	Origin        string
	Manifest      []string
	AssetManifest string
	// HoldUpdates keeps installed workers waiting for SKIP_WAITING instead
	// of activating them right away.
	HoldUpdates bool
}

// Registration owns the worker lifecycle and the set of consumer clients.
// Transitions are serialised by mu; fetches only read the active pointer.
type Registration struct {
	store       *Store
	newEngine   func(Generations) *Engine
	transport   http.RoundTripper
	seeder      *shellSeeder
	holdUpdates bool

	mu      sync.Mutex
	waiting *Worker
	nextID  int64

	active atomic.Pointer[Worker]

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
}

func NewRegistration(o RegistrationOptions) *Registration {
	tr := o.Transport
	if tr == nil {
		tr = http.DefaultTransport
	}
	return &Registration{
		store:       o.Store,
		newEngine:   o.NewEngine,
		transport:   tr,
		holdUpdates: o.HoldUpdates,
		seeder: &shellSeeder{
			origin:        o.Origin,
			manifest:      o.Manifest,
			assetManifest: o.AssetManifest,
			transport:     tr,
			concurrency:   8,
		},
		clients: map[*Client]struct{}{},
	}
}

// Active returns the controlling worker, or nil before the first activation.
func (r *Registration) Active() *Worker { return r.active.Load() }

// Waiting returns the installed worker waiting for activation, if any.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Update installs a worker for gens unless the active or waiting worker
// already serves exactly those generations. A failed install leaves the
// current worker in charge and its regions untouched.
func (r *Registration) Update(ctx context.Context, gens Generations) (*Worker, error) {
	w, installed, err := r.update(ctx, gens)
	if installed {
		r.notifyInstalled(w)
	}
	return w, err
}

func (r *Registration) update(ctx context.Context, gens Generations) (*Worker, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a := r.active.Load(); a != nil && a.gens.Equal(gens) && r.waiting == nil {
		return a, false, nil
	}
	if r.waiting != nil && r.waiting.gens.Equal(gens) {
		return r.waiting, false, nil
	}

	w := r.newWorkerLocked(gens)
	w.setState(StateInstalling)

	if _, err := w.events.Dispatch(ctx, Event{Kind: EventInstall}).Wait(ctx); err != nil {
		w.setState(StateRedundant)
		return nil, false, fmt.Errorf("%w: generation %s: %v", ErrInstallFailed, gens, err)
	}
	w.setState(StateInstalled)
	if r.waiting != nil {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = w

	// Nothing to wait for when no worker is in control yet.
	if w.skipWaiting.Load() || r.active.Load() == nil {
		if err := r.activateLocked(ctx, w); err != nil {
			return w, true, err
		}
	}
	return w, true, nil
}

// PostMessage delivers msg to the waiting worker. SKIP_WAITING activates it.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.waiting
	if w == nil {
		if msg.Type != MessageSkipWaiting {
			return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
		}
		return ErrNoWaitingWorker
	}
	if _, err := w.events.Dispatch(ctx, Event{Kind: EventMessage, Message: msg}).Wait(ctx); err != nil {
		return err
	}
	if !w.skipWaiting.Load() {
		return nil
	}
	return r.activateLocked(ctx, w)
}

func (r *Registration) activateLocked(ctx context.Context, w *Worker) error {
	w.setState(StateActivating)
	if _, err := w.events.Dispatch(ctx, Event{Kind: EventActivate}).Wait(ctx); err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("activate generation %s: %w", w.gens, err)
	}
	w.setState(StateActivated)
	if r.waiting == w {
		r.waiting = nil
	}
	if err := r.store.SaveActive(w.gens); err != nil {
		log.Warnf("persist active generation: %v", err)
	}
	return nil
}

// Restore resumes control with a worker for gens that was activated by an
// earlier process. Nothing is fetched and nothing is collected.
func (r *Registration) Restore(gens Generations) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.newWorkerLocked(gens)
	w.setState(StateActivated)
	r.claim(w)
	return w
}

func (r *Registration) newWorkerLocked(gens Generations) *Worker {
	r.nextID++
	w := &Worker{id: r.nextID, gens: gens, engine: r.newEngine(gens), events: NewDispatcher(), reg: r}
	w.events.On(EventInstall, w.onInstall)
	w.events.On(EventActivate, w.onActivate)
	w.events.On(EventFetch, w.onFetch)
	w.events.On(EventMessage, w.onMessage)
	return w
}

// claim makes w the controller of every open client.
func (r *Registration) claim(w *Worker) {
	if old := r.active.Swap(w); old != nil && old != w {
		old.setState(StateRedundant)
	}
	r.clientsMu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clientsMu.Unlock()
	for _, c := range clients {
		c.controllerChanged(w)
	}
}

func (r *Registration) notifyInstalled(w *Worker) {
	if w.State() != StateInstalled {
		return
	}
	r.clientsMu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clientsMu.Unlock()
	for _, c := range clients {
		c.workerInstalled(w)
	}
}

// Fetch routes req through the active worker. Before any activation the
// registration is uncontrolled and requests go straight to the network.
func (r *Registration) Fetch(req *http.Request) (*http.Response, error) {
	w := r.active.Load()
	if w == nil {
		resp, err := r.transport.RoundTrip(req)
		if err != nil {
			return nil, networkError(err, req.URL.String())
		}
		resp.Header.Set(HeaderOutcome, OutcomeBypass)
		return resp, nil
	}
	ctx := req.Context()
	f := w.events.Dispatch(ctx, Event{Kind: EventFetch, Request: req})
	resp, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// caller went away; release whatever the handler still produces
		go func() {
			<-f.Done()
			if f.resp != nil {
				f.resp.Body.Close()
			}
		}()
	}
	return resp, err
}

// AddClient attaches a consumer. It is controlled immediately when a worker
// is active, without a controllerchange.
func (r *Registration) AddClient(c *Client) {
	c.reg = r
	if w := r.active.Load(); w != nil {
		c.setController(w)
	}
	r.clientsMu.Lock()
	r.clients[c] = struct{}{}
	r.clientsMu.Unlock()
}

func (r *Registration) RemoveClient(c *Client) {
	r.clientsMu.Lock()
	delete(r.clients, c)
	r.clientsMu.Unlock()
}

func (r *Registration) ClientCount() int {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	return len(r.clients)
}
