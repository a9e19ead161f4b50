package offline0

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	perrors "github.com/jmgilman/go/errors"
	log "github.com/sirupsen/logrus"
)

// HeaderIdempotencyKey carries the mutation id on every delivery attempt so
// the backend can drop a duplicate.
const HeaderIdempotencyKey = "Idempotency-Key"

// Mutation is a non-idempotent request waiting for delivery.
type Mutation struct {
	ID         string      `json:"id"`
	Seq        uint64      `json:"seq"`
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Header     http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"lastError,omitempty"`
}

// QueueBackend is durable, insertion-ordered storage for mutations. Append
// and Remove must each be atomic.
type QueueBackend interface {
	// Append assigns m.Seq and persists m at the tail.
	Append(ctx context.Context, m *Mutation) error
	// List returns every queued mutation, oldest first.
	List(ctx context.Context) ([]Mutation, error)
	// Remove deletes the mutation with id and reports whether it existed.
	Remove(ctx context.Context, id string) (bool, error)
	// Update rewrites a queued mutation in place (attempt bookkeeping).
	Update(ctx context.Context, m Mutation) error
	// Bury moves a mutation from the queue to the dead-letter list.
	Bury(ctx context.Context, m Mutation) error
	ListDead(ctx context.Context) ([]Mutation, error)
	Len(ctx context.Context) (int, error)
}

// Deliverer sends one mutation. nil means the server accepted it.
type Deliverer func(ctx context.Context, m Mutation) error

// Locker excludes concurrent replays across processes sharing a backend.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type ReplayResult struct {
	Delivered int `json:"replayed"`
	Buried    int `json:"buried"`
	Remaining int `json:"remaining"`
	// HeadError is why replay stopped early, empty when the queue drained.
	HeadError string `json:"headError,omitempty"`
}

// MutationQueue is the only owner of queued mutations.
type MutationQueue struct {
	backend     QueueBackend
	deliver     Deliverer
	locker      Locker
	maxAttempts int

	replaying sync.Mutex
	onChange  func()
}

type QueueOption func(*MutationQueue)

// WithLocker adds cross-process exclusion on top of the in-process one.
func WithLocker(l Locker) QueueOption {
	return func(q *MutationQueue) { q.locker = l }
}

// WithMaxAttempts buries a head mutation after n failed deliveries. 0 keeps
// retrying forever.
func WithMaxAttempts(n int) QueueOption {
	return func(q *MutationQueue) { q.maxAttempts = n }
}

// WithOnEnqueue registers a callback run after every successful Enqueue.
func WithOnEnqueue(fn func()) QueueOption {
	return func(q *MutationQueue) { q.onChange = fn }
}

func NewMutationQueue(backend QueueBackend, deliver Deliverer, opts ...QueueOption) *MutationQueue {
	q := &MutationQueue{backend: backend, deliver: deliver}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a mutation and returns once it is durable.
func (q *MutationQueue) Enqueue(ctx context.Context, url, method string, header http.Header, body []byte) (Mutation, error) {
	method = strings.ToUpper(method)
	if method == "" || method == http.MethodGet || method == http.MethodHead {
		return Mutation{}, perrors.Newf(perrors.CodeInvalidInput, "refusing to queue %s request", method)
	}
	m := Mutation{
		ID:         uuid.NewString(),
		URL:        url,
		Method:     method,
		Header:     cloneHeader(header),
		Body:       append([]byte(nil), body...),
		EnqueuedAt: time.Now().UTC(),
	}
	m.Header.Del(HeaderIdempotencyKey)
	if err := q.backend.Append(ctx, &m); err != nil {
		return Mutation{}, perrors.Wrap(err, perrors.CodeDatabase, "enqueue mutation")
	}
	log.WithFields(log.Fields{"id": m.ID, "method": m.Method, "url": m.URL}).Info("mutation queued")
	if q.onChange != nil {
		q.onChange()
	}
	return m, nil
}

// Replay delivers queued mutations oldest first. It removes each delivered
// one and stops at the first failure so nothing overtakes a stuck head.
// A replay racing another returns ErrReplayInProgress without sending.
func (q *MutationQueue) Replay(ctx context.Context) (ReplayResult, error) {
	if !q.replaying.TryLock() {
		return ReplayResult{}, ErrReplayInProgress
	}
	defer q.replaying.Unlock()

	if q.locker != nil {
		ok, err := q.locker.TryLock(ctx)
		if err != nil {
			return ReplayResult{}, err
		}
		if !ok {
			return ReplayResult{}, ErrReplayInProgress
		}
		defer func() {
			if err := q.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warnf("replay unlock: %v", err)
			}
		}()
	}

	var res ReplayResult
	items, err := q.backend.List(ctx)
	if err != nil {
		return res, perrors.Wrap(err, perrors.CodeDatabase, "list queued mutations")
	}
	for _, m := range items {
		if err := ctx.Err(); err != nil {
			res.HeadError = err.Error()
			break
		}
		derr := q.deliver(ctx, m)
		if derr == nil {
			if _, err := q.backend.Remove(ctx, m.ID); err != nil {
				return res, perrors.Wrap(err, perrors.CodeDatabase, "remove delivered mutation")
			}
			res.Delivered++
			continue
		}

		m.Attempts++
		m.LastError = derr.Error()
		if q.maxAttempts > 0 && m.Attempts >= q.maxAttempts {
			if err := q.backend.Bury(ctx, m); err != nil {
				return res, perrors.Wrap(err, perrors.CodeDatabase, "bury mutation")
			}
			log.WithFields(log.Fields{"id": m.ID, "attempts": m.Attempts}).Warnf("mutation moved to dead letters: %v", derr)
			res.Buried++
			continue
		}
		if err := q.backend.Update(ctx, m); err != nil {
			log.WithField("id", m.ID).Warnf("record attempt: %v", err)
		}
		res.HeadError = derr.Error()
		break
	}

	n, err := q.backend.Len(ctx)
	if err != nil {
		return res, perrors.Wrap(err, perrors.CodeDatabase, "count queued mutations")
	}
	res.Remaining = n
	if res.Delivered > 0 || res.Buried > 0 || res.HeadError != "" {
		log.WithFields(log.Fields{
			"delivered": res.Delivered,
			"buried":    res.Buried,
			"remaining": res.Remaining,
		}).Info("replay pass finished")
	}
	return res, nil
}

func (q *MutationQueue) List(ctx context.Context) ([]Mutation, error) { return q.backend.List(ctx) }

func (q *MutationQueue) Dead(ctx context.Context) ([]Mutation, error) { return q.backend.ListDead(ctx) }

func (q *MutationQueue) Len(ctx context.Context) (int, error) { return q.backend.Len(ctx) }

// HTTPDeliverer delivers over rt. Any 2xx is success; everything else,
// including transport errors, keeps the mutation queued.
func HTTPDeliverer(rt http.RoundTripper) Deliverer {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return func(ctx context.Context, m Mutation) error {
		req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, bytes.NewReader(m.Body))
		if err != nil {
			return perrors.Wrap(err, perrors.CodeInvalidInput, "build replay request")
		}
		copyHeaders(req.Header, m.Header)
		req.Header.Set(HeaderIdempotencyKey, m.ID)

		resp, err := rt.RoundTrip(req)
		if err != nil {
			return networkError(err, m.URL)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp)
		}
		return nil
	}
}

// IsQueueBusy reports a replay that was skipped because another one runs.
func IsQueueBusy(err error) bool { return errors.Is(err, ErrReplayInProgress) }
