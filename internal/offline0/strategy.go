package offline0

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// HeaderOutcome tells the caller how a response was produced.
const HeaderOutcome = "X-Offline0"

const (
	OutcomeHit        = "hit"      // served from a region
	OutcomeMiss       = "miss"     // fetched and written to a region
	OutcomeNetwork    = "network"  // fetched, not eligible for storage
	OutcomeFallback   = "fallback" // network failed, last known good served
	OutcomeBypass     = "bypass"   // not intercepted
	OutcomeQueued     = "queued"
	OutcomeBadGateway = "bad-gateway"
)

// Engine applies the caching strategy chosen by the Classifier. It is an
// http.RoundTripper, so Go callers can use it directly as a transport.
type Engine struct {
	gens       Generations
	classifier *Classifier
	store      *Store
	transport  http.RoundTripper
	vary       []string

	fills    singleflight.Group
	stats    *statsCollector
	storeLog *rateLimitedLogger
}

type EngineOptions struct {
	Generations Generations
	Classifier  *Classifier
	Store       *Store
	// Transport reaches the network. Defaults to http.DefaultTransport.
	Transport   http.RoundTripper
	VaryHeaders []string
	Stats       *statsCollector
}

func NewEngine(o EngineOptions) *Engine {
	tr := o.Transport
	if tr == nil {
		tr = http.DefaultTransport
	}
	return &Engine{
		gens:       o.Generations,
		classifier: o.Classifier,
		store:      o.Store,
		transport:  tr,
		vary:       o.VaryHeaders,
		stats:      o.Stats,
		storeLog:   newRateLimitedLogger(10 * time.Second),
	}
}

func (e *Engine) Generations() Generations { return e.gens }

func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	class := e.classifier.Classify(req)

	var (
		resp    *http.Response
		outcome string
		err     error
	)
	switch class {
	case DynamicAPI:
		resp, outcome, err = e.networkFirst(req)
	case RemoteImage:
		resp, outcome, err = e.cacheFirstImages(req)
	case ShellStatic:
		resp, outcome, err = e.cacheFirstShell(req)
	case Ignore, Passthrough:
		resp, outcome, err = e.passthrough(req)
	}
	if err != nil {
		return nil, err
	}
	resp.Header.Set(HeaderOutcome, outcome)
	if e.stats != nil {
		e.stats.Observe(outcome, resp.ContentLength)
	}
	return resp, nil
}

func (e *Engine) passthrough(req *http.Request) (*http.Response, string, error) {
	resp, err := e.transport.RoundTrip(req)
	if err != nil {
		return nil, "", networkError(err, req.URL.String())
	}
	return resp, OutcomeBypass, nil
}

// networkFirst: the network is authoritative, the dynamic region is only a
// degraded-mode fallback.
func (e *Engine) networkFirst(req *http.Request) (*http.Response, string, error) {
	id := NewIdentity(req, e.vary)
	region := e.gens.Region(RoleDynamic)

	snap, oversized, err := e.fetch(req)
	if err == nil && snap.Status >= 200 && snap.Status < 300 {
		if !oversized && e.persist(region, id, snap) {
			return snap.Response(req), OutcomeMiss, nil
		}
		return snap.Response(req), OutcomeNetwork, nil
	}

	if cached, ok := e.lookup(id, region); ok {
		log.WithFields(log.Fields{"url": id.URL, "cause": failureCause(snap, err)}).Debug("serving dynamic fallback")
		return cached.Response(req), OutcomeFallback, nil
	}
	if err != nil {
		return nil, "", err
	}
	return snap.Response(req), OutcomeNetwork, nil
}

type fillResult struct {
	snap    Snapshot
	outcome string
}

// cacheFirstImages never revalidates: a stored image is treated as immutable.
// Concurrent misses on one identity share a single network call.
func (e *Engine) cacheFirstImages(req *http.Request) (*http.Response, string, error) {
	id := NewIdentity(req, e.vary)
	region := e.gens.Region(RoleImages)

	if snap, ok := e.lookup(id, region); ok {
		return snap.Response(req), OutcomeHit, nil
	}

	v, err, _ := e.fills.Do(region+entrySep+id.Key(), func() (any, error) {
		if snap, ok := e.lookup(id, region); ok {
			return fillResult{snap: snap, outcome: OutcomeHit}, nil
		}
		// The fill outlives any single waiter, so it must not die with the
		// first caller's context.
		fillReq := req.Clone(context.WithoutCancel(req.Context()))
		snap, oversized, err := e.fetch(fillReq)
		if err != nil {
			return nil, err
		}
		if !oversized && e.persist(region, id, snap) {
			return fillResult{snap: snap, outcome: OutcomeMiss}, nil
		}
		return fillResult{snap: snap, outcome: OutcomeNetwork}, nil
	})
	if err != nil {
		return nil, "", err
	}
	fr := v.(fillResult)
	return fr.snap.Response(req), fr.outcome, nil
}

// cacheFirstShell serves the shell or anything discovered at runtime from the
// dynamic region, filling the dynamic region on a miss. The shell region is
// seeded without vary headers and is looked up the same way.
func (e *Engine) cacheFirstShell(req *http.Request) (*http.Response, string, error) {
	seedID := identityFor(req.Method, req.URL, nil, nil)
	id := NewIdentity(req, e.vary)
	shell := e.gens.Region(RoleShell)
	dynamic := e.gens.Region(RoleDynamic)

	if snap, ok := e.lookup(seedID, shell); ok {
		return snap.Response(req), OutcomeHit, nil
	}
	if snap, ok := e.lookup(id, dynamic); ok {
		return snap.Response(req), OutcomeHit, nil
	}

	snap, oversized, err := e.fetch(req)
	if err != nil {
		if cached, ok := e.lookup(id, dynamic); ok {
			return cached.Response(req), OutcomeFallback, nil
		}
		return nil, "", err
	}
	if !oversized && e.persist(dynamic, id, snap) {
		return snap.Response(req), OutcomeMiss, nil
	}
	return snap.Response(req), OutcomeNetwork, nil
}

// fetch performs the network call and captures the response. Only transport
// failures are errors; a 500 is a valid snapshot.
func (e *Engine) fetch(req *http.Request) (Snapshot, bool, error) {
	resp, err := e.transport.RoundTrip(req)
	if err != nil {
		return Snapshot{}, false, networkError(err, req.URL.String())
	}
	snap, oversized, err := snapshotResponse(resp, e.store.maxEntry)
	if err != nil {
		return Snapshot{}, false, networkError(err, req.URL.String())
	}
	return snap, oversized, nil
}

// lookup reads the regions in order. Store failures count as a miss.
func (e *Engine) lookup(id Identity, regions ...string) (Snapshot, bool) {
	snap, _, ok, err := e.store.MatchAny(id, regions...)
	if err != nil {
		e.storeLog.Printf("cache read %s: %v", id.URL, err)
		return Snapshot{}, false
	}
	return snap, ok
}

// persist writes an independent copy of snap. Failures are logged, never
// returned: a cache write must not fail the caller's request.
func (e *Engine) persist(region string, id Identity, snap Snapshot) bool {
	if !snap.persistable() {
		return false
	}
	if err := e.store.Put(region, id, snap.Clone()); err != nil {
		e.storeLog.Printf("cache write %s into %s: %v", id.URL, region, err)
		return false
	}
	return true
}

func failureCause(snap Snapshot, err error) string {
	if err != nil {
		return err.Error()
	}
	return statusError(snap.Response(nil)).Error()
}
