package offline0

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// Monitor tracks whether the origin is reachable. It probes on a fixed
// period while online and with exponential backoff while offline, and calls
// onReconnect on every offline -> online transition.
type Monitor struct {
	probeURL    string
	transport   http.RoundTripper
	every       time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	offline atomic.Bool
}

func NewMonitor(probeURL string, rt http.RoundTripper, every, maxBackoff time.Duration, onReconnect func()) *Monitor {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Monitor{
		probeURL:    probeURL,
		transport:   rt,
		every:       every,
		maxBackoff:  maxBackoff,
		onReconnect: onReconnect,
	}
}

// Online is optimistic: the origin counts as reachable until a probe or a
// reported failure says otherwise.
func (m *Monitor) Online() bool { return !m.offline.Load() }

// Report feeds the outcome of a real request into the monitor. Only
// transport failures mark the origin offline.
func (m *Monitor) Report(err error) {
	if err != nil && !IsNetworkError(err) {
		return
	}
	m.set(err == nil)
}

// Watch wraps next so that every round trip to originHost feeds the monitor.
// Requests to other hosts say nothing about the origin and are not reported,
// nor are calls abandoned by their caller.
func (m *Monitor) Watch(originHost string, next http.RoundTripper) http.RoundTripper {
	return &watchedTransport{m: m, host: originHost, next: next}
}

type watchedTransport struct {
	m    *Monitor
	host string
	next http.RoundTripper
}

func (t *watchedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if !strings.EqualFold(req.URL.Host, t.host) {
		return resp, err
	}
	switch {
	case err == nil:
		t.m.Report(nil)
	case req.Context().Err() == nil:
		t.m.Report(networkError(err, req.URL.String()))
	}
	return resp, err
}

func (m *Monitor) set(online bool) {
	wasOffline := m.offline.Swap(!online)
	switch {
	case wasOffline && online:
		log.WithField("probe", m.probeURL).Info("origin reachable again")
		if m.onReconnect != nil {
			go m.onReconnect()
		}
	case !wasOffline && !online:
		log.WithField("probe", m.probeURL).Warn("origin unreachable, switching to offline mode")
	}
}

// Probe issues one request to the probe URL. Any HTTP answer, even a 5xx,
// proves the network path works.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.transport.RoundTrip(req)
	if err != nil {
		m.set(false)
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	m.set(true)
	return true
}

// Run probes until stop is closed.
func (m *Monitor) Run(stop <-chan struct{}) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(time.Second, m.maxBackoff)
	b.MaxInterval = m.maxBackoff
	b.Reset()

	for {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		ok := m.Probe(ctx)
		cancel()

		wait := m.every
		if ok {
			b.Reset()
		} else {
			wait = b.NextBackOff()
		}
		t := time.NewTimer(wait)
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
		}
	}
}
