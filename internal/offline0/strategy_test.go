package offline0

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	favoritesURL = "http://app.test/api/favorites"
	spriteURL    = "https://raw.githubusercontent.com/sprites/25.png"
)

func newTestEngine(t *testing.T, tr http.RoundTripper) (*Engine, *Store) {
	t.Helper()
	s := newTestStore(t)
	e := NewEngine(EngineOptions{
		Generations: gensAt("v1"),
		Classifier: NewClassifier(RoutingConfig{
			DynamicPrefixes: []string{"/api/favorites", "/api/teams"},
			ImageHosts:      []string{"raw.githubusercontent.com"},
		}),
		Store:       s,
		Transport:   tr,
		VaryHeaders: []string{"Authorization"},
		Stats:       newStatsCollector(),
	})
	return e, s
}

func TestEngine_NetworkFirstStoresAndFallsBack(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle(favoritesURL, http.StatusOK, `{"favorites":[]}`)
	e, s := newTestEngine(t, tr)

	req := mustRequest(t, http.MethodGet, favoritesURL, nil)
	resp, err := e.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, OutcomeMiss, resp.Header.Get(HeaderOutcome))
	require.Equal(t, `{"favorites":[]}`, readBody(t, resp))

	snap, ok, err := s.Match("dynamic@v1", NewIdentity(req, e.vary))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"favorites":[]}`, string(snap.Body))

	tr.offline.Store(true)
	resp, err = e.RoundTrip(mustRequest(t, http.MethodGet, favoritesURL, nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeFallback, resp.Header.Get(HeaderOutcome))
	require.Equal(t, `{"favorites":[]}`, readBody(t, resp))
	require.Equal(t, 2, tr.Calls(favoritesURL), "network is always tried first")
}

func TestEngine_NetworkFirstServerErrorUsesSnapshot(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle(favoritesURL, http.StatusOK, `{"favorites":[1]}`)
	e, _ := newTestEngine(t, tr)

	resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, favoritesURL, nil))
	require.NoError(t, err)
	readBody(t, resp)

	tr.handle(favoritesURL, http.StatusServiceUnavailable, `{"error":"down"}`)
	resp, err = e.RoundTrip(mustRequest(t, http.MethodGet, favoritesURL, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, OutcomeFallback, resp.Header.Get(HeaderOutcome))
	require.Equal(t, `{"favorites":[1]}`, readBody(t, resp))
}

func TestEngine_NetworkFirstWithoutSnapshot(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle(favoritesURL, http.StatusInternalServerError, `{"error":"boom"}`)
	e, s := newTestEngine(t, tr)

	resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, favoritesURL, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, OutcomeNetwork, resp.Header.Get(HeaderOutcome))
	readBody(t, resp)

	keys, err := s.Keys("dynamic@v1")
	require.NoError(t, err)
	require.Empty(t, keys, "error responses are never cached")

	tr.offline.Store(true)
	_, err = e.RoundTrip(mustRequest(t, http.MethodGet, favoritesURL, nil))
	require.Error(t, err)
	require.True(t, IsNetworkError(err))
}

func TestEngine_DynamicIdentityVariesByAuthorization(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle(favoritesURL, http.StatusOK, `{"favorites":["ash"]}`)
	e, _ := newTestEngine(t, tr)

	ash := mustRequest(t, http.MethodGet, favoritesURL, nil)
	ash.Header.Set("Authorization", "Bearer ash")
	resp, err := e.RoundTrip(ash)
	require.NoError(t, err)
	readBody(t, resp)

	tr.offline.Store(true)
	misty := mustRequest(t, http.MethodGet, favoritesURL, nil)
	misty.Header.Set("Authorization", "Bearer misty")
	_, err = e.RoundTrip(misty)
	require.Error(t, err, "one user's data is never a fallback for another")
}

func TestEngine_ImagesHitNetworkOnce(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle(spriteURL, http.StatusOK, "PNG")
	e, _ := newTestEngine(t, tr)

	for i := 0; i < 3; i++ {
		resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, spriteURL, nil))
		require.NoError(t, err)
		require.Equal(t, "PNG", readBody(t, resp))
		if i == 0 {
			require.Equal(t, OutcomeMiss, resp.Header.Get(HeaderOutcome))
		} else {
			require.Equal(t, OutcomeHit, resp.Header.Get(HeaderOutcome))
		}
	}
	require.Equal(t, 1, tr.Calls(spriteURL))

	tr.offline.Store(true)
	resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, spriteURL, nil))
	require.NoError(t, err)
	require.Equal(t, "PNG", readBody(t, resp))
}

func TestEngine_ImagesConcurrentMissesShareOneFetch(t *testing.T) {
	tr := newScriptedTransport()
	tr.routes[spriteURL] = func(*http.Request) *http.Response {
		time.Sleep(50 * time.Millisecond)
		return textResponse(http.StatusOK, "PNG")
	}
	e, _ := newTestEngine(t, tr)

	var wg sync.WaitGroup
	bodies := make([]string, 16)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, spriteURL, nil))
			if err != nil {
				return
			}
			bodies[i] = readBody(t, resp)
		}()
	}
	wg.Wait()

	for _, b := range bodies {
		require.Equal(t, "PNG", b)
	}
	require.Equal(t, 1, tr.Calls(spriteURL))
}

func TestEngine_ImagesFailuresAreNotCached(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle(spriteURL, http.StatusNotFound, "")
	e, _ := newTestEngine(t, tr)

	for i := 0; i < 2; i++ {
		resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, spriteURL, nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, OutcomeNetwork, resp.Header.Get(HeaderOutcome))
		readBody(t, resp)
	}
	require.Equal(t, 2, tr.Calls(spriteURL))

	tr.offline.Store(true)
	_, err := e.RoundTrip(mustRequest(t, http.MethodGet, "https://raw.githubusercontent.com/sprites/1.png", nil))
	require.True(t, IsNetworkError(err))
}

func TestEngine_ShellServesSeededThenRuntimeEntries(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle("http://app.test/assets/chunk.js", http.StatusOK, "chunk")
	e, s := newTestEngine(t, tr)

	seeded := mustRequest(t, http.MethodGet, "http://app.test/app.js", nil)
	require.NoError(t, s.Put("shell@v1", identityFor(http.MethodGet, seeded.URL, nil, nil), testSnapshot("app")))

	resp, err := e.RoundTrip(seeded)
	require.NoError(t, err)
	require.Equal(t, OutcomeHit, resp.Header.Get(HeaderOutcome))
	require.Equal(t, "app", readBody(t, resp))
	require.Zero(t, tr.Calls("http://app.test/app.js"))

	resp, err = e.RoundTrip(mustRequest(t, http.MethodGet, "http://app.test/assets/chunk.js", nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeMiss, resp.Header.Get(HeaderOutcome))
	readBody(t, resp)

	keys, err := s.Keys("dynamic@v1")
	require.NoError(t, err)
	require.Len(t, keys, 1, "runtime-discovered assets land in the dynamic region")

	tr.offline.Store(true)
	resp, err = e.RoundTrip(mustRequest(t, http.MethodGet, "http://app.test/assets/chunk.js", nil))
	require.NoError(t, err)
	require.Equal(t, "chunk", readBody(t, resp))

	_, err = e.RoundTrip(mustRequest(t, http.MethodGet, "http://app.test/never-seen.js", nil))
	require.True(t, IsNetworkError(err))
}

func TestEngine_NoStoreAndOversizedAreServedNotStored(t *testing.T) {
	tr := newScriptedTransport()
	tr.routes["http://app.test/private.js"] = func(*http.Request) *http.Response {
		r := textResponse(http.StatusOK, "secret")
		r.Header.Set("Cache-Control", "private, no-store")
		return r
	}
	e, s := newTestEngine(t, tr)
	s.maxEntry = 4
	tr.handle("http://app.test/big.js", http.StatusOK, "0123456789")

	for _, u := range []string{"http://app.test/private.js", "http://app.test/big.js"} {
		resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, u, nil))
		require.NoError(t, err)
		require.Equal(t, OutcomeNetwork, resp.Header.Get(HeaderOutcome))
		readBody(t, resp)
	}
	keys, err := s.Keys("dynamic@v1")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestEngine_IgnoredRequestsPassThrough(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle("http://app.test/api/teams", http.StatusCreated, `{"id":1}`)
	e, s := newTestEngine(t, tr)

	resp, err := e.RoundTrip(mustRequest(t, http.MethodPost, "http://app.test/api/teams", nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeBypass, resp.Header.Get(HeaderOutcome))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	readBody(t, resp)

	regions, err := s.Regions()
	require.NoError(t, err)
	require.Empty(t, regions)
}

func TestEngine_ShellHitIgnoresAuthorization(t *testing.T) {
	tr := newScriptedTransport()
	tr.offline.Store(true)
	e, s := newTestEngine(t, tr)

	seeded := mustRequest(t, http.MethodGet, "http://app.test/app.js", nil)
	require.NoError(t, s.Put("shell@v1", identityFor(http.MethodGet, seeded.URL, nil, nil), testSnapshot("app")))

	for _, auth := range []string{"", "Bearer tok-1", "Bearer tok-2"} {
		req := mustRequest(t, http.MethodGet, "http://app.test/app.js", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := e.RoundTrip(req)
		require.NoError(t, err, auth)
		require.Equal(t, OutcomeHit, resp.Header.Get(HeaderOutcome), auth)
		require.Equal(t, "app", readBody(t, resp))
	}
	require.Zero(t, tr.Calls("http://app.test/app.js"))
}

func TestEngine_StoreWriteFailureDoesNotFailRequest(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle(favoritesURL, http.StatusOK, `{"favorites":[]}`)
	tr.handle("http://app.test/app.js", http.StatusOK, "app")
	tr.handle(spriteURL, http.StatusOK, "png")
	e, s := newTestEngine(t, tr)
	require.NoError(t, s.db.Close())

	for _, u := range []string{favoritesURL, "http://app.test/app.js", spriteURL} {
		resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, u, nil))
		require.NoError(t, err, u)
		require.Equal(t, http.StatusOK, resp.StatusCode, u)
		require.Equal(t, OutcomeNetwork, resp.Header.Get(HeaderOutcome), u)
		readBody(t, resp)
	}
}

func TestEngine_StoreReadFailureCountsAsMiss(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle("http://app.test/app.js", http.StatusOK, "fresh")
	e, s := newTestEngine(t, tr)

	shellReq := mustRequest(t, http.MethodGet, "http://app.test/app.js", nil)
	require.NoError(t, s.db.Put(entryKey("shell@v1", identityFor(http.MethodGet, shellReq.URL, nil, nil)), []byte("not gob"), nil))

	resp, err := e.RoundTrip(shellReq)
	require.NoError(t, err)
	require.Equal(t, OutcomeMiss, resp.Header.Get(HeaderOutcome))
	require.Equal(t, "fresh", readBody(t, resp))
	require.Equal(t, 1, tr.Calls("http://app.test/app.js"))

	favReq := mustRequest(t, http.MethodGet, favoritesURL, nil)
	require.NoError(t, s.db.Put(entryKey("dynamic@v1", NewIdentity(favReq, e.vary)), []byte("not gob"), nil))
	tr.offline.Store(true)
	_, err = e.RoundTrip(favReq)
	require.True(t, IsNetworkError(err), "an unreadable snapshot is no fallback")
}

func TestEngine_HostlessRequestPassesThrough(t *testing.T) {
	tr := newScriptedTransport()
	tr.handle("/app.js", http.StatusOK, "app")
	e, s := newTestEngine(t, tr)

	resp, err := e.RoundTrip(mustRequest(t, http.MethodGet, "/app.js", nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeBypass, resp.Header.Get(HeaderOutcome))
	require.Equal(t, "app", readBody(t, resp))

	regions, err := s.Regions()
	require.NoError(t, err)
	require.Empty(t, regions)
}
