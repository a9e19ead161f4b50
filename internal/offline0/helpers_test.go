package offline0

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func newTestDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := openLevelDB(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(newTestDB(t), 1<<20, 1<<20)
}

func gensAt(tag string) Generations {
	return Generations{RoleShell: tag, RoleDynamic: tag, RoleImages: tag}
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

var errOffline = errors.New("dial tcp: connection refused")

// scriptedTransport answers from a per-URL table and counts calls. Setting
// offline makes every call fail at the transport level.
type scriptedTransport struct {
	mu      sync.Mutex
	routes  map[string]func(*http.Request) *http.Response
	calls   map[string]int
	offline atomic.Bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		routes: map[string]func(*http.Request) *http.Response{},
		calls:  map[string]int{},
	}
}

func (s *scriptedTransport) handle(url string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[url] = func(*http.Request) *http.Response { return textResponse(status, body) }
}

func (s *scriptedTransport) Calls(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

func (s *scriptedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	url := r.URL.String()
	s.mu.Lock()
	s.calls[url]++
	fn, ok := s.routes[url]
	s.mu.Unlock()
	if s.offline.Load() {
		return nil, errOffline
	}
	if !ok {
		return textResponse(http.StatusNotFound, `{"error":"not found"}`), nil
	}
	return fn(r), nil
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func mustRequest(t *testing.T, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	return req
}
