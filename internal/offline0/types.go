package offline0

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Identity is the cache key of a request: method, absolute URL and the
// configured vary headers that were present on the request.
type Identity struct {
	Method string
	URL    string
	Vary   string
}

// Key is the string form used inside a region.
func (id Identity) Key() string {
	if id.Vary == "" {
		return id.Method + " " + id.URL
	}
	return id.Method + " " + id.URL + " " + id.Vary
}

func (id Identity) String() string { return id.Key() }

// NewIdentity builds the identity of r. Header values are hashed so bearer
// tokens never end up in leveldb keys.
func NewIdentity(r *http.Request, vary []string) Identity {
	return identityFor(r.Method, r.URL, r.Header, vary)
}

func identityFor(method string, u *url.URL, h http.Header, vary []string) Identity {
	uu := *u
	uu.Fragment = ""
	uu.RawFragment = ""
	id := Identity{Method: strings.ToUpper(method), URL: uu.String()}
	if len(vary) == 0 {
		return id
	}
	parts := make([]string, 0, len(vary))
	for _, name := range vary {
		v := h.Get(name)
		if v == "" {
			continue
		}
		sum := sha256.Sum256([]byte(v))
		parts = append(parts, strings.ToLower(name)+"="+hex.EncodeToString(sum[:8]))
	}
	sort.Strings(parts)
	id.Vary = strings.Join(parts, ";")
	return id
}

// Snapshot is an immutable capture of a network response. Readers get their
// own body via Response; the store always gets a Clone.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// snapshotResponse consumes and closes resp.Body. A response whose body is
// larger than maxBody (when > 0) is still captured, but oversized reports it.
func snapshotResponse(resp *http.Response, maxBody int64) (snap Snapshot, oversized bool, err error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, false, err
	}
	snap = Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	snap.Header.Del("Content-Length")
	return snap, maxBody > 0 && int64(len(body)) > maxBody, nil
}

// Clone returns a deep copy that shares nothing with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = cloneHeader(s.Header)
	out.Body = append([]byte(nil), s.Body...)
	return out
}

// Response materialises s as a fresh *http.Response with its own body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	h := cloneHeader(s.Header)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// persistable reports whether a snapshot may be written to the store: exactly
// 200 and not marked no-store by the origin.
func (s Snapshot) persistable() bool {
	if s.Status != http.StatusOK {
		return false
	}
	cc := strings.ToLower(s.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
