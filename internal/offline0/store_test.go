package offline0

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSnapshot(body string) Snapshot {
	return Snapshot{Status: http.StatusOK, Header: http.Header{"X-A": {"1"}}, Body: []byte(body)}
}

func TestStore_PutMatch(t *testing.T) {
	s := newTestStore(t)
	id := Identity{Method: http.MethodGet, URL: "http://app.test/app.js"}

	_, ok, err := s.Match("shell@v1", id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put("shell@v1", id, testSnapshot("console.log(1)")))

	snap, ok, err := s.Match("shell@v1", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "console.log(1)", string(snap.Body))
	require.Equal(t, "1", snap.Header.Get("X-A"))

	_, ok, err = s.Match("shell@v2", id)
	require.NoError(t, err)
	require.False(t, ok)

	regions, err := s.Regions()
	require.NoError(t, err)
	require.Equal(t, []string{"shell@v1"}, regions)
}

func TestStore_RejectsNonGetEntries(t *testing.T) {
	s := newTestStore(t)
	id := Identity{Method: http.MethodPost, URL: "http://app.test/api/teams"}
	err := s.Put("dynamic@v1", id, testSnapshot("{}"))
	require.ErrorIs(t, err, errNonGetEntry)

	regions, err := s.Regions()
	require.NoError(t, err)
	require.Empty(t, regions)
}

func TestStore_PutAllIsAtomic(t *testing.T) {
	s := newTestStore(t)
	err := s.PutAll("shell@v1", []Entry{
		{ID: Identity{Method: http.MethodGet, URL: "http://app.test/"}, Snap: testSnapshot("<html>")},
		{ID: Identity{Method: http.MethodDelete, URL: "http://app.test/x"}, Snap: testSnapshot("x")},
	})
	require.Error(t, err)

	keys, err := s.Keys("shell@v1")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestStore_DeleteRegion(t *testing.T) {
	s := newTestStore(t)
	id := Identity{Method: http.MethodGet, URL: "http://app.test/"}
	require.NoError(t, s.Put("shell@v1", id, testSnapshot("old")))
	require.NoError(t, s.Put("shell@v2", id, testSnapshot("new")))

	require.NoError(t, s.DeleteRegion("shell@v1"))

	_, ok, err := s.Match("shell@v1", id)
	require.NoError(t, err)
	require.False(t, ok, "ram tier must forget deleted regions too")

	snap, ok, err := s.Match("shell@v2", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(snap.Body))

	regions, err := s.Regions()
	require.NoError(t, err)
	require.Equal(t, []string{"shell@v2"}, regions)
}

func TestStore_MatchAnyOrder(t *testing.T) {
	s := newTestStore(t)
	id := Identity{Method: http.MethodGet, URL: "http://app.test/logo.svg"}
	require.NoError(t, s.Put("dynamic@v1", id, testSnapshot("dyn")))

	snap, region, ok, err := s.MatchAny(id, "shell@v1", "dynamic@v1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dynamic@v1", region)
	require.Equal(t, "dyn", string(snap.Body))

	require.NoError(t, s.Put("shell@v1", id, testSnapshot("shell")))
	_, region, _, err = s.MatchAny(id, "shell@v1", "dynamic@v1")
	require.NoError(t, err)
	require.Equal(t, "shell@v1", region)
}

func TestStore_ActiveGenerations(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.LoadActive()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveActive(Generations{RoleShell: "v3", RoleDynamic: "v3", RoleImages: "v1"}))
	g, ok, err := s.LoadActive()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "images@v1", g.Region(RoleImages))
}

func TestRAMCache_Evicts(t *testing.T) {
	c := newRAMCache(10)
	c.Put("a", testSnapshot("a"), 4)
	c.Put("b", testSnapshot("b"), 4)
	_, _ = c.Get("a")
	c.Put("c", testSnapshot("c"), 4)

	_, ok := c.Get("b")
	require.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get("a")
	require.True(t, ok)
	require.EqualValues(t, 8, c.TotalSize())

	c.Put("huge", testSnapshot("h"), 11)
	_, ok = c.Get("huge")
	require.False(t, ok)

	off := newRAMCache(0)
	off.Put("a", testSnapshot("a"), 1)
	require.Zero(t, off.TotalSize())
}

func TestIdentity_VaryAndFragment(t *testing.T) {
	vary := []string{"Authorization"}
	a := mustRequest(t, http.MethodGet, "http://app.test/api/teams#top", nil)
	a.Header.Set("Authorization", "Bearer one")
	b := mustRequest(t, http.MethodGet, "http://app.test/api/teams", nil)
	b.Header.Set("Authorization", "Bearer two")
	c := mustRequest(t, http.MethodGet, "http://app.test/api/teams", nil)
	c.Header.Set("Authorization", "Bearer one")

	idA, idB, idC := NewIdentity(a, vary), NewIdentity(b, vary), NewIdentity(c, vary)
	require.NotEqual(t, idA.Key(), idB.Key())
	require.Equal(t, idA.Key(), idC.Key())
	require.NotContains(t, idA.Key(), "Bearer")
	require.Equal(t, "http://app.test/api/teams", idA.URL)
}

func TestSnapshot_CloneIsIndependent(t *testing.T) {
	snap := testSnapshot("payload")
	cp := snap.Clone()
	cp.Body[0] = 'P'
	cp.Header.Set("X-A", "2")
	require.Equal(t, "payload", string(snap.Body))
	require.Equal(t, "1", snap.Header.Get("X-A"))

	r1, r2 := snap.Response(nil), snap.Response(nil)
	require.Equal(t, "payload", readBody(t, r1))
	require.Equal(t, "payload", readBody(t, r2), "every response gets its own reader")
}
