package offline0

import (
	"bytes"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside leveldb:
//
//	n:<region>               region marker
//	e:<region>\x00<identity> gob(Snapshot)
//	w:active                 generations of the active worker
//	q:...                    mutation queue, see queue_leveldb.go
const (
	regionPrefix = "n:"
	entryPrefix  = "e:"
	entrySep     = "\x00"

	// MemoryPath opens an in-memory leveldb instead of a directory.
	MemoryPath = ":memory:"
)

var errNonGetEntry = errors.New("only GET identities can be stored")

func openLevelDB(path string) (*leveldb.DB, error) {
	if path == MemoryPath {
		return leveldb.Open(storage.NewMemStorage(), nil)
	}
	return leveldb.OpenFile(path, nil)
}

// Store is the Cache Store: named regions of identity -> snapshot, persisted
// in leveldb with a size-bounded RAM tier in front. Evicting from RAM never
// drops data, every write goes to leveldb first.
type Store struct {
	db       *leveldb.DB
	ram      *ramCache
	maxEntry int64

	// serialises region-level deletes against marker writes
	mu sync.RWMutex
}

func NewStore(db *leveldb.DB, ramMax, maxEntry int64) *Store {
	return &Store{
		db:       db,
		ram:      newRAMCache(ramMax),
		maxEntry: maxEntry,
	}
}

func entryKey(region string, id Identity) []byte {
	return []byte(entryPrefix + region + entrySep + id.Key())
}

func regionEntriesPrefix(region string) []byte {
	return []byte(entryPrefix + region + entrySep)
}

func markerValue() []byte {
	b, _ := encodeGob(time.Now().Unix())
	return b
}

// Regions lists every region that currently exists, sorted by name.
func (s *Store) Regions() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(regionPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(regionPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, storeError(err, "list regions")
	}
	sort.Strings(out)
	return out, nil
}

// DeleteRegion removes region and every entry in it.
func (s *Store) DeleteRegion(region string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(regionEntriesPrefix(region)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return storeError(err, "delete region")
	}
	batch.Delete([]byte(regionPrefix + region))
	if err := s.db.Write(batch, nil); err != nil {
		return storeError(err, "delete region")
	}
	s.ram.DeletePrefix(region + entrySep)
	return nil
}

// Match looks id up in region.
func (s *Store) Match(region string, id Identity) (Snapshot, bool, error) {
	ramKey := region + entrySep + id.Key()
	if snap, ok := s.ram.Get(ramKey); ok {
		return snap, true, nil
	}
	b, err := s.db.Get(entryKey(region, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, storeError(err, "match")
	}
	var snap Snapshot
	if err := decodeGob(b, &snap); err != nil {
		return Snapshot{}, false, storeError(err, "decode")
	}
	s.ram.Put(ramKey, snap, int64(len(b)))
	return snap, true, nil
}

// MatchAny returns the first hit across regions, in order.
func (s *Store) MatchAny(id Identity, regions ...string) (Snapshot, string, bool, error) {
	for _, r := range regions {
		snap, ok, err := s.Match(r, id)
		if err != nil {
			return Snapshot{}, "", false, err
		}
		if ok {
			return snap, r, true, nil
		}
	}
	return Snapshot{}, "", false, nil
}

// Entry pairs an identity with the snapshot to persist under it.
type Entry struct {
	ID   Identity
	Snap Snapshot
}

// Put stores snap under id in region, creating the region if needed.
func (s *Store) Put(region string, id Identity, snap Snapshot) error {
	return s.PutAll(region, []Entry{{ID: id, Snap: snap}})
}

// PutAll writes every entry in a single leveldb batch: either all of them
// land or none do.
func (s *Store) PutAll(region string, entries []Entry) error {
	batch := new(leveldb.Batch)
	batch.Put([]byte(regionPrefix+region), markerValue())
	sizes := make([]int64, len(entries))
	for i, e := range entries {
		if e.ID.Method != http.MethodGet {
			return storeError(errNonGetEntry, "put")
		}
		b, err := encodeGob(e.Snap)
		if err != nil {
			return storeError(err, "encode")
		}
		sizes[i] = int64(len(b))
		batch.Put(entryKey(region, e.ID), b)
	}

	s.mu.RLock()
	err := s.db.Write(batch, nil)
	s.mu.RUnlock()
	if err != nil {
		return storeError(err, "put")
	}
	for i, e := range entries {
		s.ram.Put(region+entrySep+e.ID.Key(), e.Snap, sizes[i])
	}
	return nil
}

// Keys lists the identity keys stored in region.
func (s *Store) Keys(region string) ([]string, error) {
	prefix := regionEntriesPrefix(region)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, storeError(err, "keys")
	}
	return out, nil
}

const activeKey = "w:active"

// SaveActive records the generations of the active worker so a restart can
// resume control without reinstalling.
func (s *Store) SaveActive(g Generations) error {
	b, err := encodeGob(map[Role]string(g))
	if err != nil {
		return storeError(err, "encode")
	}
	if err := s.db.Put([]byte(activeKey), b, nil); err != nil {
		return storeError(err, "save active")
	}
	return nil
}

func (s *Store) LoadActive() (Generations, bool, error) {
	b, err := s.db.Get([]byte(activeKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError(err, "load active")
	}
	var m map[Role]string
	if err := decodeGob(b, &m); err != nil {
		return nil, false, storeError(err, "decode")
	}
	return Generations(m), true, nil
}

// RAMSize reports the bytes held by the RAM tier.
func (s *Store) RAMSize() int64 { return s.ram.TotalSize() }

// ---- ram tier ----

type ramItem struct {
	key  string
	snap Snapshot
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Snapshot{}, false
	}
	c.moveToFront(it)
	return it.snap, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.drop(it)
		}
	}
}

// Put keeps snap in memory unless it alone exceeds the budget. A zero budget
// disables the tier.
func (c *ramCache) Put(key string, snap Snapshot, size int64) {
	if c.maxBytes <= 0 || size > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.snap = snap
		it.size = size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, snap: snap, size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}
	for c.total > c.maxBytes && c.tail != nil {
		c.drop(c.tail)
	}
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
