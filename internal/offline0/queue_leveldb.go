package offline0

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Queue keys share the cache's leveldb:
//
//	q:seq         last assigned sequence (big endian uint64)
//	q:m:<seq>     gob(Mutation), seq zero-padded so iteration is insertion order
//	q:i:<id>      -> q:m:<seq>
//	q:d:<seq>     gob(Mutation) in the dead-letter list
const (
	queueSeqKey    = "q:seq"
	queueItemPfx   = "q:m:"
	queueIndexPfx  = "q:i:"
	queueDeadPfx   = "q:d:"
	queueSeqFormat = "%020d"
)

type levelQueue struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

func newLevelQueue(db *leveldb.DB) (*levelQueue, error) {
	q := &levelQueue{db: db}
	b, err := db.Get([]byte(queueSeqKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, err
	case len(b) == 8:
		q.seq = binary.BigEndian.Uint64(b)
	}
	return q, nil
}

func itemKey(seq uint64) []byte {
	return []byte(queueItemPfx + fmt.Sprintf(queueSeqFormat, seq))
}

func (q *levelQueue) Append(_ context.Context, m *Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m.Seq = q.seq + 1
	b, err := encodeGob(*m)
	if err != nil {
		return err
	}
	var seqb [8]byte
	binary.BigEndian.PutUint64(seqb[:], m.Seq)

	batch := new(leveldb.Batch)
	batch.Put([]byte(queueSeqKey), seqb[:])
	batch.Put(itemKey(m.Seq), b)
	batch.Put([]byte(queueIndexPfx+m.ID), itemKey(m.Seq))
	if err := q.db.Write(batch, nil); err != nil {
		return err
	}
	q.seq = m.Seq
	return nil
}

func (q *levelQueue) list(prefix string) ([]Mutation, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var out []Mutation
	for it.Next() {
		var m Mutation
		if err := decodeGob(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		out = append(out, m)
	}
	return out, it.Error()
}

func (q *levelQueue) List(context.Context) ([]Mutation, error) { return q.list(queueItemPfx) }

func (q *levelQueue) ListDead(context.Context) ([]Mutation, error) { return q.list(queueDeadPfx) }

func (q *levelQueue) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key, err := q.db.Get([]byte(queueIndexPfx+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Delete([]byte(queueIndexPfx + id))
	return true, q.db.Write(batch, nil)
}

func (q *levelQueue) Update(_ context.Context, m Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key, err := q.db.Get([]byte(queueIndexPfx+m.ID), nil)
	if err != nil {
		return err
	}
	b, err := encodeGob(m)
	if err != nil {
		return err
	}
	return q.db.Put(key, b, nil)
}

func (q *levelQueue) Bury(_ context.Context, m Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key, err := q.db.Get([]byte(queueIndexPfx+m.ID), nil)
	if err != nil {
		return err
	}
	b, err := encodeGob(m)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Delete([]byte(queueIndexPfx + m.ID))
	batch.Put([]byte(queueDeadPfx+fmt.Sprintf(queueSeqFormat, m.Seq)), b)
	return q.db.Write(batch, nil)
}

func (q *levelQueue) Len(context.Context) (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(queueItemPfx)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}
