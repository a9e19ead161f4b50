package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const defaultRedisQueuePrefix = "offline0:queue"

// redisQueue keeps order in a sorted set (score = sequence) and records in a
// hash, so remove-by-id is a single MULTI of ZREM + HDEL.
type redisQueue struct {
	client *redis.Client
	prefix string
}

func newRedisQueue(client *redis.Client, prefix string) *redisQueue {
	if prefix == "" {
		prefix = defaultRedisQueuePrefix
	}
	return &redisQueue{client: client, prefix: prefix}
}

func (q *redisQueue) key(name string) string { return q.prefix + ":" + name }

func (q *redisQueue) Append(ctx context.Context, m *Mutation) error {
	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return err
	}
	m.Seq = uint64(seq)
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("items"), m.ID, val)
		pipe.ZAdd(ctx, q.key("order"), redis.Z{Score: float64(m.Seq), Member: m.ID})
		return nil
	})
	return err
}

func (q *redisQueue) list(ctx context.Context, order, items string) ([]Mutation, error) {
	ids, err := q.client.ZRange(ctx, q.key(order), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.key(items), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Mutation, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// removed between ZRANGE and HMGET
			continue
		}
		var m Mutation
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *redisQueue) List(ctx context.Context) ([]Mutation, error) {
	return q.list(ctx, "order", "items")
}

func (q *redisQueue) ListDead(ctx context.Context) ([]Mutation, error) {
	return q.list(ctx, "dead", "dead:items")
}

func (q *redisQueue) Remove(ctx context.Context, id string) (bool, error) {
	var zrem *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		zrem = pipe.ZRem(ctx, q.key("order"), id)
		pipe.HDel(ctx, q.key("items"), id)
		return nil
	})
	if err != nil {
		return false, err
	}
	return zrem.Val() > 0, nil
}

func (q *redisQueue) Update(ctx context.Context, m Mutation) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ok, err := q.client.HExists(ctx, q.key("items"), m.ID).Result()
	if err != nil {
		return err
	}
	if !ok {
		return redis.Nil
	}
	return q.client.HSet(ctx, q.key("items"), m.ID, val).Err()
}

func (q *redisQueue) Bury(ctx context.Context, m Mutation) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("order"), m.ID)
		pipe.HDel(ctx, q.key("items"), m.ID)
		pipe.ZAdd(ctx, q.key("dead"), redis.Z{Score: float64(m.Seq), Member: m.ID})
		pipe.HSet(ctx, q.key("dead:items"), m.ID, val)
		return nil
	})
	return err
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key("order")).Result()
	return int(n), err
}

// redsyncLocker is a Locker backed by a redlock mutex, for queues shared
// between several processes.
type redsyncLocker struct {
	m *redsync.Mutex
}

func newRedsyncLocker(client *redis.Client, name string, expiry time.Duration) *redsyncLocker {
	rs := redsync.New(goredis.NewPool(client))
	return &redsyncLocker{m: rs.NewMutex(name, redsync.WithExpiry(expiry), redsync.WithTries(1))}
}

func (l *redsyncLocker) TryLock(ctx context.Context) (bool, error) {
	err := l.m.TryLockContext(ctx)
	if err == nil {
		return true, nil
	}
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return false, nil
	}
	return false, err
}

func (l *redsyncLocker) Unlock(ctx context.Context) error {
	_, err := l.m.UnlockContext(ctx)
	return err
}
