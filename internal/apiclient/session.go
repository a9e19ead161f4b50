package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is the signed-in state: the bearer token and whatever user
// document the login returned.
type Session struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user,omitempty"`
}

// SessionStore persists the session between requests.
type SessionStore interface {
	// Get returns nil when nobody is signed in.
	Get(ctx context.Context) (*Session, error)
	Set(ctx context.Context, s Session) error
	Delete(ctx context.Context) error
}

// MemorySessionStore keeps the session for the life of the process.
type MemorySessionStore struct {
	mu sync.RWMutex
	s  *Session
}

func NewMemorySessionStore() *MemorySessionStore { return &MemorySessionStore{} }

func (m *MemorySessionStore) Get(context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s == nil {
		return nil, nil
	}
	cp := *m.s
	return &cp, nil
}

func (m *MemorySessionStore) Set(_ context.Context, s Session) error {
	m.mu.Lock()
	m.s = &s
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) Delete(context.Context) error {
	m.mu.Lock()
	m.s = nil
	m.mu.Unlock()
	return nil
}

const (
	sessionKeyPrefix  = "offline0:session:"
	defaultSessionTTL = 24 * time.Hour
)

// RedisSessionStore shares one named session between processes. The TTL is
// refreshed on every read.
type RedisSessionStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, name string, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisSessionStore{client: client, key: sessionKeyPrefix + name, ttl: ttl}
}

func (r *RedisSessionStore) Get(ctx context.Context) (*Session, error) {
	val, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, err
	}
	_ = r.client.Expire(ctx, r.key, r.ttl).Err()
	return &s, nil
}

func (r *RedisSessionStore) Set(ctx context.Context, s Session) error {
	val, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, val, r.ttl).Err()
}

func (r *RedisSessionStore) Delete(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
