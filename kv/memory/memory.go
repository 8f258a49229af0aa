// Package memory provides an in-process kv.Store suitable for tests
// and single-node deployments. It uses github.com/hashicorp/golang-lru
// for bounded retention and a single mutex to make Take and IncrFields
// indivisible within the process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/voltfleet/agentgate/kv"
)

const defaultMaxItems = 16384

type entry struct {
	data      []byte
	fields    map[string]int64
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type Store struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, *entry]
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

var _ kv.Store = (*Store)(nil)

func New() *Store {
	s, err := NewWithSize(defaultMaxItems)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return s
}

func NewWithSize(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *entry](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	s := &Store{cache: cache, now: time.Now, stopCh: make(chan struct{})}
	go s.janitor()
	return s, nil
}

// SetClock overrides the time source. Test hook. The janitor reads the
// clock under s.mu, so the swap takes it too.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for _, k := range s.cache.Keys() {
				if e, ok := s.cache.Peek(k); ok && e.expired(now) {
					s.cache.Remove(k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// live returns the entry for key if present and unexpired, removing it
// lazily otherwise. Caller must hold s.mu.
func (s *Store) live(key string) (*entry, bool) {
	e, ok := s.cache.Peek(key)
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		s.cache.Remove(key)
		return nil, false
	}
	return e, true
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{data: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(key, e)
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.data == nil {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), e.data...), nil
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.data == nil {
		return nil, kv.ErrNotFound
	}
	s.cache.Remove(key)
	return e.data, nil
}

func (s *Store) IncrFields(ctx context.Context, key string, deltas []kv.FieldDelta, ttl time.Duration) ([]int64, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		e = &entry{fields: make(map[string]int64)}
		if ttl > 0 {
			e.expiresAt = s.now().Add(ttl)
		}
		s.cache.Add(key, e)
	}
	if e.fields == nil {
		e.fields = make(map[string]int64)
	}
	out := make([]int64, len(deltas))
	for i, d := range deltas {
		e.fields[d.Field] += d.Delta
		out[i] = e.fields[d.Field]
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}
