// Package kvtest provides a conformance suite for kv.Store
// implementations. Every implementation must pass it; the suite pins
// down the atomicity properties the ticket authority and quota ledger
// are built on.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voltfleet/agentgate/kv"
)

// StoreFactory creates a fresh Store instance for testing.
type StoreFactory func(t *testing.T) kv.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SetGetRoundTrip", func(t *testing.T) { testSetGetRoundTrip(t, factory) })
	t.Run("GetMissingIsNotFound", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("TakeRemoves", func(t *testing.T) { testTakeRemoves(t, factory) })
	t.Run("TakeIsExclusiveUnderRace", func(t *testing.T) { testTakeRace(t, factory) })
	t.Run("IncrFieldsReturnsPostIncrement", func(t *testing.T) { testIncrFields(t, factory) })
	t.Run("IncrFieldsZeroDeltaReads", func(t *testing.T) { testIncrZeroDelta(t, factory) })
	t.Run("IncrFieldsAtomicUnderConcurrency", func(t *testing.T) { testIncrConcurrent(t, factory) })
}

func uniqueKey(prefix string) string {
	return fmt.Sprintf("kvtest:%s:%d", prefix, time.Now().UnixNano())
}

func testSetGetRoundTrip(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	key := uniqueKey("roundtrip")
	if err := s.Set(ctx, key, []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Get = %q, want %q", got, "v1")
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer func() { _ = s.Close() }()

	_, err := s.Get(context.Background(), uniqueKey("missing"))
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func testTTLExpiry(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	key := uniqueKey("ttl")
	if err := s.Set(ctx, key, []byte("short"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after TTL = %v, want ErrNotFound", err)
	}
}

func testTakeRemoves(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	key := uniqueKey("take")
	if err := s.Set(ctx, key, []byte("once"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Take(ctx, key)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if string(got) != "once" {
		t.Fatalf("Take = %q, want %q", got, "once")
	}
	if _, err := s.Take(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("second Take = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after Take = %v, want ErrNotFound", err)
	}
}

// testTakeRace fires N simultaneous Takes of one key; exactly one may
// win. This is the one-time-use guarantee the ticket exchange rests on.
func testTakeRace(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	const n = 32
	key := uniqueKey("race")
	if err := s.Set(ctx, key, []byte("contested"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, misses int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Take(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, kv.ErrNotFound):
				misses++
			default:
				t.Errorf("Take: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1 (%d misses)", wins, misses)
	}
}

func testIncrFields(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	key := uniqueKey("incr")
	got, err := s.IncrFields(ctx, key, []kv.FieldDelta{{Field: "ops", Delta: 1}, {Field: "devices", Delta: 7}}, time.Minute)
	if err != nil {
		t.Fatalf("IncrFields: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 7 {
		t.Fatalf("IncrFields = %v, want [1 7]", got)
	}

	got, err = s.IncrFields(ctx, key, []kv.FieldDelta{{Field: "ops", Delta: 2}, {Field: "devices", Delta: 3}}, time.Minute)
	if err != nil {
		t.Fatalf("IncrFields: %v", err)
	}
	if got[0] != 3 || got[1] != 10 {
		t.Fatalf("IncrFields = %v, want [3 10]", got)
	}
}

func testIncrZeroDelta(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	key := uniqueKey("incr-read")
	if _, err := s.IncrFields(ctx, key, []kv.FieldDelta{{Field: "ops", Delta: 5}}, time.Minute); err != nil {
		t.Fatalf("IncrFields: %v", err)
	}
	got, err := s.IncrFields(ctx, key, []kv.FieldDelta{{Field: "ops", Delta: 0}}, time.Minute)
	if err != nil {
		t.Fatalf("IncrFields read: %v", err)
	}
	if got[0] != 5 {
		t.Fatalf("zero-delta read = %d, want 5", got[0])
	}
}

func testIncrConcurrent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	const n = 50
	key := uniqueKey("incr-race")
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.IncrFields(ctx, key, []kv.FieldDelta{{Field: "ops", Delta: 1}}, time.Minute); err != nil {
				t.Errorf("IncrFields: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	got, err := s.IncrFields(ctx, key, []kv.FieldDelta{{Field: "ops", Delta: 0}}, time.Minute)
	if err != nil {
		t.Fatalf("IncrFields read: %v", err)
	}
	if got[0] != n {
		t.Fatalf("counter = %d after %d concurrent increments", got[0], n)
	}
}
