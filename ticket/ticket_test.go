package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voltfleet/agentgate/kv"
	"github.com/voltfleet/agentgate/kv/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestIssueRedeemRoundTrip(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()
	a := NewAuthority(store, WithLogger(quietLogger()))
	ctx := context.Background()

	want := Identity{TenantID: "t1", UserID: "u1", SessionID: "s1", ConversationID: "c1"}
	tok, err := a.Issue(ctx, want)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(tok) < 40 {
		t.Fatalf("token suspiciously short: %d chars", len(tok))
	}

	got, err := a.Redeem(ctx, tok)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got != want {
		t.Fatalf("Redeem identity = %+v, want %+v", got, want)
	}

	// Second redemption of the same value must fail like a ticket that
	// never existed.
	if _, err := a.Redeem(ctx, tok); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("second Redeem = %v, want ErrTicketInvalid", err)
	}
}

func TestRedeemUnknownTicket(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()
	a := NewAuthority(store, WithLogger(quietLogger()))

	if _, err := a.Redeem(context.Background(), "never-issued"); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("Redeem = %v, want ErrTicketInvalid", err)
	}
	if _, err := a.Redeem(context.Background(), ""); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("Redeem empty = %v, want ErrTicketInvalid", err)
	}
}

func TestRedeemEnforcesMaxAgeDespiteLiveKey(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()

	now := time.Now()
	a := NewAuthority(store,
		WithClock(func() time.Time { return now }),
		WithTTL(60*time.Second),
		WithSkewTolerance(60*time.Second),
		WithLogger(quietLogger()))
	ctx := context.Background()

	tok, err := a.Issue(ctx, Identity{TenantID: "t1", UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// The store key was written with the real TTL, but the authority's
	// clock has moved past TTL+skew: the age check must reject even
	// though Take still returns the record. Simulates a store whose
	// replication lag kept the key alive.
	if err := store.Set(ctx, "ticket:"+tok, mustRecord(t, now.Add(-121*time.Second)), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := a.Redeem(ctx, tok); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("Redeem over-age = %v, want ErrTicketInvalid", err)
	}
}

func mustRecord(t *testing.T, createdAt time.Time) []byte {
	t.Helper()
	rec := record{Identity: Identity{TenantID: "t1", UserID: "u1", SessionID: "s1"}, CreatedAt: createdAt.UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestConcurrentRedeemYieldsOneWinner(t *testing.T) {
	store := memory.New()
	defer func() { _ = store.Close() }()
	a := NewAuthority(store, WithLogger(quietLogger()))
	ctx := context.Background()

	tok, err := a.Issue(ctx, Identity{TenantID: "t1", UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 24
	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := a.Redeem(ctx, tok); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d concurrent redemptions succeeded, want exactly 1", wins)
	}
}

type failingStore struct{ kv.Store }

func (failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}
func (failingStore) Take(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestStoreOutageIsTransientNotInvalid(t *testing.T) {
	a := NewAuthority(failingStore{}, WithLogger(quietLogger()))
	ctx := context.Background()

	if _, err := a.Issue(ctx, Identity{TenantID: "t1", UserID: "u1", SessionID: "s1"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Issue during outage = %v, want ErrStoreUnavailable", err)
	}
	_, err := a.Redeem(ctx, "some-token")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Redeem during outage = %v, want ErrStoreUnavailable", err)
	}
	if errors.Is(err, ErrTicketInvalid) {
		t.Fatal("outage must not masquerade as an invalid ticket")
	}
}
