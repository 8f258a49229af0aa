// Package ticket implements the one-time session ticket exchange. A
// ticket is a short-lived, single-use credential minted for an already
// authenticated dashboard user and redeemed during WebSocket setup,
// keeping the long-lived access token out of connection parameters.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voltfleet/agentgate/kv"
)

const (
	// DefaultTTL is how long an issued ticket stays redeemable.
	DefaultTTL = 60 * time.Second
	// DefaultSkewTolerance is added to TTL when checking a redeemed
	// ticket's age, covering clock drift and store replication lag.
	DefaultSkewTolerance = 60 * time.Second

	keyPrefix = "ticket:"
	tokenLen  = 32 // 256 bits of entropy
)

// ErrTicketInvalid covers invalid, already-used, and expired tickets.
// The cases are deliberately indistinguishable to the caller: a
// differentiated answer would let an attacker probe whether a captured
// ticket value was ever live.
var ErrTicketInvalid = errors.New("ticket invalid")

// ErrStoreUnavailable indicates the backing store could not be reached.
// Issuance endpoints should surface it as a transient (503-class)
// failure; redemption must reject the connection. There is no insecure
// fallback.
var ErrStoreUnavailable = errors.New("ticket store unavailable")

// Identity is the authenticated principal a ticket is bound to. It is
// immutable for the lifetime of the connection that redeems the ticket.
type Identity struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	// ConversationID optionally names a conversation to resume.
	ConversationID string `json:"conversation_id,omitempty"`
}

type record struct {
	Identity
	CreatedAt time.Time `json:"created_at"`
}

// Authority issues and redeems tickets against a shared store.
type Authority struct {
	store kv.Store
	ttl   time.Duration
	skew  time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithTTL overrides the ticket validity window.
func WithTTL(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// WithSkewTolerance overrides the extra age allowance on redemption.
func WithSkewTolerance(d time.Duration) Option {
	return func(a *Authority) {
		if d >= 0 {
			a.skew = d
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger used for redemption diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		if l != nil {
			a.log = l
		}
	}
}

func NewAuthority(store kv.Store, opts ...Option) *Authority {
	a := &Authority{
		store: store,
		ttl:   DefaultTTL,
		skew:  DefaultSkewTolerance,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TTL reports the configured validity window, for surfacing in the
// issuance response ("expires_in_seconds").
func (a *Authority) TTL() time.Duration { return a.ttl }

// Issue mints a ticket bound to id and stores it under the configured
// TTL. The returned token is the only handle; it is never logged.
func (a *Authority) Issue(ctx context.Context, id Identity) (string, error) {
	buf := make([]byte, tokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate ticket token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	rec := record{Identity: id, CreatedAt: a.now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal ticket record: %w", err)
	}
	if err := a.store.Set(ctx, keyPrefix+token, data, a.ttl); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	a.log.InfoContext(ctx, "ticket.issue.ok",
		slog.String("tenant_id", id.TenantID),
		slog.String("user_id", id.UserID),
		slog.String("session_id", id.SessionID))
	return token, nil
}

// Redeem atomically consumes a ticket and returns its bound identity.
// The store-level take guarantees a ticket value is yielded to at most
// one caller even under concurrent redemption attempts. Beyond the
// store's own TTL eviction, the embedded creation timestamp is checked
// against TTL plus skew tolerance so that replication lag cannot extend
// a ticket's effective lifetime.
func (a *Authority) Redeem(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrTicketInvalid
	}
	data, err := a.store.Take(ctx, keyPrefix+token)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			a.log.InfoContext(ctx, "ticket.redeem.miss")
			return Identity{}, ErrTicketInvalid
		}
		a.log.ErrorContext(ctx, "ticket.redeem.store.fail", slog.String("err", err.Error()))
		return Identity{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		a.log.WarnContext(ctx, "ticket.redeem.decode.fail", slog.String("err", err.Error()))
		return Identity{}, ErrTicketInvalid
	}

	if age := a.now().UTC().Sub(rec.CreatedAt); age > a.ttl+a.skew {
		// The raw key still existed, so this is the replication-lag
		// defense firing. Logged distinctly server-side; the caller
		// sees the same error as any other invalid ticket.
		a.log.WarnContext(ctx, "ticket.redeem.overage",
			slog.Duration("age", age),
			slog.String("tenant_id", rec.TenantID))
		return Identity{}, ErrTicketInvalid
	}

	a.log.InfoContext(ctx, "ticket.redeem.ok",
		slog.String("tenant_id", rec.TenantID),
		slog.String("user_id", rec.UserID),
		slog.String("session_id", rec.SessionID))
	return rec.Identity, nil
}
