// Package quota enforces per-tenant daily usage ceilings on assistant
// write operations. Counters live in the shared store keyed by tenant
// and UTC calendar day, and the accept/reject decision is made by a
// single atomic increment-then-compare, never a read-then-write.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voltfleet/agentgate/kv"
)

// Default daily ceilings per tenant.
const (
	DefaultDailyOperations = 100
	DefaultDailyDevices    = 500
)

// expirySlack is added to the key TTL past the UTC day boundary so a
// display read near midnight never observes a counter resurrected with
// a stale day key.
const expirySlack = time.Hour

const (
	keyPrefix   = "quota:"
	fieldOps    = "ops"
	fieldDevice = "devices"
)

// ErrStoreUnavailable indicates the ledger's backing store could not be
// reached. Operations must be rejected, not waved through.
var ErrStoreUnavailable = errors.New("quota store unavailable")

// Decision is the outcome of one ledger check. Counts are
// post-increment values: on rejection they already include the attempt,
// because failed attempts still consume quota (a retry storm must not
// be able to grind past the limit).
type Decision struct {
	Allowed      bool
	Operations   int64
	Devices      int64
	OpsLimit     int64
	DevicesLimit int64
	// ResetAt is the next UTC midnight, when the counters expire.
	ResetAt time.Time
}

// Ledger tracks per-tenant daily usage.
type Ledger struct {
	store        kv.Store
	opsLimit     int64
	devicesLimit int64
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDailyOperations overrides the operations/day ceiling.
func WithDailyOperations(n int64) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.opsLimit = n
		}
	}
}

// WithDailyDevices overrides the devices-affected/day ceiling.
func WithDailyDevices(n int64) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.devicesLimit = n
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLedger(store kv.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		opsLimit:     DefaultDailyOperations,
		devicesLimit: DefaultDailyDevices,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) dayKey(tenant string, now time.Time) string {
	return keyPrefix + tenant + ":" + now.UTC().Format("2006-01-02")
}

func nextMidnightUTC(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// CheckAndIncrement consumes ops operations and devices affected
// devices from the tenant's daily budget and reports whether the
// post-increment totals stay within the ceilings. The increment is
// retained even when the answer is no.
func (l *Ledger) CheckAndIncrement(ctx context.Context, tenant string, ops, devices int64) (Decision, error) {
	return l.apply(ctx, tenant, ops, devices)
}

// Snapshot reports current usage without consuming any budget. It goes
// through the same atomic primitive as the decision path (a zero-delta
// increment), so it can never race ahead of an in-flight decision.
func (l *Ledger) Snapshot(ctx context.Context, tenant string) (Decision, error) {
	return l.apply(ctx, tenant, 0, 0)
}

func (l *Ledger) apply(ctx context.Context, tenant string, ops, devices int64) (Decision, error) {
	now := l.now()
	reset := nextMidnightUTC(now)
	ttl := reset.Sub(now.UTC()) + expirySlack

	counts, err := l.store.IncrFields(ctx, l.dayKey(tenant, now), []kv.FieldDelta{
		{Field: fieldOps, Delta: ops},
		{Field: fieldDevice, Delta: devices},
	}, ttl)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d := Decision{
		Operations:   counts[0],
		Devices:      counts[1],
		OpsLimit:     l.opsLimit,
		DevicesLimit: l.devicesLimit,
		ResetAt:      reset,
	}
	d.Allowed = d.Operations <= l.opsLimit && d.Devices <= l.devicesLimit
	return d, nil
}
