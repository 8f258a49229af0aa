// Package risk classifies write-capable operations into tiers that
// drive the confirmation policy and per-operation batch ceilings.
// Classification is a pure lookup against a Policy value; the ceilings
// are hard caps that confirmation cannot override.
package risk

import (
	"fmt"
)

// Tier is an operation's blast-radius classification.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Default per-tier device ceilings.
const (
	DefaultLowCeiling      = 50
	DefaultMediumCeiling   = 25
	DefaultHighCeiling     = 10
	DefaultCriticalCeiling = 5
)

// DefaultMediumConfirmThreshold is the affected-device count above
// which a medium-tier operation requires confirmation. Chosen to meet
// the high-tier ceiling so the two policies leave no gap.
const DefaultMediumConfirmThreshold = 10

// Decision is the outcome of classifying an operation that passed the
// ceiling check.
type Decision struct {
	Tier                 Tier
	RequiresConfirmation bool
	DeviceCeiling        int
}

// CeilingError reports an operation whose affected count exceeds its
// tier's hard cap. The caller must reject outright and instruct the
// client to split the batch; a fabricated confirmation cannot override
// this.
type CeilingError struct {
	OperationType string
	Tier          Tier
	Affected      int
	Ceiling       int
}

func (e *CeilingError) Error() string {
	return fmt.Sprintf("operation %q affects %d devices, above the %s-tier ceiling of %d: split the batch",
		e.OperationType, e.Affected, e.Tier, e.Ceiling)
}

// Policy holds the tier table and ceilings. The zero value is not
// usable; start from DefaultPolicy and override.
type Policy struct {
	// Ceilings maps each tier to its device-count hard cap.
	Ceilings map[Tier]int `json:"ceilings"`
	// MediumConfirmThreshold is the affected count above which a
	// medium-tier operation needs confirmation.
	MediumConfirmThreshold int `json:"medium_confirm_threshold"`
	// Operations maps operation types to tiers. Unknown operation
	// types classify as critical: an executor adding a new destructive
	// verb should never silently inherit a permissive tier.
	Operations map[string]Tier `json:"operations"`
}

// DefaultPolicy returns the built-in tier table for the device and
// subscription tool verbs.
func DefaultPolicy() *Policy {
	return &Policy{
		Ceilings: map[Tier]int{
			TierLow:      DefaultLowCeiling,
			TierMedium:   DefaultMediumCeiling,
			TierHigh:     DefaultHighCeiling,
			TierCritical: DefaultCriticalCeiling,
		},
		MediumConfirmThreshold: DefaultMediumConfirmThreshold,
		Operations: map[string]Tier{
			"lookup_devices":         TierLow,
			"lookup_subscriptions":   TierLow,
			"update_device_group":    TierLow,
			"reassign_subscriptions": TierMedium,
			"reboot_devices":         TierMedium,
			"deactivate_devices":     TierHigh,
			"cancel_subscriptions":   TierHigh,
			"wipe_devices":           TierCritical,
		},
	}
}

// Classify maps an operation type and affected-entity count to a
// decision, or a *CeilingError when the count exceeds the tier's cap.
func (p *Policy) Classify(operationType string, affected int) (Decision, error) {
	tier, ok := p.Operations[operationType]
	if !ok {
		tier = TierCritical
	}
	ceiling := p.Ceilings[tier]
	if ceiling > 0 && affected > ceiling {
		return Decision{}, &CeilingError{OperationType: operationType, Tier: tier, Affected: affected, Ceiling: ceiling}
	}

	d := Decision{Tier: tier, DeviceCeiling: ceiling}
	switch tier {
	case TierLow:
		d.RequiresConfirmation = false
	case TierMedium:
		d.RequiresConfirmation = affected > p.MediumConfirmThreshold
	default:
		d.RequiresConfirmation = true
	}
	return d, nil
}

// validate rejects policies that would disable the safety rails.
func (p *Policy) validate() error {
	for _, tier := range []Tier{TierLow, TierMedium, TierHigh, TierCritical} {
		if p.Ceilings[tier] <= 0 {
			return fmt.Errorf("policy ceiling for tier %s must be positive", tier)
		}
	}
	if p.MediumConfirmThreshold < 0 {
		return fmt.Errorf("medium confirm threshold must be non-negative")
	}
	for op, tier := range p.Operations {
		switch tier {
		case TierLow, TierMedium, TierHigh, TierCritical:
		default:
			return fmt.Errorf("operation %q maps to unknown tier %q", op, tier)
		}
	}
	return nil
}
