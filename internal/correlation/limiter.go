// Package correlation implements share limits that account for the
// correlation between targets of the same underlying market.
//
// A multi-outcome market expands into one YES/NO pair per outcome
// ("123_0", "123_0_no", "123_1", ...). A user buying across all of them is
// concentrated on one event. Targets sharing a base market ID form a
// correlated group, and the limiter caps both a single target and the
// group's aggregate holdings.
package correlation

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/contract"
)

var (
	// ErrPerTargetLimitExceeded is returned when a buy would push a single
	// target's shares beyond the per-target maximum.
	ErrPerTargetLimitExceeded = errors.New("correlation: per-target share limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a buy would push the
	// aggregate shares across targets of one market beyond the correlated
	// maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated share limit exceeded")
)

// PositionLimiter enforces share limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerTarget is the maximum shares held (or pending) in one target.
	MaxPerTarget decimal.Decimal

	// MaxCorrelated is the maximum aggregate shares across all targets
	// sharing the same base market.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-target and
// correlated share limits.
func NewPositionLimiter(maxPerTarget, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerTarget:  maxPerTarget,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether buying deltaShares of target respects the limits.
//
// Parameters:
//   - target: target identifier being bought
//   - deltaShares: shares to add
//   - holdings: map of target identifier → shares currently held or pending for this user
//
// Returns nil if the buy is within limits, or an error describing the violation.
// A nil limiter allows everything.
func (l *PositionLimiter) CheckLimit(
	target string,
	deltaShares decimal.Decimal,
	holdings map[string]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}

	// 1. Per-target limit.
	newPosition := holdings[target].Add(deltaShares)
	if l.MaxPerTarget.IsPositive() && newPosition.GreaterThan(l.MaxPerTarget) {
		return ErrPerTargetLimitExceeded
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	// 2. Correlated exposure: sum shares across targets sharing the base market.
	base := baseOf(target)
	total := newPosition
	for id, shares := range holdings {
		if id == target {
			continue // already counted via newPosition above
		}
		if baseOf(id) == base {
			total = total.Add(shares.Abs())
		}
	}

	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// baseOf returns the base market of a target; unparseable IDs are their own group.
func baseOf(id string) string {
	t, err := contract.ParseTarget(id)
	if err != nil {
		return id
	}
	return t.Base()
}
