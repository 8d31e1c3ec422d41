// Package contract handles market target identifiers: the strings that
// name what a position or order is on.
//
// A binary market exposes two targets, "<id>" for YES and "<id>_no" for NO.
// A multi-outcome market is expanded into one binary pair per outcome,
// "<id>_<i>" and "<id>_<i>_no". Every target is an independent position
// and order target; a NO target is priced at 1 − yesPrice.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// NoSuffix marks the NO side of a target.
const NoSuffix = "_no"

// targetRegex matches: {marketID}[_{outcome}][_no]
// Examples: 548213, 548213_no, 548213_3, 548213_3_no
var targetRegex = regexp.MustCompile(`^([A-Za-z0-9-]+?)(?:_(\d+))?(_no)?$`)

var ErrInvalidTarget = errors.New("contract: invalid market target")

var one = decimal.NewFromInt(1)

// Target is a parsed market target identifier.
type Target struct {
	Raw      string `json:"raw"`
	MarketID string `json:"market_id"`
	Outcome  int    `json:"outcome"` // -1 for a plain binary market
	No       bool   `json:"no"`
}

// ParseTarget parses and validates a target identifier.
func ParseTarget(raw string) (Target, error) {
	m := targetRegex.FindStringSubmatch(raw)
	if m == nil {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}

	t := Target{Raw: raw, MarketID: m[1], Outcome: -1, No: m[3] != ""}
	if m[2] != "" {
		i, err := strconv.Atoi(m[2])
		if err != nil {
			return Target{}, fmt.Errorf("%w: outcome %q", ErrInvalidTarget, m[2])
		}
		t.Outcome = i
	}
	return t, nil
}

// Base returns the underlying market identifier. Targets sharing a base
// are outcomes of the same market and move together.
func (t Target) Base() string {
	return t.MarketID
}

// YesTarget returns the YES twin of t (t itself when t is already YES).
func (t Target) YesTarget() string {
	if !t.No {
		return t.Raw
	}
	return strings.TrimSuffix(t.Raw, NoSuffix)
}

// NoTarget returns the NO twin of t.
func (t Target) NoTarget() string {
	if t.No {
		return t.Raw
	}
	return t.Raw + NoSuffix
}

// PriceFrom derives the effective price of t from a YES price.
func (t Target) PriceFrom(yes decimal.Decimal) decimal.Decimal {
	if t.No {
		return one.Sub(yes)
	}
	return yes
}

// IsNo reports whether raw names a NO target without full validation.
func IsNo(raw string) bool {
	return strings.HasSuffix(raw, NoSuffix)
}

// OutcomeTarget formats the YES target of outcome i in a multi-outcome market.
func OutcomeTarget(marketID string, i int) string {
	return marketID + "_" + strconv.Itoa(i)
}
