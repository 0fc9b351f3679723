package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STOP PLACEMENT - Swing level + buffer, optional distance cap
// ═══════════════════════════════════════════════════════════════════════════════
//
//   LONG:  raw = swingLow  * (1 - buffer), capped at entry * (1 - maxStop)
//   SHORT: raw = swingHigh * (1 + buffer), capped at entry * (1 + maxStop)
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrDegenerateStop means no usable stop/risk distance could be derived
	ErrDegenerateStop = errors.New("degenerate stop")
	// ErrInvalidEntry means the entry price is zero or negative
	ErrInvalidEntry = errors.New("invalid entry price")
)

var one = decimal.NewFromInt(1)

// ComputeStop places the protective stop for an entry in direction d.
// maxStopPct is optional; an invalid NullDecimal means no cap.
// The result is always strictly on the loss side of entry.
func ComputeStop(entry, swing decimal.Decimal, d types.Direction, bufferPct decimal.Decimal, maxStopPct decimal.NullDecimal) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidEntry, entry)
	}
	if !swing.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: swing level %s", ErrDegenerateStop, swing)
	}

	var stop decimal.Decimal
	switch d {
	case types.Bull:
		stop = swing.Mul(one.Sub(bufferPct))
		if !stop.LessThan(entry) {
			return decimal.Zero, fmt.Errorf("%w: long stop %s not below entry %s", ErrDegenerateStop, stop, entry)
		}
		if maxStopPct.Valid && entry.Sub(stop).Div(entry).GreaterThan(maxStopPct.Decimal) {
			stop = entry.Mul(one.Sub(maxStopPct.Decimal))
		}
	case types.Bear:
		stop = swing.Mul(one.Add(bufferPct))
		if !stop.GreaterThan(entry) {
			return decimal.Zero, fmt.Errorf("%w: short stop %s not above entry %s", ErrDegenerateStop, stop, entry)
		}
		if maxStopPct.Valid && stop.Sub(entry).Div(entry).GreaterThan(maxStopPct.Decimal) {
			stop = entry.Mul(one.Add(maxStopPct.Decimal))
		}
	default:
		return decimal.Zero, fmt.Errorf("%w: direction %q", ErrDegenerateStop, d)
	}

	if !stop.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: stop %s", ErrDegenerateStop, stop)
	}
	return stop, nil
}

// TrailStop proposes a tightened stop for an open position from a new swing
// level. It returns ok == false unless the candidate is strictly more
// favorable than current and still on the loss side of the market price.
// A zero current stop means "unknown" and accepts any valid candidate.
func TrailStop(side types.Side, current, swing, bufferPct, price decimal.Decimal) (decimal.Decimal, bool) {
	if !swing.IsPositive() || !price.IsPositive() {
		return decimal.Zero, false
	}

	switch side {
	case types.Long:
		candidate := swing.Mul(one.Sub(bufferPct))
		if !candidate.IsPositive() || !candidate.LessThan(price) {
			return decimal.Zero, false
		}
		if current.IsPositive() && !candidate.GreaterThan(current) {
			return decimal.Zero, false
		}
		return candidate, true
	case types.Short:
		candidate := swing.Mul(one.Add(bufferPct))
		if !candidate.GreaterThan(price) {
			return decimal.Zero, false
		}
		if current.IsPositive() && !candidate.LessThan(current) {
			return decimal.Zero, false
		}
		return candidate, true
	}
	return decimal.Zero, false
}

// BreakoutFailed reports whether price has crossed back through the entry
// beyond tolerance against the position
func BreakoutFailed(side types.Side, entry, price, tolerancePct decimal.Decimal) bool {
	if !entry.IsPositive() || !price.IsPositive() {
		return false
	}
	switch side {
	case types.Long:
		return price.LessThan(entry.Mul(one.Sub(tolerancePct)))
	case types.Short:
		return price.GreaterThan(entry.Mul(one.Add(tolerancePct)))
	}
	return false
}
