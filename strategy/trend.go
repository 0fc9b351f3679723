package strategy

import (
	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TREND STATE MACHINE - higherTrend × lowerTrend × hadDeviation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure transitions. Nothing here talks to the exchange; the decider combines
// these with a fresh position read to pick an action.
//
//   HIGHER BREAK(d)   → higher = d, deviation = false
//   LOWER  BREAK(d)   → lower = d, deviation = true when lower left the higher
//                       trend and has just come back to it
//   any signal        → swing levels copied when present
//
// ═══════════════════════════════════════════════════════════════════════════════

// ApplySwings copies the swing levels carried by sig into st
func ApplySwings(st types.TrendState, sig Signal) types.TrendState {
	if sig.SwingLow.Valid {
		st.SwingLow = sig.SwingLow
	}
	if sig.SwingHigh.Valid {
		st.SwingHigh = sig.SwingHigh
	}
	return st
}

// ApplyHigherBreak records a higher-timeframe break. Every higher break
// clears the deviation flag.
func ApplyHigherBreak(st types.TrendState, d types.Direction) types.TrendState {
	st.HigherTrend = d
	st.HadDeviation = false
	return st
}

// ApplyHigherContinuation only seeds an unset higher trend. A continuation
// against the current higher trend is rejected (ok == false) and changes nothing.
func ApplyHigherContinuation(st types.TrendState, d types.Direction) (types.TrendState, bool) {
	switch st.HigherTrend {
	case d:
		return st, true
	case types.None, "":
		st.HigherTrend = d
		st.HadDeviation = false
		return st, true
	}
	return st, false
}

// ApplyLowerBreak records a lower-timeframe break and tracks deviation
func ApplyLowerBreak(st types.TrendState, d types.Direction) types.TrendState {
	prev := st.LowerTrend
	st.LowerTrend = d

	higher := st.HigherTrend
	if higher.Valid() && prev == higher.Opposite() && d == higher {
		st.HadDeviation = true
	}
	return st
}

// EntryGate checks the trend-side preconditions for entering in sig's direction.
// It does not know about open positions.
func EntryGate(st types.TrendState, sig Signal) (bool, Reason) {
	if sig.Timeframe != Lower || !sig.Direction.Valid() {
		return false, ReasonTrendNotAligned
	}
	if st.HigherTrend != sig.Direction {
		return false, ReasonTrendNotAligned
	}

	switch sig.Kind {
	case Break:
		if !st.HadDeviation {
			return false, ReasonDeviationRequired
		}
		return true, ""
	case Continuation:
		return true, ""
	}
	return false, ReasonTrendNotAligned
}
