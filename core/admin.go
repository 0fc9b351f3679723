package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/strategy"
	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ADMINISTRATIVE OVERRIDES
// ═══════════════════════════════════════════════════════════════════════════════

// TrendOverride is a manual trend/swing assignment. Empty directions and
// invalid swing levels leave the current value untouched.
type TrendOverride struct {
	Higher    types.Direction     `json:"higher"`
	Lower     types.Direction     `json:"lower"`
	SwingLow  decimal.NullDecimal `json:"swing_low"`
	SwingHigh decimal.NullDecimal `json:"swing_high"`
}

// Status reads the committed state and a fresh exchange position.
// It does not take the decision lock.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		Instrument: e.cfg.Instrument,
		State:      e.State(),
		CheckedAt:  e.now(),
	}

	pos, err := e.decider.Position(ctx)
	if err != nil {
		st.ExchangeError = err.Error()
	} else {
		st.Exchange = &pos
	}

	if e.breaker != nil {
		st.Breaker.ConsecutiveFailures, st.Breaker.Tripped, st.Breaker.Reason = e.breaker.GetStats()
	}
	return st
}

// ForceSetTrend overrides trend fields. Changing the higher trend clears the
// deviation flag like any higher flip.
func (e *Engine) ForceSetTrend(ctx context.Context, o TrendOverride) (out Outcome, err error) {
	e.serialized(ctx, func(context.Context) []Outcome {
		out, err = e.forceSetTrend(o)
		if err != nil {
			return nil
		}
		return []Outcome{out}
	})
	return out, err
}

func (e *Engine) forceSetTrend(o TrendOverride) (Outcome, error) {
	if o.SwingLow.Valid && o.SwingHigh.Valid && o.SwingLow.Decimal.GreaterThanOrEqual(o.SwingHigh.Decimal) {
		return Outcome{}, fmt.Errorf("%w: swing_low %s not below swing_high %s",
			strategy.ErrMalformedSignal, o.SwingLow.Decimal, o.SwingHigh.Decimal)
	}

	st := e.State()
	if o.Higher != "" {
		if o.Higher != st.HigherTrend {
			st.HadDeviation = false
		}
		st.HigherTrend = o.Higher
	}
	if o.Lower != "" {
		st.LowerTrend = o.Lower
	}
	if o.SwingLow.Valid {
		st.SwingLow = o.SwingLow
	}
	if o.SwingHigh.Valid {
		st.SwingHigh = o.SwingHigh
	}

	sig := strategy.NewManualSignal("set trend")
	sig.Direction = st.HigherTrend
	out := Outcome{
		Signal: sig,
		Action: strategy.NoAction(strategy.ReasonTrendUpdated, fmt.Sprintf("manual higher=%s lower=%s", st.HigherTrend, st.LowerTrend)),
		State:  st,
	}
	out.Decided = out.Action
	e.commit(&out)
	e.report(out)
	return out, nil
}

// ForceClose closes whatever the exchange reports open. With the oracle down
// the close is still attempted when the cache says a position is open.
func (e *Engine) ForceClose(ctx context.Context) (Outcome, error) {
	var out Outcome
	e.serialized(ctx, func(ctx context.Context) []Outcome {
		out = e.forceClose(ctx)
		return []Outcome{out}
	})
	return out, nil
}

func (e *Engine) forceClose(ctx context.Context) Outcome {
	st := e.State()
	sig := strategy.NewManualSignal("close")
	dec := Decision{State: st}

	pos, err := e.decider.Position(ctx)
	switch {
	case err != nil && st.Position.Side.IsOpen():
		dec.Action = strategy.Exit(strategy.ReasonManualClose, "oracle unavailable, closing cached "+string(st.Position.Side))
		dec.Observed = cachedAsExchange(st)
	case err != nil:
		dec.Action = strategy.NoAction(strategy.ReasonOracleUnavailable, err.Error())
	case !pos.IsOpen():
		dec.Observed, dec.Oracle = pos, true
		dec.State.Position = types.FlatPosition()
		dec.Action = strategy.NoAction(strategy.ReasonNoPosition, "")
	default:
		dec.Observed, dec.Oracle = pos, true
		dec.Action = strategy.Exit(strategy.ReasonManualClose, fmt.Sprintf("%s %s", pos.Side, pos.Size))
	}

	out := Outcome{Signal: sig, Decided: dec.Action, Action: dec.Action, State: dec.State}
	if dec.Oracle {
		observed := dec.Observed
		out.Observed = &observed
	}
	e.execute(ctx, &out, dec, "")
	e.commit(&out)
	e.report(out)
	return out
}

// Reset clears trend memory and the circuit breaker. The cached position is
// kept; the exchange remains the authority for it.
func (e *Engine) Reset(ctx context.Context) (Outcome, error) {
	var out Outcome
	e.serialized(ctx, func(context.Context) []Outcome {
		out = e.reset()
		return []Outcome{out}
	})
	return out, nil
}

func (e *Engine) reset() Outcome {
	prev := e.State()
	st := types.NewTrendState(e.cfg.Instrument)
	st.Position = prev.Position

	if e.breaker != nil {
		e.breaker.ForceReset()
	}

	out := Outcome{
		Signal: strategy.NewManualSignal("reset"),
		Action: strategy.NoAction(strategy.ReasonTrendUpdated, "trend state reset"),
		State:  st,
	}
	out.Decided = out.Action
	e.commit(&out)
	e.report(out)

	log.Warn().Msg("♻️ Trend state reset")
	return out
}
