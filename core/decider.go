package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/metrics"
	"github.com/web3guy0/mxsbot/risk"
	"github.com/web3guy0/mxsbot/strategy"
	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECIDER - One signal in, one action out
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Signal → trend transition → fresh position read → stop → size → Action
//
// Deterministic apart from the injected oracle, balance and price calls.
// Never mutates anything; the engine persists Decision.State.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrOracleUnavailable  = errors.New("oracle unavailable")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrBalanceUnavailable = errors.New("balance unavailable")
	ErrOrderFailed        = errors.New("order failed")
	ErrStoreWriteFailed   = errors.New("store write failed")
)

// PositionOracle reports the exchange's authoritative position
type PositionOracle interface {
	CurrentPosition(ctx context.Context, instrument string) (types.ExchangePosition, error)
}

// BalanceSource reports the available quote balance
type BalanceSource interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// PriceFeed quotes a last price when a signal carries none
type PriceFeed interface {
	LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// DecisionConfig holds the trading rules
type DecisionConfig struct {
	Instrument           string
	StopBufferPct        decimal.Decimal
	MaxStopPct           decimal.NullDecimal
	Sizing               risk.SizingPolicy
	ExitOnLowerOpposite  bool
	MonitorFlip          bool
	BreakoutTolerancePct decimal.Decimal
	CallTimeout          time.Duration
}

// Decision is the decider's output: the action plus the trend state to
// persist once the action has been executed or abandoned
type Decision struct {
	Action   strategy.Action
	State    types.TrendState
	Observed types.ExchangePosition
	Oracle   bool            // Observed was read from the exchange for this decision
	Price    decimal.Decimal // reference price used for entry planning
}

type Decider struct {
	cfg     DecisionConfig
	oracle  PositionOracle
	balance BalanceSource
	prices  PriceFeed
}

// NewDecider wires the collaborators
func NewDecider(cfg DecisionConfig, oracle PositionOracle, balance BalanceSource, prices PriceFeed) *Decider {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Decider{cfg: cfg, oracle: oracle, balance: balance, prices: prices}
}

// Config returns the active rules
func (d *Decider) Config() DecisionConfig {
	return d.cfg
}

// Decide maps a signal and the current state to exactly one action
func (d *Decider) Decide(ctx context.Context, sig strategy.Signal, st types.TrendState) Decision {
	st = st.Normalize()

	if sig.Kind == strategy.Check {
		return d.decideCheck(ctx, st)
	}
	switch sig.Timeframe {
	case strategy.Higher:
		return d.decideHigher(ctx, sig, st)
	case strategy.Lower:
		return d.decideLower(ctx, sig, st)
	}
	return unchanged(st, strategy.ReasonTrendNotAligned, fmt.Sprintf("unknown timeframe %q", sig.Timeframe))
}

// DecideEntry is the fresh entry decision taken after the exit half of a flip.
// It re-reads the position and balance; nothing from the first decision is reused.
func (d *Decider) DecideEntry(ctx context.Context, dir types.Direction, st types.TrendState, refPrice decimal.Decimal) Decision {
	pos, err := d.Position(ctx)
	if err != nil {
		return unchanged(st, strategy.ReasonOracleUnavailable, err.Error())
	}
	if pos.IsOpen() {
		return Decision{
			Action:   strategy.NoAction(strategy.ReasonAlreadyPositioned, fmt.Sprintf("%s %s still open", pos.Side, pos.Size)),
			State:    st,
			Observed: pos,
			Oracle:   true,
		}
	}

	action, price, _ := d.planEntry(ctx, dir, st, refPrice)
	return Decision{Action: action, State: st, Observed: pos, Oracle: true, Price: price}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HIGHER TIMEFRAME
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Decider) decideHigher(ctx context.Context, sig strategy.Signal, st types.TrendState) Decision {
	switch sig.Kind {
	case strategy.Break:
		next := strategy.ApplySwings(strategy.ApplyHigherBreak(st, sig.Direction), sig)

		pos, err := d.Position(ctx)
		if err != nil {
			// only an exit may fall back to the cached side
			if st.Position.Side.Opposes(sig.Direction) {
				return Decision{
					Action: strategy.Exit(strategy.ReasonHigherTrendFlip,
						fmt.Sprintf("oracle unavailable, closing cached %s", st.Position.Side)),
					State:    next,
					Observed: cachedAsExchange(st),
				}
			}
			return unchanged(st, strategy.ReasonOracleUnavailable, err.Error())
		}

		if pos.IsOpen() && pos.Side.Opposes(sig.Direction) {
			return Decision{
				Action: strategy.Exit(strategy.ReasonHigherTrendFlip,
					fmt.Sprintf("%s open against %s higher trend", pos.Side, sig.Direction)),
				State:    next,
				Observed: pos,
				Oracle:   true,
			}
		}
		return Decision{
			Action:   strategy.NoAction(strategy.ReasonTrendUpdated, "higher trend "+string(sig.Direction)),
			State:    next,
			Observed: pos,
			Oracle:   true,
		}

	case strategy.Continuation:
		next, ok := strategy.ApplyHigherContinuation(st, sig.Direction)
		if !ok {
			return unchanged(st, strategy.ReasonConflictingContinue,
				fmt.Sprintf("continuation %s against higher trend %s", sig.Direction, st.HigherTrend))
		}
		return Decision{
			Action: strategy.NoAction(strategy.ReasonTrendUpdated, "higher trend "+string(next.HigherTrend)),
			State:  strategy.ApplySwings(next, sig),
		}

	case strategy.Update:
		return d.decideHigherUpdate(ctx, sig, st)
	}
	return unchanged(st, strategy.ReasonTrendNotAligned, "unsupported kind "+string(sig.Kind))
}

// decideHigherUpdate records new swing levels and trails the stop of an open position
func (d *Decider) decideHigherUpdate(ctx context.Context, sig strategy.Signal, st types.TrendState) Decision {
	if !sig.HasSwings() {
		return unchanged(st, strategy.ReasonSwingUpdated, "no swing levels in update")
	}
	next := strategy.ApplySwings(st, sig)

	pos, err := d.Position(ctx)
	if err != nil {
		return unchanged(st, strategy.ReasonOracleUnavailable, err.Error())
	}
	base := Decision{State: next, Observed: pos, Oracle: true}

	if !pos.IsOpen() {
		base.Action = strategy.NoAction(strategy.ReasonSwingUpdated, "")
		return base
	}

	// the stop anchor on the loss side of the held position
	var level decimal.NullDecimal
	if pos.Side == types.Long {
		level = sig.SwingLow
	} else {
		level = sig.SwingHigh
	}
	if !level.Valid {
		base.Action = strategy.NoAction(strategy.ReasonSwingUpdated, "no level on the stop side")
		return base
	}

	current := decimal.Zero
	if st.Position.Side == pos.Side {
		current = st.Position.StopPrice
	}
	if !current.IsPositive() {
		base.Action = strategy.NoAction(strategy.ReasonStopNotImproved, "current stop unknown")
		return base
	}

	price, err := d.price(ctx, sig.Price)
	if err != nil {
		return unchanged(st, strategy.ReasonPriceUnavailable, err.Error())
	}
	base.Price = price

	stop, ok := risk.TrailStop(pos.Side, current, level.Decimal, d.cfg.StopBufferPct, price)
	if !ok {
		base.Action = strategy.NoAction(strategy.ReasonStopNotImproved,
			fmt.Sprintf("candidate from %s does not improve %s", level.Decimal, current))
		return base
	}

	base.Action = strategy.Tighten(stop)
	base.Action.Direction = pos.Side.Direction()
	base.Action.Size = pos.Size
	return base
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOWER TIMEFRAME
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Decider) decideLower(ctx context.Context, sig strategy.Signal, st types.TrendState) Decision {
	dir := sig.Direction

	var next types.TrendState
	switch sig.Kind {
	case strategy.Update:
		if !sig.HasSwings() {
			return unchanged(st, strategy.ReasonSwingUpdated, "no swing levels in update")
		}
		return Decision{Action: strategy.NoAction(strategy.ReasonSwingUpdated, ""), State: strategy.ApplySwings(st, sig)}
	case strategy.Break:
		next = strategy.ApplySwings(strategy.ApplyLowerBreak(st, dir), sig)
	case strategy.Continuation:
		next = strategy.ApplySwings(st, sig)
	default:
		return unchanged(st, strategy.ReasonTrendNotAligned, "unsupported kind "+string(sig.Kind))
	}

	allowed, gateReason := strategy.EntryGate(next, sig)
	if !allowed && !d.cfg.ExitOnLowerOpposite {
		return Decision{Action: strategy.NoAction(gateReason, gateDetail(next, sig)), State: next}
	}

	pos, err := d.Position(ctx)
	if err != nil {
		if !allowed && st.Position.Side.Opposes(dir) {
			return Decision{
				Action: strategy.Exit(strategy.ReasonLowerReversal,
					fmt.Sprintf("oracle unavailable, closing cached %s", st.Position.Side)),
				State:    next,
				Observed: cachedAsExchange(st),
			}
		}
		return unchanged(st, strategy.ReasonOracleUnavailable, err.Error())
	}
	base := Decision{State: next, Observed: pos, Oracle: true}

	if !allowed {
		if pos.IsOpen() && pos.Side.Opposes(dir) {
			base.Action = strategy.Exit(strategy.ReasonLowerReversal,
				fmt.Sprintf("lower %s against open %s", dir, pos.Side))
			return base
		}
		base.Action = strategy.NoAction(gateReason, gateDetail(next, sig))
		return base
	}

	if pos.IsOpen() && pos.Side.Direction() == dir {
		base.Action = strategy.NoAction(strategy.ReasonAlreadyPositioned,
			fmt.Sprintf("%s %s already open", pos.Side, pos.Size))
		return base
	}

	action, price, transient := d.planEntry(ctx, dir, next, sig.Price)
	base.Price = price

	if pos.IsOpen() {
		// held against the higher trend: exit first, entry is re-decided after
		if action.Type == strategy.ActionEnter {
			base.Action = strategy.Flip(dir, action.Size, action.StopPrice, strategy.ReasonFlipped)
		} else {
			base.Action = strategy.Exit(strategy.ReasonLowerReversal,
				fmt.Sprintf("%s open against %s; entry refused: %s", pos.Side, dir, action.Reason))
		}
		return base
	}

	if transient {
		return Decision{Action: action, State: st, Observed: pos, Oracle: true}
	}
	base.Action = action
	return base
}

// ═══════════════════════════════════════════════════════════════════════════════
// BREAKOUT RE-VALIDATION (monitor)
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Decider) decideCheck(ctx context.Context, st types.TrendState) Decision {
	pos, err := d.Position(ctx)
	if err != nil {
		return unchanged(st, strategy.ReasonOracleUnavailable, err.Error())
	}

	if !pos.IsOpen() {
		if st.Position.Side.IsOpen() {
			next := st
			next.Position = types.FlatPosition()
			return Decision{
				Action: strategy.NoAction(strategy.ReasonNoPosition,
					fmt.Sprintf("cached %s closed on exchange", st.Position.Side)),
				State:    next,
				Observed: pos,
				Oracle:   true,
			}
		}
		return Decision{Action: strategy.NoAction(strategy.ReasonNoPosition, ""), State: st, Observed: pos, Oracle: true}
	}

	next := st
	next.Position = adoptPosition(st.Position, pos)

	price, err := d.price(ctx, decimal.Zero)
	if err != nil {
		return unchanged(st, strategy.ReasonPriceUnavailable, err.Error())
	}
	base := Decision{State: next, Observed: pos, Oracle: true, Price: price}

	entry := pos.AvgEntry
	if !entry.IsPositive() {
		entry = next.Position.EntryPrice
	}
	if !risk.BreakoutFailed(pos.Side, entry, price, d.cfg.BreakoutTolerancePct) {
		base.Action = strategy.NoAction(strategy.ReasonBreakoutHolding,
			fmt.Sprintf("%s entry %s price %s", pos.Side, entry, price))
		return base
	}

	detail := fmt.Sprintf("%s entry %s price %s", pos.Side, entry, price)
	if d.cfg.MonitorFlip {
		opp := pos.Side.Direction().Opposite()
		action, _, _ := d.planEntry(ctx, opp, next, price)
		if action.Type == strategy.ActionEnter {
			base.Action = strategy.Flip(opp, action.Size, action.StopPrice, strategy.ReasonBreakoutFailed)
			base.Action.Detail = detail
			return base
		}
		detail += "; flip refused: " + string(action.Reason)
	}
	base.Action = strategy.Exit(strategy.ReasonBreakoutFailed, detail)
	return base
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY PLANNING
// ═══════════════════════════════════════════════════════════════════════════════

// planEntry computes stop and size for an entry in dir. transient is true when
// the refusal came from an unavailable collaborator rather than the numbers.
func (d *Decider) planEntry(ctx context.Context, dir types.Direction, st types.TrendState, refPrice decimal.Decimal) (strategy.Action, decimal.Decimal, bool) {
	swing := st.SwingFor(dir)
	if !swing.Valid {
		side := "swing_low"
		if dir == types.Bear {
			side = "swing_high"
		}
		return strategy.NoAction(strategy.ReasonMissingSwing, "no "+side+" for "+string(dir)+" entry"), decimal.Zero, false
	}

	price, err := d.price(ctx, refPrice)
	if err != nil {
		return strategy.NoAction(strategy.ReasonPriceUnavailable, err.Error()), decimal.Zero, true
	}

	stop, err := risk.ComputeStop(price, swing.Decimal, dir, d.cfg.StopBufferPct, d.cfg.MaxStopPct)
	if err != nil {
		return strategy.NoAction(strategy.ReasonDegenerateStop, err.Error()), price, false
	}

	balance, err := d.balanceOf(ctx)
	if err != nil {
		return strategy.NoAction(strategy.ReasonBalanceUnavailable, err.Error()), price, true
	}

	size, err := risk.ComputeSize(balance, price, stop, d.cfg.Sizing)
	switch {
	case errors.Is(err, risk.ErrInsufficientSize):
		return strategy.NoAction(strategy.ReasonInsufficientSize, err.Error()), price, false
	case err != nil:
		return strategy.NoAction(strategy.ReasonDegenerateStop, err.Error()), price, false
	}

	log.Debug().
		Str("dir", string(dir)).
		Str("price", price.String()).
		Str("stop", stop.String()).
		Str("size", size.String()).
		Str("risk_pct", risk.RiskPercentage(size, price, stop, balance).StringFixed(2)).
		Msg("Entry planned")

	return strategy.Enter(dir, size, stop), price, false
}

// ═══════════════════════════════════════════════════════════════════════════════
// COLLABORATOR CALLS (bounded)
// ═══════════════════════════════════════════════════════════════════════════════

// Position reads the exchange position with the call timeout applied
func (d *Decider) Position(ctx context.Context) (types.ExchangePosition, error) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	pos, err := d.oracle.CurrentPosition(cctx, d.cfg.Instrument)
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues("oracle").Inc()
		return types.ExchangePosition{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if pos.Side == "" {
		pos.Side = types.Flat
	}
	metrics.ObservePosition(string(pos.Side))
	return pos, nil
}

// price prefers the signal's own price and falls back to the feed
func (d *Decider) price(ctx context.Context, ref decimal.Decimal) (decimal.Decimal, error) {
	if ref.IsPositive() {
		return ref, nil
	}
	if d.prices == nil {
		return decimal.Zero, fmt.Errorf("%w: no price feed", ErrPriceUnavailable)
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	p, err := d.prices.LastPrice(cctx, d.cfg.Instrument)
	if err != nil || !p.IsPositive() {
		metrics.CollaboratorErrors.WithLabelValues("price").Inc()
		if err == nil {
			err = fmt.Errorf("non-positive quote %s", p)
		}
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	return p, nil
}

func (d *Decider) balanceOf(ctx context.Context) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	b, err := d.balance.GetBalance(cctx)
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues("balance").Inc()
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalanceUnavailable, err)
	}
	return b, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func unchanged(st types.TrendState, reason strategy.Reason, detail string) Decision {
	return Decision{Action: strategy.NoAction(reason, detail), State: st}
}

func gateDetail(st types.TrendState, sig strategy.Signal) string {
	return fmt.Sprintf("higher=%s lower=%s deviation=%t signal=%s", st.HigherTrend, st.LowerTrend, st.HadDeviation, sig.Direction)
}

// cachedAsExchange presents the cached position when the oracle is down
func cachedAsExchange(st types.TrendState) types.ExchangePosition {
	return types.ExchangePosition{
		Instrument: st.Instrument,
		Side:       st.Position.Side,
		Size:       st.Position.Size,
		AvgEntry:   st.Position.EntryPrice,
	}
}

// adoptPosition refreshes the cache from the exchange, keeping the stop when
// the side is unchanged
func adoptPosition(local types.LocalPosition, pos types.ExchangePosition) types.LocalPosition {
	next := types.LocalPosition{
		Side:       pos.Side,
		Size:       pos.Size,
		EntryPrice: pos.AvgEntry,
	}
	if local.Side == pos.Side {
		next.StopPrice = local.StopPrice
		next.OpenedAt = local.OpenedAt
		if !next.EntryPrice.IsPositive() {
			next.EntryPrice = local.EntryPrice
		}
	}
	return next
}
