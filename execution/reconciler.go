package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/exec"
	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Startup position recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// On startup, we need to:
// 1. Load the persisted trend snapshot
// 2. Ask the exchange what is actually open
// 3. Overwrite the cached local position with the exchange's answer
//
// This prevents "ghost positions" after crashes
//
// ═══════════════════════════════════════════════════════════════════════════════

// stopLister is implemented by exchanges that can report pending stop orders
type stopLister interface {
	PendingStops(ctx context.Context, instrument string) ([]exec.StopOrder, error)
}

// Reconciler handles startup position recovery
type Reconciler struct {
	exchange Exchange
	now      func() time.Time
}

// NewReconciler creates a position reconciler
func NewReconciler(exchange Exchange) *Reconciler {
	return &Reconciler{exchange: exchange, now: time.Now}
}

// Reconcile aligns st.Position with the exchange. On an oracle error st is
// returned unchanged together with the error.
func (r *Reconciler) Reconcile(ctx context.Context, st types.TrendState) (types.TrendState, error) {
	pos, err := r.exchange.CurrentPosition(ctx, st.Instrument)
	if err != nil {
		log.Error().Err(err).Msg("❌ Reconcile: position query failed, keeping cached position")
		return st, err
	}

	local := st.Position
	switch {
	case !pos.IsOpen() && !local.Side.IsOpen():
		log.Info().Msg("📦 Reconcile: flat on exchange and locally")
		st.Position = types.FlatPosition()

	case !pos.IsOpen():
		log.Warn().
			Str("local_side", string(local.Side)).
			Str("local_size", local.Size.String()).
			Msg("⚠️ Reconcile: cached position is gone on the exchange, clearing")
		st.Position = types.FlatPosition()

	default:
		next := types.LocalPosition{
			Side:       pos.Side,
			Size:       pos.Size,
			EntryPrice: pos.AvgEntry,
			OpenedAt:   r.now(),
		}
		if local.Side == pos.Side {
			next.StopPrice = local.StopPrice
			if !local.OpenedAt.IsZero() {
				next.OpenedAt = local.OpenedAt
			}
		}
		if !next.StopPrice.IsPositive() {
			next.StopPrice = r.pendingStop(ctx, st.Instrument, pos.Side)
		}

		if local.Side != pos.Side || !local.Size.Equal(pos.Size) {
			log.Warn().
				Str("local_side", string(local.Side)).
				Str("exchange_side", string(pos.Side)).
				Str("exchange_size", pos.Size.String()).
				Str("avg_entry", pos.AvgEntry.String()).
				Msg("⚠️ Reconcile: adopting exchange position")
		} else {
			log.Info().
				Str("side", string(pos.Side)).
				Str("size", pos.Size.String()).
				Msg("📥 Reconcile: cached position confirmed")
		}
		st.Position = next
	}

	return st, nil
}

// pendingStop returns the most protective pending stop trigger, or zero
func (r *Reconciler) pendingStop(ctx context.Context, instrument string, side types.Side) decimal.Decimal {
	lister, ok := r.exchange.(stopLister)
	if !ok {
		return decimal.Zero
	}
	orders, err := lister.PendingStops(ctx, instrument)
	if err != nil {
		log.Warn().Err(err).Msg("Reconcile: could not list pending stops")
		return decimal.Zero
	}

	best := decimal.Zero
	for _, o := range orders {
		trigger, err := decimal.NewFromString(o.TriggerPrice)
		if err != nil || !trigger.IsPositive() {
			continue
		}
		switch {
		case best.IsZero():
			best = trigger
		case side == types.Long && trigger.GreaterThan(best):
			best = trigger
		case side == types.Short && trigger.LessThan(best):
			best = trigger
		}
	}
	return best
}
