package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/exec"
	"github.com/web3guy0/mxsbot/metrics"
	"github.com/web3guy0/mxsbot/storage"
	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LAYER - Orders against the exchange, confirmed by the exchange
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order Flow:
//   Engine → Executor → Exchange API
//                 ↓
//          position re-read
//              ↓        ↓
//         CONFIRMED   ACKED (exchange slow to reflect)
//
// Every acknowledged order is journaled. Nothing here decides whether to trade.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrStillOpen means a close was acknowledged but the position is still reported
var ErrStillOpen = errors.New("position still open after close")

// Exchange is the order gateway and position oracle the executor drives
type Exchange interface {
	CurrentPosition(ctx context.Context, instrument string) (types.ExchangePosition, error)
	SetLeverage(ctx context.Context, instrument string, leverage decimal.Decimal) error
	PlaceOrder(ctx context.Context, req exec.OrderRequest) (exec.OrderResult, error)
	ClosePosition(ctx context.Context, instrument string) (exec.OrderResult, error)
	SetStop(ctx context.Context, instrument string, side types.Side, stop decimal.Decimal) (exec.OrderResult, error)
}

// PriceSource quotes the last price for journaling exits
type PriceSource interface {
	LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Op is the kind of order flow executed
type Op string

const (
	OpEnter   Op = "ENTER"
	OpExit    Op = "EXIT"
	OpTighten Op = "TIGHTEN"
)

// Fill is the confirmed (or acknowledged) result of one order flow
type Fill struct {
	Op            Op              `json:"op"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Side          types.Side      `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Confirmed     bool            `json:"confirmed"`
	Paper         bool            `json:"paper"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ExecutorConfig holds executor settings
type ExecutorConfig struct {
	Instrument    string
	Leverage      decimal.Decimal
	ConfirmTries  int           // position re-reads after an order (default: 3)
	ConfirmDelay  time.Duration // wait between re-reads (default: 500ms)
	JournalPrices bool          // quote a price for exit records
}

// DefaultExecutorConfig returns sensible defaults
func DefaultExecutorConfig(instrument string, leverage decimal.Decimal) ExecutorConfig {
	return ExecutorConfig{
		Instrument:    instrument,
		Leverage:      leverage,
		ConfirmTries:  3,
		ConfirmDelay:  500 * time.Millisecond,
		JournalPrices: true,
	}
}

// Executor places orders and records what happened
type Executor struct {
	mu     sync.Mutex
	config ExecutorConfig

	exchange Exchange
	journal  storage.Journal
	prices   PriceSource

	// Stats
	totalOrders  int64
	failedOrders int64
}

// NewExecutor creates an executor; journal and prices may be nil
func NewExecutor(cfg ExecutorConfig, exchange Exchange, journal storage.Journal, prices PriceSource) *Executor {
	if cfg.ConfirmTries <= 0 {
		cfg.ConfirmTries = 1
	}
	return &Executor{
		config:   cfg,
		exchange: exchange,
		journal:  journal,
		prices:   prices,
	}
}

// Enter opens a position in d with the stop attached to the order
func (e *Executor) Enter(ctx context.Context, d types.Direction, size, stop, refPrice decimal.Decimal, reason string) (Fill, error) {
	side := d.Side()
	if !side.IsOpen() {
		return Fill{}, fmt.Errorf("cannot enter direction %q", d)
	}
	inst := e.config.Instrument

	if e.config.Leverage.IsPositive() {
		if err := e.exchange.SetLeverage(ctx, inst, e.config.Leverage); err != nil {
			// non-fatal
			log.Warn().Err(err).Str("leverage", e.config.Leverage.String()).Msg("⚠️ Set leverage failed")
		}
	}

	res, err := e.exchange.PlaceOrder(ctx, exec.OrderRequest{
		Instrument: inst,
		Side:       side,
		Size:       size,
		StopPrice:  stop,
		RefPrice:   refPrice,
	})
	e.count(OpEnter, err)
	if err != nil {
		return Fill{}, err
	}

	fill := Fill{
		Op:            OpEnter,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Side:          side,
		Price:         firstPositive(res.FillPrice, refPrice),
		Size:          size,
		StopPrice:     stop,
		Paper:         res.Paper,
		Timestamp:     time.Now(),
	}

	pos, ok := e.awaitPosition(ctx, func(p types.ExchangePosition) bool { return p.IsOpen() && p.Side == side })
	if ok {
		fill.Confirmed = true
		fill.Size = pos.Size
		if pos.AvgEntry.IsPositive() {
			fill.Price = pos.AvgEntry
		}
	} else {
		log.Warn().Str("order_id", res.OrderID).Msg("⚠️ Entry acknowledged, position not yet visible")
	}

	e.record(fill, reason)
	log.Info().
		Str("side", string(side)).
		Str("size", fill.Size.String()).
		Str("price", fill.Price.String()).
		Str("stop", stop.String()).
		Bool("confirmed", fill.Confirmed).
		Msg("🟢 Entered")
	return fill, nil
}

// Exit closes the whole position and waits for the exchange to report flat
func (e *Executor) Exit(ctx context.Context, side types.Side, size decimal.Decimal, reason string) (Fill, error) {
	inst := e.config.Instrument

	res, err := e.exchange.ClosePosition(ctx, inst)
	if err != nil {
		e.count(OpExit, err)
		return Fill{}, err
	}

	fill := Fill{
		Op:            OpExit,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Side:          side,
		Price:         res.FillPrice,
		Size:          size,
		Paper:         res.Paper,
		Timestamp:     time.Now(),
	}

	pos, ok := e.awaitPosition(ctx, func(p types.ExchangePosition) bool { return !p.IsOpen() })
	if !ok && pos.IsOpen() {
		err := fmt.Errorf("%w: %s %s", ErrStillOpen, pos.Side, pos.Size)
		e.count(OpExit, err)
		return fill, err
	}
	e.count(OpExit, nil)
	fill.Confirmed = ok

	if !fill.Price.IsPositive() && e.prices != nil && e.config.JournalPrices {
		if p, err := e.prices.LastPrice(ctx, inst); err == nil {
			fill.Price = p
		}
	}

	e.record(fill, reason)
	log.Info().
		Str("side", string(side)).
		Str("price", fill.Price.String()).
		Str("reason", reason).
		Msg("🔴 Exited")
	return fill, nil
}

// Tighten moves the protective stop of the open position
func (e *Executor) Tighten(ctx context.Context, side types.Side, size, stop decimal.Decimal, reason string) (Fill, error) {
	res, err := e.exchange.SetStop(ctx, e.config.Instrument, side, stop)
	e.count(OpTighten, err)
	if err != nil {
		return Fill{}, err
	}

	fill := Fill{
		Op:            OpTighten,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Side:          side,
		Size:          size,
		StopPrice:     stop,
		Confirmed:     true,
		Paper:         res.Paper,
		Timestamp:     time.Now(),
	}
	e.record(fill, reason)
	log.Info().Str("side", string(side)).Str("stop", stop.String()).Msg("🔒 Stop tightened")
	return fill, nil
}

// Stats returns order counters
func (e *Executor) Stats() (total, failed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalOrders, e.failedOrders
}

// awaitPosition re-reads the position until want holds or tries run out.
// The last observed position is returned either way.
func (e *Executor) awaitPosition(ctx context.Context, want func(types.ExchangePosition) bool) (types.ExchangePosition, bool) {
	var last types.ExchangePosition
	for i := 0; i < e.config.ConfirmTries; i++ {
		if i > 0 && e.config.ConfirmDelay > 0 {
			select {
			case <-ctx.Done():
				return last, false
			case <-time.After(e.config.ConfirmDelay):
			}
		}
		pos, err := e.exchange.CurrentPosition(ctx, e.config.Instrument)
		if err != nil {
			log.Debug().Err(err).Int("try", i+1).Msg("Position confirm read failed")
			continue
		}
		last = pos
		if want(pos) {
			return pos, true
		}
	}
	return last, false
}

func (e *Executor) count(op Op, err error) {
	e.mu.Lock()
	e.totalOrders++
	result := "ok"
	if err != nil {
		e.failedOrders++
		result = "failed"
	}
	e.mu.Unlock()
	metrics.OrdersTotal.WithLabelValues(string(op), result).Inc()
}

func (e *Executor) record(fill Fill, reason string) {
	if e.journal == nil {
		return
	}
	rec := types.TradeRecord{
		ID:         uuid.NewString(),
		Instrument: e.config.Instrument,
		Action:     string(fill.Op),
		Side:       fill.Side,
		Price:      fill.Price,
		Size:       fill.Size,
		StopPrice:  fill.StopPrice,
		Reason:     reason,
		OrderID:    fill.OrderID,
		Timestamp:  fill.Timestamp,
	}
	if err := e.journal.LogTrade(rec); err != nil {
		log.Error().Err(err).Str("op", string(fill.Op)).Msg("❌ Failed to journal trade")
	}
}

func firstPositive(vals ...decimal.Decimal) decimal.Decimal {
	for _, v := range vals {
		if v.IsPositive() {
			return v
		}
	}
	return decimal.Zero
}
