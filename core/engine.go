package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/execution"
	"github.com/web3guy0/mxsbot/metrics"
	"github.com/web3guy0/mxsbot/risk"
	"github.com/web3guy0/mxsbot/storage"
	"github.com/web3guy0/mxsbot/strategy"
	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Signal → Decider → Executor → State Store
//
// Webhooks, the monitor and admin calls all enter through the same lock, so
// at most one decision/execution is in flight for the instrument. Status
// reads bypass it and see the last committed snapshot.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderExecutor places the orders behind an action
type OrderExecutor interface {
	Enter(ctx context.Context, d types.Direction, size, stop, refPrice decimal.Decimal, reason string) (execution.Fill, error)
	Exit(ctx context.Context, side types.Side, size decimal.Decimal, reason string) (execution.Fill, error)
	Tighten(ctx context.Context, side types.Side, size, stop decimal.Decimal, reason string) (execution.Fill, error)
}

// Notifier receives every processed outcome (Telegram)
type Notifier interface {
	NotifyOutcome(out Outcome)
}

// Outcome is the structured result of one invocation
type Outcome struct {
	Signal     strategy.Signal         `json:"signal"`
	Decided    strategy.Action         `json:"decided"`
	Action     strategy.Action         `json:"action"`
	Observed   *types.ExchangePosition `json:"observed,omitempty"`
	State      types.TrendState        `json:"state"`
	Fills      []execution.Fill        `json:"fills,omitempty"`
	OrderError string                  `json:"order_error,omitempty"`
	StoreError string                  `json:"store_error,omitempty"`
}

// EngineConfig holds engine settings
type EngineConfig struct {
	Instrument  string
	ExecTimeout time.Duration // whole order flow incl. confirmation reads
}

// BreakerStatus mirrors the circuit breaker for status output
type BreakerStatus struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Tripped             bool   `json:"tripped"`
	Reason              string `json:"reason,omitempty"`
}

// Status is the read-only snapshot returned by status queries
type Status struct {
	Instrument    string                  `json:"instrument"`
	State         types.TrendState        `json:"state"`
	Exchange      *types.ExchangePosition `json:"exchange,omitempty"`
	ExchangeError string                  `json:"exchange_error,omitempty"`
	Breaker       BreakerStatus           `json:"breaker"`
	CheckedAt     time.Time               `json:"checked_at"`
}

type Engine struct {
	mu sync.Mutex // serializes every mutating invocation

	stateMu sync.RWMutex
	state   types.TrendState

	cfg       EngineConfig
	decider   *Decider
	executor  OrderExecutor
	store     storage.StateStore
	breaker   *risk.CircuitBreaker
	notifiers []Notifier
	now       func() time.Time
}

// NewEngine creates the engine with the initial state; call Load to restore
func NewEngine(cfg EngineConfig, decider *Decider, executor OrderExecutor, store storage.StateStore, breaker *risk.CircuitBreaker) *Engine {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		decider:  decider,
		executor: executor,
		store:    store,
		breaker:  breaker,
		state:    types.NewTrendState(cfg.Instrument),
		now:      time.Now,
	}
}

// AddNotifier registers an outcome listener
func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// Load restores the persisted snapshot
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.store.Load(e.cfg.Instrument)
	if err != nil {
		return err
	}
	e.setState(st.Normalize())

	log.Info().
		Str("higher", string(st.HigherTrend)).
		Str("lower", string(st.LowerTrend)).
		Bool("deviation", st.HadDeviation).
		Str("position", string(st.Position.Side)).
		Msg("📂 Trend state loaded")
	return nil
}

// Reconcile aligns the cached position with the exchange and persists it
func (e *Engine) Reconcile(ctx context.Context, r *execution.Reconciler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	defer cancel()

	st, err := r.Reconcile(cctx, e.State())
	if err != nil {
		return err
	}
	out := Outcome{
		Signal: strategy.NewManualSignal("reconcile"),
		Action: strategy.NoAction(strategy.ReasonTrendUpdated, "startup reconciliation"),
		State:  st,
	}
	out.Decided = out.Action
	e.commit(&out)
	if out.StoreError != "" {
		return fmt.Errorf("%w: %s", ErrStoreWriteFailed, out.StoreError)
	}
	return nil
}

// State returns the last committed snapshot
func (e *Engine) State() types.TrendState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(st types.TrendState) {
	e.stateMu.Lock()
	e.state = st
	e.stateMu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL PROCESSING
// ═══════════════════════════════════════════════════════════════════════════════

// Process decides and executes one signal
func (e *Engine) Process(ctx context.Context, sig strategy.Signal) (out Outcome, err error) {
	e.serialized(ctx, func(ctx context.Context) []Outcome {
		out, err = e.process(ctx, sig, "")
		if err != nil {
			return nil
		}
		return []Outcome{out}
	})
	return out, err
}

// ProcessBatch handles one delivery holding several signals. Higher-timeframe
// signals run first; once any of them decides to exit, later entries in the
// same delivery are refused.
func (e *Engine) ProcessBatch(ctx context.Context, sigs []strategy.Signal) (outs []Outcome, err error) {
	ordered := make([]strategy.Signal, len(sigs))
	copy(ordered, sigs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timeframe == strategy.Higher && ordered[j].Timeframe != strategy.Higher
	})

	e.serialized(ctx, func(ctx context.Context) []Outcome {
		var block strategy.Reason
		outs = make([]Outcome, 0, len(ordered))
		for _, sig := range ordered {
			out, perr := e.process(ctx, sig, block)
			if perr != nil {
				err = perr
				break
			}
			outs = append(outs, out)
			if out.Decided.ClosesPosition() {
				block = strategy.ReasonExitPrecedence
			}
		}
		return outs
	})
	return outs, err
}

// Check runs the breakout re-validation through the serialized path
func (e *Engine) Check(ctx context.Context, source strategy.Source) (Outcome, error) {
	return e.Process(ctx, strategy.NewCheckSignal(source))
}

// serialized runs fn under the decision lock. Once a caller holds the lock
// its work runs to completion: fn gets a context that ignores the caller's
// cancellation, and every collaborator call below it carries its own timeout.
// Notifiers are called after the lock is released.
func (e *Engine) serialized(ctx context.Context, fn func(ctx context.Context) []Outcome) {
	ctx = context.WithoutCancel(ctx)

	var notifiers []Notifier
	outs := func() []Outcome {
		e.mu.Lock()
		defer e.mu.Unlock()
		notifiers = e.notifiers
		return fn(ctx)
	}()

	for _, out := range outs {
		for _, n := range notifiers {
			n.NotifyOutcome(out)
		}
	}
}

// process runs one decision. A panic is fatal to this invocation only and
// leaves the committed state untouched.
func (e *Engine) process(ctx context.Context, sig strategy.Signal, block strategy.Reason) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("signal", sig.String()).Msg("🚨 Decision aborted")
			out = Outcome{Signal: sig, State: e.State()}
			err = fmt.Errorf("internal error processing %s: %v", sig, r)
		}
	}()

	metrics.SignalsTotal.WithLabelValues(string(sig.Timeframe), string(sig.Kind), string(sig.Source)).Inc()

	dec := e.decider.Decide(ctx, sig, e.State())
	out = Outcome{Signal: sig, Decided: dec.Action, Action: dec.Action, State: dec.State}
	if dec.Oracle {
		observed := dec.Observed
		out.Observed = &observed
	}

	e.execute(ctx, &out, dec, block)
	e.commit(&out)
	e.report(out)
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) execute(ctx context.Context, out *Outcome, dec Decision, block strategy.Reason) {
	a := dec.Action

	switch a.Type {
	case strategy.ActionEnter:
		if reason, blocked := e.entryBlocked(block); blocked {
			out.Action = strategy.NoAction(reason, fmt.Sprintf("entry %s refused", a.Direction))
			return
		}
		fill, err := e.enter(ctx, a, dec.Price)
		if err != nil {
			e.orderFailed(out, err)
			return
		}
		out.Fills = append(out.Fills, fill)
		out.State.Position = positionFrom(fill, a.StopPrice)

	case strategy.ActionExit:
		fill, err := e.exit(ctx, dec.Observed, string(a.Reason))
		if err != nil {
			e.orderFailed(out, err)
			return
		}
		out.Fills = append(out.Fills, fill)
		out.State.Position = types.FlatPosition()

	case strategy.ActionFlip:
		fill, err := e.exit(ctx, dec.Observed, string(a.Reason))
		if err != nil {
			e.orderFailed(out, err)
			return
		}
		out.Fills = append(out.Fills, fill)
		out.State.Position = types.FlatPosition()

		if reason, blocked := e.entryBlocked(block); blocked {
			out.Action = strategy.Exit(a.Reason, "re-entry refused: "+string(reason))
			return
		}

		entry := e.decider.DecideEntry(ctx, a.Direction, out.State, dec.Price)
		if entry.Oracle {
			observed := entry.Observed
			out.Observed = &observed
		}
		if entry.Action.Type != strategy.ActionEnter {
			out.Action = strategy.Exit(a.Reason, fmt.Sprintf("re-entry skipped: %s %s", entry.Action.Reason, entry.Action.Detail))
			return
		}

		fill, err = e.enter(ctx, entry.Action, entry.Price)
		if err != nil {
			e.breakerFailure(err)
			out.OrderError = err.Error()
			out.Action = strategy.Exit(a.Reason, "re-entry order failed: "+err.Error())
			return
		}
		out.Fills = append(out.Fills, fill)
		out.State.Position = positionFrom(fill, entry.Action.StopPrice)
		out.Action = strategy.Flip(entry.Action.Direction, entry.Action.Size, entry.Action.StopPrice, a.Reason)
		out.Action.Detail = a.Detail

	case strategy.ActionTighten:
		side := dec.Observed.Side
		fill, err := e.tighten(ctx, side, dec.Observed.Size, a.StopPrice)
		if err != nil {
			e.orderFailed(out, err)
			return
		}
		out.Fills = append(out.Fills, fill)
		out.State.Position = adoptPosition(out.State.Position, dec.Observed)
		out.State.Position.StopPrice = a.StopPrice
	}
}

func (e *Engine) enter(ctx context.Context, a strategy.Action, refPrice decimal.Decimal) (execution.Fill, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	defer cancel()

	fill, err := e.executor.Enter(cctx, a.Direction, a.Size, a.StopPrice, refPrice, string(a.Reason))
	if err != nil {
		return execution.Fill{}, fmt.Errorf("%w: enter %s: %v", ErrOrderFailed, a.Direction, err)
	}
	e.breakerSuccess()
	return fill, nil
}

func (e *Engine) exit(ctx context.Context, pos types.ExchangePosition, reason string) (execution.Fill, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	defer cancel()

	fill, err := e.executor.Exit(cctx, pos.Side, pos.Size, reason)
	if err != nil {
		return execution.Fill{}, fmt.Errorf("%w: exit %s: %v", ErrOrderFailed, pos.Side, err)
	}
	e.breakerSuccess()
	return fill, nil
}

func (e *Engine) tighten(ctx context.Context, side types.Side, size, stop decimal.Decimal) (execution.Fill, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	defer cancel()

	fill, err := e.executor.Tighten(cctx, side, size, stop, string(strategy.ReasonStopTightened))
	if err != nil {
		return execution.Fill{}, fmt.Errorf("%w: tighten %s: %v", ErrOrderFailed, side, err)
	}
	e.breakerSuccess()
	return fill, nil
}

// orderFailed keeps the cached position as it was: only confirmed orders move it
func (e *Engine) orderFailed(out *Outcome, err error) {
	e.breakerFailure(err)
	out.OrderError = err.Error()
	out.Action = strategy.NoAction(strategy.ReasonOrderFailed, err.Error())
	out.State.Position = e.State().Position
}

func (e *Engine) entryBlocked(block strategy.Reason) (strategy.Reason, bool) {
	if block != "" {
		return block, true
	}
	if e.breaker != nil && !e.breaker.Allow() {
		return strategy.ReasonCircuitOpen, true
	}
	return "", false
}

func (e *Engine) breakerFailure(err error) {
	if e.breaker != nil {
		e.breaker.RecordFailure(err.Error())
	}
}

func (e *Engine) breakerSuccess() {
	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMIT + REPORT
// ═══════════════════════════════════════════════════════════════════════════════

// commit persists the new state after execution finished. A failed write is
// reported loudly but the in-memory state still reflects what happened.
func (e *Engine) commit(out *Outcome) {
	out.State.UpdatedAt = e.now()

	if err := e.store.Save(out.State); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrStoreWriteFailed, err)
		out.StoreError = wrapped.Error()
		metrics.StoreFailures.Inc()
		log.Error().Err(wrapped).Str("action", string(out.Action.Type)).Msg("🚨 STATE SAVE FAILED - restart would lose this transition")
	}
	e.setState(out.State)
}

// report logs the outcome; notifiers are fed by serialized
func (e *Engine) report(out Outcome) {
	metrics.ActionsTotal.WithLabelValues(string(out.Action.Type), string(out.Action.Reason)).Inc()

	observed := "unknown"
	if out.Observed != nil {
		observed = string(out.Observed.Side)
	}

	ev := log.Info()
	if out.Action.Type != strategy.ActionNone {
		ev = log.Warn()
	}
	if out.OrderError != "" {
		ev = log.Error()
	}
	ev.
		Str("signal", out.Signal.String()).
		Str("source", string(out.Signal.Source)).
		Str("action", string(out.Action.Type)).
		Str("reason", string(out.Action.Reason)).
		Str("detail", out.Action.Detail).
		Str("exchange", observed).
		Str("higher", string(out.State.HigherTrend)).
		Str("lower", string(out.State.LowerTrend)).
		Bool("deviation", out.State.HadDeviation).
		Msg("🧭 Decision")
}

func positionFrom(fill execution.Fill, stop decimal.Decimal) types.LocalPosition {
	return types.LocalPosition{
		Side:       fill.Side,
		Size:       fill.Size,
		EntryPrice: fill.Price,
		StopPrice:  stop,
		OpenedAt:   fill.Timestamp,
	}
}
