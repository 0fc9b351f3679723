package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/execution"
	"github.com/web3guy0/mxsbot/risk"
	"github.com/web3guy0/mxsbot/strategy"
	"github.com/web3guy0/mxsbot/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(s))
}

// fakeExchange is oracle, balance and price source in one
type fakeExchange struct {
	mu      sync.Mutex
	pos     types.ExchangePosition
	posErr  error
	balance decimal.Decimal
	balErr  error
	price   decimal.Decimal
	reads   int
}

func (f *fakeExchange) CurrentPosition(ctx context.Context, instrument string) (types.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.posErr != nil {
		return types.ExchangePosition{}, f.posErr
	}
	pos := f.pos
	if pos.Side == "" {
		pos.Side = types.Flat
	}
	return pos, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.balErr
}

func (f *fakeExchange) LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.price.IsPositive() {
		return decimal.Zero, errors.New("no quote")
	}
	return f.price, nil
}

func (f *fakeExchange) setPosition(side types.Side, size, entry decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = types.ExchangePosition{Instrument: "X", Side: side, Size: size, AvgEntry: entry}
}

// fakeExecutor fills instantly and mirrors fills into the exchange
type fakeExecutor struct {
	mu       sync.Mutex
	ex       *fakeExchange
	enterErr error
	exitErr  error
	stopErr  error
	calls    []string
	delay    time.Duration
	inFlight int
	maxSeen  int
}

func (f *fakeExecutor) begin(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeExecutor) end() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeExecutor) Enter(ctx context.Context, dir types.Direction, size, stop, refPrice decimal.Decimal, reason string) (execution.Fill, error) {
	f.begin("ENTER " + string(dir))
	defer f.end()
	if f.enterErr != nil {
		return execution.Fill{}, f.enterErr
	}
	f.ex.setPosition(dir.Side(), size, refPrice)
	return execution.Fill{Op: execution.OpEnter, Side: dir.Side(), Size: size, Price: refPrice, StopPrice: stop, Confirmed: true, Timestamp: time.Now()}, nil
}

func (f *fakeExecutor) Exit(ctx context.Context, side types.Side, size decimal.Decimal, reason string) (execution.Fill, error) {
	f.begin("EXIT " + string(side))
	defer f.end()
	if f.exitErr != nil {
		return execution.Fill{}, f.exitErr
	}
	f.ex.setPosition(types.Flat, decimal.Zero, decimal.Zero)
	return execution.Fill{Op: execution.OpExit, Side: side, Size: size, Confirmed: true, Timestamp: time.Now()}, nil
}

func (f *fakeExecutor) Tighten(ctx context.Context, side types.Side, size, stop decimal.Decimal, reason string) (execution.Fill, error) {
	f.begin("TIGHTEN " + stop.String())
	defer f.end()
	if f.stopErr != nil {
		return execution.Fill{}, f.stopErr
	}
	return execution.Fill{Op: execution.OpTighten, Side: side, Size: size, StopPrice: stop, Confirmed: true}, nil
}

func (f *fakeExecutor) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type memStore struct {
	mu    sync.Mutex
	saved []types.TrendState
	err   error
}

func (s *memStore) Load(instrument string) (types.TrendState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return types.NewTrendState(instrument), nil
	}
	return s.saved[len(s.saved)-1], nil
}

func (s *memStore) Save(st types.TrendState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, st)
	return nil
}

type recorder struct {
	mu   sync.Mutex
	outs []Outcome
}

func (r *recorder) NotifyOutcome(out Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, out)
}

// slowExchange answers only once the caller's context is done
type slowExchange struct{}

func (s *slowExchange) CurrentPosition(ctx context.Context, instrument string) (types.ExchangePosition, error) {
	<-ctx.Done()
	return types.ExchangePosition{}, ctx.Err()
}

func (s *slowExchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	<-ctx.Done()
	return decimal.Zero, ctx.Err()
}

func (s *slowExchange) LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	<-ctx.Done()
	return decimal.Zero, ctx.Err()
}

// ctxExchange fails any call made on an already cancelled context
type ctxExchange struct {
	*fakeExchange
}

func (c ctxExchange) CurrentPosition(ctx context.Context, instrument string) (types.ExchangePosition, error) {
	if err := ctx.Err(); err != nil {
		return types.ExchangePosition{}, err
	}
	return c.fakeExchange.CurrentPosition(ctx, instrument)
}

func (c ctxExchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return c.fakeExchange.GetBalance(ctx)
}

// stallingNotifier blocks its first delivery until release is closed
type stallingNotifier struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStallingNotifier() *stallingNotifier {
	return &stallingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *stallingNotifier) NotifyOutcome(out Outcome) {
	first := false
	s.once.Do(func() { first = true })
	if !first {
		return
	}
	close(s.entered)
	<-s.release
}

func testDecisionConfig() DecisionConfig {
	return DecisionConfig{
		Instrument:           "X",
		StopBufferPct:        d("0.002"),
		MaxStopPct:           nd("0.10"),
		Sizing:               risk.RiskPerTrade(d("0.01")),
		BreakoutTolerancePct: d("0.005"),
		CallTimeout:          time.Second,
	}
}

type harness struct {
	ex      *fakeExchange
	exec    *fakeExecutor
	store   *memStore
	breaker *risk.CircuitBreaker
	engine  *Engine
	rec     *recorder
}

func newHarness(cfg DecisionConfig) *harness {
	ex := &fakeExchange{balance: d("10000"), price: d("105")}
	h := &harness{
		ex:      ex,
		exec:    &fakeExecutor{ex: ex},
		store:   &memStore{},
		breaker: risk.NewCircuitBreaker(2, time.Hour),
		rec:     &recorder{},
	}
	dec := NewDecider(cfg, ex, ex, ex)
	h.engine = NewEngine(EngineConfig{Instrument: "X", ExecTimeout: time.Second}, dec, h.exec, h.store, h.breaker)
	h.engine.AddNotifier(h.rec)
	return h
}

// seed commits st as if it had been loaded from the store
func (h *harness) seed(st types.TrendState) {
	h.engine.setState(st)
}

func lowerBreak(dir types.Direction, price string) strategy.Signal {
	return strategy.Signal{Timeframe: strategy.Lower, Kind: strategy.Break, Direction: dir, Price: d(price), Source: strategy.SourceWebhook}
}

func higherBreak(dir types.Direction) strategy.Signal {
	return strategy.Signal{Timeframe: strategy.Higher, Kind: strategy.Break, Direction: dir, Source: strategy.SourceWebhook}
}

// bullReady is a state one lower BULL break away from an entry
func bullReady() types.TrendState {
	st := types.NewTrendState("X")
	st.HigherTrend = types.Bull
	st.LowerTrend = types.Bear
	st.SwingLow = nd("100")
	st.SwingHigh = nd("110")
	return st
}
