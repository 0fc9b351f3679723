package execution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/exec"
	"github.com/web3guy0/mxsbot/types"
)

// fakeExchange replays positions in order; the last one sticks
type fakeExchange struct {
	mu        sync.Mutex
	positions []types.ExchangePosition
	posErr    error
	orderErr  error
	closeErr  error
	stopErr   error
	stops     []exec.StopOrder

	orders    []exec.OrderRequest
	closes    int
	stopMoves []decimal.Decimal
	leverage  decimal.Decimal
}

func (f *fakeExchange) CurrentPosition(ctx context.Context, instrument string) (types.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return types.ExchangePosition{}, f.posErr
	}
	if len(f.positions) == 0 {
		return types.ExchangePosition{Instrument: instrument, Side: types.Flat}, nil
	}
	pos := f.positions[0]
	if len(f.positions) > 1 {
		f.positions = f.positions[1:]
	}
	return pos, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, instrument string, leverage decimal.Decimal) error {
	f.leverage = leverage
	return nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exec.OrderRequest) (exec.OrderResult, error) {
	f.orders = append(f.orders, req)
	if f.orderErr != nil {
		return exec.OrderResult{}, f.orderErr
	}
	return exec.OrderResult{OrderID: "o-1", ClientOrderID: "c-1"}, nil
}

func (f *fakeExchange) ClosePosition(ctx context.Context, instrument string) (exec.OrderResult, error) {
	f.closes++
	if f.closeErr != nil {
		return exec.OrderResult{}, f.closeErr
	}
	return exec.OrderResult{OrderID: "close-1"}, nil
}

func (f *fakeExchange) SetStop(ctx context.Context, instrument string, side types.Side, stop decimal.Decimal) (exec.OrderResult, error) {
	if f.stopErr != nil {
		return exec.OrderResult{}, f.stopErr
	}
	f.stopMoves = append(f.stopMoves, stop)
	return exec.OrderResult{OrderID: "sl-1"}, nil
}

func (f *fakeExchange) PendingStops(ctx context.Context, instrument string) ([]exec.StopOrder, error) {
	return f.stops, nil
}

type memJournal struct {
	records []types.TradeRecord
}

func (j *memJournal) LogTrade(rec types.TradeRecord) error {
	j.records = append(j.records, rec)
	return nil
}

func (j *memJournal) RecentTrades(limit int) ([]types.TradeRecord, error) {
	return j.records, nil
}

type fixedPrice decimal.Decimal

func (p fixedPrice) LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig("X", d("3"))
	cfg.ConfirmDelay = 0
	return cfg
}

func TestEnterConfirmsFromExchange(t *testing.T) {
	ex := &fakeExchange{positions: []types.ExchangePosition{
		{Side: types.Flat},
		{Instrument: "X", Side: types.Short, Size: d("99"), AvgEntry: d("10.01")},
	}}
	j := &memJournal{}
	e := NewExecutor(testConfig(), ex, j, nil)

	fill, err := e.Enter(context.Background(), types.Bear, d("100"), d("10.5"), d("10"), "lower break")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !fill.Confirmed || !fill.Size.Equal(d("99")) || !fill.Price.Equal(d("10.01")) {
		t.Fatalf("unexpected fill %+v", fill)
	}
	if len(ex.orders) != 1 || ex.orders[0].Side != types.Short || !ex.orders[0].StopPrice.Equal(d("10.5")) {
		t.Fatalf("unexpected orders %+v", ex.orders)
	}
	if !ex.leverage.Equal(d("3")) {
		t.Fatalf("leverage = %s", ex.leverage)
	}
	if len(j.records) != 1 || j.records[0].Action != "ENTER" || j.records[0].Reason != "lower break" {
		t.Fatalf("unexpected journal %+v", j.records)
	}
}

func TestEnterUnconfirmedStillReports(t *testing.T) {
	ex := &fakeExchange{}
	e := NewExecutor(testConfig(), ex, nil, nil)

	fill, err := e.Enter(context.Background(), types.Bull, d("5"), d("9"), d("10"), "")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if fill.Confirmed || !fill.Price.Equal(d("10")) || !fill.Size.Equal(d("5")) {
		t.Fatalf("unexpected fill %+v", fill)
	}
}

func TestEnterRejected(t *testing.T) {
	ex := &fakeExchange{orderErr: errors.New("insufficient margin")}
	j := &memJournal{}
	e := NewExecutor(testConfig(), ex, j, nil)

	if _, err := e.Enter(context.Background(), types.Bull, d("5"), d("9"), d("10"), ""); err == nil {
		t.Fatalf("expected order error")
	}
	if len(j.records) != 0 {
		t.Fatalf("rejected order must not be journaled")
	}
	if total, failed := e.Stats(); total != 1 || failed != 1 {
		t.Fatalf("stats = %d/%d", total, failed)
	}
	if _, err := e.Enter(context.Background(), types.None, d("5"), d("9"), d("10"), ""); err == nil {
		t.Fatalf("NONE direction must be refused")
	}
}

func TestExitWaitsForFlat(t *testing.T) {
	ex := &fakeExchange{positions: []types.ExchangePosition{
		{Side: types.Long, Size: d("10")},
		{Side: types.Flat},
	}}
	j := &memJournal{}
	e := NewExecutor(testConfig(), ex, j, fixedPrice(d("11")))

	fill, err := e.Exit(context.Background(), types.Long, d("10"), "higher trend reversal")
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if !fill.Confirmed || !fill.Price.Equal(d("11")) {
		t.Fatalf("unexpected fill %+v", fill)
	}
	if len(j.records) != 1 || j.records[0].Action != "EXIT" {
		t.Fatalf("unexpected journal %+v", j.records)
	}
}

func TestExitStillOpen(t *testing.T) {
	ex := &fakeExchange{positions: []types.ExchangePosition{{Side: types.Long, Size: d("10")}}}
	j := &memJournal{}
	e := NewExecutor(testConfig(), ex, j, nil)

	_, err := e.Exit(context.Background(), types.Long, d("10"), "")
	if !errors.Is(err, ErrStillOpen) {
		t.Fatalf("expected ErrStillOpen, got %v", err)
	}
	if len(j.records) != 0 {
		t.Fatalf("unconfirmed exit must not be journaled")
	}
	if _, failed := e.Stats(); failed != 1 {
		t.Fatalf("failed = %d", failed)
	}
}

func TestExitUnreadablePositionIsAcked(t *testing.T) {
	ex := &fakeExchange{posErr: errors.New("timeout")}
	e := NewExecutor(testConfig(), ex, nil, nil)

	fill, err := e.Exit(context.Background(), types.Short, d("1"), "")
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if fill.Confirmed {
		t.Fatalf("exit without a position read cannot be confirmed")
	}
}

func TestTighten(t *testing.T) {
	ex := &fakeExchange{}
	j := &memJournal{}
	e := NewExecutor(testConfig(), ex, j, nil)

	fill, err := e.Tighten(context.Background(), types.Long, d("10"), d("9.8"), "higher update")
	if err != nil {
		t.Fatalf("tighten: %v", err)
	}
	if !fill.StopPrice.Equal(d("9.8")) || len(ex.stopMoves) != 1 {
		t.Fatalf("unexpected fill %+v moves %v", fill, ex.stopMoves)
	}
	if len(j.records) != 1 || j.records[0].Action != "TIGHTEN" {
		t.Fatalf("unexpected journal %+v", j.records)
	}

	ex.stopErr = errors.New("rejected")
	if _, err := e.Tighten(context.Background(), types.Long, d("10"), d("9.9"), ""); err == nil {
		t.Fatalf("expected stop error")
	}
}
