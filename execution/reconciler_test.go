package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/web3guy0/mxsbot/exec"
	"github.com/web3guy0/mxsbot/types"
)

func TestReconcileClearsGonePosition(t *testing.T) {
	st := types.NewTrendState("X")
	st.HigherTrend = types.Bull
	st.Position = types.LocalPosition{Side: types.Long, Size: d("10"), EntryPrice: d("1"), StopPrice: d("0.9")}

	got, err := NewReconciler(&fakeExchange{}).Reconcile(context.Background(), st)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.Position.Side != types.Flat || got.HigherTrend != types.Bull {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestReconcileKeepsStopForSameSide(t *testing.T) {
	opened := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	st := types.NewTrendState("X")
	st.Position = types.LocalPosition{Side: types.Short, Size: d("10"), EntryPrice: d("1"), StopPrice: d("1.1"), OpenedAt: opened}

	ex := &fakeExchange{positions: []types.ExchangePosition{{Side: types.Short, Size: d("12"), AvgEntry: d("1.01")}}}
	got, err := NewReconciler(ex).Reconcile(context.Background(), st)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	p := got.Position
	if p.Side != types.Short || !p.Size.Equal(d("12")) || !p.EntryPrice.Equal(d("1.01")) || !p.StopPrice.Equal(d("1.1")) || !p.OpenedAt.Equal(opened) {
		t.Fatalf("unexpected position %+v", p)
	}
}

func TestReconcileAdoptsWithPendingStop(t *testing.T) {
	st := types.NewTrendState("X")
	ex := &fakeExchange{
		positions: []types.ExchangePosition{{Side: types.Long, Size: d("5"), AvgEntry: d("2")}},
		stops: []exec.StopOrder{
			{ID: "a", TriggerPrice: "1.8"},
			{ID: "b", TriggerPrice: "1.9"},
			{ID: "c", TriggerPrice: ""},
		},
	}
	r := NewReconciler(ex)
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	got, err := r.Reconcile(context.Background(), st)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	p := got.Position
	if p.Side != types.Long || !p.StopPrice.Equal(d("1.9")) || !p.OpenedAt.Equal(now) {
		t.Fatalf("unexpected position %+v", p)
	}
}

func TestReconcileOracleErrorKeepsCache(t *testing.T) {
	st := types.NewTrendState("X")
	st.Position = types.LocalPosition{Side: types.Long, Size: d("1")}

	got, err := NewReconciler(&fakeExchange{posErr: errors.New("down")}).Reconcile(context.Background(), st)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got.Position.Side != types.Long {
		t.Fatalf("cache must survive an oracle error, got %+v", got.Position)
	}
}
