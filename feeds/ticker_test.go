package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type fakeSource struct {
	price decimal.Decimal
	err   error
	calls int
}

func (s *fakeSource) LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	s.calls++
	return s.price, s.err
}

func TestProcessMessageStoresAndBroadcasts(t *testing.T) {
	src := &fakeSource{err: errors.New("should not be called")}
	f := NewTickerFeed("", []string{"FARTCOIN-USDT"}, src)
	ch := f.Subscribe()

	f.processMessage([]byte(`{"arg":{"channel":"tickers","instId":"FARTCOIN-USDT"},"data":[{"instId":"FARTCOIN-USDT","last":"0.4521","ts":"1700000000000"}]}`))

	select {
	case tick := <-ch:
		if tick.Instrument != "FARTCOIN-USDT" || !tick.Last.Equal(decimal.RequireFromString("0.4521")) {
			t.Fatalf("unexpected tick %+v", tick)
		}
	default:
		t.Fatalf("expected a broadcast tick")
	}

	price, err := f.LastPrice(context.Background(), "FARTCOIN-USDT")
	if err != nil {
		t.Fatalf("last price: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("0.4521")) || src.calls != 0 {
		t.Fatalf("price = %s, fallback calls = %d", price, src.calls)
	}
}

func TestProcessMessageIgnoresControlFrames(t *testing.T) {
	f := NewTickerFeed("", []string{"X"}, nil)
	ch := f.Subscribe()

	for _, msg := range []string{
		"pong",
		`{"event":"subscribe","arg":{"channel":"tickers","instId":"X"}}`,
		`{"arg":{"channel":"trades","instId":"X"},"data":[{"instId":"X","last":"1"}]}`,
		`{"arg":{"channel":"tickers","instId":"X"},"data":[{"instId":"X","last":"0"}]}`,
		`not json`,
	} {
		f.processMessage([]byte(msg))
	}

	select {
	case tick := <-ch:
		t.Fatalf("unexpected tick %+v", tick)
	default:
	}
	if _, err := f.LastPrice(context.Background(), "X"); err == nil {
		t.Fatalf("no price and no fallback must fail")
	}
}

func TestLastPriceStaleUsesFallback(t *testing.T) {
	src := &fakeSource{price: decimal.NewFromInt(12)}
	f := NewTickerFeed("", []string{"X"}, src)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	f.store("X", decimal.NewFromInt(10))

	now = now.Add(time.Minute)
	price, err := f.LastPrice(context.Background(), "X")
	if err != nil {
		t.Fatalf("last price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(12)) || src.calls != 1 {
		t.Fatalf("price = %s, calls = %d", price, src.calls)
	}

	// the fallback refreshed the cache
	if price, _ := f.LastPrice(context.Background(), "X"); !price.Equal(decimal.NewFromInt(12)) || src.calls != 1 {
		t.Fatalf("cached price = %s, calls = %d", price, src.calls)
	}
}

func TestLastPriceFallbackError(t *testing.T) {
	f := NewTickerFeed("", []string{"X"}, &fakeSource{err: errors.New("down")})
	if _, err := f.LastPrice(context.Background(), "X"); err == nil {
		t.Fatalf("fallback error must surface")
	}
}

func TestFeedSubscribesOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		conn.WriteMessage(websocket.TextMessage, []byte(`{"arg":{"channel":"tickers","instId":"X"},"data":[{"instId":"X","last":"3.5"}]}`))
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f := NewTickerFeed("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"X"}, nil)
	ch := f.Subscribe()
	f.Start()
	defer f.Stop()

	select {
	case msg := <-subscribed:
		if !strings.Contains(msg, `"op":"subscribe"`) || !strings.Contains(msg, `"instId":"X"`) {
			t.Fatalf("unexpected subscribe frame %s", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no subscribe frame")
	}

	select {
	case tick := <-ch:
		if !tick.Last.Equal(decimal.RequireFromString("3.5")) {
			t.Fatalf("unexpected tick %+v", tick)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no tick")
	}
	if !f.Connected() {
		t.Fatalf("feed should report connected")
	}
}
