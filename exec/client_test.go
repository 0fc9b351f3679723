package exec

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/types"
)

const (
	testKey        = "key"
	testSecret     = "secret"
	testPassphrase = "pass"
)

// fakeBlofin verifies signatures and serves canned envelopes per path
type fakeBlofin struct {
	mu     sync.Mutex
	routes map[string]string // path (no query) -> data JSON
	calls  []string
	bodies map[string]map[string]any
}

func newFakeBlofin(t *testing.T) *fakeBlofin {
	t.Helper()
	return &fakeBlofin{routes: map[string]string{}, bodies: map[string]map[string]any{}}
}

func (f *fakeBlofin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	if !strings.HasPrefix(r.URL.Path, "/api/v1/market/") {
		ts := r.Header.Get("ACCESS-TIMESTAMP")
		nonce := r.Header.Get("ACCESS-NONCE")
		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write([]byte(r.URL.RequestURI() + r.Method + ts + nonce + string(body)))
		want := base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))
		if r.Header.Get("ACCESS-SIGN") != want || r.Header.Get("ACCESS-KEY") != testKey || r.Header.Get("ACCESS-PASSPHRASE") != testPassphrase {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"152409","msg":"signature verification failed"}`))
			return
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	if len(body) > 0 && body[0] == '{' {
		var m map[string]any
		if err := json.Unmarshal(body, &m); err == nil {
			f.bodies[r.URL.Path] = m
		}
	}
	data, ok := f.routes[r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.Write([]byte(`{"code":"404","msg":"no route"}`))
		return
	}
	w.Write([]byte(`{"code":"0","msg":"success","data":` + data + `}`))
}

func (f *fakeBlofin) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newLiveClient(t *testing.T, f *fakeBlofin) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		PublicURL:  srv.URL,
		APIKey:     testKey,
		APISecret:  testSecret,
		Passphrase: testPassphrase,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSignIsBase64OfHexDigest(t *testing.T) {
	sig := Sign("s", "/api/v1/account/balance", "get", "1700000000000", "n", "")
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("not base64: %v", err)
	}
	if len(raw) != 64 {
		t.Fatalf("decoded signature should be a 64 char hex digest, got %d bytes", len(raw))
	}
	if _, err := hex.DecodeString(string(raw)); err != nil {
		t.Fatalf("decoded signature is not hex: %v", err)
	}
	if Sign("s", "/api/v1/account/balance", "GET", "1700000000000", "n", "") != sig {
		t.Fatalf("method must be upper-cased before signing")
	}
}

func TestNewClientRequiresKeysWhenLive(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("live client without keys must fail")
	}
	c, err := NewClient(Config{DryRun: true})
	if err != nil {
		t.Fatalf("dry run client: %v", err)
	}
	if !c.IsDryRun() || c.Paper() == nil {
		t.Fatalf("dry run client must have a paper account")
	}
}

func TestCurrentPositionNetShort(t *testing.T) {
	f := newFakeBlofin(t)
	f.routes["/api/v1/account/positions"] = `[{"instId":"FARTCOIN-USDT","positions":"-50","positionSide":"net","averagePrice":"0.4521"}]`
	c := newLiveClient(t, f)

	pos, err := c.CurrentPosition(context.Background(), "FARTCOIN-USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Side != types.Short || !pos.Size.Equal(decimal.NewFromInt(50)) || !pos.AvgEntry.Equal(decimal.RequireFromString("0.4521")) {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestCurrentPositionFlat(t *testing.T) {
	f := newFakeBlofin(t)
	f.routes["/api/v1/account/positions"] = `[{"instId":"FARTCOIN-USDT","positions":"0","averagePrice":""}]`
	c := newLiveClient(t, f)

	pos, err := c.CurrentPosition(context.Background(), "FARTCOIN-USDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.IsOpen() || pos.Side != types.Flat {
		t.Fatalf("expected flat, got %+v", pos)
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	f := newFakeBlofin(t)
	c := newLiveClient(t, f)

	_, err := c.GetBalance(context.Background())
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("expected ErrAPI, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "404" {
		t.Fatalf("expected code 404, got %v", err)
	}
}

func TestGetBalance(t *testing.T) {
	f := newFakeBlofin(t)
	f.routes["/api/v1/account/balance"] = `{"details":[{"currency":"BTC","available":"1"},{"currency":"USDT","available":"1234.5"}]}`
	c := newLiveClient(t, f)

	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("1234.5")) {
		t.Fatalf("balance = %s", bal)
	}
}

func TestPlaceOrderAttachesStop(t *testing.T) {
	f := newFakeBlofin(t)
	f.routes["/api/v1/trade/order"] = `[{"orderId":"9001","clientOrderId":"abc","code":"0","msg":""}]`
	c := newLiveClient(t, f)

	res, err := c.PlaceOrder(context.Background(), OrderRequest{
		Instrument: "FARTCOIN-USDT",
		Side:       types.Short,
		Size:       decimal.NewFromInt(100),
		StopPrice:  decimal.RequireFromString("0.47"),
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.OrderID != "9001" || res.ClientOrderID != "abc" {
		t.Fatalf("unexpected ack %+v", res)
	}

	body := f.bodies["/api/v1/trade/order"]
	if body["side"] != "sell" || body["orderType"] != "market" || body["positionSide"] != "net" {
		t.Fatalf("unexpected order body %v", body)
	}
	if body["slTriggerPrice"] != "0.47" || body["slOrderPrice"] != "-1" || body["size"] != "100" {
		t.Fatalf("stop not attached: %v", body)
	}
}

func TestPlaceOrderRejectedInAck(t *testing.T) {
	f := newFakeBlofin(t)
	f.routes["/api/v1/trade/order"] = `[{"orderId":"","code":"102014","msg":"insufficient margin"}]`
	c := newLiveClient(t, f)

	_, err := c.PlaceOrder(context.Background(), OrderRequest{Instrument: "X", Side: types.Long, Size: decimal.NewFromInt(1)})
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("expected ErrAPI, got %v", err)
	}
}

func TestSetStopPlacesBeforeCancelling(t *testing.T) {
	f := newFakeBlofin(t)
	f.routes["/api/v1/trade/orders-tpsl-pending"] = `[{"tpslId":"old-1","instId":"X","slTriggerPrice":"0.40"}]`
	f.routes["/api/v1/trade/order-tpsl"] = `{"tpslId":"new-1"}`
	f.routes["/api/v1/trade/cancel-tpsl"] = `[{"tpslId":"old-1","code":"0"}]`
	c := newLiveClient(t, f)

	res, err := c.SetStop(context.Background(), "X", types.Long, decimal.RequireFromString("0.43"))
	if err != nil {
		t.Fatalf("set stop: %v", err)
	}
	if res.OrderID != "new-1" {
		t.Fatalf("order id = %q", res.OrderID)
	}

	calls := f.callOrder()
	want := []string{"/api/v1/trade/orders-tpsl-pending", "/api/v1/trade/order-tpsl", "/api/v1/trade/cancel-tpsl"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	if body := f.bodies["/api/v1/trade/order-tpsl"]; body["side"] != "sell" || body["reduceOnly"] != "true" {
		t.Fatalf("unexpected tpsl body %v", body)
	}
}

func TestLastPrice(t *testing.T) {
	f := newFakeBlofin(t)
	f.routes["/api/v1/market/tickers"] = `[{"instId":"X","last":"0.4444"}]`
	c := newLiveClient(t, f)

	p, err := c.LastPrice(context.Background(), "X")
	if err != nil {
		t.Fatalf("last price: %v", err)
	}
	if !p.Equal(decimal.RequireFromString("0.4444")) {
		t.Fatalf("price = %s", p)
	}
	if _, err := c.LastPrice(context.Background(), "Y"); err == nil {
		t.Fatalf("unknown instrument must fail")
	}
}

func TestDryRunRoundTrip(t *testing.T) {
	c, err := NewClient(Config{DryRun: true, PaperBalance: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	if _, err := c.PlaceOrder(ctx, OrderRequest{
		Instrument: "X",
		Side:       types.Long,
		Size:       decimal.NewFromInt(10),
		StopPrice:  decimal.NewFromInt(9),
		RefPrice:   decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("paper order: %v", err)
	}

	pos, err := c.CurrentPosition(ctx, "X")
	if err != nil || pos.Side != types.Long || !pos.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("paper position = %+v, %v", pos, err)
	}

	if _, err := c.SetStop(ctx, "X", types.Long, decimal.RequireFromString("9.5")); err != nil {
		t.Fatalf("paper stop: %v", err)
	}
	c.MarkPrice("X", decimal.RequireFromString("9.4"), time.Now())
	if pos, _ := c.CurrentPosition(ctx, "X"); pos.IsOpen() {
		t.Fatalf("paper stop should have closed the position, got %+v", pos)
	}
	// stopped at 9.5 from 10 on 10 units
	if bal, _ := c.GetBalance(ctx); !bal.Equal(decimal.NewFromInt(995)) {
		t.Fatalf("balance = %s, want 995", bal)
	}
}
