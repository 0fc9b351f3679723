package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/types"
)

// OrderRequest describes a market entry with an attached stop
type OrderRequest struct {
	Instrument string
	Side       types.Side // Long buys, Short sells
	Size       decimal.Decimal
	StopPrice  decimal.Decimal
	RefPrice   decimal.Decimal // paper fill price; live orders ignore it
}

// OrderResult is the exchange acknowledgement
type OrderResult struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	Paper         bool            `json:"paper"`
}

// StopOrder is a pending stop-loss (tpsl) order
type StopOrder struct {
	ID           string `json:"tpslId"`
	Instrument   string `json:"instId"`
	TriggerPrice string `json:"slTriggerPrice"`
}

func orderSide(s types.Side) (string, error) {
	switch s {
	case types.Long:
		return "buy", nil
	case types.Short:
		return "sell", nil
	}
	return "", fmt.Errorf("no order side for %q", s)
}

func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:32]
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNT
// ═══════════════════════════════════════════════════════════════════════════════

// GetBalance returns available USDT
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		return c.paper.Balance(), nil
	}

	data, err := c.get(ctx, "/api/v1/account/balance")
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Details []struct {
			Currency  string `json:"currency"`
			Available string `json:"available"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	for _, d := range result.Details {
		if strings.EqualFold(d.Currency, "USDT") {
			return parseDecimal(d.Available), nil
		}
	}
	return decimal.Zero, nil
}

// CurrentPosition returns the authoritative net position for instrument
func (c *Client) CurrentPosition(ctx context.Context, instrument string) (types.ExchangePosition, error) {
	if c.dryRun {
		return c.paper.Position(instrument), nil
	}

	data, err := c.get(ctx, "/api/v1/account/positions?instId="+url.QueryEscape(instrument))
	if err != nil {
		return types.ExchangePosition{}, err
	}

	var rows []struct {
		InstID       string `json:"instId"`
		Positions    string `json:"positions"`
		PositionSide string `json:"positionSide"`
		AveragePrice string `json:"averagePrice"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return types.ExchangePosition{}, fmt.Errorf("parse positions: %w", err)
	}

	flat := types.ExchangePosition{Instrument: instrument, Side: types.Flat}
	for _, r := range rows {
		qty := parseDecimal(r.Positions)
		if r.InstID != instrument || qty.IsZero() {
			continue
		}
		pos := types.ExchangePosition{
			Instrument: instrument,
			Size:       qty.Abs(),
			AvgEntry:   parseDecimal(r.AveragePrice),
		}
		switch strings.ToLower(r.PositionSide) {
		case "long":
			pos.Side = types.Long
		case "short":
			pos.Side = types.Short
		default: // net mode: sign carries the side
			if qty.IsPositive() {
				pos.Side = types.Long
			} else {
				pos.Side = types.Short
			}
		}
		return pos, nil
	}
	return flat, nil
}

// SetLeverage sets leverage for instrument in the configured margin mode
func (c *Client) SetLeverage(ctx context.Context, instrument string, leverage decimal.Decimal) error {
	if c.dryRun {
		return nil
	}
	_, err := c.post(ctx, "/api/v1/account/set-leverage", map[string]string{
		"instId":     instrument,
		"leverage":   leverage.String(),
		"marginMode": c.marginMode,
	})
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

// PlaceOrder sends a market order with a market-execution stop loss attached
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	side, err := orderSide(req.Side)
	if err != nil {
		return OrderResult{}, err
	}
	if !req.Size.IsPositive() {
		return OrderResult{}, fmt.Errorf("order size %s must be positive", req.Size)
	}
	clientOrderID := newClientOrderID()

	if c.dryRun {
		price := req.RefPrice
		if !price.IsPositive() {
			if price, err = c.LastPrice(ctx, req.Instrument); err != nil {
				return OrderResult{}, fmt.Errorf("paper fill price: %w", err)
			}
		}
		c.paper.Fill(req.Instrument, req.Side, req.Size, price, req.StopPrice)
		orderID := fmt.Sprintf("DRY_%d", c.now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("inst", req.Instrument).
			Str("side", side).
			Str("size", req.Size.String()).
			Str("price", price.String()).
			Str("stop", req.StopPrice.String()).
			Msg("📝 DRY RUN: Order filled on paper")
		return OrderResult{OrderID: orderID, ClientOrderID: clientOrderID, FillPrice: price, Paper: true}, nil
	}

	body := map[string]string{
		"instId":        req.Instrument,
		"marginMode":    c.marginMode,
		"positionSide":  "net",
		"side":          side,
		"orderType":     "market",
		"size":          req.Size.String(),
		"clientOrderId": clientOrderID,
	}
	if req.StopPrice.IsPositive() {
		body["slTriggerPrice"] = req.StopPrice.String()
		body["slOrderPrice"] = "-1"
	}

	data, err := c.post(ctx, "/api/v1/trade/order", body)
	if err != nil {
		return OrderResult{}, err
	}

	ack, err := parseOrderAck(data)
	if err != nil {
		return OrderResult{}, err
	}
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = clientOrderID
	}

	log.Info().
		Str("order_id", ack.OrderID).
		Str("inst", req.Instrument).
		Str("side", side).
		Str("size", req.Size.String()).
		Str("stop", req.StopPrice.String()).
		Msg("✅ Order placed")
	return ack, nil
}

// ClosePosition market-closes the whole net position
func (c *Client) ClosePosition(ctx context.Context, instrument string) (OrderResult, error) {
	clientOrderID := newClientOrderID()

	if c.dryRun {
		price, err := c.LastPrice(ctx, instrument)
		if err != nil {
			price = c.paper.Position(instrument).AvgEntry
			log.Warn().Err(err).Msg("Paper close at entry price, no live quote")
		}
		pnl := c.paper.Close(instrument, price)
		orderID := fmt.Sprintf("DRY_%d", c.now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("inst", instrument).
			Str("price", price.String()).
			Str("pnl", pnl.StringFixed(2)).
			Msg("📝 DRY RUN: Position closed on paper")
		return OrderResult{OrderID: orderID, ClientOrderID: clientOrderID, FillPrice: price, Paper: true}, nil
	}

	data, err := c.post(ctx, "/api/v1/trade/close-position", map[string]string{
		"instId":        instrument,
		"marginMode":    c.marginMode,
		"positionSide":  "net",
		"clientOrderId": clientOrderID,
	})
	if err != nil {
		return OrderResult{}, err
	}

	var ack struct {
		ClientOrderID string `json:"clientOrderId"`
	}
	_ = json.Unmarshal(data, &ack)
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = clientOrderID
	}

	log.Info().Str("inst", instrument).Msg("✅ Position closed")
	return OrderResult{ClientOrderID: ack.ClientOrderID}, nil
}

// SetStop replaces the stop loss of the open position: the new stop is placed
// before older pending stops are cancelled, so the position is never unprotected.
func (c *Client) SetStop(ctx context.Context, instrument string, side types.Side, stop decimal.Decimal) (OrderResult, error) {
	if !stop.IsPositive() {
		return OrderResult{}, fmt.Errorf("stop %s must be positive", stop)
	}
	if c.dryRun {
		if err := c.paper.SetStop(instrument, stop); err != nil {
			return OrderResult{}, err
		}
		log.Info().Str("inst", instrument).Str("stop", stop.String()).Msg("📝 DRY RUN: Stop moved on paper")
		return OrderResult{OrderID: fmt.Sprintf("DRY_%d", c.now().UnixNano()), Paper: true}, nil
	}

	// closing side of the position
	closeSide, err := orderSide(oppositeSide(side))
	if err != nil {
		return OrderResult{}, err
	}

	previous, err := c.PendingStops(ctx, instrument)
	if err != nil {
		return OrderResult{}, fmt.Errorf("list pending stops: %w", err)
	}

	clientOrderID := newClientOrderID()
	data, err := c.post(ctx, "/api/v1/trade/order-tpsl", map[string]string{
		"instId":         instrument,
		"marginMode":     c.marginMode,
		"positionSide":   "net",
		"side":           closeSide,
		"size":           "-1",
		"reduceOnly":     "true",
		"slTriggerPrice": stop.String(),
		"slOrderPrice":   "-1",
		"clientOrderId":  clientOrderID,
	})
	if err != nil {
		return OrderResult{}, err
	}

	var ack struct {
		TpslID string `json:"tpslId"`
	}
	_ = json.Unmarshal(data, &ack)

	if len(previous) > 0 {
		if err := c.CancelStops(ctx, instrument, previous); err != nil {
			// new stop is already live
			log.Warn().Err(err).Int("count", len(previous)).Msg("⚠️ Failed to cancel old stop orders")
		}
	}

	log.Info().Str("inst", instrument).Str("stop", stop.String()).Str("tpsl_id", ack.TpslID).Msg("✅ Stop moved")
	return OrderResult{OrderID: ack.TpslID, ClientOrderID: clientOrderID}, nil
}

// PendingStops lists live tpsl orders for instrument
func (c *Client) PendingStops(ctx context.Context, instrument string) ([]StopOrder, error) {
	if c.dryRun {
		return nil, nil
	}
	data, err := c.get(ctx, "/api/v1/trade/orders-tpsl-pending?instId="+url.QueryEscape(instrument))
	if err != nil {
		return nil, err
	}
	var orders []StopOrder
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("parse pending stops: %w", err)
	}
	return orders, nil
}

// CancelStops cancels the given tpsl orders
func (c *Client) CancelStops(ctx context.Context, instrument string, orders []StopOrder) error {
	if len(orders) == 0 || c.dryRun {
		return nil
	}
	body := make([]map[string]string, 0, len(orders))
	for _, o := range orders {
		body = append(body, map[string]string{"instId": instrument, "tpslId": o.ID})
	}
	_, err := c.post(ctx, "/api/v1/trade/cancel-tpsl", body)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA
// ═══════════════════════════════════════════════════════════════════════════════

// LastPrice returns the last traded price from the public tickers endpoint
func (c *Client) LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	data, err := c.getPublic(ctx, "/api/v1/market/tickers?instId="+url.QueryEscape(instrument))
	if err != nil {
		return decimal.Zero, err
	}

	var tickers []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	if err := json.Unmarshal(data, &tickers); err != nil {
		return decimal.Zero, fmt.Errorf("parse tickers: %w", err)
	}
	for _, t := range tickers {
		if last := parseDecimal(t.Last); t.InstID == instrument && last.IsPositive() {
			return last, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no ticker for %s", instrument)
}

// MarkPrice feeds live prices to the paper account so simulated stops trigger
func (c *Client) MarkPrice(instrument string, price decimal.Decimal, at time.Time) {
	if !c.dryRun {
		return
	}
	if hit, pnl := c.paper.Mark(instrument, price); hit {
		log.Warn().
			Str("inst", instrument).
			Str("price", price.String()).
			Str("pnl", pnl.StringFixed(2)).
			Time("at", at).
			Msg("🛑 DRY RUN: Paper stop hit")
	}
}

// parseOrderAck accepts both the array and the object form of an order reply
func parseOrderAck(data json.RawMessage) (OrderResult, error) {
	type ack struct {
		OrderID       string `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Code          string `json:"code"`
		Msg           string `json:"msg"`
	}

	var list []ack
	if err := json.Unmarshal(data, &list); err != nil {
		var one ack
		if err := json.Unmarshal(data, &one); err != nil {
			return OrderResult{}, fmt.Errorf("parse order ack: %w", err)
		}
		list = []ack{one}
	}
	if len(list) == 0 {
		return OrderResult{}, errors.New("empty order ack")
	}

	a := list[0]
	if a.Code != "" && a.Code != "0" {
		return OrderResult{}, &APIError{Code: a.Code, Msg: a.Msg}
	}
	return OrderResult{OrderID: a.OrderID, ClientOrderID: a.ClientOrderID}, nil
}

// parseDecimal maps "" and garbage to zero; the exchange sends "" for unset numbers
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func oppositeSide(s types.Side) types.Side {
	switch s {
	case types.Long:
		return types.Short
	case types.Short:
		return types.Long
	}
	return types.Flat
}
