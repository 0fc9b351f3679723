package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BLOFIN TICKER FEED - Last price over websocket, REST fallback
// ═══════════════════════════════════════════════════════════════════════════════
//
// Keeps the last traded price of the instrument warm so signals that arrive
// without a price do not have to wait on a REST round trip. A stale or missing
// cache falls through to the fallback source.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	BlofinPublicWSURL = "wss://openapi.blofin.com/ws/public"
	reconnectDelay    = 5 * time.Second
	pingInterval      = 25 * time.Second
	defaultMaxAge     = 30 * time.Second
)

// PriceSource is anything that can quote a last price
type PriceSource interface {
	LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Tick is a last-price update
type Tick struct {
	Instrument string
	Last       decimal.Decimal
	Timestamp  time.Time
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// TickerFeed manages the websocket connection and price cache
type TickerFeed struct {
	mu sync.RWMutex

	wsURL       string
	instruments []string
	fallback    PriceSource
	maxAge      time.Duration
	now         func() time.Time

	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	prices      map[string]quote
	subscribers []chan Tick
}

// NewTickerFeed creates a feed for instruments; fallback may be nil
func NewTickerFeed(wsURL string, instruments []string, fallback PriceSource) *TickerFeed {
	if wsURL == "" {
		wsURL = BlofinPublicWSURL
	}
	return &TickerFeed{
		wsURL:       wsURL,
		instruments: instruments,
		fallback:    fallback,
		maxAge:      defaultMaxAge,
		now:         time.Now,
		stopCh:      make(chan struct{}),
		prices:      make(map[string]quote),
	}
}

// SetMaxAge sets how old a cached price may be before the fallback is used
func (f *TickerFeed) SetMaxAge(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAge = d
}

// Start connects and begins processing
func (f *TickerFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Strs("instruments", f.instruments).Msg("📡 Ticker feed started")
}

// Stop closes the connection
func (f *TickerFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}

	log.Info().Msg("Ticker feed stopped")
}

// Subscribe returns a channel that receives ticks
func (f *TickerFeed) Subscribe() chan Tick {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Tick, 100)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Connected reports websocket health
func (f *TickerFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// LastPrice returns a fresh cached price or asks the fallback source
func (f *TickerFeed) LastPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	f.mu.RLock()
	q, ok := f.prices[instrument]
	maxAge := f.maxAge
	f.mu.RUnlock()

	if ok && q.price.IsPositive() && f.now().Sub(q.at) <= maxAge {
		return q.price, nil
	}
	if f.fallback == nil {
		return decimal.Zero, fmt.Errorf("no fresh price for %s", instrument)
	}

	price, err := f.fallback.LastPrice(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	f.store(instrument, price)
	return price, nil
}

// connectionLoop maintains the WebSocket connection
func (f *TickerFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Ticker connection failed, retrying...")
			if !f.sleep(reconnectDelay) {
				return
			}
			continue
		}

		f.readLoop()
		if !f.sleep(reconnectDelay) {
			return
		}
	}
}

func (f *TickerFeed) sleep(d time.Duration) bool {
	select {
	case <-f.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// connect establishes the connection and subscribes to tickers
func (f *TickerFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	args := make([]map[string]string, 0, len(f.instruments))
	for _, inst := range f.instruments {
		args = append(args, map[string]string{"channel": "tickers", "instId": inst})
	}
	if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Msg("🔌 Ticker WebSocket connected")

	go f.pingLoop(conn)
	return nil
}

// pingLoop keeps the connection alive; BloFin expects a text "ping"
func (f *TickerFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			current := f.conn == conn && f.connected
			f.mu.RUnlock()

			if !current {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

// readLoop reads messages until the connection drops
func (f *TickerFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Ticker read error")
			f.mu.Lock()
			f.connected = false
			f.conn = nil
			f.mu.Unlock()
			conn.Close()
			return
		}

		f.processMessage(message)
	}
}

// tickerMessage is a BloFin push on the tickers channel
type tickerMessage struct {
	Event string `json:"event"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Ts     string `json:"ts"`
	} `json:"data"`
}

// processMessage handles incoming WebSocket messages
func (f *TickerFeed) processMessage(data []byte) {
	if string(data) == "pong" {
		return
	}

	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Event != "" || msg.Arg.Channel != "tickers" {
		return
	}

	for _, d := range msg.Data {
		price, err := decimal.NewFromString(d.Last)
		if err != nil || !price.IsPositive() {
			continue
		}
		inst := d.InstID
		if inst == "" {
			inst = msg.Arg.InstID
		}
		f.store(inst, price)
		f.broadcast(Tick{Instrument: inst, Last: price, Timestamp: f.now()})
	}
}

func (f *TickerFeed) store(instrument string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[instrument] = quote{price: price, at: f.now()}
	f.mu.Unlock()
}

// broadcast sends tick to all subscribers
func (f *TickerFeed) broadcast(tick Tick) {
	f.mu.RLock()
	subs := f.subscribers
	f.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
			// Skip if channel full
		}
	}
}
