package bot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/core"
	"github.com/web3guy0/mxsbot/storage"
	"github.com/web3guy0/mxsbot/strategy"
	"github.com/web3guy0/mxsbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Action notifications & admin control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🔔 Every ENTER / EXIT / FLIP / TIGHTEN
//   🚨 Order failures and state save failures
//   🎛️ Admin commands (/status, /close, /check, /trend, /reset, /trades)
//
// ═══════════════════════════════════════════════════════════════════════════════

// Controller is the admin surface of the engine
type Controller interface {
	Status(ctx context.Context) core.Status
	ForceClose(ctx context.Context) (core.Outcome, error)
	Check(ctx context.Context, source strategy.Source) (core.Outcome, error)
	ForceSetTrend(ctx context.Context, o core.TrendOverride) (core.Outcome, error)
	Reset(ctx context.Context) (core.Outcome, error)
}

// Sender delivers messages (tgbotapi.BotAPI)
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	sender  Sender
	chatID  int64
	running bool
	stopCh  chan struct{}

	engine  Controller
	journal storage.Journal
	timeout time.Duration
}

// NewTelegramBot connects to Telegram; journal may be nil
func NewTelegramBot(token string, chatID int64, engine Controller, journal storage.Journal) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	// long polling asks for 30s, so the client bound sits above it
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: 45 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := newBot(api, chatID, engine, journal)
	bot.api = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

func newBot(sender Sender, chatID int64, engine Controller, journal storage.Journal) *TelegramBot {
	return &TelegramBot{
		sender:  sender,
		chatID:  chatID,
		stopCh:  make(chan struct{}),
		engine:  engine,
		journal: journal,
		timeout: 60 * time.Second,
	}
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running || b.api == nil {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyOutcome reports actions and failures; quiet NONE outcomes are skipped
func (b *TelegramBot) NotifyOutcome(out core.Outcome) {
	if quiet(out) {
		return
	}
	b.send(formatOutcome(out))
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(instrument, mode string) {
	b.send(fmt.Sprintf("🚀 MXS BOT STARTED\n━━━━━━━━━━━━━━━━━━━━\n\n📊 Instrument: %s\n🎛️ Mode: %s\n\nUse /help for commands", instrument, mode))
}

func formatOutcome(out core.Outcome) string {
	var sb strings.Builder

	emoji := "📌"
	switch out.Action.Type {
	case strategy.ActionEnter:
		emoji = "🟢"
	case strategy.ActionExit:
		emoji = "🔴"
	case strategy.ActionFlip:
		emoji = "🔄"
	case strategy.ActionTighten:
		emoji = "🔒"
	}
	if out.OrderError != "" || out.StoreError != "" {
		emoji = "🚨"
	}

	fmt.Fprintf(&sb, "%s %s", emoji, out.Action.Type)
	if out.Action.Direction.Valid() {
		fmt.Fprintf(&sb, " %s", out.Action.Direction)
	}
	fmt.Fprintf(&sb, "\n📝 %s", out.Action.Reason)
	if out.Action.Detail != "" {
		fmt.Fprintf(&sb, " (%s)", out.Action.Detail)
	}
	fmt.Fprintf(&sb, "\n📡 Signal: %s", out.Signal)

	for _, f := range out.Fills {
		fmt.Fprintf(&sb, "\n• %s %s size %s", f.Op, f.Side, f.Size)
		if f.Price.IsPositive() {
			fmt.Fprintf(&sb, " @ %s", f.Price)
		}
		if f.StopPrice.IsPositive() {
			fmt.Fprintf(&sb, " stop %s", f.StopPrice)
		}
	}

	if out.OrderError != "" {
		fmt.Fprintf(&sb, "\n❌ Order failed: %s", out.OrderError)
	}
	if out.StoreError != "" {
		fmt.Fprintf(&sb, "\n💾 STATE SAVE FAILED: %s", out.StoreError)
	}
	return sb.String()
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message.Command(), update.Message.CommandArguments())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd, args string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	switch strings.ToLower(cmd) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus(ctx)
	case "close":
		b.reply(b.engine.ForceClose(ctx))
	case "check":
		b.reply(b.engine.Check(ctx, strategy.SourceAdmin))
	case "trend":
		b.cmdTrend(ctx, args)
	case "reset":
		b.reply(b.engine.Reset(ctx))
	case "trades":
		b.cmdTrades()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.send(`🤖 MXS BOT COMMANDS
━━━━━━━━━━━━━━━━━━━━

📊 /status - Trend state + exchange position
🔴 /close - Close the open position
🔎 /check - Re-validate the breakout now
🧭 /trend HIGHER [LOWER] [SWING_LOW SWING_HIGH] - Override trend
♻️ /reset - Clear trend memory and circuit breaker
📜 /trades - Recent trades`)
}

func (b *TelegramBot) cmdStatus(ctx context.Context) {
	b.send(formatStatus(b.engine.Status(ctx)))
}

func formatStatus(st core.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 %s\n━━━━━━━━━━━━━━━━━━━━\n", st.Instrument)
	fmt.Fprintf(&sb, "Higher: %s | Lower: %s | Deviation: %t\n", st.State.HigherTrend, st.State.LowerTrend, st.State.HadDeviation)
	fmt.Fprintf(&sb, "Swing low: %s | Swing high: %s\n", levelString(st.State.SwingLow), levelString(st.State.SwingHigh))

	pos := st.State.Position
	fmt.Fprintf(&sb, "Cached: %s", pos.Side)
	if pos.Side.IsOpen() {
		fmt.Fprintf(&sb, " %s @ %s stop %s", pos.Size, pos.EntryPrice, pos.StopPrice)
	}
	sb.WriteString("\n")

	switch {
	case st.Exchange != nil:
		fmt.Fprintf(&sb, "Exchange: %s", st.Exchange.Side)
		if st.Exchange.IsOpen() {
			fmt.Fprintf(&sb, " %s @ %s", st.Exchange.Size, st.Exchange.AvgEntry)
		}
	default:
		fmt.Fprintf(&sb, "Exchange: unavailable (%s)", st.ExchangeError)
	}

	if st.Breaker.Tripped {
		fmt.Fprintf(&sb, "\n⛔ Circuit open: %s", st.Breaker.Reason)
	}
	return sb.String()
}

// cmdTrend parses "/trend BULL [BEAR] [low high]"
func (b *TelegramBot) cmdTrend(ctx context.Context, args string) {
	o, err := parseTrendArgs(args)
	if err != nil {
		b.send("❌ " + err.Error() + "\nUsage: /trend HIGHER [LOWER] [SWING_LOW SWING_HIGH]")
		return
	}
	b.reply(b.engine.ForceSetTrend(ctx, o))
}

func parseTrendArgs(args string) (core.TrendOverride, error) {
	var o core.TrendOverride
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return o, fmt.Errorf("missing higher trend")
	}

	higher, ok := types.ParseDirection(fields[0])
	if !ok {
		return o, fmt.Errorf("invalid higher trend %q", fields[0])
	}
	o.Higher = higher
	fields = fields[1:]

	if len(fields) == 1 || len(fields) == 3 {
		lower, ok := types.ParseDirection(fields[0])
		if !ok {
			return o, fmt.Errorf("invalid lower trend %q", fields[0])
		}
		o.Lower = lower
		fields = fields[1:]
	}

	switch len(fields) {
	case 0:
	case 2:
		low, err := decimal.NewFromString(fields[0])
		if err != nil {
			return o, fmt.Errorf("invalid swing low %q", fields[0])
		}
		high, err := decimal.NewFromString(fields[1])
		if err != nil {
			return o, fmt.Errorf("invalid swing high %q", fields[1])
		}
		o.SwingLow = decimal.NewNullDecimal(low)
		o.SwingHigh = decimal.NewNullDecimal(high)
	default:
		return o, fmt.Errorf("too many arguments")
	}
	return o, nil
}

func (b *TelegramBot) cmdTrades() {
	if b.journal == nil {
		b.send("❌ Trades not available")
		return
	}

	trades, err := b.journal.RecentTrades(10)
	if err != nil {
		b.send("❌ Failed to fetch trades")
		return
	}

	if len(trades) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	var sb strings.Builder
	sb.WriteString("📜 LAST 10 TRADES\n━━━━━━━━━━━━━━━━━━━━\n\n")

	for _, t := range trades {
		actionEmoji := "📌"
		switch t.Action {
		case "ENTER":
			actionEmoji = "🟢"
		case "EXIT":
			actionEmoji = "🔴"
		case "TIGHTEN":
			actionEmoji = "🔒"
		}
		fmt.Fprintf(&sb, "%s %s %s %s @ %s\n   %s · %s\n\n",
			actionEmoji, t.Action, t.Instrument, t.Side, t.Price,
			t.Reason, t.Timestamp.Format("Jan 2 15:04"))
	}

	b.send(sb.String())
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) reply(out core.Outcome, err error) {
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	// anything else already went out through NotifyOutcome
	if quiet(out) {
		b.send(formatOutcome(out))
	}
}

func quiet(out core.Outcome) bool {
	return out.Action.Type == strategy.ActionNone && out.OrderError == "" && out.StoreError == ""
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func levelString(v decimal.NullDecimal) string {
	if !v.Valid {
		return "-"
	}
	return v.Decimal.String()
}
