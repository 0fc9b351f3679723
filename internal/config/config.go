package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/web3guy0/mxsbot/risk"
)

// Config holds all configuration for the bot
type Config struct {
	// Instrument + timeframes
	Instrument       string
	HigherTimeframe  string // comma separated alert tags, e.g. "4H,240"
	LowerTimeframe   string
	DefaultTimeframe string // used when an alert carries no timeframe tag

	// Risk
	StopBufferPct        decimal.Decimal
	MaxStopPct           decimal.NullDecimal // invalid = uncapped
	SizingPolicy         string
	SizingFraction       decimal.Decimal
	RiskFraction         decimal.Decimal
	Leverage             decimal.Decimal
	MarginMode           string
	ExitOnLowerOpposite  bool
	BreakoutTolerancePct decimal.Decimal
	MaxOrderFailures     int
	FailureCooldown      time.Duration

	// Monitor
	MonitorInterval time.Duration
	MonitorFlip     bool

	// Timeouts
	CallTimeout time.Duration
	ExecTimeout time.Duration

	// Persistence
	StateBackend string // file | db
	StateFile    string
	DatabaseURL  string
	JournalFile  string

	// HTTP
	ListenAddr    string
	WebhookSecret string

	// BloFin
	BlofinAPIKey     string
	BlofinAPISecret  string
	BlofinPassphrase string
	BlofinBaseURL    string
	BlofinPublicURL  string
	BlofinWSURL      string

	// Mode
	DryRun       bool
	PaperBalance decimal.Decimal
	Debug        bool

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Logging
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// Load reads .env, the optional CONFIG_FILE and the environment.
// Environment variables win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	src := &source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = values
	}
	return src.build()
}

type source struct {
	file map[string]string
}

func (s *source) build() (*Config, error) {
	cfg := &Config{
		Instrument:       s.getEnv("INSTRUMENT", "FARTCOIN-USDT"),
		HigherTimeframe:  s.getEnv("HIGHER_TIMEFRAME", "4H"),
		LowerTimeframe:   s.getEnv("LOWER_TIMEFRAME", "30M"),
		DefaultTimeframe: s.getEnv("DEFAULT_TIMEFRAME", ""),

		StopBufferPct:        s.getEnvDecimal("STOP_BUFFER_PCT", decimal.NewFromFloat(0.002)),
		SizingPolicy:         s.getEnv("SIZING_POLICY", string(risk.PolicyFixedFraction)),
		SizingFraction:       s.getEnvDecimal("SIZING_FRACTION", decimal.NewFromFloat(0.95)),
		RiskFraction:         s.getEnvDecimal("RISK_FRACTION", decimal.NewFromFloat(0.01)),
		Leverage:             s.getEnvDecimal("LEVERAGE", decimal.NewFromInt(3)),
		MarginMode:           s.getEnv("MARGIN_MODE", "cross"),
		ExitOnLowerOpposite:  s.getEnvBool("EXIT_ON_LOWER_OPPOSITE", false),
		BreakoutTolerancePct: s.getEnvDecimal("BREAKOUT_TOLERANCE_PCT", decimal.NewFromFloat(0.005)),
		MaxOrderFailures:     s.getEnvInt("MAX_ORDER_FAILURES", 3),
		FailureCooldown:      s.getEnvDuration("FAILURE_COOLDOWN", 15*time.Minute),

		MonitorInterval: s.getEnvDuration("MONITOR_INTERVAL", 30*time.Minute),
		MonitorFlip:     s.getEnvBool("MONITOR_FLIP", false),

		CallTimeout: s.getEnvDuration("CALL_TIMEOUT", 10*time.Second),
		ExecTimeout: s.getEnvDuration("EXEC_TIMEOUT", 30*time.Second),

		StateBackend: strings.ToLower(s.getEnv("STATE_BACKEND", "file")),
		StateFile:    s.getEnv("STATE_FILE", "data/trend_state.json"),
		DatabaseURL:  s.getEnv("DATABASE_URL", ""),
		JournalFile:  s.getEnv("JOURNAL_FILE", "data/trades.jsonl"),

		ListenAddr:    s.getEnv("LISTEN_ADDR", ":"+s.getEnv("PORT", "5000")),
		WebhookSecret: s.getEnv("WEBHOOK_SECRET", ""),

		BlofinAPIKey:     s.getEnv("BLOFIN_API_KEY", ""),
		BlofinAPISecret:  s.getEnv("BLOFIN_API_SECRET", ""),
		BlofinPassphrase: s.getEnv("BLOFIN_PASSPHRASE", ""),
		BlofinBaseURL:    s.getEnv("BLOFIN_BASE_URL", "https://demo-trading-openapi.blofin.com"),
		BlofinPublicURL:  s.getEnv("BLOFIN_PUBLIC_URL", "https://openapi.blofin.com"),
		BlofinWSURL:      s.getEnv("BLOFIN_WS_URL", "wss://openapi.blofin.com/ws/public"),

		DryRun:       s.getEnvBool("DRY_RUN", true),
		PaperBalance: s.getEnvDecimal("PAPER_BALANCE", decimal.NewFromInt(1000)),
		Debug:        s.getEnvBool("DEBUG", false),

		TelegramToken: s.getEnv("TELEGRAM_BOT_TOKEN", ""),

		LogLevel:      s.getEnv("LOG_LEVEL", "info"),
		LogFile:       s.getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  s.getEnvInt("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: s.getEnvInt("LOG_MAX_BACKUPS", 10),
		LogMaxAgeDays: s.getEnvInt("LOG_MAX_AGE_DAYS", 30),
	}

	if v := s.getEnv("MAX_STOP_PCT", "0.10"); v != "" && !strings.EqualFold(v, "none") {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_STOP_PCT: %w", err)
		}
		cfg.MaxStopPct = decimal.NewNullDecimal(d)
	}

	// Parse chat ID
	if chatID := s.getEnv("TELEGRAM_CHAT_ID", ""); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Instrument) == "" {
		return fmt.Errorf("INSTRUMENT is required")
	}
	if strings.EqualFold(strings.TrimSpace(c.HigherTimeframe), strings.TrimSpace(c.LowerTimeframe)) {
		return fmt.Errorf("HIGHER_TIMEFRAME and LOWER_TIMEFRAME must differ (both %q)", c.HigherTimeframe)
	}
	if c.StopBufferPct.IsNegative() || c.StopBufferPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("STOP_BUFFER_PCT must be in [0,1), got %s", c.StopBufferPct)
	}
	if c.MaxStopPct.Valid && (!c.MaxStopPct.Decimal.IsPositive() || c.MaxStopPct.Decimal.GreaterThanOrEqual(decimal.NewFromInt(1))) {
		return fmt.Errorf("MAX_STOP_PCT must be in (0,1), got %s", c.MaxStopPct.Decimal)
	}
	if c.BreakoutTolerancePct.IsNegative() {
		return fmt.Errorf("BREAKOUT_TOLERANCE_PCT must not be negative")
	}
	if !c.Leverage.IsPositive() {
		return fmt.Errorf("LEVERAGE must be positive, got %s", c.Leverage)
	}
	if _, err := c.Sizing(); err != nil {
		return err
	}
	switch c.StateBackend {
	case "file":
		if c.StateFile == "" {
			return fmt.Errorf("STATE_FILE is required for the file backend")
		}
	case "db":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the db backend")
		}
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q (want file or db)", c.StateBackend)
	}
	if !c.DryRun && (c.BlofinAPIKey == "" || c.BlofinAPISecret == "" || c.BlofinPassphrase == "") {
		return fmt.Errorf("BLOFIN_API_KEY, BLOFIN_API_SECRET and BLOFIN_PASSPHRASE are required when DRY_RUN=false")
	}
	return nil
}

// Sizing builds the configured sizing policy
func (c *Config) Sizing() (risk.SizingPolicy, error) {
	return risk.ParsePolicy(c.SizingPolicy, c.SizingFraction, c.RiskFraction, c.Leverage)
}

// readFile loads a flat YAML mapping of the same keys the environment uses
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

// Helper functions

func (s *source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value, true
	}
	return "", false
}

func (s *source) getEnv(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s *source) getEnvBool(key string, defaultValue bool) bool {
	if value, ok := s.lookup(key); ok {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func (s *source) getEnvInt(key string, defaultValue int) int {
	if value, ok := s.lookup(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func (s *source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func (s *source) getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value, ok := s.lookup(key); ok {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
