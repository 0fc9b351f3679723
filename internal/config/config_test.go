package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var configKeys = []string{
	"CONFIG_FILE", "INSTRUMENT", "HIGHER_TIMEFRAME", "LOWER_TIMEFRAME", "DEFAULT_TIMEFRAME",
	"STOP_BUFFER_PCT", "MAX_STOP_PCT", "SIZING_POLICY", "SIZING_FRACTION", "RISK_FRACTION",
	"LEVERAGE", "MARGIN_MODE", "EXIT_ON_LOWER_OPPOSITE", "BREAKOUT_TOLERANCE_PCT",
	"MAX_ORDER_FAILURES", "FAILURE_COOLDOWN", "MONITOR_INTERVAL", "MONITOR_FLIP",
	"CALL_TIMEOUT", "EXEC_TIMEOUT", "STATE_BACKEND", "STATE_FILE", "DATABASE_URL",
	"JOURNAL_FILE", "LISTEN_ADDR", "PORT", "WEBHOOK_SECRET", "BLOFIN_API_KEY",
	"BLOFIN_API_SECRET", "BLOFIN_PASSPHRASE", "BLOFIN_BASE_URL", "BLOFIN_PUBLIC_URL",
	"BLOFIN_WS_URL", "DRY_RUN", "PAPER_BALANCE", "DEBUG", "TELEGRAM_BOT_TOKEN",
	"TELEGRAM_CHAT_ID", "LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS",
	"LOG_MAX_AGE_DAYS",
}

// clearEnv blanks every key; lookup treats empty values as unset
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
	// keep a developer's .env out of the test
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Instrument != "FARTCOIN-USDT" || cfg.HigherTimeframe != "4H" || cfg.LowerTimeframe != "30M" {
		t.Fatalf("unexpected instrument/timeframes %+v", cfg)
	}
	if !cfg.DryRun || cfg.StateBackend != "file" || cfg.ListenAddr != ":5000" {
		t.Fatalf("unexpected mode %+v", cfg)
	}
	if !cfg.MaxStopPct.Valid || !cfg.MaxStopPct.Decimal.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("max stop = %+v", cfg.MaxStopPct)
	}
	if cfg.MonitorInterval != 30*time.Minute || cfg.MaxOrderFailures != 3 {
		t.Fatalf("unexpected monitor/breaker settings %+v", cfg)
	}
	p, err := cfg.Sizing()
	if err != nil || p.Kind != "fixed_fraction" {
		t.Fatalf("sizing = %+v (%v)", p, err)
	}
}

func TestLoadEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("MAX_STOP_PCT", "none")
	t.Setenv("SIZING_POLICY", "risk_per_trade")
	t.Setenv("MONITOR_INTERVAL", "5m")
	t.Setenv("EXIT_ON_LOWER_OPPOSITE", "yes")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.MaxStopPct.Valid || cfg.MonitorInterval != 5*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if !cfg.ExitOnLowerOpposite || cfg.TelegramChatID != -100123 {
		t.Fatalf("unexpected flags %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mxsbot.yaml")
	yaml := strings.Join([]string{
		"instrument: BTC-USDT",
		"leverage: 5",
		"stop_buffer_pct: 0.001",
		"monitor_flip: true",
		"max_stop_pct: none",
		"state_file:",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LEVERAGE", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Instrument != "BTC-USDT" || !cfg.MonitorFlip || cfg.MaxStopPct.Valid {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.StopBufferPct.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("buffer = %s", cfg.StopBufferPct)
	}
	if !cfg.Leverage.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("environment must win over the file, leverage = %s", cfg.Leverage)
	}
	if cfg.StateFile != "data/trend_state.json" {
		t.Fatalf("null file value must keep the default, got %q", cfg.StateFile)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing file":     {"CONFIG_FILE": "/nonexistent/mxsbot.yaml"},
		"bad max stop":     {"MAX_STOP_PCT": "ten"},
		"bad chat id":      {"TELEGRAM_CHAT_ID": "chat"},
		"same timeframes":  {"HIGHER_TIMEFRAME": "4h", "LOWER_TIMEFRAME": "4H"},
		"live without key": {"DRY_RUN": "false"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty instrument", func(c *Config) { c.Instrument = " " }},
		{"negative buffer", func(c *Config) { c.StopBufferPct = decimal.NewFromInt(-1) }},
		{"buffer of one", func(c *Config) { c.StopBufferPct = decimal.NewFromInt(1) }},
		{"zero max stop", func(c *Config) { c.MaxStopPct = decimal.NewNullDecimal(decimal.Zero) }},
		{"negative tolerance", func(c *Config) { c.BreakoutTolerancePct = decimal.NewFromInt(-1) }},
		{"zero leverage", func(c *Config) { c.Leverage = decimal.Zero }},
		{"unknown sizing", func(c *Config) { c.SizingPolicy = "martingale" }},
		{"unknown backend", func(c *Config) { c.StateBackend = "redis" }},
		{"file without path", func(c *Config) { c.StateFile = "" }},
		{"db without url", func(c *Config) { c.StateBackend = "db" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected a validation error")
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
