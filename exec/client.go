package exec

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BLOFIN EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Signed REST client for BloFin USDT perpetuals (one-way / net mode).
// Serves as position oracle, balance source, price source and order gateway.
// With DryRun set, orders go to an in-process paper account instead.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	BlofinLive   = "https://openapi.blofin.com"
	BlofinDemo   = "https://demo-trading-openapi.blofin.com"
	BlofinPublic = "https://openapi.blofin.com"
)

// ErrAPI marks a non-zero response code from the exchange
var ErrAPI = errors.New("exchange api error")

// APIError carries the exchange's code and message
type APIError struct {
	Code   string
	Msg    string
	Status int
}

func (e *APIError) Error() string {
	if e.Status >= 400 {
		return fmt.Sprintf("blofin HTTP %d code=%s: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("blofin code=%s: %s", e.Code, e.Msg)
}

func (e *APIError) Is(target error) bool { return target == ErrAPI }

// Config holds client settings
type Config struct {
	BaseURL      string
	PublicURL    string
	APIKey       string
	APISecret    string
	Passphrase   string
	MarginMode   string
	DryRun       bool
	PaperBalance decimal.Decimal
	HTTPTimeout  time.Duration
}

type Client struct {
	baseURL    string
	publicURL  string
	apiKey     string
	apiSecret  string
	passphrase string
	marginMode string
	dryRun     bool
	paper      *PaperAccount
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new execution client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BlofinDemo
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = BlofinPublic
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = "isolated"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if !cfg.DryRun && (cfg.APIKey == "" || cfg.APISecret == "" || cfg.Passphrase == "") {
		return nil, errors.New("BLOFIN_API_KEY, BLOFIN_API_SECRET and BLOFIN_PASSPHRASE are required for live trading")
	}

	client := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		marginMode: cfg.MarginMode,
		dryRun:     cfg.DryRun,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		now:        time.Now,
	}
	if cfg.DryRun {
		client.paper = NewPaperAccount(cfg.PaperBalance)
	}

	mode := "DRY RUN"
	if !cfg.DryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("base_url", client.baseURL).
		Str("margin_mode", client.marginMode).
		Msg("🚀 Execution client initialized")

	return client, nil
}

// IsDryRun returns true if in dry run mode
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

// Paper returns the simulated account (nil when live)
func (c *Client) Paper() *PaperAccount {
	return c.paper
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

type envelope struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// code normalizes "0" and 0 to the same string
func (e envelope) code() string {
	s := strings.Trim(string(e.Code), `"`)
	if s == "" {
		return "0"
	}
	return s
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req, path, "")
	return c.doRequest(req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req, path, string(jsonBody))
	return c.doRequest(req)
}

// getPublic hits unsigned market-data endpoints
func (c *Client) getPublic(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.doRequest(req)
}

// addHeaders signs requestPath (including any query) + METHOD + timestamp + nonce + body
func (c *Client) addHeaders(req *http.Request, path, body string) {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := uuid.NewString()

	req.Header.Set("ACCESS-KEY", c.apiKey)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-NONCE", nonce)
	req.Header.Set("ACCESS-PASSPHRASE", c.passphrase)
	req.Header.Set("ACCESS-SIGN", Sign(c.apiSecret, path, req.Method, timestamp, nonce, body))
}

func (c *Client) doRequest(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Status: resp.StatusCode, Msg: truncate(string(body), 200)}
		}
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.StatusCode >= 400 || env.code() != "0" {
		return nil, &APIError{Code: env.code(), Msg: env.Msg, Status: resp.StatusCode}
	}
	return env.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

// Sign returns base64(hex(HMAC-SHA256(secret, path+METHOD+timestamp+nonce+body)))
func Sign(secret, path, method, timestamp, nonce, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(path + strings.ToUpper(method) + timestamp + nonce + body))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))
}
