package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mxsbot/core"
	"github.com/web3guy0/mxsbot/metrics"
	"github.com/web3guy0/mxsbot/storage"
	"github.com/web3guy0/mxsbot/strategy"
	"github.com/web3guy0/mxsbot/types"
)

const maxBodyBytes = 64 << 10

// Engine is the serialized decision path the handlers drive
type Engine interface {
	ProcessBatch(ctx context.Context, sigs []strategy.Signal) ([]core.Outcome, error)
	Check(ctx context.Context, source strategy.Source) (core.Outcome, error)
	Status(ctx context.Context) core.Status
	ForceClose(ctx context.Context) (core.Outcome, error)
	ForceSetTrend(ctx context.Context, o core.TrendOverride) (core.Outcome, error)
	Reset(ctx context.Context) (core.Outcome, error)
}

// Response is the envelope every endpoint returns
type Response struct {
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookResult states what was done for one signal and why
type WebhookResult struct {
	Signal     string       `json:"signal"`
	Action     string       `json:"action"`
	Reason     string       `json:"reason"`
	Detail     string       `json:"detail,omitempty"`
	OrderError string       `json:"order_error,omitempty"`
	StoreError string       `json:"store_error,omitempty"`
	Outcome    core.Outcome `json:"outcome"`
}

// Server is the webhook + admin HTTP surface.
type Server struct {
	engine     Engine
	classifier *strategy.Classifier
	journal    storage.Journal
	secret     string
	mux        *http.ServeMux
	srv        *http.Server
	address    string
}

// NewServer creates an API server; journal may be nil
func NewServer(address string, engine Engine, classifier *strategy.Classifier, journal storage.Journal, secret string) *Server {
	s := &Server{
		engine:     engine,
		classifier: classifier,
		journal:    journal,
		secret:     secret,
		mux:        http.NewServeMux(),
		address:    address,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the routes for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/close", s.admin(s.handleClose))
	s.mux.HandleFunc("/check", s.admin(s.handleCheck))
	s.mux.HandleFunc("/trend", s.admin(s.handleTrend))
	s.mux.HandleFunc("/reset", s.admin(s.handleReset))
	s.mux.HandleFunc("/trades", s.handleTrades)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", s.address).Msg("🌐 API server started")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEBHOOK
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.reject(w, http.StatusBadRequest, "read", err.Error())
		return
	}

	payloads, err := strategy.ParsePayloads(body)
	if err != nil {
		s.reject(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}

	if !s.authorized(r.Header.Get("X-Webhook-Secret"), payloads) {
		s.reject(w, http.StatusUnauthorized, "secret", "invalid webhook secret")
		return
	}

	signals, err := s.classifier.ClassifyBatch(payloads)
	if err != nil {
		s.reject(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}

	outs, err := s.engine.ProcessBatch(r.Context(), signals)
	if err != nil {
		log.Error().Err(err).Msg("❌ Webhook processing failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]WebhookResult, 0, len(outs))
	for _, out := range outs {
		results = append(results, resultOf(out))
	}
	if len(results) == 1 {
		writeJSON(w, http.StatusOK, Response{Data: results[0], Timestamp: time.Now()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: results, Timestamp: time.Now()})
}

// authorized accepts the header secret for the whole delivery, otherwise
// every payload must carry it
func (s *Server) authorized(header string, payloads []strategy.Payload) bool {
	if s.secret == "" {
		return true
	}
	if header != "" {
		return secretMatches(header, s.secret)
	}
	for _, p := range payloads {
		if !secretMatches(p.Secret, s.secret) {
			return false
		}
	}
	return true
}

func (s *Server) reject(w http.ResponseWriter, status int, reason, msg string) {
	metrics.WebhookRejections.WithLabelValues(reason).Inc()
	log.Warn().Int("status", status).Str("reason", reason).Str("error", msg).Msg("⚠️ Webhook rejected")
	writeError(w, status, msg)
}

func resultOf(out core.Outcome) WebhookResult {
	return WebhookResult{
		Signal:     out.Signal.String(),
		Action:     string(out.Action.Type),
		Reason:     string(out.Action.Reason),
		Detail:     out.Action.Detail,
		OrderError: out.OrderError,
		StoreError: out.StoreError,
		Outcome:    out,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADMIN
// ═══════════════════════════════════════════════════════════════════════════════

// admin guards mutating endpoints with the webhook secret when one is set
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
			return
		}
		if s.secret != "" && !secretMatches(r.Header.Get("X-Webhook-Secret"), s.secret) {
			writeError(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Data: s.engine.Status(r.Context()), Timestamp: time.Now()})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.ForceClose(r.Context())
	s.writeOutcome(w, out, err)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Check(r.Context(), strategy.SourceAdmin)
	s.writeOutcome(w, out, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Reset(r.Context())
	s.writeOutcome(w, out, err)
}

type trendRequest struct {
	Higher    string              `json:"higher"`
	Lower     string              `json:"lower"`
	SwingLow  decimal.NullDecimal `json:"swing_low"`
	SwingHigh decimal.NullDecimal `json:"swing_high"`
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req trendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	o := core.TrendOverride{SwingLow: req.SwingLow, SwingHigh: req.SwingHigh}
	if req.Higher != "" {
		d, ok := types.ParseDirection(req.Higher)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid higher trend "+strconv.Quote(req.Higher))
			return
		}
		o.Higher = d
	}
	if req.Lower != "" {
		d, ok := types.ParseDirection(req.Lower)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid lower trend "+strconv.Quote(req.Lower))
			return
		}
		o.Lower = d
	}

	out, err := s.engine.ForceSetTrend(r.Context(), o)
	if errors.Is(err, strategy.ErrMalformedSignal) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeOutcome(w, out, err)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, Response{Data: []types.TradeRecord{}, Timestamp: time.Now()})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	trades, err := s.journal.RecentTrades(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: trades, Timestamp: time.Now()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Data:      map[string]string{"status": "ok"},
		Timestamp: time.Now(),
	})
}

func (s *Server) writeOutcome(w http.ResponseWriter, out core.Outcome, err error) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: resultOf(out), Timestamp: time.Now()})
}

func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Error: msg, Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}
