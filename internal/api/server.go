// Package api implements Kindred's HTTP surface: the Twilio webhook
// that receives inbound WhatsApp messages, a health check, and small
// read-only status endpoints for the plan, sends, usage and memory.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/kindred/internal/buildinfo"
	"github.com/nugget/kindred/internal/chat"
	"github.com/nugget/kindred/internal/clock"
	"github.com/nugget/kindred/internal/connwatch"
	"github.com/nugget/kindred/internal/scheduler"
	"github.com/nugget/kindred/internal/twilio"
	"github.com/nugget/kindred/internal/usage"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// MessageHandler answers an inbound message. [chat.Handler] satisfies it.
type MessageHandler interface {
	Handle(ctx context.Context, sender, body string) (int, error)
}

// PlanSource exposes the scheduler's current plan.
type PlanSource interface {
	Plan() scheduler.DailyPlan
	NextSlot() (int, bool)
}

// SendLog lists recent send attempts. [scheduler.Ledger] satisfies it.
type SendLog interface {
	Recent(ctx context.Context, limit int) ([]scheduler.Execution, error)
}

// UsageSource aggregates token usage. [usage.Store] satisfies it.
type UsageSource interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByRole(start, end time.Time) (map[string]*usage.Summary, error)
}

// StatsSource reports statistics as a flat map.
type StatsSource interface {
	Stats() map[string]any
}

// HealthSource reports collaborator health. [connwatch.Manager]
// satisfies it.
type HealthSource interface {
	Status() map[string]connwatch.Status
	Healthy() bool
}

// WebhookConfig controls Twilio request signature checks. PublicURL is
// the webhook URL as Twilio sees it, which is what Twilio signs.
type WebhookConfig struct {
	ValidateSignature bool
	AuthToken         string
	PublicURL         string
}

// Config holds the server's address and data sources. Everything but
// Chat is optional; endpoints whose source is missing answer 503.
type Config struct {
	Address string
	Port    int

	Chat      MessageHandler
	Webhook   WebhookConfig
	Scheduler PlanSource
	Ledger    SendLog
	Usage     UsageSource
	Memory    StatsSource
	Health    HealthSource

	Location *time.Location
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook", s.handleWebhook)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/plan", s.handlePlan)
	mux.HandleFunc("GET /v1/sends", s.handleSends)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/memory", s.handleMemory)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called. It returns nil after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute, // generation runs inside the webhook request
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	s.logger.Info("webhook endpoint", "url", fmt.Sprintf("http://%s:%d/webhook", addr, s.cfg.Port))

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// errorResponse writes the {"status":"error"} envelope used by every
// endpoint.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":  "error",
		"message": message,
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Server is running")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var services map[string]connwatch.Status
	if s.cfg.Health != nil {
		services = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   status,
		"version":  buildinfo.Version,
		"uptime":   buildinfo.Uptime().String(),
		"build":    buildinfo.BuildInfo(),
		"services": services,
	}, s.logger)
}

// webhookPayload is the part of Twilio's inbound message callback that
// Kindred reads.
type webhookPayload struct {
	Body string `json:"Body"`
	From string `json:"From"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	payload, form, err := parseWebhook(r)
	if err != nil {
		s.logger.Warn("malformed webhook payload", "error", err)
		s.errorResponse(w, http.StatusBadRequest, "Missing required data")
		return
	}

	if s.cfg.Webhook.ValidateSignature {
		sig := r.Header.Get(twilio.SignatureHeader)
		if !twilio.ValidateSignature(s.cfg.Webhook.AuthToken, s.cfg.Webhook.PublicURL, form, sig) {
			s.logger.Warn("webhook signature rejected", "from", payload.From)
			s.errorResponse(w, http.StatusForbidden, "Invalid signature")
			return
		}
	}

	sender := twilio.Address(payload.From)
	s.logger.Debug("incoming message", "from", sender, "length", len(payload.Body))

	n, err := s.cfg.Chat.Handle(r.Context(), sender, payload.Body)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		s.errorResponse(w, http.StatusBadRequest, "Missing required data")
		return
	case errors.Is(err, chat.ErrUnauthorized):
		s.logger.Warn("unauthorized access attempt", "from", payload.From)
		s.errorResponse(w, http.StatusForbidden, "Unauthorized")
		return
	case errors.Is(err, chat.ErrGenerate):
		s.logger.Error("reply generation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to generate AI response")
		return
	case err != nil:
		s.logger.Error("webhook handling failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":           "success",
		"message":          "AI responses scheduled for delivery",
		"numberOfMessages": n,
	}, s.logger)
}

// parseWebhook reads a form-encoded (Twilio) or JSON payload. The form
// values are returned for signature validation; JSON bodies have none.
func parseWebhook(r *http.Request) (webhookPayload, url.Values, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			return p, nil, fmt.Errorf("decode JSON: %w", err)
		}
		return p, url.Values{}, nil
	}

	if err := r.ParseForm(); err != nil {
		return webhookPayload{}, nil, fmt.Errorf("parse form: %w", err)
	}
	return webhookPayload{
		Body: r.PostForm.Get("Body"),
		From: r.PostForm.Get("From"),
	}, r.PostForm, nil
}

// planSlot is one planned time in the /v1/plan response.
type planSlot struct {
	Minute int    `json:"minute"`
	Time   string `json:"time"`
	Sent   bool   `json:"sent"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}

	plan := s.cfg.Scheduler.Plan()
	slots := make([]planSlot, len(plan.PlannedTimes))
	for i, m := range plan.PlannedTimes {
		slots[i] = planSlot{Minute: m, Time: clock.FormatMinute(m), Sent: plan.Sent(m)}
	}

	next := ""
	if m, ok := s.cfg.Scheduler.NextSlot(); ok {
		next = clock.FormatMinute(m)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"date":               plan.Date,
		"planned":            slots,
		"night_message_sent": plan.NightMessageSent,
		"next_send":          next,
	}, s.logger)
}

func (s *Server) handleSends(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "send ledger not configured")
		return
	}

	limit := parseIntParam(r, "limit", 20)
	execs, err := s.cfg.Ledger.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list sends", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list sends")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sends": execs,
		"count": len(execs),
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}

	now := s.cfg.Clock.Now()
	start, end := usage.DayBounds(now, s.cfg.Location)

	total, err := s.cfg.Usage.Summary(start, end)
	if err != nil {
		s.logger.Error("failed to summarize usage", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	byRole, err := s.cfg.Usage.SummaryByRole(start, end)
	if err != nil {
		s.logger.Error("failed to summarize usage by role", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"date":    clock.At(now, s.cfg.Location).Date,
		"total":   total,
		"by_role": byRole,
	}, s.logger)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.cfg.Memory.Stats(), s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
