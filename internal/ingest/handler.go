package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/voice-metering/internal/ledger"
	"github.com/vnmchuo/voice-metering/internal/metering"
	"github.com/vnmchuo/voice-metering/internal/usage"
	"github.com/vnmchuo/voice-metering/internal/worker"
	"github.com/vnmchuo/voice-metering/pkg/ratelimit"
)

const (
	maxEventBytes = 64 << 10
	settleWait    = 2 * time.Second
)

// UsageReporter serves the usage report.
type UsageReporter interface {
	UsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*ledger.Entry, error)
	TotalCostByAccount(ctx context.Context, accountID string, from, to time.Time) (float64, error)
}

type Handler struct {
	sessions *metering.Registry
	usage    UsageReporter
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewHandler(sessions *metering.Registry, usage UsageReporter, limiter *ratelimit.Limiter, logger *zap.Logger, tracer trace.Tracer) *Handler {
	return &Handler{
		sessions: sessions,
		usage:    usage,
		limiter:  limiter,
		logger:   logger,
		tracer:   tracer,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ledgerStatus maps ledger sentinels to HTTP status codes.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) HandleOpenSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ingest.open_session")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", AccountID(ctx)))

	handle, err := h.sessions.Open(ctx, Credential(ctx))
	if err != nil {
		writeError(w, ledgerStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": handle.Session.ID(),
	})
}

// session looks up the path session and checks the caller owns it.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*metering.Handle, bool) {
	id := chi.URLParam(r, "id")
	handle, ok := h.sessions.Get(id)
	if !ok || !handle.Session.BilledTo(Credential(r.Context())) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return handle, true
}

func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, ok := h.session(w, r)
	if !ok {
		return
	}

	allowed, err := h.limiter.Allow(ctx, AccountID(ctx), 1)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := usage.Decode(raw)
	if err != nil {
		handle.Session.Reject(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	handle.Emitter.Emit(ev)

	// Settle this event before answering so a denial it causes is reported
	// on its own response. Past the deadline the answer may lag one event.
	if handle.Session.SettlesPerCall() {
		syncCtx, cancel := context.WithTimeout(ctx, settleWait)
		if err := handle.Session.Sync(syncCtx); err != nil && !errors.Is(err, worker.ErrClosed) {
			h.logger.Warn("event not settled before response", zap.String("session_id", handle.Session.ID()), zap.Error(err))
		}
		cancel()
	}

	// The event already happened, so it is kept even when the session is
	// suspended; the 402 tells the pipeline to stop serving.
	if reason := handle.Session.Denied(); reason != nil {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"accepted": true,
			"error":    reason.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (h *Handler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.session(w, r)
	if !ok {
		return
	}

	res, err := h.sessions.Close(r.Context(), handle.Session.ID())
	if errors.Is(err, metering.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	body := map[string]any{
		"session_id":  res.SessionID,
		"totals":      res.Totals,
		"costs":       res.Costs,
		"entries":     res.Entries,
		"late_events": res.Late,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := AccountID(ctx)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	entries, err := h.usage.UsageByAccount(ctx, accountID, from, to)
	if err != nil {
		writeError(w, ledgerStatus(err), err.Error())
		return
	}
	totalCost, err := h.usage.TotalCostByAccount(ctx, accountID, from, to)
	if err != nil {
		writeError(w, ledgerStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":     accountID,
		"total_entries":  len(entries),
		"total_cost_usd": totalCost,
		"entries":        entries,
		"from":           from,
		"to":             to,
	})
}
