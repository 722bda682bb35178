// Package http provides the HTTP ingest and read API.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/quota"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AcceptedResponse acknowledges an ingested event.
type AcceptedResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// SnapshotResponse is the read accessor payload: the user's lifetime
// aggregate plus the throttle decision the gateway should apply.
type SnapshotResponse struct {
	Lifetime usage.Lifetime `json:"lifetime"`
	Throttle quota.Decision `json:"throttle"`
}

// Handler exposes the accounting pipeline over HTTP.
type Handler struct {
	tracker  *app.Tracker
	resolver *app.CostResolver
	ids      ports.IDGenerator
	logger   zerolog.Logger
}

// NewHandler creates the API handler.
func NewHandler(tracker *app.Tracker, resolver *app.CostResolver, ids ports.IDGenerator, logger zerolog.Logger) *Handler {
	return &Handler{
		tracker:  tracker,
		resolver: resolver,
		ids:      ids,
		logger:   logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the chi router for the API.
func (h *Handler) Router(gatherer prometheus.Gatherer, metricsPath string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/healthz", h.health)
	if gatherer != nil {
		r.Method(http.MethodGet, metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.submitEvent)
		r.Get("/users/{userID}/usage", h.userUsage)
		r.Get("/users/{userID}/usage/{month}", h.userMonthly)
		r.Get("/users/{userID}/throttle", h.userThrottle)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitEvent accepts one completed usage event for asynchronous
// aggregation. The response acknowledges receipt only; aggregation
// failures never surface here.
func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	var e usage.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed event payload"})
		return
	}
	// Callers without an idempotency key get a generated request id and
	// at-least-once accounting for their own retries.
	if e.RequestID == "" && h.ids != nil {
		e.RequestID = h.ids.New()
	}
	if err := e.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	// Events submitted with only token counts get costed here; events
	// that already carry a cost version came pre-resolved by the caller.
	if e.CostVersion == "" && h.resolver != nil {
		e.Tokens = e.Tokens.Normalize()
		res := h.resolver.Resolve(r.Context(), e.Tokens, e.Model, e.Plan.PriceMonthly.Currency)
		e = e.WithCost(res.Cost, res.CostUSD, res.Fx, res.Version, res.Unresolved)
	}

	// Stamp the decision in force when the request was admitted, unless
	// the caller already recorded one.
	if !e.Throttle.IsThrottled && !e.Throttle.SoftLimitReached {
		e = e.WithThrottle(h.tracker.Precheck(r.Context(), e.UserID))
	}

	h.tracker.Submit(e)
	writeJSON(w, http.StatusAccepted, AcceptedResponse{RequestID: e.RequestID, Status: "accepted"})
}

func (h *Handler) userUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	lt, err := h.tracker.Snapshot(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no usage recorded for user"})
			return
		}
		h.logger.Error().Err(err).Str("user_id", userID).Msg("snapshot read failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "snapshot unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, SnapshotResponse{Lifetime: lt, Throttle: lt.Throttle})
}

func (h *Handler) userMonthly(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	month := chi.URLParam(r, "month")

	m, err := h.tracker.MonthSnapshot(r.Context(), userID, month)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no usage recorded for month"})
			return
		}
		h.logger.Error().Err(err).Str("user_id", userID).Str("month", month).Msg("monthly read failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "snapshot unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// userThrottle is the gateway's pre-call check: the last-known throttle
// decision, accepted to be slightly stale under concurrency.
func (h *Handler) userThrottle(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, h.tracker.Precheck(r.Context(), userID))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
