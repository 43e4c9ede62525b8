package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/walkin-queue/internal/hub"
	"qms/walkin-queue/internal/metrics"
	"qms/walkin-queue/internal/models"
	"qms/walkin-queue/internal/queue"
	"qms/walkin-queue/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Queue is the queue engine surface the HTTP API exposes.
type Queue interface {
	CreateEntry(ctx context.Context, input queue.CreateEntryInput) (models.QueueEntry, error)
	Advance(ctx context.Context, input queue.AdvanceInput) (models.QueueEntry, error)
	Cancel(ctx context.Context, entryID, expectedStatus string) (models.QueueEntry, error)
	List(ctx context.Context, input queue.ListInput) ([]models.QueueEntry, error)
	Get(ctx context.Context, entryID string) (models.QueueEntry, error)
	History(ctx context.Context, entryID string) ([]store.EntryEvent, error)
	Stats(ctx context.Context, since time.Time) (store.Stats, error)
	Services(ctx context.Context) ([]models.Service, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	queue    Queue
	sessions store.SessionStore
	health   HealthChecker
	hub      *hub.Hub
	limiter  *RateLimiter
	logger   *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

type Options struct {
	Sessions  store.SessionStore
	Health    HealthChecker
	Hub       *hub.Hub
	RateLimit RateLimitConfig
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

type createEntryRequest struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	ServiceID string `json:"service_id"`
	ChannelID string `json:"channel_id"`
	RequestID string `json:"request_id"`
}

type advanceRequest struct {
	Status         string `json:"status"`
	ExpectedStatus string `json:"expected_status"`
}

type cancelRequest struct {
	ExpectedStatus string `json:"expected_status"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(q Queue, options Options) *Handler {
	h := &Handler{
		queue:    q,
		sessions: options.Sessions,
		health:   options.Health,
		hub:      options.Hub,
		limiter:  NewRateLimiter(options.RateLimit),
		logger:   options.Logger,
		metrics:  options.Metrics,
		gatherer: options.Gatherer,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.metrics == nil {
		h.metrics = metrics.NewUnregistered()
	}
	if h.gatherer == nil {
		h.gatherer = prometheus.NewRegistry()
	}
	if h.hub == nil {
		h.hub = hub.New(hub.Options{Logger: h.logger, Metrics: h.metrics})
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(h.limiter.Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/api/services", h.handleServices)
	r.Handle("/realtime/*", h.realtimeHandler())

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Get("/api/entries", h.handleListEntries)
		r.Get("/api/entries/{entryID}", h.handleGetEntry)
		r.Get("/api/entries/{entryID}/events", h.handleEntryEvents)
		r.Get("/api/stats", h.handleStats)

		r.Group(func(r chi.Router) {
			r.Use(requireStaff)
			r.Post("/api/entries", h.handleCreateEntry)
			r.Post("/api/entries/{entryID}/advance", h.handleAdvance)
			r.Post("/api/entries/{entryID}/cancel", h.handleCancel)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "store_unavailable", "store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.queue.Services(r.Context())
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": services})
}

func (h *Handler) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	entry, err := h.queue.CreateEntry(r.Context(), queue.CreateEntryInput{
		Name:      req.Name,
		Phone:     req.Phone,
		ServiceID: req.ServiceID,
		ChannelID: req.ChannelID,
		RequestID: requestID,
	})
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.queue.Advance(r.Context(), queue.AdvanceInput{
		EntryID:        chi.URLParam(r, "entryID"),
		Target:         req.Status,
		ExpectedStatus: req.ExpectedStatus,
	})
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.queue.Cancel(r.Context(), chi.URLParam(r, "entryID"), req.ExpectedStatus)
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = value
	}
	entries, err := h.queue.List(r.Context(), queue.ListInput{
		Status:    query.Get("status"),
		ServiceID: query.Get("service_id"),
		Query:     query.Get("q"),
		Limit:     limit,
	})
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.Get(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEntryEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.queue.History(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	verified := store.VerifyEntryEvents(events) == nil
	payload := map[string]interface{}{
		"events":   events,
		"verified": verified,
	}
	// replayed is the entry as rebuilt from its history alone.
	if verified {
		replayed, err := store.RehydrateEntry(events)
		if err != nil {
			h.logger.Warn("replay entry history failed", zap.String("entry_id", chi.URLParam(r, "entryID")), zap.Error(err))
		} else {
			payload["replayed"] = replayed
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_input", "since must be RFC3339")
			return
		}
		since = parsed
	}
	stats, err := h.queue.Stats(r.Context(), since)
	if err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, requestIDFromRequest(r), status, code, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_input", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	message := "internal server error"
	var qerr *queue.Error
	if errors.As(err, &qerr) && qerr.Message != "" {
		message = qerr.Message
	}
	kind := queue.KindOf(err)
	switch kind {
	case queue.ErrInvalidInput:
		return http.StatusBadRequest, queue.KindName(kind), message
	case queue.ErrNotFound:
		return http.StatusNotFound, queue.KindName(kind), message
	case queue.ErrIllegalTransition, queue.ErrStaleState:
		return http.StatusConflict, queue.KindName(kind), message
	case queue.ErrStoreUnavailable:
		return http.StatusServiceUnavailable, queue.KindName(kind), "store unavailable, try again"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
