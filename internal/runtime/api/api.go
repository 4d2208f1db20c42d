// Package api exposes the HTTP ingress and the read-only query endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	"github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/storage"
)

const (
	// BasePath prefixes every versioned route.
	BasePath = "/api/v1"

	defaultLimit = 100
	maxLimit     = 1000
	maxBodyBytes = 1 << 20
)

// Publisher appends events to the log.
type Publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope, md metadatapkg.Metadata) (runtimepkg.Receipt, error)
}

// HealthChecker reports the state of the service dependencies.
type HealthChecker interface {
	Health(ctx context.Context) (runtimepkg.Health, error)
}

// Option customises a Handler.
type Option func(*Handler)

func WithLogger(l loggingpkg.ServiceLogger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithHealth sets the checker behind /healthz. Without one /healthz always
// answers ok.
func WithHealth(c HealthChecker) Option {
	return func(h *Handler) { h.health = c }
}

// WithGatherer serves the collectors of g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// Handler routes ingress and query requests. A nil publisher disables the
// ingress routes and a nil store disables the query routes, so the same
// handler serves producers and read replicas.
type Handler struct {
	pub      Publisher
	store    storage.Store
	health   HealthChecker
	gatherer prometheus.Gatherer
	logger   loggingpkg.ServiceLogger
	mux      *http.ServeMux
}

// New builds the route table.
func New(pub Publisher, store storage.Store, opts ...Option) *Handler {
	h := &Handler{
		pub:    pub,
		store:  store,
		logger: loggingpkg.NewNopLogger(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.gatherer != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	if h.pub != nil {
		h.mux.HandleFunc("POST "+BasePath+"/events/analytics", h.handleFlatEvent(envelope.KindAnalytics))
		h.mux.HandleFunc("POST "+BasePath+"/events/chemical", h.handleFlatEvent(envelope.KindResearch))
		h.mux.HandleFunc("POST "+BasePath+"/events", h.handleEnvelope)
	}
	if h.store != nil {
		h.mux.HandleFunc("GET "+BasePath+"/analytics/user/{user_id}", h.handleUserSummary)
		h.mux.HandleFunc("GET "+BasePath+"/analytics/researcher/{researcher}", h.handleResearcherSummary)
		h.mux.HandleFunc("GET "+BasePath+"/events/user/{user_id}", h.handleUserEvents)
		h.mux.HandleFunc("GET "+BasePath+"/events/researcher/{researcher}", h.handleResearcherEvents)
		h.mux.HandleFunc("GET "+BasePath+"/status/{event_id}", h.handleStatus)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type acceptedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	runtimepkg.Receipt
}

type errorResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

// handleFlatEvent accepts the payload fields at the top level of the body,
// next to "timestamp".
func (h *Handler) handleFlatEvent(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := h.readObject(w, r)
		if !ok {
			return
		}
		ts, _ := body["timestamp"].(string)
		delete(body, "timestamp")
		delete(body, "type")
		h.publish(w, r, envelope.New(kind, body, ts))
	}
}

// handleEnvelope accepts a full envelope, either nested under "payload" or
// flat.
func (h *Handler) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	env, err := envelope.JSONCodec{}.Decode(data)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.publish(w, r, env)
}

func (h *Handler) readObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, err)
		return nil, false
	}
	body, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("request body must be a JSON object: %w", err))
		return nil, false
	}
	return body, true
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, env *envelope.Envelope) {
	md := metadatapkg.Metadata{}
	if id := r.Header.Get("X-Correlation-ID"); id != "" {
		md[metadatapkg.KeyCorrelationID] = id
	}

	receipt, err := h.pub.Publish(r.Context(), env, md)
	if err != nil {
		h.writePublishError(w, env, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status:  "accepted",
		Message: "Event published",
		Receipt: receipt,
	})
}

func (h *Handler) writePublishError(w http.ResponseWriter, env *envelope.Envelope, err error) {
	var validation *errspkg.ValidationError
	if errors.As(err, &validation) {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Missing: validation.Missing})
		return
	}

	h.logger.Error("Could not publish event", err, loggingpkg.LogFields{loggingpkg.FieldKind: env.Type})
	var publishErr *errspkg.PublishError
	if errors.As(err, &publishErr) && publishErr.Retryable {
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	h.writeError(w, http.StatusInternalServerError, err)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.writeJSON(w, http.StatusOK, runtimepkg.Health{Status: "ok"})
		return
	}
	health, err := h.health.Health(r.Context())
	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

func (h *Handler) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := runtimepkg.SummarizeUser(r.Context(), h.store, r.PathValue("user_id"))
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleResearcherSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := runtimepkg.SummarizeResearcher(r.Context(), h.store, r.PathValue("researcher"))
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	userID := r.PathValue("user_id")
	records, err := h.store.Get(r.Context(), storage.Filter{Kind: envelope.KindAnalytics, UserID: userID}, limit)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "events": nonNil(records)})
}

func (h *Handler) handleResearcherEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	researcher := r.PathValue("researcher")
	records, err := h.store.Get(r.Context(), storage.Filter{Kind: envelope.KindResearch, Researcher: researcher}, limit)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"researcher": researcher, "events": nonNil(records)})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(r.PathValue("event_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("event_id must be a UUID: %w", err))
		return
	}
	statuses, err := h.store.ListStatuses(r.Context(), eventID)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	if len(statuses) == 0 {
		h.writeError(w, http.StatusNotFound, errspkg.ErrNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "statuses": statuses})
}

func (h *Handler) writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, errspkg.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	h.logger.Error("Query failed", err, nil)
	h.writeError(w, http.StatusInternalServerError, err)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return min(limit, maxLimit), nil
}

func nonNil(records []storage.Record) []storage.Record {
	if records == nil {
		return []storage.Record{}
	}
	return records
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		h.logger.Error("Failed to encode response", err, nil)
	}
}
