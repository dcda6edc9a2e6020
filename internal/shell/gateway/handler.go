package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/deployagent/internal/core/domain"
	"github.com/artpar/deployagent/internal/shell/gateway/openapi"
	"github.com/artpar/deployagent/internal/shell/logsink"
	"github.com/artpar/deployagent/internal/shell/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Handler
// =============================================================================

// LogView is the read side of the live operator log.
type LogView interface {
	Entries() []logsink.Entry
	Len() int
}

// LogFeed is a LogView that can also push new entries.
type LogFeed interface {
	LogView
	Subscribe() (<-chan logsink.Entry, func())
}

// StatusFunc reports the current state of the deployment loop.
type StatusFunc func() domain.AgentStatus

// Config holds the collaborators of the HTTP surface.
type Config struct {
	Gateway *Gateway
	Log     LogView
	Store   store.Store
	Status  StatusFunc
	Version string
	Logger  *slog.Logger
}

// Handler serves the trigger endpoint and the status API.
type Handler struct {
	gateway *Gateway
	log     LogView
	store   store.Store
	status  StatusFunc
	version string
	openapi *openapi.Generator
	logger  *slog.Logger
}

// NewHandler creates a new handler. Gateway is required; the remaining
// collaborators are optional and their endpoints answer 503 when absent.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	h := &Handler{
		gateway: cfg.Gateway,
		log:     cfg.Log,
		store:   cfg.Store,
		status:  cfg.Status,
		version: version,
		logger:  logger.With("component", "http"),
	}
	if h.gateway == nil {
		h.gateway = New(logger)
	}
	h.openapi = openapi.NewGenerator(
		openapi.WithTitle("deployagent"),
		openapi.WithVersion(version),
		openapi.WithDescription("Deployment trigger and status API"),
	)
	h.openapi.Register(endpoints()...)
	return h
}

// Gateway returns the trigger gateway the handler feeds.
func (h *Handler) Gateway() *Gateway {
	return h.gateway
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	// Trigger
	r.Get("/", h.gateway.ServeHTTP)
	r.Post("/", h.gateway.ServeHTTP)

	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Get("/log", h.handleLog)
	r.Get("/log/stream", h.handleLogStream)
	r.Get("/openapi.json", h.openapi.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", h.handleListDeployments)
			r.Get("/{id}", h.handleGetDeployment)
			r.Get("/{id}/log", h.handleGetDeploymentLog)
		})
	})

	return r
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Status Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Agent: domain.AgentStatus{State: domain.AgentIdle, Version: h.version},
	}
	if h.status != nil {
		resp.Agent = h.status()
	}
	if h.log != nil {
		resp.LogEntries = h.log.Len()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		h.writeError(w, http.StatusServiceUnavailable, "live log is not available", "log_unavailable")
		return
	}
	h.writeLog(w, r, "", h.log.Entries())
}

// handleLogStream sends the current log followed by every new entry as
// server-sent events until the client goes away.
func (h *Handler) handleLogStream(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.log.(LogFeed)
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "live log is not available", "log_unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported", "internal_error")
		return
	}
	// The stream outlives the server's WriteTimeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("log stream keeps server write deadline", "error", err)
	}

	// Subscribe before the snapshot so nothing appended in between is lost.
	entries, unsubscribe := feed.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var last domain.Anchor
	for _, e := range feed.Entries() {
		if !h.writeEvent(w, e) {
			return
		}
		last = max(last, e.Anchor)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if e.Anchor <= last {
				continue
			}
			if !h.writeEvent(w, e) {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, e domain.LogEntry) bool {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode log entry", "error", err)
		return false
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: entry\ndata: %s\n\n", e.Anchor, data)
	return err == nil
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "deployment history is not available", "store_unavailable")
		return
	}

	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be an integer", "invalid_limit")
			return
		}
		opts.Limit = n
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "offset must be an integer", "invalid_offset")
			return
		}
		opts.Offset = n
	}
	opts.Repository = r.URL.Query().Get("repository")
	opts.Status = domain.DeploymentStatus(r.URL.Query().Get("status"))
	opts = opts.Normalize()

	deployments, err := h.store.ListDeployments(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "internal_error")
		return
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}

	h.writeJSON(w, http.StatusOK, DeploymentListResponse{
		Deployments: deployments,
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	})
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "deployment history is not available", "store_unavailable")
		return
	}

	id := chi.URLParam(r, "id")
	deployment, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, "deployment", id, err)
		return
	}

	h.writeJSON(w, http.StatusOK, deployment)
}

func (h *Handler) handleGetDeploymentLog(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "deployment history is not available", "store_unavailable")
		return
	}

	id := chi.URLParam(r, "id")
	entries, err := h.store.GetLog(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, "deployment", id, err)
		return
	}

	h.writeLog(w, r, id, entries)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeLog(w http.ResponseWriter, r *http.Request, deploymentID string, entries []domain.LogEntry) {
	if wantsJSON(r) {
		if entries == nil {
			entries = []domain.LogEntry{}
		}
		h.writeJSON(w, http.StatusOK, LogResponse{DeploymentID: deploymentID, Entries: entries})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := logsink.WriteText(w, entries); err != nil {
		h.logger.Error("failed to write log", "error", err)
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, entity, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, entity+" not found", entity+"_not_found")
		return
	}
	h.logger.Error("store lookup failed", "entity", entity, "id", id, "error", err)
	h.writeError(w, http.StatusInternalServerError, "failed to load "+entity, "internal_error")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// wantsJSON reports whether the client asked for JSON through the Accept
// header or a format=json query parameter.
func wantsJSON(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("format"), "json") {
		return true
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}

// =============================================================================
// OpenAPI
// =============================================================================

func endpoints() []openapi.Endpoint {
	idParam := openapi.Param{Name: "id", In: "path", Description: "Deployment ID"}
	formatParam := openapi.Param{Name: "format", In: "query", Description: "json for a JSON rendering"}
	triggerParams := []openapi.Param{
		{Name: ParamDeploymentType, In: "query", Description: "Deployment type, selects the publish profile"},
		{Name: ParamRepository, In: "query", Description: "Repository directory under the repositories root"},
	}
	listParams := []openapi.Param{
		{Name: "limit", In: "query", Type: "integer"},
		{Name: "offset", In: "query", Type: "integer"},
		{Name: "repository", In: "query"},
		{Name: "status", In: "query"},
	}
	return []openapi.Endpoint{
		{
			Method:      http.MethodGet,
			Path:        "/",
			OperationID: "triggerDeployment",
			Tag:         "trigger",
			Summary:     "Start a deployment when the agent is idle",
			Params:      triggerParams,
			Errors:      []int{http.StatusBadRequest, http.StatusConflict},
		},
		{
			Method:      http.MethodGet,
			Path:        "/health",
			OperationID: "getHealth",
			Tag:         "status",
			Summary:     "Liveness check",
			Response:    HealthResponse{},
		},
		{
			Method:      http.MethodGet,
			Path:        "/status",
			OperationID: "getStatus",
			Tag:         "status",
			Summary:     "Current state of the deployment loop",
			Response:    StatusResponse{},
		},
		{
			Method:      http.MethodGet,
			Path:        "/log",
			OperationID: "getLiveLog",
			Tag:         "status",
			Summary:     "Ordered log of the current or last deployment",
			Params:      []openapi.Param{formatParam},
			Errors:      []int{http.StatusServiceUnavailable},
		},
		{
			Method:      http.MethodGet,
			Path:        "/log/stream",
			OperationID: "streamLiveLog",
			Tag:         "status",
			Summary:     "Server-sent events of log entries as they are written",
			Errors:      []int{http.StatusServiceUnavailable},
		},
		{
			Method:      http.MethodGet,
			Path:        "/api/v1/deployments",
			OperationID: "listDeployments",
			Tag:         "deployments",
			Summary:     "Deployment history, newest first",
			Response:    DeploymentListResponse{},
			Params:      listParams,
			Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
		},
		{
			Method:      http.MethodGet,
			Path:        "/api/v1/deployments/{id}",
			OperationID: "getDeployment",
			Tag:         "deployments",
			Summary:     "One deployment with its target outcomes",
			Response:    domain.Deployment{},
			Params:      []openapi.Param{idParam},
			Errors:      []int{http.StatusNotFound},
		},
		{
			Method:      http.MethodGet,
			Path:        "/api/v1/deployments/{id}/log",
			OperationID: "getDeploymentLog",
			Tag:         "deployments",
			Summary:     "Stored log of a finished deployment",
			Response:    LogResponse{},
			Params:      []openapi.Param{idParam, formatParam},
			Errors:      []int{http.StatusNotFound},
		},
	}
}
