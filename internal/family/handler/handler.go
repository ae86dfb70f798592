// Package handler exposes the reconciliation engine's operator endpoints.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pfexchange/internal/family/models"
	"pfexchange/internal/family/runner"
	"pfexchange/internal/platform/metrics"
	"pfexchange/internal/platform/middleware"
	"pfexchange/pkg/platform/httputil"
	"pfexchange/pkg/platform/middleware/admin"
	"pfexchange/pkg/platform/middleware/metadata"
)

// BasePath is where the batch routes are mounted.
const BasePath = "/admin/family/batch"

// Batch status values reported to operators.
const (
	StatusCompleted      = "COMPLETED"
	StatusFailed         = "FAILED"
	StatusStarted        = "STARTED"
	StatusAlreadyRunning = "ALREADY_RUNNING"
	StatusStopped        = "STOPPED"
	StatusIdle           = "IDLE"
	StatusProcessing     = "PROCESSING"
)

// Processor is the batch engine as seen by operators.
type Processor interface {
	ProcessOneBatch(ctx context.Context) models.BatchResult
	RecoverStuck(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int64, error)
	StatusSummary(ctx context.Context) (map[models.Status]int64, error)
	Progress(ctx context.Context) (models.Progress, error)
	Snapshot() models.EngineSnapshot
}

// Runner controls continuous processing.
type Runner interface {
	Start(ctx context.Context) bool
	Stop() bool
	Status(ctx context.Context) (runner.Status, error)
}

type Handler struct {
	processor     Processor
	runner        Runner
	logger        *slog.Logger
	metrics       *metrics.Metrics
	adminToken    string
	scheduledMode bool
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithAdminToken requires the X-Admin-Token header on every route.
func WithAdminToken(token string) Option {
	return func(h *Handler) {
		h.adminToken = token
	}
}

func WithScheduledMode(enabled bool) Option {
	return func(h *Handler) {
		h.scheduledMode = enabled
	}
}

func New(processor Processor, run Runner, opts ...Option) (*Handler, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if run == nil {
		return nil, fmt.Errorf("runner is required")
	}
	h := &Handler{processor: processor, runner: run, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the batch routes under BasePath.
func (h *Handler) Register(r chi.Router) {
	batchRouter := chi.NewRouter()
	batchRouter.Use(middleware.Recovery(h.logger))
	batchRouter.Use(middleware.RequestID)
	batchRouter.Use(middleware.Logger(h.logger))
	batchRouter.Use(middleware.ContentTypeJSON)
	if h.metrics != nil {
		batchRouter.Use(middleware.LatencyMiddleware(h.metrics))
	}
	batchRouter.Use(admin.RequireAdminToken(h.adminToken, h.logger))

	batchRouter.Post("/process-one-batch", h.handleProcessOneBatch)
	batchRouter.Post("/start-continuous", h.handleStartContinuous)
	batchRouter.Post("/stop", h.handleStop)
	batchRouter.Get("/status", h.handleStatus)
	batchRouter.Get("/progress", h.handleProgress)
	batchRouter.Post("/recover-stuck", h.handleRecoverStuck)
	batchRouter.Get("/config", h.handleConfig)

	r.Mount(BasePath, batchRouter)
}

// BatchResponse is the common envelope of the control endpoints.
type BatchResponse struct {
	Status        string                  `json:"status"`
	Message       string                  `json:"message"`
	PendingCount  int64                   `json:"pendingCount"`
	StatusSummary map[models.Status]int64 `json:"statusSummary,omitempty"`
}

type ProgressResponse struct {
	models.Progress
	ScheduledMode bool `json:"scheduledMode"`
}

type RecoverResponse struct {
	Recovered int    `json:"recovered"`
	Message   string `json:"message"`
}

type ConfigResponse struct {
	ScheduledEnabled bool `json:"scheduledEnabled"`
	models.EngineSnapshot
}

func (h *Handler) handleProcessOneBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.audit(r, "process one batch")

	// The batch must finish even if the caller disconnects.
	result := h.processor.ProcessOneBatch(context.WithoutCancel(ctx))

	resp := BatchResponse{Status: StatusCompleted, Message: "Batch completed: " + result.Message}
	if !result.Success {
		resp.Status = StatusFailed
		resp.Message = "Batch failed: " + result.Message
	}
	if err := h.fill(ctx, &resp, true); err != nil {
		h.writeError(w, r, "failed to read queue state", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStartContinuous(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.audit(r, "start continuous processing")

	resp := BatchResponse{Status: StatusAlreadyRunning, Message: "Continuous processing is already in progress"}
	if h.runner.Start(ctx) {
		resp = BatchResponse{Status: StatusStarted, Message: "Continuous processing started. Will process all batches until complete."}
	}
	if err := h.fill(ctx, &resp, false); err != nil {
		h.writeError(w, r, "failed to read queue state", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.audit(r, "stop continuous processing")

	resp := BatchResponse{Status: StatusIdle, Message: "No active continuous processing to stop"}
	if h.runner.Stop() {
		resp = BatchResponse{Status: StatusStopped, Message: "Continuous processing interrupted"}
	}
	if err := h.fill(ctx, &resp, false); err != nil {
		h.writeError(w, r, "failed to read queue state", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.runner.Status(r.Context())
	if err != nil {
		h.writeError(w, r, "failed to read runner status", err)
		return
	}

	resp := BatchResponse{
		Status:        StatusIdle,
		PendingCount:  st.PendingCount,
		StatusSummary: st.StatusSummary,
	}
	switch st.State {
	case models.RunStateRunning:
		resp.Status = StatusProcessing
		resp.Message = "Continuous processing is running"
	case models.RunStateStoppedUnexpectedly:
		resp.Message = "Processing stopped unexpectedly"
	default:
		resp.Message = "No processing running"
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.processor.Progress(r.Context())
	if err != nil {
		h.writeError(w, r, "failed to read progress", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ProgressResponse{Progress: progress, ScheduledMode: h.scheduledMode})
}

func (h *Handler) handleRecoverStuck(w http.ResponseWriter, r *http.Request) {
	h.audit(r, "recover stuck records")
	n, err := h.processor.RecoverStuck(r.Context())
	if err != nil {
		h.writeError(w, r, "failed to recover stuck records", err)
		return
	}
	resp := RecoverResponse{Recovered: n, Message: "No stuck records found"}
	if n > 0 {
		resp.Message = fmt.Sprintf("Recovered %d stuck records", n)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, ConfigResponse{
		ScheduledEnabled: h.scheduledMode,
		EngineSnapshot:   h.processor.Snapshot(),
	})
}

func (h *Handler) fill(ctx context.Context, resp *BatchResponse, withSummary bool) error {
	pending, err := h.processor.PendingCount(ctx)
	if err != nil {
		return err
	}
	resp.PendingCount = pending
	if withSummary {
		summary, err := h.processor.StatusSummary(ctx)
		if err != nil {
			return err
		}
		resp.StatusSummary = summary
	}
	return nil
}

func (h *Handler) audit(r *http.Request, action string) {
	ip, ua := metadata.Caller(r)
	h.logger.InfoContext(r.Context(), "admin action",
		"action", action,
		"client_ip", ip,
		"user_agent", ua,
		"request_id", middleware.GetRequestID(r.Context()),
	)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg,
		"error", err,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	httputil.WriteError(w, err)
}
