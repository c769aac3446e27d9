package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/api/shared"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/errorhandler"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/processor"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/task"
)

// Engine is the processor surface the handler reads.
type Engine interface {
	Stats() processor.Stats
	TaskStatus(id string) (task.TaskStatus, bool)
}

// ErrorMonitor is the error handler surface the handler reads and controls.
type ErrorMonitor interface {
	ErrorSummary() errorhandler.Summary
	ResetStats()
	ActivateDegradation()
	DeactivateDegradation()
	DegradationActive() bool
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Degraded bool   `json:"degraded"`
}

// TaskStatusResponse is the body of the task status endpoint.
type TaskStatusResponse struct {
	TaskID string          `json:"task_id"`
	Status task.TaskStatus `json:"status"`
}

// DegradationRequest switches degraded mode on or off.
type DegradationRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// EngineHandler serves the operational endpoints.
type EngineHandler struct {
	engine Engine
	errors ErrorMonitor
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(engine Engine, errors ErrorMonitor, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{
		engine: engine,
		errors: errors,
		logger: logger.With("component", "engine_handler"),
	}
}

// Health reports 200 while the processor is initialized, degraded or not,
// and 503 otherwise.
func (h *EngineHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthOf(h.errors.DegradationActive())
	if !h.engine.Stats().Initialized {
		resp.Status = "unavailable"
		shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// GetStats returns the processor statistics.
func (h *EngineHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.engine.Stats())
}

// GetTaskStatus returns the status of a task still tracked by any pool.
func (h *EngineHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, ok := h.engine.TaskStatus(id)
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found", task.ErrTaskNotFound)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskStatusResponse{TaskID: id, Status: status})
}

// GetErrors returns the error handler summary.
func (h *EngineHandler) GetErrors(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.errors.ErrorSummary())
}

// ResetErrors clears recorded errors.
func (h *EngineHandler) ResetErrors(w http.ResponseWriter, r *http.Request) {
	h.errors.ResetStats()
	h.logger.Info("error statistics reset", "trace_id", shared.GetTraceID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// SetDegradation manually enters or leaves degraded mode.
func (h *EngineHandler) SetDegradation(w http.ResponseWriter, r *http.Request) {
	var req DegradationRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, sanitizeValidationError(err), err)
		return
	}

	if *req.Active {
		h.errors.ActivateDegradation()
	} else {
		h.errors.DeactivateDegradation()
	}
	h.logger.Info("degradation toggled manually",
		"active", *req.Active,
		"trace_id", shared.GetTraceID(r.Context()))

	shared.RespondWithJSON(w, r, http.StatusOK, healthOf(*req.Active))
}

func healthOf(degraded bool) HealthResponse {
	if degraded {
		return HealthResponse{Status: "degraded", Degraded: true}
	}
	return HealthResponse{Status: "ok"}
}

// sanitizeValidationError turns validator errors into a short client message.
func sanitizeValidationError(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("Invalid %s: %s", fe.Field(), validationTagMessage(fe.Tag()))
	}
	return "Validation error"
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
