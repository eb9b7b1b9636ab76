package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	apierrors "github.com/stwalsh4118/paddockview/internal/errors"
	"github.com/stwalsh4118/paddockview/internal/middleware"
	"github.com/stwalsh4118/paddockview/internal/models"
	"github.com/stwalsh4118/paddockview/internal/repository"
	"github.com/stwalsh4118/paddockview/internal/services"
)

// DashboardHandler exposes the dashboard orchestrator over HTTP.
type DashboardHandler struct {
	service services.DashboardService
}

// NewDashboardHandler creates a new DashboardHandler instance.
func NewDashboardHandler(service services.DashboardService) *DashboardHandler {
	return &DashboardHandler{
		service: service,
	}
}

// SelectDateRequest is the body of PUT /api/v1/dashboard/date.
type SelectDateRequest struct {
	Date string `json:"date" binding:"required,datetime=2006-01-02"`
}

// SelectPaddockRequest is the body of PUT /api/v1/dashboard/paddock.
// An empty PaddockID clears the selection.
type SelectPaddockRequest struct {
	PaddockID string `json:"paddock_id" binding:"omitempty,max=128"`
}

// PipelineResponse is returned once a pipeline run has finished.
type PipelineResponse struct {
	Ingest    *models.IngestResult `json:"ingest"`
	Dashboard *services.Dashboard  `json:"dashboard"`
}

// Get handles GET /api/v1/dashboard.
func (h *DashboardHandler) Get(c *gin.Context) {
	h.respondSnapshot(c, http.StatusOK)
}

// Reload handles POST /api/v1/dashboard/reload. The cascade runs in the
// background, so the snapshot returned shows the loads in flight.
func (h *DashboardHandler) Reload(c *gin.Context) {
	if err := h.service.Reload(c.Request.Context()); err != nil {
		respondServiceError(c, err, "Failed to reload dashboard")
		return
	}
	h.respondSnapshot(c, http.StatusAccepted)
}

// SelectDate handles PUT /api/v1/dashboard/date.
func (h *DashboardHandler) SelectDate(c *gin.Context) {
	var req SelectDateRequest
	if !bindJSON(c, &req) {
		return
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Debug("Selecting observation date", map[string]interface{}{"date": req.Date})
	}

	if err := h.service.SelectDate(c.Request.Context(), req.Date); err != nil {
		respondServiceError(c, err, "Failed to select date")
		return
	}
	h.respondSnapshot(c, http.StatusOK)
}

// SelectPaddock handles PUT /api/v1/dashboard/paddock.
func (h *DashboardHandler) SelectPaddock(c *gin.Context) {
	var req SelectPaddockRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.SelectPaddock(c.Request.Context(), req.PaddockID); err != nil {
		respondServiceError(c, err, "Failed to select paddock")
		return
	}
	h.respondSnapshot(c, http.StatusOK)
}

// RunPipeline handles POST /api/v1/dashboard/pipeline. The request blocks
// until ingest and the dependent refreshes have finished.
func (h *DashboardHandler) RunPipeline(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := h.service.RunPipeline(ctx)
	if err != nil {
		respondServiceError(c, err, "Pipeline run failed")
		return
	}

	snap, err := h.service.Snapshot(ctx)
	if err != nil {
		respondServiceError(c, err, "Failed to read dashboard")
		return
	}

	c.JSON(http.StatusOK, PipelineResponse{
		Ingest:    result,
		Dashboard: snap,
	})
}

// DismissError handles DELETE /api/v1/dashboard/error.
func (h *DashboardHandler) DismissError(c *gin.Context) {
	if err := h.service.DismissError(c.Request.Context()); err != nil {
		respondServiceError(c, err, "Failed to dismiss error")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DashboardHandler) respondSnapshot(c *gin.Context, status int) {
	snap, err := h.service.Snapshot(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "Failed to read dashboard")
		return
	}
	c.JSON(status, snap)
}

// bindJSON binds and validates the request body, writing the error response
// itself when binding fails.
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			apierrors.ValidationError(c, validationErrors)
			return false
		}
		apierrors.BadRequest(c, "Invalid request body", nil)
		return false
	}
	return true
}

// respondServiceError maps orchestrator and backend errors to HTTP responses.
func respondServiceError(c *gin.Context, err error, message string) {
	var apiErr *repository.APIError

	switch {
	case errors.Is(err, services.ErrNoFarm):
		apierrors.NotFound(c, "No farm available")
	case errors.Is(err, services.ErrUnknownDate):
		apierrors.BadRequest(c, err.Error(), nil)
	case errors.Is(err, services.ErrUnknownPaddock):
		apierrors.NotFound(c, err.Error())
	case errors.Is(err, services.ErrPipelineRunning):
		apierrors.Conflict(c, "Pipeline is already running")
	case errors.Is(err, services.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		apierrors.ServiceUnavailable(c, "Dashboard is unavailable")
	case errors.As(err, &apiErr):
		apierrors.BadGateway(c, apiErr.Message, err)
	default:
		apierrors.InternalServerError(c, message, err)
	}
}
