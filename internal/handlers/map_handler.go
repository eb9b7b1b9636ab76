package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apierrors "github.com/stwalsh4118/paddockview/internal/errors"
	"github.com/stwalsh4118/paddockview/internal/logger"
	"github.com/stwalsh4118/paddockview/internal/mapview"
	"github.com/stwalsh4118/paddockview/internal/middleware"
	"github.com/stwalsh4118/paddockview/internal/sse"
)

// MapViewer reports what the map renderer is showing.
type MapViewer interface {
	View() mapview.View
}

// SurfaceLocator finds the live browser surface, if any.
type SurfaceLocator interface {
	Current() (*mapview.Surface, bool)
}

// MapHandler serves the map view, the browser surface and its event stream.
type MapHandler struct {
	renderer MapViewer
	surfaces SurfaceLocator
	stream   gin.HandlerFunc
}

// NewMapHandler creates a new MapHandler. Browsers subscribe to broker through
// the events endpoint.
func NewMapHandler(renderer MapViewer, surfaces SurfaceLocator, broker sse.Manager, keepalive time.Duration, log *logger.Logger) *MapHandler {
	return &MapHandler{
		renderer: renderer,
		surfaces: surfaces,
		stream:   sse.StreamHandler(broker, log.WithComponent("map_events"), keepalive),
	}
}

// ClickRequest is the body of POST /api/v1/map/click.
type ClickRequest struct {
	LayerID   string `json:"layer_id" binding:"required"`
	PaddockID string `json:"paddock_id" binding:"required"`
}

// View handles GET /api/v1/map. A disabled renderer reports fallback=true and
// still carries the collection for the fallback panel.
func (h *MapHandler) View(c *gin.Context) {
	c.JSON(http.StatusOK, h.renderer.View())
}

// Surface handles GET /api/v1/map/surface.
func (h *MapHandler) Surface(c *gin.Context) {
	surface, ok := h.surfaces.Current()
	if !ok {
		apierrors.NotFound(c, "No map surface is active")
		return
	}
	c.JSON(http.StatusOK, surface.Snapshot())
}

// Events handles GET /api/v1/map/events.
func (h *MapHandler) Events(c *gin.Context) {
	h.stream(c)
}

// Click handles POST /api/v1/map/click, relaying a browser click on a layer
// to the surface subscribers.
func (h *MapHandler) Click(c *gin.Context) {
	var req ClickRequest
	if !bindJSON(c, &req) {
		return
	}

	surface, ok := h.surfaces.Current()
	if !ok {
		apierrors.NotFound(c, "No map surface is active")
		return
	}

	if log := middleware.GetLogger(c); log != nil {
		log.Debug("Map click", map[string]interface{}{
			"layer_id":   req.LayerID,
			"paddock_id": req.PaddockID,
		})
	}

	if err := surface.Click(req.LayerID, req.PaddockID); err != nil {
		switch {
		case errors.Is(err, mapview.ErrUnknownLayer):
			apierrors.BadRequest(c, err.Error(), map[string]interface{}{"layer_id": req.LayerID})
		case errors.Is(err, mapview.ErrNotLoaded), errors.Is(err, mapview.ErrSurfaceRemoved):
			apierrors.Conflict(c, err.Error())
		default:
			apierrors.InternalServerError(c, "Failed to dispatch click", err)
		}
		return
	}
	c.Status(http.StatusNoContent)
}
