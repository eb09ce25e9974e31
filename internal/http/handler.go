package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"plate-watcher/internal/history"
)

// HistoryStore is the slice of the history service the API needs.
type HistoryStore interface {
	FindDetections(ctx context.Context, plateQuery, camera *string, from, to *string, limit, offset int) ([]history.DetectionInfo, error)
	FindPlate(ctx context.Context, plateQuery string) (*history.PlateInfo, error)
	CleanupOldDetections(ctx context.Context, days int) (int64, error)
}

type Handler struct {
	store HistoryStore
	log   zerolog.Logger
}

func NewHandler(store HistoryStore, log zerolog.Logger) *Handler {
	return &Handler{store: store, log: log}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	public := r.Group("/api/v1")
	{
		public.GET("/detections", h.listDetections)
		public.GET("/plates/:plate", h.getPlate)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.DELETE("/detections", h.cleanupDetections)
	}
}

func (h *Handler) listDetections(c *gin.Context) {
	var plateQuery, camera *string
	if p := strings.TrimSpace(c.Query("plate")); p != "" {
		plateQuery = &p
	}
	if cam := strings.TrimSpace(c.Query("camera")); cam != "" {
		camera = &cam
	}

	var from, to *string
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		from = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		to = &t
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	detections, err := h.store.FindDetections(c.Request.Context(), plateQuery, camera, from, to, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(detections))
}

func (h *Handler) getPlate(c *gin.Context) {
	plateQuery := strings.TrimSpace(c.Param("plate"))
	if plateQuery == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}

	info, err := h.store.FindPlate(c.Request.Context(), plateQuery)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(info))
}

func (h *Handler) cleanupDetections(c *gin.Context) {
	days, err := strconv.Atoi(c.Query("older_than_days"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("older_than_days must be a positive integer"))
		return
	}

	deleted, err := h.store.CleanupOldDetections(c.Request.Context(), days)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, history.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, history.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{"data": data}
}

func errorResponse(message string) gin.H {
	return gin.H{"error": message}
}
