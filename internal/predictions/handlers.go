package predictions

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Av7danger/insider-detect/internal/pagination"
)

// Handler provides read-only HTTP access to the verdict history.
type Handler struct {
	store Store
}

// NewHandler creates a predictions handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up prediction history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/predictions", h.ListRecent)
	r.GET("/predictions/:id", h.GetRecord)
}

// ListRecent handles GET /predictions
func (h *Handler) ListRecent(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	// Fetch one extra record to detect whether another page exists.
	var records []*Record
	if cur != nil {
		records, err = h.store.RecentBefore(c.Request.Context(), cur.CreatedAt, cur.ID, limit+1)
	} else {
		records, err = h.store.Recent(c.Request.Context(), limit+1)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.ScoredAt, r.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"predictions": page,
		"count":       len(page),
		"nextCursor":  next,
		"hasMore":     hasMore,
	})
}

// GetRecord handles GET /predictions/:id
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Prediction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}
