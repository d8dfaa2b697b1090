package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/homelease/rentcore/internal/logging"
)

// Handler provides admin HTTP endpoints. Each dependency is optional; a
// route whose dependency is missing answers 503.
type Handler struct {
	sweeper    Sweeper
	reconciler Reconciler
	overdue    OverdueLister
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithSweeper sets the sweeper for on-demand overdue sweeps.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithOverdueLister sets the source for the overdue listing.
func (h *Handler) WithOverdueLister(o OverdueLister) *Handler {
	h.overdue = o
	return h
}

// RegisterRoutes sets up admin routes. The caller applies admin auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/sweep", h.triggerSweep)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/reconcile", h.lastReconciliation)
	r.GET("/admin/overdue", h.listOverdue)
}

// triggerSweep cancels everything currently overdue.
func (h *Handler) triggerSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweep not configured"})
		return
	}

	summary, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("admin sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// triggerReconciliation runs an on-demand ledger reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// lastReconciliation returns the most recent report without running a new one.
func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report := h.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// listOverdue shows what the next sweep would cancel.
func (h *Handler) listOverdue(c *gin.Context) {
	if h.overdue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "booking service not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	ctx := c.Request.Context()
	now := h.now()
	bookings, err := h.overdue.ListOverdue(ctx, now, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list overdue bookings", "message": err.Error()})
		return
	}
	extensions, err := h.overdue.ListOverdueExtensions(ctx, now, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list overdue extensions", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookings":   bookings,
		"extensions": extensions,
		"count":      len(bookings) + len(extensions),
		"asOf":       now,
	})
}
