package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/homelease/rentcore/internal/auth"
	"github.com/homelease/rentcore/internal/logging"
	"github.com/homelease/rentcore/internal/validation"
)

// Handler provides HTTP endpoints for escrow reads and admin adjustments.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterProtectedRoutes sets up escrow routes. Reads are limited to the
// contract's parties and admins.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrow/:id/transactions", h.ListTransactions)
	r.GET("/contracts/:id/escrow", h.GetByContract)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:id/adjust", h.Adjust)
}

// AdjustBody is the body of POST /v1/escrow/:id/adjust. Amount is signed:
// negative for a deduction, positive for a correction.
type AdjustBody struct {
	Contributor string `json:"contributor"`
	Amount      string `json:"amount"`
	Note        string `json:"note"`
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	a, err := h.ledger.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	if !h.canRead(c, a) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": a})
}

// GetByContract handles GET /v1/contracts/:id/escrow
func (h *Handler) GetByContract(c *gin.Context) {
	a, err := h.ledger.GetByContract(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	if !h.canRead(c, a) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": a})
}

// ListTransactions handles GET /v1/escrow/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := h.ledger.Balance(ctx, c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	if !h.canRead(c, a) {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	txs, err := h.ledger.History(ctx, a.ID, limit)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Adjust handles POST /v1/escrow/:id/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var body AdjustBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}
	key := c.GetHeader("Idempotency-Key")
	if errs := validation.Validate(
		validation.Required("Idempotency-Key", key),
		validation.Required("contributor", body.Contributor),
		validation.OneOf("contributor", body.Contributor, string(Tenant), string(Landlord)),
		validation.Required("amount", body.Amount),
		validation.Required("note", body.Note),
		validation.MaxLength("note", body.Note, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || !amount.IsInteger() || amount.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount must be a non-zero whole number of minor units",
		})
		return
	}

	p, _ := auth.GetPrincipal(c)
	res, err := h.ledger.Adjust(c.Request.Context(), AdjustRequest{
		EscrowID:       c.Param("id"),
		Contributor:    Contributor(body.Contributor),
		SignedAmount:   amount,
		Note:           validation.SanitizeString(body.Note, validation.MaxStringLength),
		RefType:        "escrow_adjustment",
		RefID:          c.Param("id"),
		IdempotencyKey: key,
	}, Authorization{ActorID: p.UserID, Admin: p.IsAdmin()})
	if err != nil {
		h.mapError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) canRead(c *gin.Context, a *Account) bool {
	p, _ := auth.GetPrincipal(c)
	if p.IsAdmin() || a.IsParty(p.UserID) {
		return true
	}
	// Same answer as a missing account.
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Escrow not found",
	})
	return false
}

// mapError maps ledger errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Escrow operation failed"
	switch {
	case errors.Is(err, ErrAccountNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Escrow not found"
	case errors.Is(err, ErrAlreadyExists):
		status, code, msg = http.StatusConflict, "already_exists", err.Error()
	case errors.Is(err, ErrInsufficientBalance):
		status, code, msg = http.StatusUnprocessableEntity, "insufficient_balance", err.Error()
	case errors.Is(err, ErrUnauthorized):
		status, code, msg = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingIdempotencyKey),
		errors.Is(err, ErrIdempotencyConflict), errors.Is(err, ErrInvalidContributor),
		errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidAccount):
		status, code, msg = http.StatusBadRequest, "validation_error", err.Error()
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
