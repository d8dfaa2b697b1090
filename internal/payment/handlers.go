package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/homelease/rentcore/internal/auth"
	"github.com/homelease/rentcore/internal/booking"
	"github.com/homelease/rentcore/internal/escrow"
	"github.com/homelease/rentcore/internal/logging"
	"github.com/homelease/rentcore/internal/money"
	"github.com/homelease/rentcore/internal/validation"
	"github.com/homelease/rentcore/internal/wallet"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new payment handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// RegisterProtectedRoutes sets up payment routes. All require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.Create)
	r.GET("/payments", h.List)

	g := r.Group("/payments/:id", validation.IDParamMiddleware())
	g.GET("", h.Get)
	g.POST("/settle", h.Settle)
	// The gateway adapter confirms with an admin service token.
	g.POST("/confirm", auth.RequireAdmin(), h.Confirm)
}

// CreateBody is the body of POST /v1/payments.
type CreateBody struct {
	BookingID   string `json:"bookingId"`
	ExtensionID string `json:"extensionId"`
	Amount      string `json:"amount"`
	Method      string `json:"method"`
	Purpose     string `json:"purpose"`
	BankCode    string `json:"bankCode"`
}

// ConfirmBody is the body of POST /v1/payments/:id/confirm.
type ConfirmBody struct {
	Gateway    string `json:"gateway"`
	GatewayRef string `json:"gatewayRef"`
}

// Create handles POST /v1/payments. The caller is the payer.
func (h *Handler) Create(c *gin.Context) {
	var body CreateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", body.Amount),
		validation.ValidAmount("amount", body.Amount),
		validation.Required("method", body.Method),
		validation.OneOf("method", body.Method,
			string(MethodWallet), string(MethodVNPay), string(MethodMoMo), string(MethodBankTransfer)),
		validation.Required("purpose", body.Purpose),
		validation.OneOf("purpose", body.Purpose,
			string(PurposeWalletTopup), string(PurposeTenantEscrowDeposit), string(PurposeLandlordEscrowDeposit),
			string(PurposeFirstMonthRent), string(PurposeMonthlyRent), string(PurposeExtensionRent)),
		validation.ValidID("bookingId", body.BookingID),
		validation.ValidID("extensionId", body.ExtensionID),
		validation.MaxLength("bankCode", body.BankCode, 32),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, _ := money.Parse(body.Amount)
	p, err := h.orchestrator.Create(c.Request.Context(), CreateRequest{
		PayerID:     auth.UserID(c),
		BookingID:   body.BookingID,
		ExtensionID: body.ExtensionID,
		Amount:      amount,
		Method:      Method(body.Method),
		Purpose:     Purpose(body.Purpose),
		BankCode:    body.BankCode,
	})
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// List handles GET /v1/payments
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	payments, err := h.orchestrator.ListByPayer(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// Get handles GET /v1/payments/:id
func (h *Handler) Get(c *gin.Context) {
	p, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Confirm handles POST /v1/payments/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var body ConfirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("gateway", body.Gateway),
		validation.MaxLength("gateway", body.Gateway, 32),
		validation.Required("gatewayRef", body.GatewayRef),
		validation.MaxLength("gatewayRef", body.GatewayRef, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	p, err := h.orchestrator.Confirm(c.Request.Context(), c.Param("id"), body.Gateway, body.GatewayRef)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Settle handles POST /v1/payments/:id/settle. Payer or admin.
func (h *Handler) Settle(c *gin.Context) {
	if _, ok := h.owned(c); !ok {
		return
	}
	p, err := h.orchestrator.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// owned loads the payment and checks that the caller is its payer or an admin.
func (h *Handler) owned(c *gin.Context) (*Payment, bool) {
	p, err := h.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return nil, false
	}
	if pr, _ := auth.GetPrincipal(c); pr.UserID != p.PayerID && !pr.IsAdmin() {
		h.mapError(c, ErrNotFound)
		return nil, false
	}
	return p, true
}

// mapError maps orchestrator and ledger errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Payment operation failed"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, booking.ErrNotFound),
		errors.Is(err, booking.ErrExtensionNotFound), errors.Is(err, escrow.ErrAccountNotFound):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrStaleBookingState):
		status, code, msg = http.StatusConflict, "stale_booking_state", err.Error()
	case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrNotReady):
		status, code, msg = http.StatusConflict, "invalid_state_transition", err.Error()
	case errors.Is(err, ErrDuplicateRef):
		status, code, msg = http.StatusConflict, "already_exists", err.Error()
	case errors.Is(err, wallet.ErrInsufficientBalance), errors.Is(err, escrow.ErrInsufficientBalance):
		status, code, msg = http.StatusUnprocessableEntity, "insufficient_balance", err.Error()
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrPayerMismatch), errors.Is(err, ErrInvalidRequest),
		errors.Is(err, wallet.ErrIdempotencyConflict), errors.Is(err, escrow.ErrIdempotencyConflict):
		status, code, msg = http.StatusBadRequest, "validation_error", err.Error()
	default:
		logging.L(c.Request.Context()).Error("payment request failed", "error", err, "payment", c.Param("id"))
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
