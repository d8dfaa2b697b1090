package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/homelease/rentcore/internal/auth"
	"github.com/homelease/rentcore/internal/logging"
	"github.com/homelease/rentcore/internal/money"
	"github.com/homelease/rentcore/internal/validation"
)

// Handler provides HTTP endpoints for the caller's own wallet.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterProtectedRoutes sets up wallet routes. All require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.POST("/wallet/credit", auth.RequireAdmin(), h.Credit)
	r.POST("/wallet/debit", h.Debit)
}

// MutationRequest is the body of POST /v1/wallet/credit and /debit.
type MutationRequest struct {
	// UserID is honoured only for admins; everyone else acts on their own wallet.
	UserID     string `json:"userId"`
	Amount     string `json:"amount"`
	Type       string `json:"type"`
	RefType    string `json:"refType"`
	RefID      string `json:"refId"`
	Note       string `json:"note"`
	Gateway    string `json:"gateway"`
	GatewayRef string `json:"gatewayRef"`
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.Balance(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallet/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	txs, err := h.ledger.History(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Credit handles POST /v1/wallet/credit. Admin only: user top-ups arrive
// as WALLET_TOPUP payments settled by the orchestrator.
func (h *Handler) Credit(c *gin.Context) {
	req, userID, ok := h.bind(c)
	if !ok {
		return
	}

	res, err := h.ledger.Credit(c.Request.Context(), req.withUser(userID))
	if err != nil {
		h.mapError(c, err)
		return
	}
	h.respond(c, res)
}

// Debit handles POST /v1/wallet/debit
func (h *Handler) Debit(c *gin.Context) {
	req, userID, ok := h.bind(c)
	if !ok {
		return
	}
	res, err := h.ledger.Debit(c.Request.Context(), req.withUser(userID))
	if err != nil {
		h.mapError(c, err)
		return
	}
	h.respond(c, res)
}

func (h *Handler) respond(c *gin.Context, res *Result) {
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// bind parses the body and resolves the target wallet owner.
func (h *Handler) bind(c *gin.Context) (Request, string, bool) {
	var body MutationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return Request{}, "", false
	}

	key := c.GetHeader("Idempotency-Key")
	if errs := validation.Validate(
		validation.Required("Idempotency-Key", key),
		validation.MaxLength("Idempotency-Key", key, validation.MaxIdempotencyKeyLength),
		validation.Required("amount", body.Amount),
		validation.ValidAmount("amount", body.Amount),
		validation.Required("type", body.Type),
		validation.OneOf("type", body.Type,
			string(TypeTopup), string(TypeContractPayment), string(TypeRefund), string(TypeAdjustment)),
		validation.MaxLength("note", body.Note, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return Request{}, "", false
	}

	p, _ := auth.GetPrincipal(c)
	userID := p.UserID
	if body.UserID != "" && body.UserID != p.UserID {
		if !p.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You may only operate on your own wallet",
			})
			return Request{}, "", false
		}
		userID = body.UserID
	}

	amount, _ := money.Parse(body.Amount)
	return Request{
		Amount:         amount,
		Type:           TxType(body.Type),
		RefType:        body.RefType,
		RefID:          body.RefID,
		Note:           validation.SanitizeString(body.Note, validation.MaxStringLength),
		IdempotencyKey: key,
		Gateway:        body.Gateway,
		GatewayRef:     body.GatewayRef,
	}, userID, true
}

func (r Request) withUser(userID string) Request {
	r.UserID = userID
	return r
}

// mapError maps ledger errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Wallet operation failed"
	switch {
	case errors.Is(err, ErrWalletNotFound):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrInsufficientBalance):
		status, code, msg = http.StatusUnprocessableEntity, "insufficient_balance", err.Error()
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingIdempotencyKey),
		errors.Is(err, ErrIdempotencyConflict), errors.Is(err, ErrMissingReference),
		errors.Is(err, ErrInvalidType), errors.Is(err, ErrCurrencyMismatch):
		status, code, msg = http.StatusBadRequest, "validation_error", err.Error()
	default:
		logging.L(c.Request.Context()).Error("wallet request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
