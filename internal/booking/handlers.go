package booking

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

// Handler provides HTTP endpoints for bookings.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up booking routes. All require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.Create)
	r.GET("/bookings", h.List)

	g := r.Group("/bookings/:id", validation.IDParamMiddleware(), h.partyOnly())
	g.GET("", h.Get)
	g.GET("/events", h.ListEvents)
	g.POST("/approve", h.Approve)
	g.POST("/reject", h.Reject)
	g.POST("/sign", h.Sign)
	g.POST("/request-funding", h.RequestFunding)
	g.POST("/handover", h.Handover)
	g.POST("/start-settlement", h.StartSettlement)
	g.POST("/close", h.Close)
	g.POST("/cancel", h.Cancel)
	g.POST("/extensions", h.RequestExtension)
	g.GET("/extensions", h.ListExtensions)

	r.POST("/extensions/:id/cancel", validation.IDParamMiddleware(), h.CancelExtension)
}

// CreateBody is the body of POST /v1/bookings.
type CreateBody struct {
	LandlordID    string `json:"landlordId"`
	PropertyID    string `json:"propertyId"`
	RoomID        string `json:"roomId"`
	DepositAmount string `json:"depositAmount"`
	MonthlyRent   string `json:"monthlyRent"`
	Currency      string `json:"currency"`
}

// NoteBody carries an optional free-text note.
type NoteBody struct {
	Note string `json:"note"`
}

// FundingBody is the body of POST /v1/bookings/:id/request-funding.
type FundingBody struct {
	ContractID string `json:"contractId"`
}

// CloseBody is the body of POST /v1/bookings/:id/close.
type CloseBody struct {
	DamageDeduction string `json:"damageDeduction"`
}

// ExtensionBody is the body of POST /v1/bookings/:id/extensions.
type ExtensionBody struct {
	Months int `json:"months"`
}

func actorOf(c *gin.Context) Actor {
	p, _ := auth.GetPrincipal(c)
	return Actor{ID: p.UserID, Admin: p.IsAdmin()}
}

// Create handles POST /v1/bookings. The caller is the tenant.
func (h *Handler) Create(c *gin.Context) {
	var body CreateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("landlordId", body.LandlordID),
		validation.Required("propertyId", body.PropertyID),
		validation.MaxLength("landlordId", body.LandlordID, 64),
		validation.MaxLength("propertyId", body.PropertyID, 64),
		validation.MaxLength("roomId", body.RoomID, 64),
		validation.Required("monthlyRent", body.MonthlyRent),
		validation.ValidAmount("monthlyRent", body.MonthlyRent),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	rent, _ := money.Parse(body.MonthlyRent)
	deposit := money.Zero
	if body.DepositAmount != "" {
		d, err := money.Parse(body.DepositAmount)
		if err != nil {
			badRequest(c, "depositAmount must be a whole number of minor units")
			return
		}
		deposit = d
	}

	b, err := h.service.Create(c.Request.Context(), CreateRequest{
		TenantID:      auth.UserID(c),
		LandlordID:    body.LandlordID,
		PropertyID:    body.PropertyID,
		RoomID:        body.RoomID,
		DepositAmount: deposit,
		MonthlyRent:   rent,
		Currency:      body.Currency,
	})
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// Get handles GET /v1/bookings/:id
func (h *Handler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"booking": loaded(c)})
}

// List handles GET /v1/bookings
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	page, err := h.service.ListByParty(c.Request.Context(), auth.UserID(c), c.Query("cursor"), limit)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bookings":   page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// ListEvents handles GET /v1/bookings/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), loaded(c).ID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// Approve handles POST /v1/bookings/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	h.respond(c)(h.service.Approve(c.Request.Context(), c.Param("id"), actorOf(c)))
}

// Reject handles POST /v1/bookings/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var body NoteBody
	_ = c.ShouldBindJSON(&body)
	note := validation.SanitizeString(body.Note, validation.MaxStringLength)
	h.respond(c)(h.service.Reject(c.Request.Context(), c.Param("id"), actorOf(c), note))
}

// Sign handles POST /v1/bookings/:id/sign
func (h *Handler) Sign(c *gin.Context) {
	h.respond(c)(h.service.Sign(c.Request.Context(), c.Param("id"), actorOf(c)))
}

// RequestFunding handles POST /v1/bookings/:id/request-funding
func (h *Handler) RequestFunding(c *gin.Context) {
	var body FundingBody
	_ = c.ShouldBindJSON(&body)
	if len(body.ContractID) > 64 {
		badRequest(c, "contractId exceeds maximum length")
		return
	}
	h.respond(c)(h.service.RequestFunding(c.Request.Context(), c.Param("id"), actorOf(c), body.ContractID))
}

// Handover handles POST /v1/bookings/:id/handover
func (h *Handler) Handover(c *gin.Context) {
	h.respond(c)(h.service.Handover(c.Request.Context(), c.Param("id"), actorOf(c)))
}

// StartSettlement handles POST /v1/bookings/:id/start-settlement
func (h *Handler) StartSettlement(c *gin.Context) {
	var body NoteBody
	_ = c.ShouldBindJSON(&body)
	note := validation.SanitizeString(body.Note, validation.MaxStringLength)
	h.respond(c)(h.service.StartSettlement(c.Request.Context(), c.Param("id"), actorOf(c), note))
}

// Close handles POST /v1/bookings/:id/close (admin).
func (h *Handler) Close(c *gin.Context) {
	var body CloseBody
	_ = c.ShouldBindJSON(&body)
	damage := money.Zero
	if body.DamageDeduction != "" {
		d, err := money.Parse(body.DamageDeduction)
		if err != nil {
			badRequest(c, "damageDeduction must be a whole number of minor units")
			return
		}
		damage = d
	}
	b, settlement, err := h.service.CloseSettled(c.Request.Context(), c.Param("id"), actorOf(c), damage)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b, "settlement": settlement})
}

// Cancel handles POST /v1/bookings/:id/cancel. The reason is derived from
// the caller: tenant, landlord, or admin.
func (h *Handler) Cancel(c *gin.Context) {
	b, actor := loaded(c), actorOf(c)
	res, err := h.service.Cancel(c.Request.Context(), b.ID, actor, ReasonFor(b, actor))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RequestExtension handles POST /v1/bookings/:id/extensions
func (h *Handler) RequestExtension(c *gin.Context) {
	var body ExtensionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	ext, err := h.service.RequestExtension(c.Request.Context(), c.Param("id"), actorOf(c), body.Months)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"extension": ext})
}

// ListExtensions handles GET /v1/bookings/:id/extensions
func (h *Handler) ListExtensions(c *gin.Context) {
	exts, err := h.service.Extensions(c.Request.Context(), loaded(c).ID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"extensions": exts,
		"count":      len(exts),
	})
}

// CancelExtension handles POST /v1/extensions/:id/cancel
func (h *Handler) CancelExtension(c *gin.Context) {
	var body NoteBody
	_ = c.ShouldBindJSON(&body)
	note := validation.SanitizeString(body.Note, validation.MaxStringLength)
	ctx, actor := c.Request.Context(), actorOf(c)
	ext, err := h.service.GetExtension(ctx, c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	if !actor.Admin {
		b, err := h.service.Get(ctx, ext.BookingID)
		if err != nil || !b.IsParty(actor.ID) {
			h.mapError(c, ErrExtensionNotFound)
			return
		}
	}
	ext, err = h.service.CancelExtension(ctx, ext.ID, actor, note)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"extension": ext})
}

const ctxKeyBooking = "booking"

// partyOnly loads the booking for every /bookings/:id route. Callers who are
// neither a party nor an admin get the same 404 as for a missing booking,
// whether they read or act.
func (h *Handler) partyOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := h.service.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.mapError(c, err)
			c.Abort()
			return
		}
		if a := actorOf(c); !b.IsParty(a.ID) && !a.Admin {
			h.mapError(c, ErrNotFound)
			c.Abort()
			return
		}
		c.Set(ctxKeyBooking, b)
		c.Next()
	}
}

// loaded returns the booking partyOnly attached to the request. Mutating
// handlers act by its id; the service re-reads the row under lock.
func loaded(c *gin.Context) *Booking {
	return c.MustGet(ctxKeyBooking).(*Booking)
}

func (h *Handler) respond(c *gin.Context) func(*Booking, error) {
	return func(b *Booking, err error) {
		if err != nil {
			h.mapError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"booking": b})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": msg,
	})
}

// mapError maps booking errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Booking operation failed"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExtensionNotFound):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotOverdue):
		status, code, msg = http.StatusConflict, "invalid_state_transition", err.Error()
	case errors.Is(err, ErrForbidden):
		status, code, msg = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ErrInvalidRequest):
		status, code, msg = http.StatusBadRequest, "validation_error", err.Error()
	default:
		logging.L(c.Request.Context()).Error("booking request failed", "error", err, "booking", c.Param("id"))
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
