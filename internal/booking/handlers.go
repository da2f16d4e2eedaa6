package booking

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentescrow/internal/auth"
	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/pagination"
	"github.com/mbd888/rentescrow/internal/validation"
)

// Handler provides HTTP endpoints for booking operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bookings/:id", h.GetBooking)
	r.GET("/tenants/:address/bookings", validation.AddressParamMiddleware(), h.ListTenantBookings)
	r.GET("/owners/:address/bookings", validation.AddressParamMiddleware(), h.ListOwnerBookings)
}

// RegisterProtectedRoutes sets up protected (auth-required) booking routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.CreateBooking)
	r.POST("/bookings/:id/cancel", h.CancelBooking)
}

// CreateBooking handles POST /bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The tenant books for themselves; the operator may book on their behalf.
	if !auth.IsOperator(c) && validation.SanitizeAddress(req.TenantAddr) != auth.CallerAddr(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated caller must be the tenant",
		})
		return
	}

	b, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// GetBooking handles GET /bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// ListTenantBookings handles GET /tenants/:address/bookings
func (h *Handler) ListTenantBookings(c *gin.Context) {
	page, err := h.service.ListByTenant(c.Request.Context(), c.Param("address"),
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
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

// ListOwnerBookings handles GET /owners/:address/bookings
func (h *Handler) ListOwnerBookings(c *gin.Context) {
	page, err := h.service.ListByOwner(c.Request.Context(), c.Param("address"),
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
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

// CancelBooking handles POST /bookings/:id/cancel
func (h *Handler) CancelBooking(c *gin.Context) {
	var req CancelRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	caller := auth.CallerAddr(c)
	if auth.IsOperator(c) {
		caller = h.service.operator
	}

	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), caller, req.Reason)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// mapError maps service errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status, code := ErrorStatus(err)
	body := gin.H{"error": code, "message": err.Error()}
	var rev *chain.RevertError
	if errors.As(err, &rev) {
		body["reason"] = rev.Reason
	}
	c.JSON(status, body)
}

// ErrorStatus maps a booking or chain error to an HTTP status and code.
func ErrorStatus(err error) (int, string) {
	var rev *chain.RevertError
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, ErrStateConflict):
		return http.StatusConflict, "state_conflict"
	case errors.Is(err, chain.ErrChainUnavailable), errors.Is(err, chain.ErrConfirmationTimeout):
		return http.StatusServiceUnavailable, "chain_unavailable"
	case errors.As(err, &rev):
		return http.StatusUnprocessableEntity, "reverted"
	case errors.Is(err, ErrFeeMismatch):
		return http.StatusInternalServerError, "fee_mismatch"
	}
	return http.StatusInternalServerError, "internal_error"
}
