package reconciliation

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentescrow/internal/amount"
	"github.com/mbd888/rentescrow/internal/auth"
	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/chain"
	"github.com/mbd888/rentescrow/internal/verifier"
)

// Snapshotter reads the contract's record of a booking.
type Snapshotter interface {
	Snapshot(ctx context.Context, bookingID *big.Int) (*chain.Snapshot, error)
}

// Handler provides HTTP endpoints for payment validation and settlement.
type Handler struct {
	engine *Engine
	escrow Snapshotter
}

// NewHandler creates a new reconciliation handler.
func NewHandler(engine *Engine, escrow Snapshotter) *Handler {
	return &Handler{engine: engine, escrow: escrow}
}

// RegisterRoutes sets up public routes. Validation needs no token: the
// evidence itself is verified on-chain.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/validate", h.ValidatePayment)
	r.GET("/payments/booking/:bookingId", h.PaymentHistory)
	r.POST("/bookings/:id/sync", h.SyncBooking)
	r.GET("/escrow/:bookingId", h.GetEscrow)
	r.GET("/quote", h.GetQuote)
}

// RegisterProtectedRoutes sets up auth-required settlement routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/release", h.ReleaseBooking)
	r.POST("/bookings/:id/dispute", h.DisputeBooking)
}

// DisputeRequest contains the parameters for raising a dispute.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ValidatePayment handles POST /payments/validate
func (h *Handler) ValidatePayment(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "bookingId, transactionHash, contractAddress and expectedAmount are required",
		})
		return
	}

	out, err := h.engine.Validate(c.Request.Context(), req)
	writeOutcome(c, out, err)
}

// PaymentHistory handles GET /payments/booking/:bookingId
func (h *Handler) PaymentHistory(c *gin.Context) {
	attempts, err := h.engine.History(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// ReleaseBooking handles POST /bookings/:id/release
func (h *Handler) ReleaseBooking(c *gin.Context) {
	out, err := h.engine.Release(c.Request.Context(), c.Param("id"), h.caller(c))
	writeOutcome(c, out, err)
}

// DisputeBooking handles POST /bookings/:id/dispute
func (h *Handler) DisputeBooking(c *gin.Context) {
	var req DisputeRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	out, err := h.engine.Dispute(c.Request.Context(), c.Param("id"), h.caller(c), req.Reason)
	writeOutcome(c, out, err)
}

// SyncBooking handles POST /bookings/:id/sync
func (h *Handler) SyncBooking(c *gin.Context) {
	res, err := h.engine.Sync(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetEscrow handles GET /escrow/:bookingId
func (h *Handler) GetEscrow(c *gin.Context) {
	id, err := booking.ParseID(c.Param("bookingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := h.escrow.Snapshot(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow": gin.H{
			"bookingId":  snap.BookingID.String(),
			"tenant":     snap.Tenant.Hex(),
			"owner":      snap.Owner.Hex(),
			"amount":     snap.Amount.String(),
			"fee":        snap.Fee.String(),
			"leaseStart": snap.LeaseStart,
			"leaseEnd":   snap.LeaseEnd,
			"status":     snap.StatusName,
		},
	})
}

// GetQuote handles GET /quote?amount=
func (h *Handler) GetQuote(c *gin.Context) {
	principal, err := amount.ParsePositive(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive integer in the smallest currency unit",
		})
		return
	}
	q, err := h.engine.bookings.Quote(principal)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"principal": q.Principal.String(),
		"fee":       q.Fee.String(),
		"total":     q.Total.String(),
	})
}

// caller is the authenticated address; operator tokens act as the
// configured operator account.
func (h *Handler) caller(c *gin.Context) string {
	if auth.IsOperator(c) {
		return h.engine.operator
	}
	return auth.CallerAddr(c)
}

// OutcomeStatus maps an engine result to an HTTP status and error code.
func OutcomeStatus(out *Outcome, err error) (int, string) {
	switch {
	case err == nil:
		if out != nil && out.Status == verifier.Pending {
			return http.StatusAccepted, ""
		}
		return http.StatusOK, ""
	case errors.Is(err, chain.ErrChainUnavailable):
		return http.StatusServiceUnavailable, "chain_unavailable"
	case errors.Is(err, ErrPendingTimeout):
		return http.StatusAccepted, "pending_confirmation"
	case errors.Is(err, ErrAmountMismatch):
		return http.StatusUnprocessableEntity, "amount_mismatch"
	case errors.Is(err, ErrVerificationFailed):
		return http.StatusUnprocessableEntity, "verification_failed"
	case errors.Is(err, ErrOwnerMustSign):
		return http.StatusConflict, "owner_must_sign"
	}
	return booking.ErrorStatus(err)
}

func writeOutcome(c *gin.Context, out *Outcome, err error) {
	status, code := OutcomeStatus(out, err)
	body := gin.H{}
	if out != nil {
		body["status"] = out.Status
		body["applied"] = out.Applied
		if out.Booking != nil {
			body["booking"] = out.Booking
		}
		if out.Attempt != nil {
			body["attempt"] = out.Attempt
		}
		if out.Reason != "" {
			body["reason"] = out.Reason
		}
	}
	if err != nil {
		body["error"] = code
		body["message"] = err.Error()
		var rev *chain.RevertError
		if errors.As(err, &rev) {
			body["reason"] = rev.Reason
		}
	}
	c.JSON(status, body)
}

func writeError(c *gin.Context, err error) {
	status, code := OutcomeStatus(nil, err)
	body := gin.H{"error": code, "message": err.Error()}
	var rev *chain.RevertError
	if errors.As(err, &rev) {
		body["reason"] = rev.Reason
	}
	c.JSON(status, body)
}
