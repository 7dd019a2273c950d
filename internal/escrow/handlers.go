package escrow

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/digivault/escrowd/internal/auth"
	"github.com/digivault/escrowd/internal/fees"
	"github.com/digivault/escrowd/internal/gateway"
	"github.com/digivault/escrowd/internal/pagination"
	"github.com/digivault/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the transaction lifecycle.
type Handler struct {
	service *Service
	gateway gateway.Gateway
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, gw gateway.Gateway) *Handler {
	return &Handler{service: service, gateway: gw}
}

// RegisterRoutes sets up unauthenticated routes. Webhook authenticity is
// checked by the gateway signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.PaymentWebhook)
}

// RegisterProtectedRoutes sets up routes that need a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", auth.RequireRole(auth.RoleBuyer), h.Checkout)
	r.GET("/transactions", h.ListTransactions)

	tx := r.Group("/transactions/:id", validation.TransactionIDParamMiddleware())
	tx.GET("", h.GetTransaction)
	tx.POST("/transfer", auth.RequireRole(auth.RoleSeller), h.MarkTransferred)
	tx.POST("/dispute", auth.RequireRole(auth.RoleBuyer, auth.RoleSeller), h.OpenDispute)
}

type checkoutRequest struct {
	ListingID string `json:"listingId"`
}

// Checkout handles POST /v1/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("listingId", req.ListingID),
		validation.ValidID("listingId", req.ListingID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.Checkout(c.Request.Context(), auth.GetUserID(c), req.ListingID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// PaymentWebhook handles POST /v1/webhooks/payments
func (h *Handler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read body",
		})
		return
	}

	ev, err := h.gateway.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_webhook",
			"message": "Webhook could not be verified",
		})
		return
	}

	txn, err := h.service.HandlePaymentEvent(c.Request.Context(), ev)
	if err != nil {
		writeError(c, err)
		return
	}
	if txn == nil {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": ev.Type})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "status": txn.Status})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.GetUserID(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/transactions?role=buyer|seller
func (h *Handler) ListTransactions(c *gin.Context) {
	role := c.DefaultQuery("role", string(AsBuyer))
	if errs := validation.Validate(
		validation.OneOf("role", role, string(AsBuyer), string(AsSeller)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	limit := pagination.ParseLimit(c.Query("limit"), 20, 100)
	page, err := h.service.List(c.Request.Context(), auth.GetUserID(c), PartyRole(role), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// MarkTransferred handles POST /v1/transactions/:id/transfer
func (h *Handler) MarkTransferred(c *gin.Context) {
	txn, err := h.service.MarkTransferred(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength+1)
	if errs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	dispute, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), auth.GetUserID(c), reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// StatusFor maps a lifecycle error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	var (
		gwErr  *gateway.Error
		cfgErr *fees.ConfigurationError
	)
	switch {
	case errors.As(err, &gwErr):
		return http.StatusBadGateway, "gateway_unavailable"
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "configuration_error"
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrListingNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUserNotFound):
		return http.StatusUnprocessableEntity, "user_not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrUserSuspended):
		return http.StatusForbidden, "account_suspended"
	case errors.Is(err, ErrSelfPurchase):
		return http.StatusBadRequest, "self_purchase"
	case errors.Is(err, ErrListingUnavailable):
		return http.StatusConflict, "listing_unavailable"
	case errors.Is(err, ErrDisputeExists):
		return http.StatusConflict, "dispute_exists"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrConflict):
		return http.StatusConflict, "invalid_status"
	case errors.Is(err, pagination.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, gateway.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_webhook"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	message := err.Error()
	switch status {
	case http.StatusBadGateway:
		message = gateway.UserMessage
	case http.StatusInternalServerError:
		_ = c.Error(err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
