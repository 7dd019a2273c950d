package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/digivault/escrowd/internal/auth"
	"github.com/digivault/escrowd/internal/escrow"
	"github.com/digivault/escrowd/internal/logging"
	"github.com/digivault/escrowd/internal/validation"
)

// Handler exposes the engine to the scheduler and buyers.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterInternalRoutes sets up the scheduler routes. The caller mounts
// them behind auth.RequireSchedulerSecret.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/settlement/run", h.Run)
	r.GET("/settlement/status", h.Status)
}

// RegisterProtectedRoutes sets up buyer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/confirm",
		validation.TransactionIDParamMiddleware(),
		auth.RequireRole(auth.RoleBuyer),
		h.ConfirmReceipt)
}

// Run handles POST /v1/internal/settlement/run
func (h *Handler) Run(c *gin.Context) {
	res, err := h.engine.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("settlement run failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error":   "settlement_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

// Status handles GET /v1/internal/settlement/status
func (h *Handler) Status(c *gin.Context) {
	st, err := h.engine.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, st)
}

// ConfirmReceipt handles POST /v1/transactions/:id/confirm
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	txn, err := h.engine.ConfirmReceipt(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		status, code := escrow.StatusFor(err)
		message := err.Error()
		if status == http.StatusInternalServerError {
			_ = c.Error(err)
			message = "Internal error"
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": message,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}
