package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler issues development tokens. It is only mounted outside
// production so the API can be exercised without the account service.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterDevRoutes sets up the development token route.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/dev/token", h.IssueDevToken)
}

type devTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   Role   `json:"role" binding:"required"`
	Email  string `json:"email"`
}

// IssueDevToken handles POST /v1/dev/token
func (h *Handler) IssueDevToken(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and role are required",
		})
		return
	}
	switch req.Role {
	case RoleBuyer, RoleSeller, RoleAdmin:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be BUYER, SELLER or ADMIN",
		})
		return
	}

	tok, err := h.manager.IssueToken(req.UserID, req.Role, req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": tok, "tokenType": "Bearer"})
}
