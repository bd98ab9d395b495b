package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lingo-meet/backend/pkg/response"
)

// Handler issues guest identity tokens for the socket layer. There is no
// credential store: a guest asks for a token with a display name and gets a
// fresh durable user id.
type Handler struct {
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates the auth handler.
func NewHandler(jwt *JWTService, logger *zap.Logger) *Handler {
	return &Handler{jwt: jwt, logger: logger}
}

type guestRequest struct {
	UserName string `json:"userName" binding:"required,max=64"`
}

// Guest issues a token for a display name.
// POST /auth/guest
func (h *Handler) Guest(c *gin.Context) {
	var req guestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "userName is required")
		return
	}
	userID := uuid.New()
	token, err := h.jwt.Generate(userID, req.UserName, "guest")
	if err != nil {
		h.logger.Error("token generation", zap.Error(err))
		response.Internal(c, "could not issue token")
		return
	}
	response.OK(c, gin.H{
		"token":    token,
		"userId":   userID,
		"userName": req.UserName,
	})
}
