package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/auth"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/gin-gonic/gin"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	token, expires, err := s.authService.Login(req.Username, req.Password, c.ClientIP())
	switch {
	case errors.Is(err, auth.ErrLoginDisabled):
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Login is disabled", nil))
		return
	case errors.Is(err, auth.ErrLocked):
		c.JSON(http.StatusTooManyRequests, types.NewErrorResponse(types.CodeUnauthorized, "Too many failed attempts", nil))
		return
	case err != nil:
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeUnauthorized, "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expires.UTC(),
	})
}
