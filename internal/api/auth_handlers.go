package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/justyntemme/animetrack/internal/auth"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	auth *auth.Authenticator
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(a *auth.Authenticator) *AuthHandler {
	return &AuthHandler{auth: a}
}

// Login exchanges the shared password for a token
func (h *AuthHandler) Login(c *gin.Context) {
	if !h.auth.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Authentication is disabled"})
		return
	}

	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Password is required"})
		return
	}

	token, expires, err := h.auth.Login(req.Password)
	if err == auth.ErrInvalidCredentials {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Login successful",
		"token":     token,
		"expiresAt": expires,
	})
}
