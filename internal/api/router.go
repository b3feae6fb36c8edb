package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/justyntemme/animetrack/internal/auth"
)

// RouterConfig holds everything the router wires together
type RouterConfig struct {
	Handler     *Handler
	AuthHandler *AuthHandler
	Auth        *auth.Authenticator
	Limiter     *RateLimiter

	CoversDir       string
	CoversURLPrefix string
}

// NewRouter builds the gin engine with every route registered
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// Enable CORS for browser clients
	r.Use(CORSMiddleware())
	if cfg.Limiter != nil {
		r.Use(cfg.Limiter.Middleware())
	}

	h := cfg.Handler
	r.GET("/health", h.HealthCheck)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/auth/login", cfg.AuthHandler.Login)

		// Reads are public
		apiGroup.GET("/anime-covers", h.ResolveCover)
		apiGroup.GET("/db", h.GetDB)

		// Mutations require a token when a password is configured
		protected := apiGroup.Group("")
		protected.Use(cfg.Auth.Middleware())
		{
			protected.POST("/db", h.UpdateDB)
			protected.PUT("/db", h.SaveCover)

			protected.POST("/anime", h.AddAnime)
			protected.PATCH("/anime", h.UpdateAnime)
			protected.DELETE("/anime", h.DeleteAnime)

			protected.POST("/covers/backfill", h.BackfillCovers)
		}
	}

	// Serve cached covers
	if cfg.CoversDir != "" {
		r.Static(strings.TrimSuffix(cfg.CoversURLPrefix, "/"), cfg.CoversDir)
	}

	return r
}
