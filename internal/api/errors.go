package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/justyntemme/animetrack/internal/covers"
	"github.com/justyntemme/animetrack/internal/metadata"
	"github.com/justyntemme/animetrack/internal/storage"
	"github.com/justyntemme/animetrack/internal/throttle"
)

// statusFor maps resolution and lookup errors to HTTP status codes
func statusFor(err error) int {
	var dlErr *storage.DownloadError
	switch {
	case errors.Is(err, covers.ErrInvalidTitle):
		return http.StatusBadRequest
	case errors.Is(err, metadata.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, metadata.ErrUpstream), errors.As(err, &dlErr):
		return http.StatusBadGateway
	case errors.Is(err, throttle.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, "path", c.Request.URL.Path, "status", status, "error", err)
	} else {
		slog.Warn(msg, "path", c.Request.URL.Path, "status", status, "error", err)
	}

	switch status {
	case http.StatusBadRequest:
		c.JSON(status, gin.H{"error": err.Error()})
	case http.StatusTooManyRequests:
		c.JSON(status, gin.H{"error": "Rate limited, please try again later"})
	default:
		c.JSON(status, gin.H{"error": msg + ": " + err.Error()})
	}
}
