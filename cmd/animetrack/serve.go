package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/justyntemme/animetrack/internal/api"
	"github.com/justyntemme/animetrack/internal/auth"
)

func newServeCmd(configPath *string) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Starts the animetrack HTTP API and serves cached covers.

Mutating routes require a token from /api/auth/login when auth.password
is configured.`,
		Example: `  # Start server on the configured address
  animetrack serve

  # Start server on a custom address
  animetrack serve --bind 0.0.0.0:3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if bind != "" {
				a.cfg.Bind = bind
			}

			authenticator, err := auth.New(a.cfg.AuthPassword, a.cfg.JWTSecret)
			if err != nil {
				return err
			}
			if !a.cfg.AuthEnabled() {
				slog.Warn("No auth.password configured, mutating routes are open")
			}
			limiter := api.NewRateLimiter(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst)
			defer limiter.Close()

			if a.cfg.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			router := api.NewRouter(api.RouterConfig{
				Handler:         api.NewHandler(a.store, a.cfg.StoreDriver, a.covers, a.provider, a.throttle),
				AuthHandler:     api.NewAuthHandler(authenticator),
				Auth:            authenticator,
				Limiter:         limiter,
				CoversDir:       a.cache.Dir(),
				CoversURLPrefix: a.cache.URLPrefix(),
			})

			server := &http.Server{
				Addr:    a.cfg.Bind,
				Handler: router,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Animetrack server starting", "addr", a.cfg.Bind, "auth", a.cfg.AuthEnabled())
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				slog.Info("Shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&bind, "bind", "b", "", "Address to listen on (overrides server.bind)")

	return cmd
}
