// Package status serves the worker's health and progress over HTTP.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/backbeatmedia/nexrender/internal/worker"
)

const healthTimeout = 2 * time.Second

// StatsProvider exposes worker progress
type StatsProvider interface {
	Stats() worker.StatsSnapshot
}

// Dependencies holds what the status routes read from
type Dependencies struct {
	Logger  *slog.Logger
	Service string
	Stats   StatsProvider
	// Health checks the job source connection; nil means always healthy
	Health func(ctx context.Context) error
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
			defer cancel()

			if err := deps.Health(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": deps.Service,
					"error":   err.Error(),
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": deps.Service,
		})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Stats.Stats())
	})

	return r
}

// Server runs the status router on its own listener
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// NewServer creates a new status server instance
func NewServer(port int, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Status server listening",
		slog.String("addr", s.http.Addr),
	)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status server")
	return s.http.Shutdown(ctx)
}
