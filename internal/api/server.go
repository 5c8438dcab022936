// Package api exposes the inference engine over an OpenAI-compatible
// HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/gptoss/internal/inference"
	"github.com/samcharles93/gptoss/internal/version"
)

type Server struct {
	provider EngineProvider
	defaults inference.EngineConfig
	clock    func() time.Time
}

func NewServer(provider EngineProvider, defaults inference.EngineConfig) *Server {
	return &Server{
		provider: provider,
		defaults: defaults,
		clock:    time.Now,
	}
}

// Register wires the API routes onto the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}

// RateLimit returns middleware that bounds request throughput. CPU
// generation is expensive; excess requests get 429 instead of piling
// up behind the per-engine mutex.
func RateLimit(rps float64, burst int) echo.MiddlewareFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !limiter.Allow() {
				return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "", "")
			}
			return next(c)
		}
	}
}
