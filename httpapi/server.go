// Package httpapi is the HTTP Surface (C6): Echo routes over the model
// registry, execution registry, and sweep engine.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// ServerConfig configures the Echo instance's ambient middleware stack.
type ServerConfig struct {
	Debug          bool
	BodyLimit      string
	AllowedOrigins []string
	RateLimit      float64 // requests/sec, 0 disables
	APIKey         string  // empty disables the X-API-Key check
}

// DefaultServerConfig returns sensible defaults: a generous upload body
// limit (model archives and run outputs can be large), permissive CORS,
// no rate limit, no API key.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Debug:          false,
		BodyLimit:      "200M",
		AllowedOrigins: []string{"*"},
		RateLimit:      0,
	}
}

// NewEchoServer wires the standard middleware stack: request logging,
// panic recovery, body limit, CORS, request IDs, optional rate limiting
// and optional API key auth.
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug
	e.HTTPErrorHandler = CustomHTTPErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())

	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}

	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAccept, "X-API-Key"},
		}))
	}

	e.Use(middleware.RequestID())
	e.Use(SecurityHeadersMiddleware())

	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(config.RateLimit))))
	}

	if config.APIKey != "" {
		e.Use(APIKeyAuth(config.APIKey))
	}

	return e
}

// APIKeyAuth rejects requests missing a matching X-API-Key header. Not
// registered unless ServerConfig.APIKey is set: the service carries no
// authentication by default.
func APIKeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("X-API-Key") != validKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

// SecurityHeadersMiddleware sets a minimal set of defensive response
// headers on every response.
func SecurityHeadersMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			return next(c)
		}
	}
}

// StartServer runs e, blocking until it stops or fails.
func StartServer(e *echo.Echo, port int) error {
	if port <= 0 {
		port = 8080
	}
	return e.Start(fmt.Sprintf(":%d", port))
}

// GracefulShutdown stops e within timeout, letting in-flight requests
// finish.
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Shutdown(ctx)
}
