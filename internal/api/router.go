package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/logging"
	"github.com/kneutral-org/lock-service/internal/metrics"
	"github.com/kneutral-org/lock-service/internal/middleware"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	OwnerHeader    string
	MaxPayloadSize int64
	// Backend is pinged by /health when it implements lock.Pinger.
	Backend lock.Service
}

// NewRouter builds the gin engine serving the lock API, /health and /metrics.
func NewRouter(m LockManager, cfg RouterConfig, logger zerolog.Logger) (*gin.Engine, error) {
	if err := RegisterValidators(); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true

	router.Use(logging.RequestLogger(logger))
	router.Use(gin.CustomRecovery(recoveryHandler(logger)))
	router.Use(httpMetrics())

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "Not found"})
	})
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Message: "Method not allowed"})
	})

	router.GET("/health", healthHandler(cfg.Backend))
	metrics.RegisterMetricsEndpoint(router)

	limited := router.Group("")
	limited.Use(middleware.PayloadLimit(cfg.MaxPayloadSize, payloadTooLarge, logger))
	NewHandler(m, cfg.OwnerHeader, logger).RegisterRoutes(limited)

	return router, nil
}

// payloadTooLarge answers bodies over the configured limit.
func payloadTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
		Message: "Payload too large",
		Details: []ValidationDetail{{
			Field:   "body",
			Message: "must be at most " + strconv.FormatInt(maxBytes, 10) + " bytes",
		}},
	})
}

func recoveryHandler(logger zerolog.Logger) gin.RecoveryFunc {
	logger = logger.With().Str("component", "recovery").Logger()
	return func(c *gin.Context, recovered interface{}) {
		internalError(c, logger, fmt.Errorf("panic: %v", recovered))
	}
}

// httpMetrics records request counts and latency by route template.
func httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, time.Since(start).Seconds())
	}
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error,omitempty"`
}

func healthHandler(backend lock.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if backend == nil {
			c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
			return
		}

		resp := HealthResponse{Status: "ok", Backend: backend.Name()}
		if pinger, ok := backend.(lock.Pinger); ok {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				resp.Status = "unavailable"
				resp.Error = "backend unreachable"
				c.JSON(http.StatusServiceUnavailable, resp)
				return
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
