// Package grpc provides the gRPC health service reflecting lock backend reachability.
package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/logging"
)

// ServiceName is the health service name reported for the lock API.
const ServiceName = "lock.v1.LockService"

// HealthService polls the lock backend and publishes the result through the
// standard grpc.health.v1 service.
type HealthService struct {
	server   *health.Server
	backend  lock.Service
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	serving bool
}

// NewHealthService creates a HealthService for backend.
func NewHealthService(backend lock.Service, interval time.Duration, logger zerolog.Logger) *HealthService {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthService{
		server:   health.NewServer(),
		backend:  backend,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger.With().Str("service", "health").Str("backend", backend.Name()).Logger(),
	}
}

// Server returns the underlying health server.
func (h *HealthService) Server() *health.Server {
	return h.server
}

// Check pings the backend once and updates the published status.
func (h *HealthService) Check(ctx context.Context) bool {
	serving := true
	if pinger, ok := h.backend.(lock.Pinger); ok {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("lock backend health check failed")
			serving = false
		}
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)

	h.mu.Lock()
	changed := h.serving != serving
	h.serving = serving
	h.mu.Unlock()
	if changed {
		h.logger.Info().Str("status", status.String()).Msg("health status changed")
	}
	return serving
}

// Run checks the backend at the configured interval until ctx is done, then
// marks every service as not serving.
func (h *HealthService) Run(ctx context.Context) {
	h.Check(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// NewServer creates a gRPC server with logging interceptors and the health
// service registered.
func NewServer(h *HealthService, logger zerolog.Logger) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(logging.GRPCLogger(logger)),
		grpc.ChainStreamInterceptor(logging.GRPCStreamLogger(logger)),
	)
	healthpb.RegisterHealthServer(srv, h.Server())
	return srv
}
