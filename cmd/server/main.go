// Package main provides the entry point for the lock-service server.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kneutral-org/lock-service/internal/api"
	"github.com/kneutral-org/lock-service/internal/config"
	"github.com/kneutral-org/lock-service/internal/election"
	lockgrpc "github.com/kneutral-org/lock-service/internal/grpc"
	"github.com/kneutral-org/lock-service/internal/lock"
	"github.com/kneutral-org/lock-service/internal/locker"
	"github.com/kneutral-org/lock-service/internal/logging"
	"github.com/kneutral-org/lock-service/internal/manager"
	"github.com/kneutral-org/lock-service/internal/sweeper"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if cfg.LogPretty {
		logger = logging.NewPrettyLogger(cfg.ServiceName, cfg.LogLevel)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server exited properly")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := locker.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close lock backend")
		}
	}()
	logger.Info().Str("backend", backend.Name()).Msg("lock backend ready")

	mgr := manager.New(backend.Service, manager.WithLogger(logger))

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := api.NewRouter(mgr, api.RouterConfig{
		OwnerHeader:    cfg.OwnerHeader,
		MaxPayloadSize: cfg.MaxPayloadSize,
		Backend:        backend.Service,
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	health := lockgrpc.NewHealthService(backend.Service, 10*time.Second, logger)
	grpcServer := lockgrpc.NewServer(health, logger)

	stopMaintenance := startMaintenance(ctx, cfg, mgr, backend.Service, logger)
	defer stopMaintenance()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return err
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC health server")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		health.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// startMaintenance starts leader election and, for backends that keep
// expired records, the sweeper. The returned function stops both.
func startMaintenance(ctx context.Context, cfg *config.Config, mgr *manager.Manager, svc lock.Service, logger zerolog.Logger) func() {
	elector := election.NewLeaderElector(mgr, cfg.ServiceName, logger,
		election.WithLease(cfg.Maintenance.ElectionLeaseSeconds),
	)
	elector.Start(ctx)

	var job *sweeper.Job
	if cleaner, ok := svc.(lock.Cleaner); ok && cfg.Maintenance.SweepIntervalSeconds > 0 {
		job = sweeper.NewJob(cleaner, svc.Name(),
			time.Duration(cfg.Maintenance.SweepIntervalSeconds)*time.Second, logger,
			sweeper.WithLeader(elector),
			sweeper.WithGrace(cfg.Maintenance.SweepGraceSeconds),
		)
		job.Start()
	}

	return func() {
		if job != nil {
			job.Stop()
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		elector.Stop(releaseCtx)
	}
}
