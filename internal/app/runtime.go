package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"missionline/internal/config"
	"missionline/internal/delay"
	"missionline/internal/events"
	"missionline/internal/server"
)

const shutdownTimeout = 10 * time.Second

// Runtime runs the HTTP API, the optional gRPC health endpoint, the event
// relay and the Redis callback worker on top of Services.
type Runtime struct {
	Services *Services

	logger     *slog.Logger
	httpServer *http.Server
	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener
	health     *health.Server
	relay      *events.Relay
	worker     *delay.Worker
}

func NewRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	svc, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	cfg = svc.Config
	logger = svc.Logger

	handler, err := server.New(server.Config{
		Engine:   svc.Engine,
		BasePath: cfg.Service.BasePath,
		Auth: server.AuthConfig{
			JWTSecret: cfg.Secrets.JWT,
			Logger:    logger,
		},
		Callbacks: delay.Verifier{
			CurrentKey: cfg.Callbacks.SigningKey,
			NextKey:    cfg.Callbacks.NextSigningKey,
		},
		Logger: logger,
	})
	if err != nil {
		_ = svc.Close()
		return nil, err
	}

	r := &Runtime{Services: svc, logger: logger}
	r.httpLis, err = net.Listen("tcp", cfg.Service.Listen)
	if err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("listen http: %w", err)
	}
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Service.GRPCListen != "" {
		r.grpcLis, err = net.Listen("tcp", cfg.Service.GRPCListen)
		if err != nil {
			_ = r.httpLis.Close()
			_ = svc.Close()
			return nil, fmt.Errorf("listen grpc: %w", err)
		}
		r.grpcServer = grpc.NewServer()
		r.health = health.NewServer()
		healthpb.RegisterHealthServer(r.grpcServer, r.health)
		r.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	if len(svc.Publishers) > 0 {
		r.relay = events.NewRelay(logger, svc.Engine.Repo, svc.Publishers, cfg.Events.RelayInterval.Std())
	}
	if svc.Queue != nil {
		r.worker = &delay.Worker{
			Queue:        svc.Queue,
			SigningKey:   cfg.Callbacks.SigningKey,
			PollInterval: cfg.Scheduler.Redis.PollInterval.Std(),
		}
	}
	return r, nil
}

// HTTPAddr is the bound API address.
func (r *Runtime) HTTPAddr() string { return r.httpLis.Addr().String() }

// GRPCAddr is the bound health address, empty when gRPC is disabled.
func (r *Runtime) GRPCAddr() string {
	if r.grpcLis == nil {
		return ""
	}
	return r.grpcLis.Addr().String()
}

// Run serves until ctx is cancelled, a termination signal arrives or a
// server fails. Background engine tasks are drained before returning.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "module", "app", "addr", r.HTTPAddr())
		if err := r.httpServer.Serve(r.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if r.grpcServer != nil {
		go func() {
			r.logger.Info("grpc health server started", "module", "app", "addr", r.GRPCAddr())
			if err := r.grpcServer.Serve(r.grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	if r.relay != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			r.logger.Info("event relay started", "module", "app", "sinks", len(r.Services.Publishers))
			_ = r.relay.Run(loopCtx)
		}()
	}
	if r.worker != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			r.logger.Info("callback worker started", "module", "app")
			_ = r.worker.Run(loopCtx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received", "module", "app")
	case runErr = <-errCh:
		r.logger.Error("server failure", "module", "app", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if r.health != nil {
		r.health.Shutdown()
	}
	_ = r.httpServer.Shutdown(shutdownCtx)
	if r.grpcServer != nil {
		r.grpcServer.GracefulStop()
	}
	cancelLoops()
	loops.Wait()
	if err := r.Services.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
