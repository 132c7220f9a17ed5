// Package app wires a replica, its transport, and the operator endpoints
// into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	grpctransport "github.com/i-melnichenko/bft-lab/internal/transport/grpc"
	admingrpc "github.com/i-melnichenko/bft-lab/internal/transport/grpc/admin"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Node is a replica that can also be inspected by operators.
// *hotstuff.Replica and *pbft.Replica satisfy this interface.
type Node interface {
	consensus.Replica
	admingrpc.Inspector
}

// Stopper is a component with background goroutines, such as a runner.
type Stopper interface {
	Stop()
}

// App serves a replica over gRPC. All dependencies are injected; App does
// not create transport connections.
type App struct {
	config    Config
	logger    Logger
	node      Node
	transport io.Closer
	runner    Stopper
}

// New validates dependencies and constructs a runnable application.
func New(cfg Config, logger Logger, node Node, transport io.Closer, runner Stopper) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if node == nil {
		return nil, fmt.Errorf("app: nil replica")
	}
	if transport == nil {
		return nil, fmt.Errorf("app: nil transport")
	}
	if runner == nil {
		return nil, fmt.Errorf("app: nil runner")
	}
	return &App{
		config:    cfg,
		logger:    logger,
		node:      node,
		transport: transport,
		runner:    runner,
	}, nil
}

// Stop stops the replica, then its runner, then closes outbound connections.
func (a *App) Stop() {
	a.node.Stop()
	a.runner.Stop()
	if err := a.transport.Close(); err != nil {
		a.logger.Warn("transport close failed", "error", err)
	}
}

// Run starts the gRPC server and blocks until shutdown or fatal error.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	lis, err := net.Listen("tcp", a.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", a.config.ListenAddr, err)
	}
	defer func() { _ = lis.Close() }()

	a.logger.Info(
		"replica started",
		"replica", a.config.ReplicaIndex,
		"protocol", a.config.Protocol,
		"application", a.config.Application,
		"listen_addr", a.config.ListenAddr,
		"n", len(a.config.Replicas),
		"f", a.config.F,
	)

	return a.serve(ctx, lis)
}

// serve registers gRPC services, starts the HTTP side servers, and blocks
// until ctx is canceled or a fatal error occurs.
func (a *App) serve(ctx context.Context, lis net.Listener) error {
	server := grpc.NewServer()
	grpctransport.RegisterDeliverServer(server, grpctransport.NewServer(a.node, otel.Tracer("grpctransport")))
	admingrpc.RegisterAdminServer(server, admingrpc.NewServer(
		consensus.ReplicaIdentity(a.config.ReplicaIndex),
		a.peers(),
		a.node,
	))
	reflection.Register(server)

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		if metricsLis != nil {
			_ = metricsLis.Close()
		}
		return err
	}

	errCh := make(chan error, 3)

	go func() {
		if err := server.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	if metricsSrv != nil {
		a.logger.Info("metrics enabled", "addr", a.config.MetricsAddr)
		go func() {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}
	if pprofSrv != nil {
		a.logger.Info("pprof enabled", "addr", a.config.PprofAddr)
		go func() {
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("pprof serve: %w", err)
			}
		}()
	}

	defer shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
	defer shutdownHTTPServer(pprofSrv, a.logger, "pprof server")

	select {
	case <-ctx.Done():
		server.GracefulStop()
		return nil
	case err := <-errCh:
		server.Stop()
		return err
	}
}

func (a *App) peers() []consensus.Address {
	peers := make([]consensus.Address, 0, len(a.config.Replicas)-1)
	for i, r := range a.config.Replicas {
		if i == a.config.ReplicaIndex {
			continue
		}
		peers = append(peers, consensus.Address(r))
	}
	return peers
}
