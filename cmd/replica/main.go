// Package main implements the replica process: one HotStuff or PBFT replica
// serving the KV or echo application over gRPC.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	apppkg "github.com/i-melnichenko/bft-lab/internal/app"
	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/consensus/hotstuff"
	"github.com/i-melnichenko/bft-lab/internal/consensus/pbft"
	"github.com/i-melnichenko/bft-lab/internal/crypto"
	"github.com/i-melnichenko/bft-lab/internal/kv"
	"github.com/i-melnichenko/bft-lab/internal/observability/metrics"
	"github.com/i-melnichenko/bft-lab/internal/runner"
	grpctransport "github.com/i-melnichenko/bft-lab/internal/transport/grpc"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "replica: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default().With("replica", cfg.ReplicaIndex)

	clusterCfg, err := cfg.ConsensusConfig()
	if err != nil {
		return err
	}
	identity := consensus.ReplicaIdentity(cfg.ReplicaIndex)
	signer, verifier, err := cfg.Credentials(identity)
	if err != nil {
		return err
	}

	prom, err := metrics.NewPrometheus(nil)
	if err != nil {
		return err
	}

	var run interface {
		runner.Runner
		Stop()
	}
	if cfg.Workers > 0 {
		run = runner.NewPipeline(identity, cfg.Workers, prom)
	} else {
		run = runner.NewInline()
	}

	transport := grpctransport.New(cfg.ReplicaAddress(), clusterCfg.Replicas, logger, grpctransport.Options{
		DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		Tracer:      otel.Tracer("grpctransport"),
	})

	var stateMachine consensus.Application = kv.Echo{}
	if cfg.Application == apppkg.ApplicationKV {
		stateMachine = kv.NewStore(otel.Tracer("kv"))
	}

	node, err := newReplica(cfg, clusterCfg, transport, signer, verifier, stateMachine, run, logger, prom)
	if err != nil {
		run.Stop()
		_ = transport.Close()
		return err
	}

	app, err := apppkg.New(cfg, logger, node, transport, run)
	if err != nil {
		node.Stop()
		run.Stop()
		_ = transport.Close()
		return err
	}
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func newReplica(
	cfg apppkg.Config,
	clusterCfg consensus.Config,
	transport consensus.Transport,
	signer crypto.Signer,
	verifier crypto.Verifier,
	stateMachine consensus.Application,
	run runner.Runner,
	logger *slog.Logger,
	prom *metrics.Prometheus,
) (apppkg.Node, error) {
	switch cfg.Protocol {
	case apppkg.ProtocolPBFT:
		return pbft.NewReplica(cfg.ReplicaIndex, clusterCfg, transport, signer, verifier, stateMachine, run, logger,
			pbft.Options{Metrics: prom})
	default:
		return hotstuff.NewReplica(cfg.ReplicaIndex, clusterCfg, transport, signer, verifier, stateMachine, run, logger,
			hotstuff.Options{
				BatchSize:    cfg.BatchSize,
				BatchTimeout: cfg.BatchTimeout,
				Metrics:      prom,
			})
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
