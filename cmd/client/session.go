package main

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	apppkg "github.com/i-melnichenko/bft-lab/internal/app"
	"github.com/i-melnichenko/bft-lab/internal/client"
	"github.com/i-melnichenko/bft-lab/internal/consensus"
	"github.com/i-melnichenko/bft-lab/internal/service"
	grpctransport "github.com/i-melnichenko/bft-lab/internal/transport/grpc"
)

// session is one BFT client process: a gRPC listener that receives replica
// replies, a transport that broadcasts requests, and the KV service on top.
type session struct {
	client    *client.Client
	kv        *service.KV
	server    *grpc.Server
	transport *grpctransport.Transport
}

// openSession starts a client that replicas can reply to at listenAddr.
func openSession(cfg apppkg.Config, clientID uint64, listenAddr string, logger *slog.Logger) (*session, error) {
	clusterCfg, err := cfg.ConsensusConfig()
	if err != nil {
		return nil, err
	}
	signer, verifier, err := cfg.Credentials(consensus.ClientIdentity(clientID))
	if err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	self := consensus.Address(lis.Addr().String())

	transport := grpctransport.New(self, clusterCfg.Replicas, logger, grpctransport.Options{
		DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		Tracer:      otel.Tracer("grpctransport"),
	})
	cl, err := client.New(clientID, self, clusterCfg, transport, signer, verifier, logger, 0)
	if err != nil {
		_ = lis.Close()
		_ = transport.Close()
		return nil, err
	}
	// Replicas keep a reply cache per client; ids must grow across runs.
	cl.SeedRequestID(uint64(time.Now().UnixNano()))

	server := grpc.NewServer()
	grpctransport.RegisterDeliverServer(server, grpctransport.NewServer(cl, otel.Tracer("grpctransport")))
	go func() { _ = server.Serve(lis) }()

	logger.Debug("client session started", "client_id", clientID, "addr", self, "replicas", len(clusterCfg.Replicas))

	return &session{
		client:    cl,
		kv:        service.NewKV(cl, logger, otel.Tracer("kv-service"), nil, fmt.Sprint(clientID)),
		server:    server,
		transport: transport,
	}, nil
}

func (s *session) Close() {
	s.server.Stop()
	_ = s.transport.Close()
}
