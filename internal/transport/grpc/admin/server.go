// Package admingrpc exposes replica inspection over gRPC for operators.
package admingrpc

import (
	"context"
	"errors"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

// Inspector is the subset of a replica required by the admin server.
// *hotstuff.Replica and *pbft.Replica satisfy this interface.
type Inspector interface {
	Inspect(ctx context.Context) (consensus.ReplicaState, error)
}

// Server implements AdminServer.
type Server struct {
	nodeID    string
	peers     []consensus.Address
	inspector Inspector
}

// NewServer creates an admin gRPC server adapter.
func NewServer(nodeID string, peers []consensus.Address, inspector Inspector) *Server {
	return &Server{
		nodeID:    nodeID,
		peers:     append([]consensus.Address(nil), peers...),
		inspector: inspector,
	}
}

// GetNodeInfo returns administrative information about the current replica.
func (s *Server) GetNodeInfo(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.inspector.Inspect(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return nodeInfoToStruct(s.nodeID, s.peers, st)
}

func nodeInfoToStruct(nodeID string, peers []consensus.Address, st consensus.ReplicaState) (*structpb.Struct, error) {
	peerList := make([]any, 0, len(peers))
	for _, p := range peers {
		peerList = append(peerList, string(p))
	}
	keys := make([]string, 0, len(st.Details))
	for k := range st.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	details := make(map[string]any, len(keys))
	for _, k := range keys {
		details[k] = st.Details[k]
	}

	out, err := structpb.NewStruct(map[string]any{
		"node_id":      nodeID,
		"protocol":     st.Protocol,
		"index":        st.Index,
		"view":         st.View,
		"leader":       st.Leader,
		"status":       string(st.Status),
		"last_op":      st.LastOp,
		"commit_point": st.CommitPoint,
		"clients":      st.Clients,
		"peers":        peerList,
		"details":      details,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
