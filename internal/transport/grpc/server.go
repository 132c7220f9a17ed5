package grpctransport

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

// Server implements DeliverServer by handing inbound payloads to a
// consensus.Receiver. Authentication is the receiver's job.
type Server struct {
	receiver consensus.Receiver
	tracer   oteltrace.Tracer
}

// NewServer creates a transport server adapter for receiver.
func NewServer(receiver consensus.Receiver, tracer oteltrace.Tracer) *Server {
	return &Server{receiver: receiver, tracer: tracer}
}

// Deliver handles one inbound message.
func (s *Server) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	_, span := s.tracer.Start(ctx, "grpctransport.server.Deliver",
		oteltrace.WithAttributes(attribute.Int("bft.message.bytes", len(in.GetValue()))),
	)
	defer span.End()

	from, err := senderFromContext(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	span.SetAttributes(attribute.String("bft.message.from", string(from)))

	s.receiver.ReceiveMessage(from, in.GetValue())
	return &emptypb.Empty{}, nil
}

func senderFromContext(ctx context.Context) (consensus.Address, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingSender
	}
	vals := md.Get(FromMetadataKey)
	if len(vals) == 0 || vals[0] == "" {
		return "", ErrMissingSender
	}
	return consensus.Address(vals[0]), nil
}
