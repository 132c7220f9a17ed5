package grpctransport_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
	grpctransport "github.com/i-melnichenko/bft-lab/internal/transport/grpc"
)

const bufSize = 1 << 20 // 1 MB

type delivery struct {
	from consensus.Address
	buf  []byte
}

type chanReceiver chan delivery

func (c chanReceiver) ReceiveMessage(from consensus.Address, buf []byte) {
	c <- delivery{from: from, buf: append([]byte(nil), buf...)}
}

type network struct {
	listeners map[consensus.Address]*bufconn.Listener
}

// startServers spins up one in-process gRPC server per address.
func startServers(t *testing.T, addrs ...consensus.Address) (*network, map[consensus.Address]chanReceiver) {
	t.Helper()
	n := &network{listeners: make(map[consensus.Address]*bufconn.Listener)}
	inboxes := make(map[consensus.Address]chanReceiver)
	for _, addr := range addrs {
		lis := bufconn.Listen(bufSize)
		inbox := make(chanReceiver, 16)
		srv := grpc.NewServer()
		grpctransport.RegisterDeliverServer(srv, grpctransport.NewServer(inbox, noop.NewTracerProvider().Tracer("test")))
		go func() { _ = srv.Serve(lis) }()
		t.Cleanup(srv.Stop)
		n.listeners[addr] = lis
		inboxes[addr] = inbox
	}
	return n, inboxes
}

func (n *network) dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, target string) (net.Conn, error) {
			return n.listeners[consensus.Address(target)].DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func (n *network) transport(t *testing.T, self consensus.Address, replicas []consensus.Address) *grpctransport.Transport {
	t.Helper()
	tr := grpctransport.New(self, replicas, slog.Default(), grpctransport.Options{DialOptions: n.dialOptions()})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func receive(t *testing.T, inbox chanReceiver) delivery {
	t.Helper()
	select {
	case d := <-inbox:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery")
		return delivery{}
	}
}

func TestTransport_SendDeliversWithSenderAddress(t *testing.T) {
	replicas := []consensus.Address{"replica-0", "replica-1"}
	nw, inboxes := startServers(t, replicas...)
	tr := nw.transport(t, "replica-1", replicas)

	if !tr.SendToReplica(0, []byte("first")) || !tr.Send("replica-0", []byte("second")) {
		t.Fatalf("expected messages to be queued")
	}
	for _, want := range []string{"first", "second"} {
		got := receive(t, inboxes["replica-0"])
		if got.from != "replica-1" || string(got.buf) != want {
			t.Fatalf("expected %q from replica-1, got %q from %s", want, got.buf, got.from)
		}
	}
}

func TestTransport_SendToAllSkipsSelf(t *testing.T) {
	replicas := []consensus.Address{"replica-0", "replica-1", "replica-2"}
	nw, inboxes := startServers(t, replicas...)
	tr := nw.transport(t, "replica-0", replicas)

	tr.SendToAll([]byte("block"))
	for _, addr := range replicas[1:] {
		if got := receive(t, inboxes[addr]); string(got.buf) != "block" {
			t.Fatalf("%s got %q", addr, got.buf)
		}
	}
	select {
	case d := <-inboxes["replica-0"]:
		t.Fatalf("self received %q", d.buf)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_RejectsCallWithoutSender(t *testing.T) {
	nw, _ := startServers(t, "replica-0")
	conn, err := grpc.NewClient("passthrough:///replica-0", nw.dialOptions()...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	err = conn.Invoke(context.Background(), "/"+grpctransport.ServiceName+"/Deliver", wrapperspb.Bytes([]byte("x")), new(emptypb.Empty))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestTransport_Timers(t *testing.T) {
	tr := grpctransport.New("client-1", nil, slog.Default(), grpctransport.Options{})
	defer tr.Close()

	fired := make(chan struct{}, 2)
	cancelled := tr.RegisterTimer(20*time.Millisecond, func() { fired <- struct{}{} })
	tr.RegisterTimer(20*time.Millisecond, func() { fired <- struct{}{} })
	tr.CancelTimer(cancelled)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("timer did not fire")
	}
	select {
	case <-fired:
		t.Fatalf("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransport_SendAfterCloseFails(t *testing.T) {
	replicas := []consensus.Address{"replica-0"}
	nw, _ := startServers(t, replicas...)
	tr := grpctransport.New("client-1", replicas, slog.Default(), grpctransport.Options{DialOptions: nw.dialOptions()})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tr.SendToReplica(0, []byte("late")) {
		t.Fatalf("expected send after close to fail")
	}
}
