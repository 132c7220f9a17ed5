package admingrpc

import (
	"context"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// NodeInfo is the decoded GetNodeInfo response.
type NodeInfo struct {
	NodeID      string
	Protocol    string
	Index       int
	View        uint64
	Leader      int
	Status      string
	LastOp      uint64
	CommitPoint uint64
	Clients     int
	Peers       []string
	Details     map[string]uint64
}

// DetailKeys returns the detail names in sorted order.
func (n NodeInfo) DetailKeys() []string {
	keys := make([]string, 0, len(n.Details))
	for k := range n.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Client calls the Admin service of one replica.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates an admin client for target. The connection is established
// lazily on the first call.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// GetNodeInfo fetches and decodes the replica's state.
func (c *Client) GetNodeInfo(ctx context.Context) (NodeInfo, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getNodeInfoFullMethod, new(emptypb.Empty), out); err != nil {
		return NodeInfo{}, err
	}
	return nodeInfoFromStruct(out), nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func nodeInfoFromStruct(s *structpb.Struct) NodeInfo {
	f := s.GetFields()
	info := NodeInfo{
		NodeID:      f["node_id"].GetStringValue(),
		Protocol:    f["protocol"].GetStringValue(),
		Index:       int(f["index"].GetNumberValue()),
		View:        uint64(f["view"].GetNumberValue()),
		Leader:      int(f["leader"].GetNumberValue()),
		Status:      f["status"].GetStringValue(),
		LastOp:      uint64(f["last_op"].GetNumberValue()),
		CommitPoint: uint64(f["commit_point"].GetNumberValue()),
		Clients:     int(f["clients"].GetNumberValue()),
		Details:     make(map[string]uint64),
	}
	for _, v := range f["peers"].GetListValue().GetValues() {
		info.Peers = append(info.Peers, v.GetStringValue())
	}
	for k, v := range f["details"].GetStructValue().GetFields() {
		info.Details[k] = uint64(v.GetNumberValue())
	}
	return info
}
