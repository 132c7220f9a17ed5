package admingrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified admin gRPC service name.
const ServiceName = "bftlab.admin.v1.Admin"

const getNodeInfoFullMethod = "/" + ServiceName + "/GetNodeInfo"

// AdminServer is the server API for the Admin service.
type AdminServer interface {
	GetNodeInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

func getNodeInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetNodeInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getNodeInfoFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetNodeInfo(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetNodeInfo",
			Handler:    getNodeInfoHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bftlab/admin/v1/admin.proto",
}
