package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "schooldistance.v1.DistanceService"

// DistanceServiceServer is the server API for DistanceService. Requests and
// responses are generic protobuf Structs so clients need no generated stubs.
type DistanceServiceServer interface {
	EnsureDistances(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CalculateDistances(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterDistanceServiceServer registers srv with s.
func RegisterDistanceServiceServer(s grpc.ServiceRegistrar, srv DistanceServiceServer) {
	s.RegisterService(&DistanceServiceDesc, srv)
}

type unaryCall func(DistanceServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DistanceServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DistanceServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// DistanceServiceDesc describes DistanceService for grpc.Server.
var DistanceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DistanceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "EnsureDistances",
			Handler: unaryHandler("EnsureDistances", func(s DistanceServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.EnsureDistances(ctx, in)
			}),
		},
		{
			MethodName: "CalculateDistances",
			Handler: unaryHandler("CalculateDistances", func(s DistanceServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.CalculateDistances(ctx, in)
			}),
		},
		{
			MethodName: "GetJobStatus",
			Handler: unaryHandler("GetJobStatus", func(s DistanceServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.GetJobStatus(ctx, in)
			}),
		},
		{
			MethodName: "ListJobs",
			Handler: unaryHandler("ListJobs", func(s DistanceServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.ListJobs(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "schooldistance/v1/distance.proto",
}
