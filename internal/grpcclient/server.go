package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// DetectFunc handles one remote Detect call.
type DetectFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// RegisterDetectorServer exposes fn as the detector.v1.Detector service on s.
// It is used by fake detectors in tests and by lightweight sidecars.
func RegisterDetectorServer(s *grpc.Server, fn DetectFunc) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "detector.v1.Detector",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Detect",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return fn(ctx, in)
				}
				info := &grpc.UnaryServerInfo{FullMethod: DetectMethod}
				return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
					return fn(ctx, req.(*structpb.Struct))
				})
			},
		}},
		Streams: []grpc.StreamDesc{},
	}, fn)
}
