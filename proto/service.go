// Package proto defines the gRPC service interface for statementd.
//
// The service descriptor and client are written by hand and the messages are
// plain Go structs carried by the JSON codec in codec.go, so no protoc step
// is needed. Both ends must force that codec.
package proto

import (
	"context"

	"google.golang.org/grpc"
)

// StatementServiceServer is the server-side interface for the StatementService.
type StatementServiceServer interface {
	IngestStatement(context.Context, *IngestStatementRequest) (*IngestStatementResponse, error)
	GetStatement(context.Context, *GetStatementRequest) (*GetStatementResponse, error)
	ListStatements(context.Context, *ListStatementsRequest) (*ListStatementsResponse, error)
}

// StatementServiceClient is the client-side interface for the StatementService.
type StatementServiceClient interface {
	IngestStatement(ctx context.Context, in *IngestStatementRequest, opts ...grpc.CallOption) (*IngestStatementResponse, error)
	GetStatement(ctx context.Context, in *GetStatementRequest, opts ...grpc.CallOption) (*GetStatementResponse, error)
	ListStatements(ctx context.Context, in *ListStatementsRequest, opts ...grpc.CallOption) (*ListStatementsResponse, error)
}

// StatementIDTrailer carries the id of the record a failed ingest left behind.
const StatementIDTrailer = "statement-id"

const serviceName = "statementd.StatementService"

// ---- server registration ----

// ServiceDesc is the grpc.ServiceDesc for the StatementService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StatementServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "IngestStatement",
			Handler:    _StatementService_IngestStatement_Handler,
		},
		{
			MethodName: "GetStatement",
			Handler:    _StatementService_GetStatement_Handler,
		},
		{
			MethodName: "ListStatements",
			Handler:    _StatementService_ListStatements_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/statementd.proto",
}

// RegisterStatementServiceServer registers the server implementation with a gRPC server.
func RegisterStatementServiceServer(s grpc.ServiceRegistrar, srv StatementServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _StatementService_IngestStatement_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IngestStatementRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatementServiceServer).IngestStatement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/IngestStatement"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatementServiceServer).IngestStatement(ctx, req.(*IngestStatementRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _StatementService_GetStatement_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetStatementRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatementServiceServer).GetStatement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStatement"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatementServiceServer).GetStatement(ctx, req.(*GetStatementRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _StatementService_ListStatements_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListStatementsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatementServiceServer).ListStatements(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListStatements"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatementServiceServer).ListStatements(ctx, req.(*ListStatementsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ---- client implementation ----

type statementServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewStatementServiceClient creates a new StatementService gRPC client. The
// connection must have been dialed with ClientCodecOption.
func NewStatementServiceClient(cc grpc.ClientConnInterface) StatementServiceClient {
	return &statementServiceClient{cc: cc}
}

func (c *statementServiceClient) IngestStatement(ctx context.Context, in *IngestStatementRequest, opts ...grpc.CallOption) (*IngestStatementResponse, error) {
	out := new(IngestStatementResponse)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/IngestStatement", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *statementServiceClient) GetStatement(ctx context.Context, in *GetStatementRequest, opts ...grpc.CallOption) (*GetStatementResponse, error) {
	out := new(GetStatementResponse)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/GetStatement", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *statementServiceClient) ListStatements(ctx context.Context, in *ListStatementsRequest, opts ...grpc.CallOption) (*ListStatementsResponse, error) {
	out := new(ListStatementsResponse)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/ListStatements", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}
