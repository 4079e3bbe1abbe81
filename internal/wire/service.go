package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	WritesServiceName      = "eventlog.v1.Writes"
	ReplicationServiceName = "eventlog.v1.Replication"
)

// Writes methods.
const (
	MethodWriteEvents       = "WriteEvents"
	MethodDeleteStream      = "DeleteStream"
	MethodTransactionStart  = "TransactionStart"
	MethodTransactionWrite  = "TransactionWrite"
	MethodTransactionCommit = "TransactionCommit"
	MethodIsLeader          = "IsLeader"

	MethodAck = "Ack"
)

// WritesServer is the server API of the eventlog.v1.Writes service. Every
// payload is a structpb.Struct built by this package.
type WritesServer interface {
	WriteEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteStream(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransactionStart(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransactionWrite(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransactionCommit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsLeader(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ReplicationServer receives replica acknowledgements.
type ReplicationServer interface {
	Ack(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall[S any] func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler[S any](service, method string, call unaryCall[S]) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + service + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func writesMethod(name string, call unaryCall[WritesServer]) grpc.MethodDesc {
	return grpc.MethodDesc{MethodName: name, Handler: unaryHandler(WritesServiceName, name, call)}
}

var WritesServiceDesc = grpc.ServiceDesc{
	ServiceName: WritesServiceName,
	HandlerType: (*WritesServer)(nil),
	Methods: []grpc.MethodDesc{
		writesMethod(MethodWriteEvents, WritesServer.WriteEvents),
		writesMethod(MethodDeleteStream, WritesServer.DeleteStream),
		writesMethod(MethodTransactionStart, WritesServer.TransactionStart),
		writesMethod(MethodTransactionWrite, WritesServer.TransactionWrite),
		writesMethod(MethodTransactionCommit, WritesServer.TransactionCommit),
		writesMethod(MethodIsLeader, WritesServer.IsLeader),
	},
	Metadata: "eventlog/v1/writes.proto",
}

var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: ReplicationServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodAck,
			Handler:    unaryHandler[ReplicationServer](ReplicationServiceName, MethodAck, ReplicationServer.Ack),
		},
	},
	Metadata: "eventlog/v1/replication.proto",
}

func RegisterWritesServer(s grpc.ServiceRegistrar, srv WritesServer) {
	s.RegisterService(&WritesServiceDesc, srv)
}

func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&ReplicationServiceDesc, srv)
}

// Client invokes the eventlog.v1 services on one connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes a Writes method.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+WritesServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Ack reports the match position of replica.
func (c *Client) Ack(ctx context.Context, replica string, position int64, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]any{"replica": replica, "position": formatInt(position)})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, "/"+ReplicationServiceName+"/"+MethodAck, in, new(structpb.Struct), opts...)
}

// DecodeAck reads the payload built by Client.Ack.
func DecodeAck(s *structpb.Struct) (replica string, position int64, err error) {
	f := s.GetFields()
	ints := intFields{f: f}
	position = ints.get("position", -1)
	return f["replica"].GetStringValue(), position, ints.err
}
