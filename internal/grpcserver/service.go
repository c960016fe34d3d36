package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName gRPC 服务全名
const ServiceName = "proctor.v1.ProctorService"

const (
	methodGetSession   = "/" + ServiceName + "/GetSession"
	methodListSessions = "/" + ServiceName + "/ListSessions"
	methodEndSession   = "/" + ServiceName + "/EndSession"
	methodWatchSession = "/" + ServiceName + "/WatchSession"
)

// ProctorServiceServer 监考观察服务
//
// 消息全部使用 protobuf 知名类型：会话 ID 为 StringValue，会话与事件为 Struct。
type ProctorServiceServer interface {
	GetSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListSessions(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	EndSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	WatchSession(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterProctorServiceServer 注册服务
func RegisterProctorServiceServer(s grpc.ServiceRegistrar, srv ProctorServiceServer) {
	s.RegisterService(&ProctorServiceDesc, srv)
}

func getSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProctorServiceServer).GetSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetSession}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ProctorServiceServer).GetSession(ctx, req.(*wrapperspb.StringValue))
	})
}

func listSessionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProctorServiceServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListSessions}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ProctorServiceServer).ListSessions(ctx, req.(*emptypb.Empty))
	})
}

func endSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProctorServiceServer).EndSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEndSession}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ProctorServiceServer).EndSession(ctx, req.(*wrapperspb.StringValue))
	})
}

func watchSessionHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ProctorServiceServer).WatchSession(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// ProctorServiceDesc 服务描述
var ProctorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProctorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSession", Handler: getSessionHandler},
		{MethodName: "ListSessions", Handler: listSessionsHandler},
		{MethodName: "EndSession", Handler: endSessionHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchSession", Handler: watchSessionHandler, ServerStreams: true},
	},
	Metadata: "proctor/v1/proctor.proto",
}

// Client 服务客户端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 基于已有连接创建客户端
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetSession 获取会话快照
func (c *Client) GetSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetSession, wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions 列出会话摘要
func (c *Client) ListSessions(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListSessions, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EndSession 结束会话
func (c *Client) EndSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodEndSession, wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchSession 订阅会话事件，终止事件之后流结束（io.EOF）
func (c *Client) WatchSession(ctx context.Context, id string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ProctorServiceDesc.Streams[0], methodWatchSession, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.String(id)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
