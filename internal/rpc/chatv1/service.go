// Package chatv1 declares the chat.v1.ChatService gRPC service. Frames are
// google.protobuf.Struct values carrying the same JSON envelope as the
// WebSocket channel, so no generated message types are needed.
package chatv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "chat.v1.ChatService"

	ChatStreamFullMethodName = "/chat.v1.ChatService/ChatStream"
	GetHistoryFullMethodName = "/chat.v1.ChatService/GetHistory"
)

// ChatServiceServer is the server API for ChatService.
type ChatServiceServer interface {
	// ChatStream is the live channel: client events in, server events out.
	ChatStream(grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error
	// GetHistory streams a conversation, oldest message first.
	GetHistory(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterChatServiceServer registers srv on s.
func RegisterChatServiceServer(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

func chatStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ChatServiceServer).ChatStream(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func getHistoryHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServiceServer).GetHistory(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ChatServiceDesc is the grpc.ServiceDesc for ChatService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ChatStream",
			Handler:       chatStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "GetHistory",
			Handler:       getHistoryHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chat/v1/chat.proto",
}

// ChatServiceClient is the client API for ChatService.
type ChatServiceClient interface {
	ChatStream(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], error)
	GetHistory(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type chatServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewChatServiceClient returns a client bound to cc.
func NewChatServiceClient(cc grpc.ClientConnInterface) ChatServiceClient {
	return &chatServiceClient{cc}
}

func (c *chatServiceClient) ChatStream(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ChatServiceDesc.Streams[0], ChatStreamFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}

func (c *chatServiceClient) GetHistory(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ChatServiceDesc.Streams[1], GetHistoryFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
