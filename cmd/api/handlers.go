package main

import (
	"errors"
	"io"
	"sync"

	"github.com/anvaya/chatrelay/internal/auth"
	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/event"
	"github.com/anvaya/chatrelay/internal/gateway"
	"github.com/anvaya/chatrelay/internal/live"
	"github.com/anvaya/chatrelay/internal/normalize"
	"github.com/anvaya/chatrelay/internal/rpc/chatv1"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChatStream is the gRPC live channel. Inbound frames go to the gateway;
// outbound events are written by a single goroutine draining the connection
// queue.
func (s *Server) ChatStream(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	ctx := stream.Context()

	identity, _ := auth.FromContext(ctx)
	p := &gateway.Peer{Conn: live.NewConn(s.queueSize), Identity: identity}
	if pr, ok := peer.FromContext(ctx); ok && pr.Addr != nil {
		p.Remote = pr.Addr.String()
	}

	s.gateway.Connect(p)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeStream(stream, p)
	}()
	defer func() {
		s.gateway.Disconnect(p)
		// Send must not be called after the handler returns
		wg.Wait()
	}()

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}

		ev, err := chatv1.StructToEvent(frame)
		if err != nil {
			_ = p.Conn.Send(event.Failure(event.CodeBadRequest, "malformed frame", ""))
			continue
		}
		s.gateway.Handle(ctx, p, ev)
	}
}

func (s *Server) writeStream(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct], p *gateway.Peer) {
	ctx := stream.Context()
	for {
		select {
		case ev := <-p.Conn.Outbound():
			frame, err := chatv1.EventToStruct(ev)
			if err != nil {
				s.log.Error("encode event", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			if err := stream.Send(frame); err != nil {
				s.log.Debug("stream send failed", zap.String("conn", p.Conn.ID), zap.Error(err))
				p.Conn.Close()
				return
			}
		case <-p.Conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// GetHistory streams the conversation between two users, oldest first.
// Deleted messages are sent redacted.
func (s *Server) GetHistory(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()

	hr, err := chatv1.ParseHistoryRequest(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	hr.UserA, hr.UserB = normalize.UserID(hr.UserA), normalize.UserID(hr.UserB)
	if hr.UserA == "" || hr.UserB == "" {
		return status.Errorf(codes.InvalidArgument, "userA and userB are required")
	}
	if !allowedAs(ctx, hr.UserA) && !allowedAs(ctx, hr.UserB) {
		return status.Errorf(codes.PermissionDenied, "not a participant of this conversation")
	}

	msgs, err := s.store.History(ctx, hr.UserA, hr.UserB)
	if err != nil {
		return s.grpcError("history", err)
	}

	for _, m := range msgs {
		frame, err := chatv1.MessageToStruct(m.Redacted())
		if err != nil {
			return status.Errorf(codes.Internal, "encode message: %v", err)
		}
		if err := stream.Send(frame); err != nil {
			return err
		}
	}
	return nil
}

// grpcError maps store errors onto gRPC status codes.
func (s *Server) grpcError(op string, err error) error {
	switch {
	case errors.Is(err, data.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, data.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, data.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, data.ErrPersistence):
		s.log.Error(op+" failed", zap.Error(err))
		return status.Error(codes.Unavailable, data.ErrPersistence.Error())
	default:
		s.log.Error(op+" failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}
