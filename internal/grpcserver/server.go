package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ProctorStream/internal/broadcast"
	"ProctorStream/internal/model"
	"ProctorStream/internal/session"
)

// ProctorServer gRPC 监考观察服务实现
type ProctorServer struct {
	registry *session.Registry
	logger   *slog.Logger
}

// NewProctorServer 创建服务实现
func NewProctorServer(registry *session.Registry, logger *slog.Logger) *ProctorServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProctorServer{
		registry: registry,
		logger:   logger.With("component", "grpcserver"),
	}
}

// NewServer 创建已注册服务的 grpc.Server
func NewServer(registry *session.Registry, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	ps := NewProctorServer(registry, logger)
	opts = append(opts,
		grpc.ChainUnaryInterceptor(ps.unaryLogger),
		grpc.ChainStreamInterceptor(ps.streamLogger),
	)
	s := grpc.NewServer(opts...)
	RegisterProctorServiceServer(s, ps)
	return s
}

func (s *ProctorServer) unaryLogger(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("rpc", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start))
	return resp, err
}

func (s *ProctorServer) streamLogger(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logger.Debug("stream closed", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start))
	return err
}

// GetSession 获取会话快照（含告警日志）
func (s *ProctorServer) GetSession(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sess, err := s.registry.Get(ctx, strings.TrimSpace(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(sess)
}

// ListSessions 列出所有会话摘要
func (s *ProctorServer) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	sessions, err := s.registry.List(ctx, session.Filter{})
	if err != nil {
		return nil, toStatus(err)
	}

	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(sessions))}
	for _, sess := range sessions {
		st, err := toStruct(sess)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(st))
	}
	return list, nil
}

// EndSession 结束会话，返回终止状态
func (s *ProctorServer) EndSession(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetValue())
	st, err := s.registry.End(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"session_id": id,
		"status":     string(st),
	})
}

// WatchSession 推送会话事件直到终止事件
func (s *ProctorServer) WatchSession(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	obs, err := s.registry.Subscribe(strings.TrimSpace(req.GetValue()))
	if err != nil {
		return toStatus(err)
	}
	defer obs.Close()

	ctx := stream.Context()
	for {
		d, err := obs.Next(ctx)
		if errors.Is(err, broadcast.ErrClosed) {
			return nil
		}
		if err != nil {
			return toStatus(err)
		}

		msg, err := eventStruct(d)
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
}

// toStatus 错误映射为 gRPC 状态码
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, model.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrSessionNotActive):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, model.ErrSessionBusy):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct 经 JSON 转换为 Struct，字段名与 REST 接口一致
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode: %v", err))
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode: %v", err))
	}
	return st, nil
}

func eventStruct(d broadcast.Delivery) (*structpb.Struct, error) {
	st, err := toStruct(d.Event)
	if err != nil {
		return nil, err
	}
	if d.Missed > 0 {
		st.Fields["missed"] = structpb.NewNumberValue(float64(d.Missed))
	}
	return st, nil
}
