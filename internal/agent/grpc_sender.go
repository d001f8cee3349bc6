package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// SendMethod is the full gRPC method name of the channel send call
const SendMethod = "/voice.agent.v1.Channel/Send"

// GRPCSender sends messages over gRPC. Payloads are google.protobuf.Struct so
// no generated stubs are needed on either side.
type GRPCSender struct {
	addr   string
	cfg    Config
	logger zerolog.Logger

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

// NewGRPCSender creates a gRPC sender. The connection is established lazily.
func NewGRPCSender(addr string, cfg Config, logger zerolog.Logger) (*GRPCSender, error) {
	s := &GRPCSender{
		addr:   addr,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "agent").Str("transport", "grpc").Logger(),
	}
	if err := s.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to agent: %w", err)
	}
	return s, nil
}

func (s *GRPCSender) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// keepalive for the long-lived connection
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(s.addr, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", s.addr, err)
	}
	s.conn = conn
	s.logger.Info().Str("addr", s.addr).Msg("Agent client ready")
	return nil
}

func (s *GRPCSender) client() (*grpc.ClientConn, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		return conn, nil
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn, nil
}

// Send implements Sender
func (s *GRPCSender) Send(ctx context.Context, channelID, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}

	id := uuid.NewString()
	req, err := structpb.NewStruct(map[string]any{
		"channel_id": channelID,
		"id":         id,
		"text":       text,
		"by":         s.cfg.SelfID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	err = guarded(ctx, s.cfg, func() error {
		conn, err := s.client()
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		resp := &structpb.Struct{}
		if err := conn.Invoke(callCtx, SendMethod, req, resp); err != nil {
			return err
		}
		if v, ok := resp.GetFields()["id"]; ok && v.GetStringValue() != "" {
			id = v.GetStringValue()
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("channel_id", channelID).Msg("Send failed")
		return "", fmt.Errorf("failed to call Send: %w", err)
	}
	return id, nil
}

// HealthCheck queries the standard gRPC health service
func (s *GRPCSender) HealthCheck(ctx context.Context) (bool, error) {
	conn, err := s.client()
	if err != nil {
		return false, err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (s *GRPCSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// ChannelServer is the server side of SendMethod
type ChannelServer interface {
	Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterChannelServer registers srv on s under the voice.agent.v1.Channel service
func RegisterChannelServer(s grpc.ServiceRegistrar, srv ChannelServer) {
	s.RegisterService(&channelServiceDesc, srv)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChannelServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChannelServer).Send(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var channelServiceDesc = grpc.ServiceDesc{
	ServiceName: "voice.agent.v1.Channel",
	HandlerType: (*ChannelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "voice/agent/v1/channel.proto",
}
