package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lexiqai/voice-session/internal/resilience"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestHTTPSender_Send(t *testing.T) {
	var got Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channels/c1/messages", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	s := NewHTTPSender(server.URL, "key", Config{SelfID: "voice", Retry: fastRetry()}, zerolog.Nop())
	id, err := s.Send(context.Background(), "c1", "你好")
	require.NoError(t, err)

	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "你好", got.Text)
	assert.Equal(t, "voice", got.By)
}

func TestHTTPSender_RetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m Message
		json.NewDecoder(r.Body).Decode(&m)
		mu.Lock()
		ids = append(ids, m.ID)
		n := len(ids)
		mu.Unlock()
		if n < 3 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewHTTPSender(server.URL, "", Config{Retry: fastRetry()}, zerolog.Nop())
	id, err := s.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	require.Len(t, ids, 3)
	for _, got := range ids {
		assert.Equal(t, id, got, "retries reuse the message id")
	}
}

func TestHTTPSender_ClientErrorIsFinal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad channel", http.StatusBadRequest)
	}))
	defer server.Close()

	s := NewHTTPSender(server.URL, "", Config{Retry: fastRetry()}, zerolog.Nop())
	_, err := s.Send(context.Background(), "c1", "hello")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "bad channel")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPSender_EmptyText(t *testing.T) {
	s := NewHTTPSender("http://unused", "", Config{}, zerolog.Nop())
	_, err := s.Send(context.Background(), "c1", "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestHTTPSender_BreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	breaker := resilience.NewCircuitBreaker("agent-test", 1, time.Minute)
	s := NewHTTPSender(server.URL, "", Config{Retry: fastRetry(), Breaker: breaker}, zerolog.Nop())

	_, err := s.Send(context.Background(), "c1", "one")
	require.Error(t, err)

	_, err = s.Send(context.Background(), "c1", "two")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPSender_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewHTTPSender(server.URL, "", Config{Retry: fastRetry()}, zerolog.Nop())
	_, err := s.Send(ctx, "c1", "hello")
	assert.True(t, errors.Is(err, context.Canceled))
}

type channelServer struct {
	mu   sync.Mutex
	reqs []*structpb.Struct
}

func (c *channelServer) Send(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return structpb.NewStruct(map[string]any{"id": "stored-42"})
}

func startGRPC(t *testing.T, register func(*grpc.Server)) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCSender_Send(t *testing.T) {
	fake := &channelServer{}
	addr := startGRPC(t, func(s *grpc.Server) {
		RegisterChannelServer(s, fake)
		healthpb.RegisterHealthServer(s, health.NewServer())
	})

	s, err := NewGRPCSender(addr, Config{SelfID: "voice", Timeout: 5 * time.Second, Retry: fastRetry()}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Send(context.Background(), "c1", "讲个故事")
	require.NoError(t, err)
	assert.Equal(t, "stored-42", id)

	require.Len(t, fake.reqs, 1)
	fields := fake.reqs[0].AsMap()
	assert.Equal(t, "c1", fields["channel_id"])
	assert.Equal(t, "讲个故事", fields["text"])
	assert.Equal(t, "voice", fields["by"])
	assert.NotEmpty(t, fields["id"])

	ok, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGRPCSender_Unimplemented(t *testing.T) {
	addr := startGRPC(t, func(s *grpc.Server) {})

	s, err := NewGRPCSender(addr, Config{Timeout: 5 * time.Second, Retry: fastRetry()}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Send(context.Background(), "c1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unimplemented")
}
