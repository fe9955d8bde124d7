package grpc

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"kline-hub/internal/services/source"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeSources struct {
	mu       sync.Mutex
	statuses []source.Status
}

func (f *fakeSources) Status() []source.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.Status(nil), f.statuses...)
}

func (f *fakeSources) set(statuses ...source.Status) {
	f.mu.Lock()
	f.statuses = statuses
	f.mu.Unlock()
}

func startServer(t *testing.T, sources SourceStatus) healthpb.HealthClient {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	srv := NewServer(0, sources, logger, WithPollInterval(20*time.Millisecond))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthReportsSources(t *testing.T) {
	sources := &fakeSources{}
	sources.set(
		source.Status{Exchange: "binance", Connected: true},
		source.Status{Exchange: "okx", Connected: false},
	)
	client := startServer(t, sources)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "binance"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "okx"))

	sources.set(
		source.Status{Exchange: "binance", Connected: false},
		source.Status{Exchange: "okx", Connected: false},
	)
	require.Eventually(t, func() bool {
		return check(t, client, ServiceName) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "binance"))
}

func TestHealthWithoutSources(t *testing.T) {
	client := startServer(t, &fakeSources{})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ServiceName))
}
