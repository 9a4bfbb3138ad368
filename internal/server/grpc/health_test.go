package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/token-notifier/internal/model"
)

func TestHealth_ReportFlipsDispatchStatus(t *testing.T) {
	h := NewHealth(zaptest.NewLogger(t))
	ctx := context.Background()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: DispatchService})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	h.Report(model.RunSummary{}, errors.New("list enabled units: timeout"))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	h.Report(model.RunSummary{Processed: 2, Failed: []model.UnitFailure{{Channel: model.ChannelPush}}}, nil)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}

func TestServer_ServesHealthAndStopsOnCancel(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := NewHealth(log)
	srv := New(h, log)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
