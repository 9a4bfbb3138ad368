// Package grpcserver hosts the notifier's gRPC surface: health reporting and interceptors.
package grpcserver

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/token-notifier/internal/model"
)

// DispatchService is the health service name tracking scheduled runs.
const DispatchService = "notifier.Dispatch"

// Health publishes process and dispatch health over grpc.health.v1.
type Health struct {
	srv *health.Server
	log *zap.Logger
}

// NewHealth returns a health reporter with everything SERVING.
func NewHealth(log *zap.Logger) *Health {
	h := &Health{srv: health.NewServer(), log: log}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(DispatchService, healthpb.HealthCheckResponse_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *Health) Register(s *grpc.Server) { healthpb.RegisterHealthServer(s, h.srv) }

// Report flips the dispatch status after a run. A run that could not enumerate
// work (err != nil) is NOT_SERVING; per-unit failures do not affect health.
func (h *Health) Report(sum model.RunSummary, err error) {
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		h.log.Warn("dispatch unhealthy", zap.Error(err), zap.Int("processed", sum.Processed))
	}
	h.srv.SetServingStatus(DispatchService, st)
}

// Shutdown marks all services NOT_SERVING; later updates are ignored.
func (h *Health) Shutdown() { h.srv.Shutdown() }
