package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server wraps a grpc.Server with the notifier's interceptor chain.
type Server struct {
	grpc   *grpc.Server
	health *Health
	log    *zap.Logger
	grace  time.Duration
}

// New builds a server with recovery and logging interceptors and registers health.
func New(h *Health, log *zap.Logger, opts ...grpc.ServerOption) *Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(RecoverStream(log)),
	)
	s := grpc.NewServer(opts...)
	h.Register(s)
	return &Server{grpc: s, health: h, log: log, grace: 5 * time.Second}
}

// GRPC exposes the underlying server for extra registrations.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Serve accepts on lis until ctx is done, then stops gracefully.
// It returns the Serve error if the listener fails first.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.grace):
			s.grpc.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}
