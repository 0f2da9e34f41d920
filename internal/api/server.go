// Package api exposes the retry daemon's health over gRPC and its status
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts the gRPC health service and the HTTP status endpoints.
type Server struct {
	status   *Status
	grpcAddr string
	httpAddr string
	log      *slog.Logger

	grpc *grpc.Server
	http *http.Server
}

// NewServer creates a Server. An empty address disables that listener.
func NewServer(status *Status, grpcAddr, httpAddr string) *Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, status.Health())
	reflection.Register(gs)

	return &Server{
		status:   status,
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		log:      slog.Default().With("component", "api"),
		grpc:     gs,
		http: &http.Server{
			Handler:           status.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe opens the configured listeners and serves until ctx is
// cancelled, then shuts both servers down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var grpcLis, httpLis net.Listener
	var err error
	if s.grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", s.grpcAddr); err != nil {
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
	}
	if s.httpAddr != "" {
		if httpLis, err = net.Listen("tcp", s.httpAddr); err != nil {
			if grpcLis != nil {
				grpcLis.Close()
			}
			return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
		}
	}
	return s.Serve(ctx, grpcLis, httpLis)
}

// Serve serves on the given listeners, either of which may be nil, until
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	errc := make(chan error, 2)
	if grpcLis != nil {
		s.log.Info("gRPC health listening", "addr", grpcLis.Addr().String())
		go func() { errc <- s.grpc.Serve(grpcLis) }()
	}
	if httpLis != nil {
		s.log.Info("HTTP status listening", "addr", httpLis.Addr().String())
		go func() {
			if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
				return
			}
			errc <- nil
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		if serveErr != nil {
			s.log.Error("server error", "error", serveErr)
		}
	}

	s.Shutdown()
	return serveErr
}

// Shutdown stops both servers, letting in-flight requests finish within a
// few seconds.
func (s *Server) Shutdown() {
	s.status.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Error("HTTP shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.grpc.Stop()
	}
}
