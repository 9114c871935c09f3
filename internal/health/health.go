// Package health exposes the agent's liveness over the standard gRPC health
// protocol, on a unix socket or a TCP address.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"keelhaul/internal/reconcile"
)

// Service is the health service name the agent reports under. The empty
// service name mirrors it for probes that do not name a service.
const Service = "keelhaul"

const unixScheme = "unix://"

var _ reconcile.Reporter = (*Server)(nil)

// Server serves grpc.health.v1.Health. It starts NOT_SERVING until the agent
// marks it ready.
type Server struct {
	hs  *grpchealth.Server
	log *slog.Logger
}

func NewServer() *Server {
	s := &Server{hs: grpchealth.NewServer(), log: slog.With("component", "health")}
	s.SetServing(false)
	return s
}

// SetServing flips both the named and the overall status.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(Service, status)
}

// ReportPass marks the agent serving after a pass that could list services
// and not serving after one that could not.
func (s *Server) ReportPass(_ context.Context, summary reconcile.Summary) {
	s.SetServing(summary.ListErr == nil)
}

// Shutdown reports NOT_SERVING to every watcher and ignores later updates.
func (s *Server) Shutdown() { s.hs.Shutdown() }

// ListenAndServe serves on addr ("unix:///run/keelhaul.sock" or
// "host:port") and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, cleanup, err := listen(addr)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, s.hs)

	go func() {
		<-ctx.Done()
		s.hs.Shutdown()
		srv.GracefulStop()
	}()

	s.log.Info("health endpoint listening", "addr", addr)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}

func listen(addr string) (net.Listener, func(), error) {
	if path, ok := strings.CutPrefix(addr, unixScheme); ok {
		// Remove stale socket from a previous run (may not exist).
		_ = os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, nil, fmt.Errorf("listen unix %s: %w", path, err)
		}
		return ln, func() { _ = os.Remove(path) }, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return ln, func() {}, nil
}

// Check probes a health endpoint and returns its reported status.
func Check(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	target := addr
	if !strings.HasPrefix(addr, unixScheme) {
		target = "passthrough:///" + addr
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial health %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", addr, err)
	}
	return resp.GetStatus(), nil
}
