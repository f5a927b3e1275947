// Package grpc hosts the shard liveness surface: a grpc.health.v1 server the
// sim process exposes, and the client helpers operators use to probe it.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer reports whether this shard accepts sessions.
type HealthServer struct {
	service string
	server  *gogrpc.Server
	health  *health.Server
}

// NewHealthServer builds a health server for the named service. Both the
// overall ("") and the named service start NOT_SERVING.
func NewHealthServer(service string) *HealthServer {
	grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	h := &HealthServer{service: service, server: grpcServer, health: healthServer}
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the named service status.
func (h *HealthServer) SetServing(serving bool) {
	if h == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	if h.service != "" {
		h.health.SetServingStatus(h.service, status)
	}
}

// Serve accepts health checks on listener until ctx ends, then reports
// NOT_SERVING and stops gracefully.
func (h *HealthServer) Serve(ctx context.Context, listener net.Listener) error {
	if h == nil {
		return errors.New("health server is nil")
	}
	if listener == nil {
		return errors.New("listener is required")
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		h.SetServing(false)
		h.health.Shutdown()
		h.server.GracefulStop()
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, gogrpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC health: %w", err)
	}
}

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("gRPC health check is SERVING")
			}
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for gRPC health: %v", err)
			} else {
				logf("waiting for gRPC health: status %s", response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}
