package grpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dialer builds client connections; tests substitute it.
type Dialer interface {
	DialContext(ctx context.Context, addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error)

// DialContext implements Dialer.
func (fn DialerFunc) DialContext(ctx context.Context, addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	return fn(ctx, addr, opts...)
}

// lazyDialer builds clients without connecting; the health check proves the
// shard is reachable.
var lazyDialer = DialerFunc(func(_ context.Context, addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	return gogrpc.NewClient(addr, opts...)
})

// DialStage names the step a shard dial failed at.
type DialStage string

const (
	DialStageConnect DialStage = "connect"
	DialStageHealth  DialStage = "health"
)

// DialError reports which shard failed and at which stage.
type DialError struct {
	Addr  string
	Stage DialStage
	Err   error
}

func (e *DialError) Error() string {
	if e == nil {
		return "gRPC dial error"
	}
	if e.Addr == "" {
		return fmt.Sprintf("gRPC %s error: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("gRPC %s error for %s: %v", e.Stage, e.Addr, e.Err)
}

func (e *DialError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DefaultClientDialOptions are plaintext options with the OTel stats handler,
// so probe calls carry trace context when a TracerProvider is registered.
func DefaultClientDialOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// DialWithHealth dials addr and waits until service reports SERVING, bounded
// by dialTimeout when positive. The connection is closed on failure.
func DialWithHealth(ctx context.Context, dialer Dialer, addr string, service string, dialTimeout time.Duration, logf func(string, ...any), opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if dialer == nil {
		dialer = lazyDialer
	}
	if dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, &DialError{Addr: addr, Stage: DialStageConnect, Err: err}
	}
	if err := WaitForHealth(ctx, conn, service, logf); err != nil {
		_ = conn.Close()
		return nil, &DialError{Addr: addr, Stage: DialStageHealth, Err: err}
	}
	return conn, nil
}

// ShardStatus is the outcome of one probe.
type ShardStatus struct {
	Addr    string
	Serving bool
	// Stage is set when the probe failed.
	Stage   DialStage
	Err     error
	Latency time.Duration
}

// ProbeShard dials addr, waits for SERVING within timeout, and closes the
// connection again.
func ProbeShard(ctx context.Context, dialer Dialer, addr string, service string, timeout time.Duration, logf func(string, ...any)) ShardStatus {
	start := time.Now()
	conn, err := DialWithHealth(ctx, dialer, addr, service, timeout, logf, DefaultClientDialOptions()...)
	status := ShardStatus{Addr: addr, Latency: time.Since(start)}
	if err != nil {
		status.Err = err
		status.Stage = DialStageConnect
		if dialErr, ok := err.(*DialError); ok {
			status.Stage = dialErr.Stage
		}
		return status
	}
	_ = conn.Close()
	status.Serving = true
	return status
}
