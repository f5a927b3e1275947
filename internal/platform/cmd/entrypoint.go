// Package cmd holds the shared startup sequence for princess.sim commands:
// environment defaults first, flags second, telemetry around the run loop.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/princess.sim/internal/platform/config"
	"github.com/louisbranch/princess.sim/internal/platform/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// Service identifiers for command startup telemetry and CLI naming consistency.
const (
	ServiceSim        = "sim"
	ServiceShardProbe = "shard-probe"
)

// RunOptions controls shared entrypoint behavior for service commands.
type RunOptions struct {
	// ShutdownTimeout sets the timeout used when stopping telemetry.
	ShutdownTimeout time.Duration
	// ShardID tags the telemetry resource and the lifecycle log lines.
	ShardID string
	// Attributes are extra telemetry resource attributes.
	Attributes []attribute.KeyValue
}

// ParseConfig loads environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// ParseConfigFromArgs loads defaults from env and then parses flags.
func ParseConfigFromArgs[T any](cfg *T, fs *flag.FlagSet, args []string) error {
	if err := ParseConfig(cfg); err != nil {
		return err
	}
	return ParseArgs(fs, args)
}

// ShardAttribute is the resource attribute naming the sim shard.
func ShardAttribute(shardID string) attribute.KeyValue {
	return attribute.String("sim.shard", shardID)
}

// RunWithTelemetry configures observability and executes a service run loop.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	return RunWithTelemetryAndOptions(ctx, service, RunOptions{}, run)
}

// RunWithTelemetryAndOptions configures observability and executes a service run loop.
func RunWithTelemetryAndOptions(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := options.Attributes
	shard := strings.TrimSpace(options.ShardID)
	if shard != "" {
		attrs = append([]attribute.KeyValue{ShardAttribute(shard)}, attrs...)
	}
	shutdown, err := otel.Setup(ctx, service, attrs...)
	if err != nil {
		return fmt.Errorf("%s telemetry setup: %w", service, err)
	}
	log.Printf("%s: starting shard=%q", service, shard)
	defer log.Printf("%s: stopped shard=%q", service, shard)
	defer func() {
		shutdownTimeout := options.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = defaultOTelShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s otel shutdown: %v", service, err)
		}
	}()
	return run(ctx)
}
