// Package shardprobe checks whether sim shards report SERVING.
package shardprobe

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/princess.sim/internal/platform/cmd"
	"github.com/louisbranch/princess.sim/internal/platform/discovery"
	platformgrpc "github.com/louisbranch/princess.sim/internal/platform/grpc"
	"github.com/louisbranch/princess.sim/internal/platform/timeouts"
	server "github.com/louisbranch/princess.sim/internal/services/sim/app"
)

// Config holds probe configuration.
type Config struct {
	// Addrs lists gRPC health addresses, comma-separated.
	Addrs   string        `env:"PRINCESS_SIM_PROBE_ADDRS"`
	Timeout time.Duration `env:"PRINCESS_SIM_PROBE_TIMEOUT" envDefault:"5s"`
	Verbose bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Addrs = discovery.OrDefaultGRPCAddr(cfg.Addrs, discovery.ServiceSim)
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.GRPCDial
	}
	fs.StringVar(&cfg.Addrs, "addrs", cfg.Addrs, "comma-separated shard gRPC health addresses")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-shard dial and health timeout")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "log health polling")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run probes every shard and writes one status line each. It fails when any
// shard is not serving.
func Run(ctx context.Context, cfg Config, out io.Writer, dialer platformgrpc.Dialer) error {
	if out == nil {
		return errors.New("output is required")
	}
	var addrs []string
	for _, addr := range strings.Split(cfg.Addrs, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return errors.New("at least one shard address is required")
	}

	failed := 0
	for _, addr := range addrs {
		var logf func(string, ...any)
		if cfg.Verbose {
			logf = func(format string, args ...any) {
				fmt.Fprintf(out, "%s: %s\n", addr, fmt.Sprintf(format, args...))
			}
		}
		status := platformgrpc.ProbeShard(ctx, dialer, addr, server.HealthService, cfg.Timeout, logf)
		shard := discovery.ShardFromAddr(addr)
		if !status.Serving {
			failed++
			fmt.Fprintf(out, "%s NOT_SERVING shard=%s stage=%s err=%v\n", addr, shard, status.Stage, status.Err)
			continue
		}
		fmt.Fprintf(out, "%s SERVING shard=%s latency=%s\n", addr, shard, status.Latency.Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d shards not serving", failed, len(addrs))
	}
	return nil
}
