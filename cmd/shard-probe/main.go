package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	entrypoint "github.com/louisbranch/princess.sim/internal/platform/cmd"
	"github.com/louisbranch/princess.sim/internal/platform/config"
	"github.com/louisbranch/princess.sim/internal/tools/shardprobe"
)

func main() {
	cfg, err := shardprobe.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceShardProbe, func(ctx context.Context) error {
		return shardprobe.Run(ctx, cfg, os.Stdout, nil)
	})
	if err != nil {
		config.Exitf("probe: %v", err)
	}
}
