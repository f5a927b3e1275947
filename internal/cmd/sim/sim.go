// Package sim parses sim shard flags and composes the server entrypoint.
package sim

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/princess.sim/internal/platform/cmd"
	"github.com/louisbranch/princess.sim/internal/platform/discovery"
	server "github.com/louisbranch/princess.sim/internal/services/sim/app"
)

// Config holds sim command configuration.
type Config struct {
	HTTPAddr string `env:"PRINCESS_SIM_HTTP_ADDR" envDefault:":8095"`
	GRPCAddr string `env:"PRINCESS_SIM_GRPC_ADDR" envDefault:":8096"`
	// ShardID defaults to the HTTP port.
	ShardID string `env:"PRINCESS_SIM_SHARD_ID"`
	DBPath  string `env:"PRINCESS_SIM_DB_PATH"   envDefault:"data/sim.db"`

	TokenSecret     string   `env:"PRINCESS_SIM_TOKEN_SECRET"`
	TokenAlgorithms []string `env:"PRINCESS_SIM_TOKEN_ALGORITHMS" envDefault:"HS256" envSeparator:","`
	TokenIssuer     string   `env:"PRINCESS_SIM_TOKEN_ISSUER"`
	TokenAudience   string   `env:"PRINCESS_SIM_TOKEN_AUDIENCE"`

	NATSURL      string `env:"PRINCESS_SIM_NATS_URL"`
	NATSUser     string `env:"PRINCESS_SIM_NATS_USER"`
	NATSPassword string `env:"PRINCESS_SIM_NATS_PASSWORD"`

	ShutdownTimeout time.Duration `env:"PRINCESS_SIM_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	algorithms := strings.Join(cfg.TokenAlgorithms, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sim HTTP/WebSocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "sim gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.ShardID, "shard-id", cfg.ShardID, "shard identity stamped on new sessions (default: HTTP port)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "shared HMAC secret for identity tokens")
	fs.StringVar(&algorithms, "token-algorithms", algorithms, "comma-separated accepted HMAC algorithms")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL for lifecycle events (empty disables)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}

	cfg.TokenAlgorithms = splitList(algorithms)
	cfg.ShardID = discovery.OrShard(cfg.ShardID, cfg.HTTPAddr)
	if cfg.ShardID == "" {
		return Config{}, fmt.Errorf("shard id is required when the HTTP address has no port")
	}
	return cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Run builds the sim shard and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.RunOptions{ShardID: cfg.ShardID}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceSim, options, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			GRPCAddr:        cfg.GRPCAddr,
			ShardID:         cfg.ShardID,
			DBPath:          cfg.DBPath,
			TokenSecret:     cfg.TokenSecret,
			TokenAlgorithms: cfg.TokenAlgorithms,
			TokenIssuer:     cfg.TokenIssuer,
			TokenAudience:   cfg.TokenAudience,
			NATSURL:         cfg.NATSURL,
			NATSUser:        cfg.NATSUser,
			NATSPassword:    cfg.NATSPassword,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}); err != nil {
			return fmt.Errorf("serve sim: %w", err)
		}
		return nil
	})
}
