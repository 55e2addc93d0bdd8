// Package cargo parses cargo command flags and composes the service entrypoint.
package cargo

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/cargo.space/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/cargo.space/internal/platform/grpc"
	"github.com/louisbranch/cargo.space/internal/platform/logging"
	server "github.com/louisbranch/cargo.space/internal/services/cargo/app"
	"go.uber.org/zap"
)

// Config holds cargo command configuration.
type Config struct {
	HTTPAddr             string `env:"CARGO_SPACE_HTTP_ADDR"              envDefault:":3000"`
	HealthAddr           string `env:"CARGO_SPACE_HEALTH_ADDR"`
	PublicOrigin         string `env:"CARGO_SPACE_PUBLIC_ORIGIN"`
	TrustProxy           bool   `env:"CARGO_SPACE_TRUST_PROXY"`
	StoreBackend         string `env:"CARGO_SPACE_STORE"                  envDefault:"sqlite"`
	DBPath               string `env:"CARGO_SPACE_DB_PATH"                envDefault:"data/cargo.db"`
	BackupDir            string `env:"CARGO_SPACE_BACKUP_DIR"             envDefault:"data/backups"`
	PocketBaseURL        string `env:"CARGO_SPACE_POCKETBASE_URL"`
	PocketBaseCollection string `env:"CARGO_SPACE_POCKETBASE_COLLECTION"  envDefault:"cargoes"`
	PocketBaseToken      string `env:"CARGO_SPACE_POCKETBASE_TOKEN"`
	GenAIKey             string `env:"CARGO_SPACE_GENAI_API_KEY"`
	GenAIModel           string `env:"CARGO_SPACE_GENAI_MODEL"`
	Debug                bool   `env:"CARGO_SPACE_DEBUG"`

	// Probe checks a running instance's health endpoint instead of serving.
	Probe bool
}

const probeTimeout = 5 * time.Second

// ParseConfig parses dotenv files, environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "cargo HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.PublicOrigin, "public-origin", cfg.PublicOrigin, "origin used in texture directory links")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "derive the origin from X-Forwarded-Proto/Host")
	fs.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "cargo store backend: sqlite or pocketbase")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "sqlite backup directory (empty disables)")
	fs.StringVar(&cfg.PocketBaseURL, "pocketbase-url", cfg.PocketBaseURL, "PocketBase base URL")
	fs.StringVar(&cfg.PocketBaseCollection, "pocketbase-collection", cfg.PocketBaseCollection, "PocketBase cargo collection")
	fs.StringVar(&cfg.GenAIModel, "genai-model", cfg.GenAIModel, "model used to describe cargo textures")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.BoolVar(&cfg.Probe, "probe", false, "check the gRPC health endpoint at -health-addr and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the cargo app and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(entrypoint.ServiceCargo, cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Probe {
		return probe(ctx, cfg.HealthAddr, logger)
	}

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceCargo, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		logger.Info("starting cargo service",
			zap.String("store", cfg.StoreBackend),
			zap.Bool("describe", cfg.GenAIKey != ""),
		)
		if err := server.Run(ctx, serverConfig(cfg, logger)); err != nil {
			return fmt.Errorf("serve cargo: %w", err)
		}
		return nil
	})
}

func serverConfig(cfg Config, logger *zap.Logger) server.Config {
	return server.Config{
		HTTPAddr:             cfg.HTTPAddr,
		HealthAddr:           cfg.HealthAddr,
		PublicOrigin:         cfg.PublicOrigin,
		TrustProxy:           cfg.TrustProxy,
		StoreBackend:         cfg.StoreBackend,
		DBPath:               cfg.DBPath,
		BackupDir:            cfg.BackupDir,
		PocketBaseURL:        cfg.PocketBaseURL,
		PocketBaseCollection: cfg.PocketBaseCollection,
		PocketBaseToken:      cfg.PocketBaseToken,
		GenAIKey:             cfg.GenAIKey,
		GenAIModel:           cfg.GenAIModel,
		Logger:               logger,
	}
}

func probe(ctx context.Context, addr string, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := platformgrpc.Probe(ctx, addr, server.HealthServiceName, logger); err != nil {
		return fmt.Errorf("probe cargo health: %w", err)
	}
	return nil
}
