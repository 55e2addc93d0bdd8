package cargo

import (
	"context"
	"flag"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	entrypoint "github.com/louisbranch/cargo.space/internal/platform/cmd"
)

func isolateDotEnv(t *testing.T) {
	t.Helper()
	previous := entrypoint.DotEnvPaths
	entrypoint.DotEnvPaths = nil
	t.Cleanup(func() { entrypoint.DotEnvPaths = previous })
}

func TestParseConfigDefaults(t *testing.T) {
	isolateDotEnv(t)
	fs := flag.NewFlagSet("cargo", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Fatalf("http addr = %q, want :3000", cfg.HTTPAddr)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Fatalf("store = %q, want sqlite", cfg.StoreBackend)
	}
	if cfg.DBPath != "data/cargo.db" {
		t.Fatalf("db path = %q, want data/cargo.db", cfg.DBPath)
	}
	if cfg.PocketBaseCollection != "cargoes" {
		t.Fatalf("collection = %q, want cargoes", cfg.PocketBaseCollection)
	}
	if cfg.HealthAddr != "" || cfg.Debug || cfg.TrustProxy {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	isolateDotEnv(t)
	t.Setenv("CARGO_SPACE_HTTP_ADDR", "env-http")
	t.Setenv("CARGO_SPACE_STORE", "pocketbase")
	t.Setenv("CARGO_SPACE_POCKETBASE_URL", "http://pb:8090")
	t.Setenv("CARGO_SPACE_GENAI_API_KEY", "secret")
	t.Setenv("CARGO_SPACE_TRUST_PROXY", "true")

	fs := flag.NewFlagSet("cargo", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-http",
		"-public-origin", "https://cargo.space",
		"-debug",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("http addr = %q, want flag-http", cfg.HTTPAddr)
	}
	if cfg.StoreBackend != "pocketbase" || cfg.PocketBaseURL != "http://pb:8090" {
		t.Fatalf("store config = %q %q", cfg.StoreBackend, cfg.PocketBaseURL)
	}
	if !cfg.TrustProxy {
		t.Fatal("expected proxy trust from environment")
	}
	if cfg.GenAIKey != "secret" {
		t.Fatalf("genai key = %q, want secret", cfg.GenAIKey)
	}
	if cfg.PublicOrigin != "https://cargo.space" || !cfg.Debug {
		t.Fatalf("flag overrides not applied: %+v", cfg)
	}
}

func TestParseConfigReadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CARGO_SPACE_DB_PATH=/var/cargo.db\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	previous := entrypoint.DotEnvPaths
	entrypoint.DotEnvPaths = []string{path}
	t.Cleanup(func() { entrypoint.DotEnvPaths = previous })
	t.Setenv("CARGO_SPACE_DB_PATH", "")
	_ = os.Unsetenv("CARGO_SPACE_DB_PATH")

	cfg, err := ParseConfig(flag.NewFlagSet("cargo", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "/var/cargo.db" {
		t.Fatalf("db path = %q, want /var/cargo.db", cfg.DBPath)
	}
}

func TestParseConfigRejectsUnknownFlag(t *testing.T) {
	isolateDotEnv(t)
	fs := flag.NewFlagSet("cargo", flag.ContinueOnError)
	fs.SetOutput(discard{})
	if _, err := ParseConfig(fs, []string{"-nope"}); err == nil {
		t.Fatal("expected unknown flag error")
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	t.Setenv("CARGO_SPACE_OTEL_ENDPOINT", "")
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Run(ctx, Config{
		HTTPAddr:     "127.0.0.1:0",
		StoreBackend: "sqlite",
		DBPath:       filepath.Join(dir, "cargo.db"),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cargo.db")); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
}

func TestRunRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CARGO_SPACE_OTEL_ENDPOINT", "")
	err := Run(context.Background(), Config{HTTPAddr: "127.0.0.1:0", StoreBackend: "mongo"})
	if err == nil {
		t.Fatal("expected unknown backend error")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestRunProbeRequiresHealthAddr(t *testing.T) {
	err := Run(context.Background(), Config{Probe: true})
	if err == nil {
		t.Fatal("expected probe error without health address")
	}
}

func TestRunProbeChecksServer(t *testing.T) {
	t.Setenv("CARGO_SPACE_OTEL_ENDPOINT", "")
	dir := t.TempDir()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	healthAddr := listener.Addr().String()
	_ = listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			HTTPAddr:     "127.0.0.1:0",
			HealthAddr:   healthAddr,
			StoreBackend: "sqlite",
			DBPath:       filepath.Join(dir, "cargo.db"),
		})
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	if err := Run(context.Background(), Config{Probe: true, HealthAddr: healthAddr}); err != nil {
		t.Fatalf("probe: %v", err)
	}
}
