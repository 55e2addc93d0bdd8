// Package server wires the cargo HTTP, WebSocket and health surfaces with
// the lifecycle scheduler.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/cargo.space/internal/platform/httpx"
	"github.com/louisbranch/cargo.space/internal/platform/logging"
	"github.com/louisbranch/cargo.space/internal/platform/timeouts"
	"github.com/louisbranch/cargo.space/internal/services/cargo/describe"
	"github.com/louisbranch/cargo.space/internal/services/cargo/realtime"
	"github.com/louisbranch/cargo.space/internal/services/cargo/scheduler"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage"
	"github.com/louisbranch/cargo.space/internal/services/cargo/storage/pocketbase"
	cargosqlite "github.com/louisbranch/cargo.space/internal/services/cargo/storage/sqlite"
	"github.com/louisbranch/cargo.space/internal/services/cargo/submission"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// BackendSQLite stores cargo in a local SQLite file.
	BackendSQLite = "sqlite"
	// BackendPocketBase stores cargo in a remote PocketBase collection.
	BackendPocketBase = "pocketbase"

	// HealthServiceName is reported SERVING alongside the empty service name.
	HealthServiceName = "cargo.v1.CargoService"
)

// Config defines the inputs for the cargo process.
type Config struct {
	HTTPAddr     string
	HealthAddr   string
	PublicOrigin string
	TrustProxy   bool

	StoreBackend         string
	DBPath               string
	BackupDir            string
	PocketBaseURL        string
	PocketBaseCollection string
	PocketBaseToken      string

	GenAIKey   string
	GenAIModel string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *zap.Logger
}

// Deps overrides collaborators NewServer would otherwise build from Config.
type Deps struct {
	Store     storage.CargoStore
	Describer scheduler.Describer
	Now       func() time.Time
	// ValidID reports whether a path id can exist in Store. Nil accepts any
	// non-empty id.
	ValidID func(id string) bool
}

// Server hosts the cargo HTTP process and its background jobs.
type Server struct {
	logger          *zap.Logger
	httpListener    net.Listener
	httpServer      *http.Server
	healthListener  net.Listener
	grpcServer      *grpc.Server
	health          *health.Server
	registry        *realtime.Registry
	scheduler       *scheduler.Scheduler
	store           storage.CargoStore
	handler         http.Handler
	shutdownTimeout time.Duration
	closeOnce       sync.Once
}

// NewServer opens the configured store and builds a server.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	deps, err := depsFromConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	server, err := NewServerWithDeps(config, deps)
	if err != nil {
		closeStore(deps.Store, logging.OrNop(config.Logger))
		return nil, err
	}
	return server, nil
}

func depsFromConfig(ctx context.Context, config Config) (Deps, error) {
	var deps Deps
	switch backend := strings.ToLower(strings.TrimSpace(config.StoreBackend)); backend {
	case "", BackendSQLite:
		store, err := cargosqlite.Open(config.DBPath)
		if err != nil {
			return Deps{}, fmt.Errorf("open cargo sqlite store: %w", err)
		}
		deps.Store = store
		deps.ValidID = validUUID
	case BackendPocketBase:
		client, err := pocketbase.New(pocketbase.Config{
			BaseURL:    config.PocketBaseURL,
			Collection: config.PocketBaseCollection,
			Token:      config.PocketBaseToken,
		})
		if err != nil {
			return Deps{}, fmt.Errorf("create pocketbase client: %w", err)
		}
		deps.Store = client
		deps.ValidID = validRecordID
	default:
		return Deps{}, fmt.Errorf("unknown store backend %q", config.StoreBackend)
	}

	if strings.TrimSpace(config.GenAIKey) != "" {
		describer, err := describe.New(ctx, config.GenAIKey, config.GenAIModel)
		if err != nil {
			closeStore(deps.Store, logging.OrNop(config.Logger))
			return Deps{}, err
		}
		deps.Describer = describer
	}
	return deps, nil
}

// NewServerWithDeps builds a server over explicit collaborators. The server
// owns deps.Store and closes it when it implements io.Closer.
func NewServerWithDeps(config Config, deps Deps) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ValidID == nil {
		deps.ValidID = func(id string) bool { return strings.TrimSpace(id) != "" }
	}
	logger := logging.OrNop(config.Logger)

	registry := realtime.NewRegistry(logger, realtime.WithWriteTimeout(timeouts.SocketWrite))
	submitter, err := submission.NewHandler(deps.Store, registry, logger)
	if err != nil {
		return nil, err
	}

	backuper, _ := deps.Store.(storage.Backuper)
	jobs, err := scheduler.CargoJobs(scheduler.Deps{
		Store:       deps.Store,
		Broadcaster: registry,
		Backuper:    backuper,
		BackupDir:   strings.TrimSpace(config.BackupDir),
		Describer:   deps.Describer,
		Logger:      logger,
		Now:         deps.Now,
	})
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(logger, jobs...)
	if err != nil {
		return nil, err
	}

	handler := newHandler(routeDeps{
		store:    deps.Store,
		registry: registry,
		submitter: submission.NewHTTPHandler(submitter, httpx.OriginPolicy{
			Public:     config.PublicOrigin,
			TrustProxy: config.TrustProxy,
		}),
		validID: deps.ValidID,
		now:     deps.Now,
		logger:  logger,
	})

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}

	s := &Server{
		logger:       logger.Named("server"),
		httpListener: listener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		},
		registry:        registry,
		scheduler:       sched,
		store:           deps.Store,
		handler:         handler,
		shutdownTimeout: config.ShutdownTimeout,
	}

	if healthAddr := strings.TrimSpace(config.HealthAddr); healthAddr != "" {
		healthListener, err := net.Listen("tcp", healthAddr)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen on %s: %w", healthAddr, err)
		}
		s.healthListener = healthListener
		s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		s.health = health.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return s, nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// HealthAddr returns the gRPC health listener address, or "" when disabled.
func (s *Server) HealthAddr() string {
	if s == nil || s.healthListener == nil {
		return ""
	}
	return s.healthListener.Addr().String()
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the socket registry fed by submissions and jobs.
func (s *Server) Registry() *realtime.Registry {
	return s.registry
}

// Run creates and serves a cargo server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init cargo server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve cargo: %w", err)
	}
	return nil
}

// ListenAndServe runs HTTP, the optional health server and the scheduler
// until ctx ends or one of them fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("cargo server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	s.logger.Info("cargo server listening",
		zap.String("http_addr", s.Addr()),
		zap.String("health_addr", s.HealthAddr()),
		zap.Strings("jobs", s.scheduler.Jobs()),
	)

	group.Go(func() error {
		err := s.httpServer.Serve(s.httpListener)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	})
	if s.grpcServer != nil {
		group.Go(func() error {
			err := s.grpcServer.Serve(s.healthListener)
			if err == nil || errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("serve health: %w", err)
		})
	}
	group.Go(func() error {
		return s.scheduler.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return s.shutdown()
	})
	return group.Wait()
}

func (s *Server) shutdown() error {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if err := s.registry.Close(); err != nil {
		s.logger.Warn("close socket registry", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close releases listeners, sessions and the store. It is safe to call more
// than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		if s.healthListener != nil {
			_ = s.healthListener.Close()
		}
		if err := s.registry.Close(); err != nil {
			s.logger.Warn("close socket registry", zap.Error(err))
		}
		_ = s.httpServer.Close()
		_ = s.httpListener.Close()
		closeStore(s.store, s.logger)
	})
}

func closeStore(store storage.CargoStore, logger *zap.Logger) {
	closer, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("close cargo store", zap.Error(err))
	}
}

func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// validRecordID accepts PocketBase record ids: 1 to 64 lowercase
// alphanumerics.
func validRecordID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
