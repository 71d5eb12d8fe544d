// Package server orchestrates all components: storage, COMMS, the dispatcher bootstrap, transports and HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/binaflow/binaflow-go/internal/config"
	"github.com/binaflow/binaflow-go/internal/notes"
	"github.com/binaflow/binaflow-go/pkg/commsutil"
	"github.com/binaflow/binaflow-go/pkg/db"
	"github.com/binaflow/binaflow-go/pkg/dispatcher"
	"github.com/binaflow/binaflow-go/pkg/events"
	"github.com/binaflow/binaflow-go/pkg/metrics"
	"github.com/binaflow/binaflow-go/pkg/schema"
	"github.com/binaflow/binaflow-go/pkg/semver"
	"github.com/binaflow/binaflow-go/pkg/transport"
)

const logPrefix = "server:server"

// Server is the binaflow router orchestrator.
type Server struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	started time.Time

	boot  atomic.Pointer[dispatcher.Bootstrap]
	disp  atomic.Pointer[dispatcher.Dispatcher]
	ws    atomic.Pointer[transport.WebSocketHandler]
	comms *transport.CommsTransport

	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
}

// New returns a server for cfg. Nothing is started until Start.
func New(cfg *config.Config) *Server {
	return &Server{
		cfg:     cfg,
		metrics: metrics.New(nil),
		started: time.Now().UTC(),
	}
}

// SetupLogging installs the default slog handler for level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the server, blocks until shutdown signal, then cleans up. A
// startup failure is returned unwrapped so the caller can read its code.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting binaflow", logPrefix))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := New(cfg)

	// Probes see the startup phases, so the listener comes first.
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, cfg.Addr(), err)
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, ln.Addr()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	if err := s.Start(ctx); err != nil {
		s.shutdownWithTimeout()
		return err
	}

	slog.Info(fmt.Sprintf("%s - binaflow is ready on %s", logPrefix, cfg.HTTPPath))

	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Received shutdown signal, shutting down", logPrefix))

	s.shutdownWithTimeout()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// Start connects storage and COMMS, builds the registries and starts the
// transports. It returns the *startup.Error of a failed build unchanged.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg

	// Step 1: Notes storage
	var store notes.Store
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool

		if cfg.RunMigrations {
			migrations, err := db.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		store = db.NewRepository(pool)
	} else {
		slog.Warn(fmt.Sprintf("%s - DATABASE_URL is not set, notes are kept in memory", logPrefix))
		store = notes.NewMemoryStore()
	}

	// Step 2: COMMS connection and event publishing
	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if cfg.COMMSEnabled {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		s.nc = nc
		if cfg.COMMSPublishEvents {
			publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{SubjectPrefix: cfg.COMMSSubjectPrefix})
		}
	}

	// Step 3: Registries
	src, err := Sources(cfg, store)
	if err != nil {
		return err
	}
	gate, err := semver.NewGate(cfg.ClientVersion, cfg.ClientVersionRequired)
	if err != nil {
		return fmt.Errorf("%s - invalid client version range: %w", logPrefix, err)
	}

	boot := dispatcher.NewBootstrap(
		src,
		dispatcher.Options{
			BasePath:  cfg.HTTPPath,
			Verbosity: cfg.Verbosity(),
			Publisher: publisher,
			Metrics:   s.metrics,
		},
	)
	s.boot.Store(boot)
	d, err := boot.Run()
	if err != nil {
		return err
	}
	s.disp.Store(d)

	// Step 4: Transports
	ws := transport.NewWebSocketHandler(d, transport.WebSocketOptions{
		Gate:           gate,
		Publisher:      publisher,
		Metrics:        s.metrics,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	s.ws.Store(ws)

	if s.nc != nil {
		s.comms = transport.NewCommsTransport(s.nc, d, transport.CommsOptions{
			SubjectPrefix: cfg.COMMSSubjectPrefix,
			SessionIdle:   cfg.COMMSSessionIdle,
			Gate:          gate,
			Publisher:     publisher,
			Metrics:       s.metrics,
		})
		if err := s.comms.Start(ctx); err != nil {
			return fmt.Errorf("%s - failed to start COMMS transport: %w", logPrefix, err)
		}
	}
	return nil
}

// Sources assembles the schema options and handler declarations the router
// serves, with the notes service backed by store.
func Sources(cfg *config.Config, store notes.Store) (dispatcher.Sources, error) {
	catalog := schema.DefaultCatalog()
	if err := notes.Register(catalog); err != nil {
		return dispatcher.Sources{}, fmt.Errorf("%s - failed to register notes messages: %w", logPrefix, err)
	}
	ctrl := notes.NewController(store, notes.NewHub())
	return dispatcher.Sources{
		Schema: schema.Options{
			Directory: cfg.SchemaDirectory,
			Extension: cfg.SchemaExtension,
			Catalog:   catalog,
		},
		Handlers: ctrl.Handlers(),
	}, nil
}

// Shutdown closes sessions, then the HTTP server, then COMMS and the database.
func (s *Server) Shutdown(ctx context.Context) {
	if ws := s.ws.Load(); ws != nil {
		if err := ws.Close(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - WebSocket sessions did not close in time: %v", logPrefix, err))
		}
	}
	if s.comms != nil {
		s.comms.Stop()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
		}
	}
	if s.nc != nil {
		commsutil.Shutdown(s.nc)
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Server) shutdownWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.Shutdown(ctx)
}

// Phase reports how far startup got.
func (s *Server) Phase() dispatcher.Phase {
	if b := s.boot.Load(); b != nil {
		return b.Phase()
	}
	return dispatcher.PhaseInitializing
}
