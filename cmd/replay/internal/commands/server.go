package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/wolfeidau/replay/internal/batcher"
	"github.com/wolfeidau/replay/internal/frontend"
	"github.com/wolfeidau/replay/internal/hub"
	httpmiddleware "github.com/wolfeidau/replay/internal/http"
	"github.com/wolfeidau/replay/internal/logger"
	"github.com/wolfeidau/replay/internal/registry"
	"github.com/wolfeidau/replay/internal/store"
	memorystore "github.com/wolfeidau/replay/internal/store/memory"
	postgresstore "github.com/wolfeidau/replay/internal/store/postgres"
	"github.com/wolfeidau/replay/internal/telemetry"
)

type ServerCmd struct {
	// Server configuration
	Host string `help:"listen host" default:"0.0.0.0" env:"HOST"`
	Port int    `help:"listen port" default:"8080" env:"PORT"`

	LogLevel string `help:"log level (trace, debug, info, warn, error)" default:"info" env:"LOG_LEVEL"`

	// CORS configuration for the query surface
	CORSOrigins []string `help:"allowed CORS origins" default:"*" env:"CORS_ORIGINS"`

	// Relay tuning. Intervals are milliseconds.
	BatchSize              int `help:"max batches applied per store transaction" default:"50" env:"BATCH_SIZE"`
	BatchInterval          int `help:"batch flush interval in milliseconds" default:"5000" env:"BATCH_INTERVAL"`
	MaxEventsPerSession    int `help:"in-memory event buffer cap per session" default:"1000" env:"MAX_EVENTS_PER_SESSION"`
	SessionCleanupInterval int `help:"session eviction interval in milliseconds" default:"3600000" env:"SESSION_CLEANUP_INTERVAL"`
	HeartbeatInterval      int `help:"client heartbeat interval in milliseconds" default:"30000" env:"HEARTBEAT_INTERVAL"`

	// RetentionHours drives the periodic store cleanup. Independent from the
	// fixed 24h in-memory eviction; set both deliberately.
	RetentionHours int `help:"store retention for inactive sessions in hours" default:"720" env:"RETENTION_HOURS"`

	// Store configuration
	StoreType string        `help:"store type (memory or postgres)" default:"postgres" env:"STORE_TYPE" enum:"memory,postgres"`
	Database  DatabaseFlags `embed:"" prefix:"db-"`

	// Metrics
	Metrics bool `help:"enable OTLP metrics export" default:"false" env:"METRICS"`
}

type DatabaseFlags struct {
	Host              string `help:"PostgreSQL host" default:"localhost" env:"DB_HOST"`
	Port              int    `help:"PostgreSQL port" default:"5432" env:"DB_PORT"`
	Name              string `help:"database name" default:"session_replay" env:"DB_NAME"`
	User              string `help:"database user" default:"postgres" env:"DB_USER"`
	Password          string `help:"database password" default:"" env:"DB_PASSWORD"`
	MaxConnections    int32  `help:"maximum connections in pool" default:"20" env:"DB_MAX_CONNECTIONS"`
	IdleTimeout       int32  `help:"connection idle timeout in seconds" default:"1800" env:"DB_IDLE_TIMEOUT"`
	ConnectionTimeout int32  `help:"connect timeout in seconds" default:"10" env:"DB_CONNECTION_TIMEOUT"`
	SSLMode           string `help:"sslmode for the connection" default:"disable" env:"DB_SSL_MODE"`
	AutoMigrate       bool   `help:"run database migrations on startup" default:"true" env:"DB_AUTO_MIGRATE"`
}

// ConnString assembles a pgx connection string from the individual flags.
func (d *DatabaseFlags) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	return u.String()
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(c.LogLevel, globals.Debug)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting relay")

	if c.Metrics {
		shutdown, err := telemetry.InitTelemetry(ctx, "replay-relay", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			}()
		}
	}

	// Create the store
	var sessionStore store.SessionStore
	switch c.StoreType {
	case "postgres":
		poolCfg := &postgresstore.PoolConfig{
			ConnString:      c.Database.ConnString(),
			MaxConns:        c.Database.MaxConnections,
			MaxConnIdleTime: c.Database.IdleTimeout,
			ConnectTimeout:  c.Database.ConnectionTimeout,
		}
		pool, err := postgresstore.NewPool(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}

		if c.Database.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				pool.Close()
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		sessionStore = postgresstore.NewSessionStore(pool)
		log.Info().Str("host", c.Database.Host).Str("database", c.Database.Name).Msg("Using PostgreSQL store")

	default:
		sessionStore = memorystore.NewSessionStore()
		log.Warn().Msg("Using in-memory store; sessions will not survive a restart")
	}

	// Write-behind pipeline
	b := batcher.New(sessionStore, c.BatchSize, time.Duration(c.BatchInterval)*time.Millisecond)
	b.Start()

	// Live session state
	reg := registry.New(registry.Config{
		MaxEventsPerSession: c.MaxEventsPerSession,
		CleanupInterval:     time.Duration(c.SessionCleanupInterval) * time.Millisecond,
		StoreRetention:      time.Duration(c.RetentionHours) * time.Hour,
	}, b)

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go reg.Run(cleanupCtx, sessionStore)

	// Connection hub
	h := hub.New(hub.Config{
		HeartbeatInterval: time.Duration(c.HeartbeatInterval) * time.Millisecond,
	}, reg, sessionStore)
	h.Start()

	// HTTP surface
	fe := frontend.New(sessionStore, reg, h, b, globals.Version)
	mux := http.NewServeMux()
	fe.SetupRoutes(mux)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: c.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete},
	})

	handler := httpmiddleware.ClientIPMiddleware()(
		httpmiddleware.RequestLogger(log)(
			corsMiddleware.Handler(mux)))

	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	srv := configureHTTPServer(addr, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-signalCtx.Done():
	}

	log.Info().Msg("Shutting down")

	// Teardown order: stop accepting, close connections, stop eviction,
	// drain the write-behind queue, then close the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	h.Shutdown()
	cancelCleanup()
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Batcher drain failed")
	}
	sessionStore.Close()

	log.Info().Msg("Shutdown complete")
	return nil
}
