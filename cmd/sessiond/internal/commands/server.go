package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/eventlog/memory"
	"github.com/wolfeidau/sessiond/internal/eventlog/postgres"
	"github.com/wolfeidau/sessiond/internal/httpapi"
	"github.com/wolfeidau/sessiond/internal/logger"
	"github.com/wolfeidau/sessiond/internal/session"
	"github.com/wolfeidau/sessiond/internal/telemetry"
	"github.com/wolfeidau/sessiond/internal/user"
)

type ServerCmd struct {
	Listen string `help:"listen address" default:"localhost:8080"`

	Mode   string `help:"session bootstrap mode" enum:"deterministic,transactional" default:"transactional"`
	Secret string `help:"HMAC secret for deterministic mode" env:"SESSIOND_HMAC_SECRET"`

	Store           string        `help:"event log backend" enum:"memory,postgres" default:"memory"`
	PostgresConn    string        `help:"postgres connection string" env:"SESSIOND_POSTGRES_CONN"`
	PostgresMaxConn int32         `help:"postgres pool max connections" default:"20"`
	AutoMigrate     bool          `help:"run schema migrations at startup" default:"true"`
	ShutdownGrace   time.Duration `help:"graceful shutdown timeout" default:"10s"`

	AllowedOrigins []string `help:"CORS allowed origins" default:"*"`

	DemoResources bool `help:"register the built-in demo resources (registration only, not exposed over HTTP)"`

	EnableTelemetry  bool   `help:"enable OTEL metrics export" env:"SESSIOND_ENABLE_TELEMETRY"`
	TelemetryService string `help:"service name reported to OTEL" default:"sessiond"`
}

func (s *ServerCmd) Run(globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Str("mode", s.Mode).Str("store", s.Store).Msg("starting sessiond")

	if s.EnableTelemetry {
		shutdown, err := telemetry.InitTelemetry(ctx, s.TelemetryService, globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize telemetry, continuing without metrics")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Error().Err(err).Msg("failed to shutdown telemetry")
				}
			}()
		}
	}

	eventLog, closeLog, err := s.buildEventLog(ctx)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := session.Register(eventLog); err != nil {
		return fmt.Errorf("failed to register session aggregate: %w", err)
	}

	resolver, err := session.NewResolver(session.Mode(s.Mode), []byte(s.Secret), eventLog)
	if err != nil {
		return err
	}
	sessions := session.NewService(eventLog, resolver)

	if s.DemoResources {
		if _, err := registerDemoResources(eventLog, sessions); err != nil {
			return fmt.Errorf("failed to register demo resources: %w", err)
		}
	}

	// The in-process bus stands in until an external account feed is wired.
	feed := user.NewBus()
	propagator := session.NewPropagator(eventLog, feed)
	go func() {
		if err := propagator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("cascade propagator stopped")
		}
	}()

	api := httpapi.NewAPI(sessions)
	srv := configureHTTPServer(s.Listen, api.Handler(s.AllowedOrigins))

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.Listen).Msg("listening for http connections")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *ServerCmd) buildEventLog(ctx context.Context) (eventlog.Log, func(), error) {
	switch s.Store {
	case "postgres":
		if s.PostgresConn == "" {
			return nil, nil, errors.New("postgres store requires a connection string")
		}
		l, err := postgres.NewLog(ctx, &postgres.Config{
			Pool: postgres.PoolConfig{
				ConnString: s.PostgresConn,
				MaxConns:   s.PostgresMaxConn,
			},
			AutoMigrate: s.AutoMigrate,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres event log: %w", err)
		}
		return l, l.Close, nil
	default:
		l := memory.NewLog()
		return l, l.Close, nil
	}
}
