package app

import (
	"context"
	"errors"
	"fmt"

	pgsource "github.com/Sampath005/postgres-to-s3-sync/connectors/sources/postgres"
	"github.com/Sampath005/postgres-to-s3-sync/internal/checkpoint"
	"github.com/Sampath005/postgres-to-s3-sync/internal/config"
	"github.com/Sampath005/postgres-to-s3-sync/internal/replication"
	"github.com/Sampath005/postgres-to-s3-sync/internal/runner"
	"github.com/Sampath005/postgres-to-s3-sync/internal/telemetry"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"github.com/Sampath005/postgres-to-s3-sync/pkg/stream"
	"github.com/rs/zerolog"
)

// App wires configuration into a running stream loop.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Opener overrides the Postgres replication opener.
	Opener  replication.Opener
	Factory runner.Factory
}

// Run streams with the given configuration until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	return (&App{Config: cfg, Logger: logger}).Run(ctx)
}

// Run validates the configuration, opens the checkpoint ledger and the sink,
// and runs the loop. Cancellation returns nil once in-flight work finished.
func (a *App) Run(ctx context.Context) (err error) {
	cfg := a.Config
	if cfg == nil {
		return errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	options, err := cfg.ReplicationOptions()
	if err != nil {
		return err
	}

	store, err := checkpoint.Open(ctx, cfg.Checkpoints.Backend, cfg.Checkpoints.DSN)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	var checkpoints connector.CheckpointStore
	if store != nil {
		checkpoints = store
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				a.Logger.Warn().Err(closeErr).Msg("close checkpoint store")
			}
		}()
		a.logLastCheckpoint(ctx, store, cfg.Postgres.Slot)
	}

	opener := a.Opener
	if opener == nil {
		opener, err = a.postgresOpener(ctx)
		if err != nil {
			return err
		}
	}

	spec, err := cfg.SinkSpec()
	if err != nil {
		return err
	}
	sink, err := a.Factory.OpenSink(ctx, spec)
	if err != nil {
		return err
	}
	router := &stream.Router{Sink: sink}

	metrics, err := stream.NewMetrics(telemetry.Meter(cfg.Telemetry.ServiceName))
	if err != nil {
		_ = router.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("register metrics: %w", err)
	}

	loop := &stream.Loop{
		Opener:      opener,
		Identity:    replication.Identity{Slot: cfg.Postgres.Slot},
		Options:     options,
		Router:      router,
		Checkpoints: checkpoints,
		Logger:      a.Logger.With().Str("sink", string(spec.Type)).Logger(),
		Tracer:      telemetry.Tracer(cfg.Telemetry.ServiceName),
		Metrics:     metrics,
		IdleTimeout: cfg.Postgres.IdleTimeout,
	}
	return loop.Run(ctx)
}

func (a *App) postgresOpener(ctx context.Context) (replication.Opener, error) {
	cfg := a.Config
	sourceOptions := cfg.SourceOptions()
	connConfig, err := pgsource.ReplicationConnConfig(ctx, cfg.Postgres.DSN, sourceOptions)
	if err != nil {
		return nil, &connector.ConnectError{Stage: "configure auth", Err: err}
	}
	opener := &replication.PostgresOpener{
		DSN:        cfg.Postgres.DSN,
		ConnConfig: connConfig,
	}
	if cfg.Postgres.Preflight {
		opener.Preflight = func(ctx context.Context, identity replication.Identity, options replication.Options) error {
			return pgsource.Preflight(ctx, pgsource.PreflightRequest{
				DSN:        cfg.Postgres.DSN,
				Slot:       identity.Slot,
				Plugin:     options.Plugin,
				CreateSlot: options.CreateSlot,
				Options:    sourceOptions,
			})
		}
	}
	return opener, nil
}

func (a *App) logLastCheckpoint(ctx context.Context, store connector.CheckpointStore, slot string) {
	cp, err := store.Get(ctx, slot)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		a.Logger.Info().Str("slot", slot).Msg("no recorded checkpoint")
	case err != nil:
		a.Logger.Warn().Err(err).Str("slot", slot).Msg("read checkpoint")
	default:
		a.Logger.Info().
			Str("slot", slot).
			Str("lsn", cp.LSN).
			Time("recorded_at", cp.Timestamp).
			Msg("last recorded checkpoint")
	}
}
