package river

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riversqlite"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
)

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Handlers are the services the workers call into. Setup only keeps the
// pointer, so fields may be filled in after it returns, as long as that
// happens before the client is started.
type Handlers struct {
	Audit      AuditStore
	Migrations MigrationRunner
	Artifacts  ArtifactPurger
}

// Options tunes the queue.
type Options struct {
	// PurgeInterval schedules the expired artifact purge. Zero disables it.
	PurgeInterval time.Duration
	MaxWorkers    int
	Logger        *zap.Logger
}

// Setup runs River's internal migrations and creates a client with the
// audit, migration and purge workers registered. The caller must call
// client.Start() to begin processing jobs and client.Stop() for graceful
// shutdown.
func Setup(ctx context.Context, db *sql.DB, h *Handlers, opts Options) (*Client, error) {
	driver := riversqlite.New(db)

	// River's tables are separate from the app's goose migrations.
	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, fmt.Errorf("creating river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("running river migrations: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 2
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &AuditWorker{handlers: h, logger: logger})
	river.AddWorker(workers, &ExecuteMigrationWorker{handlers: h, logger: logger})
	river.AddWorker(workers, &PurgeArtifactsWorker{handlers: h, logger: logger})

	var periodic []*river.PeriodicJob
	if opts.PurgeInterval > 0 {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(opts.PurgeInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return PurgeArtifactsArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}

	client, err := river.NewClient(driver, &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: opts.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}

	return client, nil
}
