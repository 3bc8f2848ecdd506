package river

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// MigrationRunner executes a pending migration on behalf of an actor.
type MigrationRunner interface {
	Execute(ctx context.Context, actor domain.Actor, id string) (domain.Migration, error)
}

// ExecuteMigrationArgs asks a worker to execute one migration. The actor is
// a snapshot taken at enqueue time; the service re-checks it.
type ExecuteMigrationArgs struct {
	MigrationID string `json:"migration_id" river:"unique"`
	TenantID    string `json:"tenant_id" river:"unique"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role"`
	ActorActive bool   `json:"actor_active"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (ExecuteMigrationArgs) Kind() string { return "migration.execute" }

// InsertOpts makes execution at-most-once: a single attempt, and a second
// request for the same migration is skipped as a duplicate.
func (ExecuteMigrationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

func (a ExecuteMigrationArgs) actor() domain.Actor {
	return domain.Actor{ID: a.ActorID, TenantID: a.TenantID, Role: domain.Role(a.ActorRole), Active: a.ActorActive}
}

// MigrationQueue enqueues migration executions.
type MigrationQueue struct {
	client *Client
}

// NewMigrationQueue creates a queue backed by the given River client.
func NewMigrationQueue(client *Client) *MigrationQueue {
	return &MigrationQueue{client: client}
}

// EnqueueExecute schedules the migration for execution. A migration already
// queued yields a *domain.ConflictError.
func (q *MigrationQueue) EnqueueExecute(ctx context.Context, actor domain.Actor, id string) error {
	res, err := q.client.Insert(ctx, ExecuteMigrationArgs{
		MigrationID: id,
		TenantID:    actor.TenantID,
		ActorID:     actor.ID,
		ActorRole:   string(actor.Role),
		ActorActive: actor.Active,
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing migration job: %w", err)
	}
	if res.UniqueSkippedAsDuplicate {
		return &domain.ConflictError{Resource: domain.ResourceMigration, ID: id, Reason: "execution already queued"}
	}
	return nil
}

// ExecuteMigrationWorker runs queued migrations. The outcome of a migration
// is recorded on the migration itself, so domain failures complete the job.
type ExecuteMigrationWorker struct {
	river.WorkerDefaults[ExecuteMigrationArgs]
	handlers *Handlers
	logger   *zap.Logger
}

// Timeout disables River's job deadline; each step carries its own.
func (w *ExecuteMigrationWorker) Timeout(*river.Job[ExecuteMigrationArgs]) time.Duration {
	return -1
}

// Work executes the migration.
func (w *ExecuteMigrationWorker) Work(ctx context.Context, job *river.Job[ExecuteMigrationArgs]) error {
	m, err := w.handlers.Migrations.Execute(ctx, job.Args.actor(), job.Args.MigrationID)
	kind := domain.KindOf(err)
	fields := []zap.Field{
		zap.String("migration_id", job.Args.MigrationID),
		zap.String("tenant_id", job.Args.TenantID),
		zap.Int64("job_id", job.ID),
	}
	switch kind {
	case domain.KindNone:
		w.logger.Info("queued migration executed", append(fields, zap.String("status", string(m.Status)))...)
		return nil
	case domain.KindInternal:
		w.logger.Error("queued migration errored", append(fields, zap.Error(err))...)
		return err
	default:
		w.logger.Warn("queued migration did not complete",
			append(fields, zap.String("kind", string(kind)), zap.Error(err))...)
		return nil
	}
}
