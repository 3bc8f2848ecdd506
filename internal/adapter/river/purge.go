package river

import (
	"context"

	"github.com/riverqueue/river"
	"go.uber.org/zap"
)

// ArtifactPurger deletes expired activation artifacts.
type ArtifactPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// PurgeArtifactsArgs triggers a purge. It carries no data.
type PurgeArtifactsArgs struct{}

// Kind returns the unique job type identifier used by River's job routing.
func (PurgeArtifactsArgs) Kind() string { return "artifacts.purge" }

// PurgeArtifactsWorker runs the periodic purge.
type PurgeArtifactsWorker struct {
	river.WorkerDefaults[PurgeArtifactsArgs]
	handlers *Handlers
	logger   *zap.Logger
}

// Work deletes expired artifacts.
func (w *PurgeArtifactsWorker) Work(ctx context.Context, job *river.Job[PurgeArtifactsArgs]) error {
	n, err := w.handlers.Artifacts.PurgeExpired(ctx)
	if err != nil {
		w.logger.Error("purging artifacts", zap.Error(err), zap.Int64("job_id", job.ID))
		return err
	}
	w.logger.Debug("artifact purge job done", zap.Int("count", n), zap.Int64("job_id", job.ID))
	return nil
}
