package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tacore/internal/store"
)

// CleanupJob prunes request logs and metrics past the retention window.
type CleanupJob struct {
	Store      *store.Store
	RetainDays int
	Log        zerolog.Logger
}

func (j *CleanupJob) Name() string { return "store_cleanup" }

func (j *CleanupJob) Run() error {
	deleted, err := j.Store.Cleanup(j.RetainDays)
	if err != nil {
		return fmt.Errorf("store cleanup failed: %w", err)
	}
	j.Log.Info().
		Int64("deleted", deleted).
		Int("retain_days", j.RetainDays).
		Msg("Old records pruned")
	return nil
}

// CheckpointJob truncates the WAL so the file does not grow unbounded
// under sustained request logging.
type CheckpointJob struct {
	Store *store.Store
	Log   zerolog.Logger
}

func (j *CheckpointJob) Name() string { return "wal_checkpoint" }

func (j *CheckpointJob) Run() error {
	if err := j.Store.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}
	j.Log.Debug().Msg("WAL checkpoint completed")
	return nil
}

// BackupRunner creates one backup and returns its object key.
type BackupRunner interface {
	Run(ctx context.Context) (string, error)
}

// BackupJob uploads a nightly database snapshot.
type BackupJob struct {
	Backup  BackupRunner
	Timeout time.Duration
	Log     zerolog.Logger
}

func (j *BackupJob) Name() string { return "backup" }

func (j *BackupJob) Run() error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	key, err := j.Backup.Run(ctx)
	if err != nil {
		return fmt.Errorf("scheduled backup failed: %w", err)
	}
	j.Log.Info().Str("archive", key).Msg("Scheduled backup completed")
	return nil
}
