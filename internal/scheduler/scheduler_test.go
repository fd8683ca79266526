package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tacore/internal/store"
)

var testDBCounter int64

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	n := atomic.AddInt64(&testDBCounter, 1)
	st, err := store.Open(store.Config{
		Path: fmt.Sprintf("file:schedtest%d?mode=memory&cache=shared", n),
		Log:  zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type countingJob struct {
	runs atomic.Int64
	err  error
}

func (j *countingJob) Name() string { return "counting" }
func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 10ms", job))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return job.runs.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Error(t, s.AddJob("not a schedule", &countingJob{}))
}

func TestSchedulerSurvivesFailingJob(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{err: fmt.Errorf("boom")}
	require.NoError(t, s.AddJob("@every 10ms", job))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return job.runs.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int64(1), job.runs.Load())
}

func TestRunJobByName(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 1h", job))

	require.NoError(t, s.RunJob("counting"))
	assert.Equal(t, int64(1), job.runs.Load())

	err := s.RunJob("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestJobNamesSorted(t *testing.T) {
	s := New(zerolog.Nop())
	st := newTestStore(t)
	require.NoError(t, s.AddJob("@every 1h", &CheckpointJob{Store: st, Log: zerolog.Nop()}))
	require.NoError(t, s.AddJob("@every 1h", &CleanupJob{Store: st, RetainDays: 7, Log: zerolog.Nop()}))

	assert.Equal(t, []string{"store_cleanup", "wal_checkpoint"}, s.JobNames())
}

func TestCleanupJob(t *testing.T) {
	st := newTestStore(t)
	job := &CleanupJob{Store: st, RetainDays: 7, Log: zerolog.Nop()}

	assert.Equal(t, "store_cleanup", job.Name())
	require.NoError(t, job.Run())

	bad := &CleanupJob{Store: st, RetainDays: 0, Log: zerolog.Nop()}
	assert.Error(t, bad.Run())
}

func TestCheckpointJob(t *testing.T) {
	st := newTestStore(t)
	job := &CheckpointJob{Store: st, Log: zerolog.Nop()}

	assert.Equal(t, "wal_checkpoint", job.Name())
	require.NoError(t, job.Run())
}

type fakeBackup struct {
	key string
	err error
}

func (f *fakeBackup) Run(context.Context) (string, error) { return f.key, f.err }

func TestBackupJob(t *testing.T) {
	job := &BackupJob{Backup: &fakeBackup{key: "tacore-backup-x.tar.gz"}, Log: zerolog.Nop()}
	assert.Equal(t, "backup", job.Name())
	require.NoError(t, job.Run())

	failing := &BackupJob{Backup: &fakeBackup{err: fmt.Errorf("bucket unreachable")}, Log: zerolog.Nop()}
	assert.Error(t, failing.Run())
}
