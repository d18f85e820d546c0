package buildstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs", "jobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queuedJob(id, dataset string, created time.Time) *Job {
	return &Job{
		ID:        id,
		DatasetID: dataset,
		Status:    JobStatusQueued,
		Params:    JobParams{DatasetID: dataset, Categories: []string{"pos"}},
		CreatedAt: created,
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(queuedJob("j1", "plasma", time.Now())))

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, []string{"pos"}, job.Params.Categories)
	assert.Nil(t, job.StartedAt)

	require.NoError(t, s.UpdateJobStarted("j1"))
	require.NoError(t, s.UpdateJobProgress("j1", "levels", 3, 8))
	require.NoError(t, s.UpdateJobResult("j1", "b1", map[string]string{"neg": "write failed"}))
	require.NoError(t, s.UpdateJobStatus("j1", JobStatusPartial, ""))

	job, err = s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPartial, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, JobProgress{Phase: "levels", Done: 3, Total: 8}, job.Progress)
	assert.Equal(t, "b1", job.BuildID)
	assert.Equal(t, map[string]string{"neg": "write failed"}, job.FailedCategories)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
}

func TestGetJobMissing(t *testing.T) {
	s := newTestStore(t)
	job, err := s.GetJob("nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestActiveJob(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.CreateJob(queuedJob("old", "plasma", now.Add(-time.Hour))))
	require.NoError(t, s.UpdateJobStatus("old", JobStatusCompleted, ""))
	require.NoError(t, s.CreateJob(queuedJob("new", "plasma", now)))
	require.NoError(t, s.CreateJob(queuedJob("other", "urine", now)))

	job, err := s.ActiveJob("plasma")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "new", job.ID)

	require.NoError(t, s.UpdateJobStatus("new", JobStatusCancelled, "cancelled"))
	job, err = s.ActiveJob("plasma")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRestartRecovery(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.CreateJob(queuedJob("running", "plasma", now.Add(-2*time.Minute))))
	require.NoError(t, s.UpdateJobStarted("running"))
	require.NoError(t, s.CreateJob(queuedJob("q2", "urine", now)))
	require.NoError(t, s.CreateJob(queuedJob("q1", "serum", now.Add(-time.Minute))))

	require.NoError(t, s.MarkRunningAsFailed("server restarted"))
	job, err := s.GetJob("running")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "server restarted", job.Error)

	queued, err := s.ListQueuedJobs()
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "q1", queued[0].ID)
	assert.Equal(t, "q2", queued[1].ID)
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.CreateJob(queuedJob("a", "plasma", now.Add(-time.Second))))
	require.NoError(t, s.CreateJob(queuedJob("b", "plasma", now)))
	require.NoError(t, s.CreateJob(queuedJob("c", "urine", now)))

	jobs, err := s.ListJobsByDataset("plasma")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)

	all, err := s.ListJobs(2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteJob("a"))
	jobs, err = s.ListJobsByDataset("plasma")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestDeleteExpiredJobs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(queuedJob("done", "plasma", time.Now())))
	require.NoError(t, s.UpdateJobStatus("done", JobStatusCompleted, ""))
	require.NoError(t, s.CreateJob(queuedJob("pending", "plasma", time.Now())))

	n, err := s.DeleteExpiredJobs(1)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteExpiredJobs(-1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only finished jobs expire")
}

func TestTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusPartial.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}
