package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mosaicart/server/internal/jobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJobManager(t *testing.T, path string, cfg JobManagerConfig) *JobManager {
	t.Helper()
	cfg.SQLitePath = path
	jm, err := NewJobManager(cfg)
	require.NoError(t, err)
	t.Cleanup(jm.Stop)
	return jm
}

func waitForStatus(t *testing.T, jm *JobManager, id string, want jobstore.JobStatus) *jobstore.Job {
	t.Helper()
	var job *jobstore.Job
	require.Eventually(t, func() bool {
		job = jm.Get(id)
		return job != nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

type discardRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *discardRecorder) discard(job *jobstore.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, job.Params.UploadName)
}

func (r *discardRecorder) discarded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestJobManager_RunsJobs(t *testing.T) {
	jm := newTestJobManager(t, filepath.Join(t.TempDir(), "jobs.sqlite"), JobManagerConfig{MaxConcurrent: 2})
	jm.Executor = func(ctx context.Context, store *jobstore.Store, jobID string) error {
		return store.UpdateJobResult(jobID, "output-80-15.png", jobstore.JobResult{Matched: 1})
	}
	jm.Start()

	job, err := jm.Submit(jobstore.JobParams{GridDivisor: 80, TileSize: 15})
	require.NoError(t, err)
	assert.Len(t, job.ID, 36)
	assert.Equal(t, jobstore.JobStatusQueued, job.Status)

	done := waitForStatus(t, jm, job.ID, jobstore.JobStatusCompleted)
	assert.Equal(t, "output-80-15.png", done.Artifact)
	assert.NotNil(t, done.FinishedAt)
}

func TestJobManager_ExecutorFailure(t *testing.T) {
	jm := newTestJobManager(t, filepath.Join(t.TempDir(), "jobs.sqlite"), JobManagerConfig{})
	jm.Executor = func(context.Context, *jobstore.Store, string) error {
		return errors.New("metadata store unavailable")
	}
	jm.Start()

	job, err := jm.Submit(jobstore.JobParams{})
	require.NoError(t, err)

	failed := waitForStatus(t, jm, job.ID, jobstore.JobStatusFailed)
	assert.Equal(t, "metadata store unavailable", failed.Error)
}

func TestJobManager_CancelRunning(t *testing.T) {
	jm := newTestJobManager(t, filepath.Join(t.TempDir(), "jobs.sqlite"), JobManagerConfig{})
	started := make(chan struct{})
	jm.Executor = func(ctx context.Context, _ *jobstore.Store, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	jm.Start()

	job, err := jm.Submit(jobstore.JobParams{})
	require.NoError(t, err)
	<-started

	assert.True(t, jm.Cancel(job.ID))
	cancelled := waitForStatus(t, jm, job.ID, jobstore.JobStatusCancelled)
	assert.Equal(t, "cancelled by user", cancelled.Error)
}

func TestJobManager_CancelQueuedAndQueueFull(t *testing.T) {
	// Not started: nothing drains the queue.
	jm := newTestJobManager(t, filepath.Join(t.TempDir(), "jobs.sqlite"), JobManagerConfig{QueueSize: 1})

	first, err := jm.Submit(jobstore.JobParams{})
	require.NoError(t, err)
	second, err := jm.Submit(jobstore.JobParams{})
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobStatusFailed, second.Status)
	assert.Equal(t, ErrQueueFull.Error(), jm.Get(second.ID).Error)

	assert.True(t, jm.Cancel(first.ID))
	assert.Equal(t, jobstore.JobStatusCancelled, jm.Get(first.ID).Status)
	assert.False(t, jm.Cancel(first.ID))
	assert.False(t, jm.Cancel("missing"))
}

func TestJobManager_RestartRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.sqlite")

	before, err := NewJobManager(JobManagerConfig{SQLitePath: path})
	require.NoError(t, err)
	queued, err := before.Submit(jobstore.JobParams{TileSize: 15})
	require.NoError(t, err)
	stuck, err := before.Submit(jobstore.JobParams{TileSize: 15})
	require.NoError(t, err)
	_, err = before.Store().UpdateJobStarted(stuck.ID)
	require.NoError(t, err)
	before.Stop()

	after := newTestJobManager(t, path, JobManagerConfig{})
	var mu sync.Mutex
	var ran []string
	after.Executor = func(_ context.Context, _ *jobstore.Store, jobID string) error {
		mu.Lock()
		ran = append(ran, jobID)
		mu.Unlock()
		return nil
	}
	after.Start()

	waitForStatus(t, after, queued.ID, jobstore.JobStatusCompleted)
	failed := after.Get(stuck.ID)
	assert.Equal(t, jobstore.JobStatusFailed, failed.Status)
	assert.Equal(t, "server restarted", failed.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{queued.ID}, ran)
}

func TestJobManager_NotifiesOnFinish(t *testing.T) {
	events := make(chan WebhookEvent, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			events <- e
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	jm := newTestJobManager(t, filepath.Join(t.TempDir(), "jobs.sqlite"), JobManagerConfig{})
	jm.Notifier = NewWebhookNotifier([]string{ts.URL})
	jm.Executor = func(ctx context.Context, store *jobstore.Store, jobID string) error {
		return store.UpdateJobResult(jobID, "output-80-15.png", jobstore.JobResult{NoMatch: 4})
	}
	jm.Start()

	job, err := jm.Submit(jobstore.JobParams{})
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, EventMosaicCompleted, e.Event)
		assert.Equal(t, job.ID, e.JobID)
		assert.Equal(t, 4, e.Result.NoMatch)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestJobManager_DiscardsOnTerminalPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.sqlite")
	rec := &discardRecorder{}

	// Not started: queue holds one job.
	before, err := NewJobManager(JobManagerConfig{SQLitePath: path, QueueSize: 2})
	require.NoError(t, err)
	before.Discard = rec.discard

	cancelled, err := before.Submit(jobstore.JobParams{UploadName: "cancelled"})
	require.NoError(t, err)
	stuck, err := before.Submit(jobstore.JobParams{UploadName: "stuck"})
	require.NoError(t, err)
	full, err := before.Submit(jobstore.JobParams{UploadName: "full"})
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobStatusFailed, full.Status)

	assert.True(t, before.Cancel(cancelled.ID))
	_, err = before.Store().UpdateJobStarted(stuck.ID)
	require.NoError(t, err)
	before.Stop()
	assert.Equal(t, []string{"full", "cancelled"}, rec.discarded())

	after := newTestJobManager(t, path, JobManagerConfig{})
	after.Discard = rec.discard
	after.Start()
	assert.Equal(t, []string{"full", "cancelled", "stuck"}, rec.discarded())

	after.cfg.RetentionDays = -1
	after.cleanup()
	assert.ElementsMatch(t, []string{"full", "cancelled", "stuck", "full", "cancelled", "stuck"}, rec.discarded())
	assert.Nil(t, after.Get(stuck.ID))
}

func TestJobManager_CancelledBeforeStartNeverRuns(t *testing.T) {
	jm := newTestJobManager(t, filepath.Join(t.TempDir(), "jobs.sqlite"), JobManagerConfig{})
	var mu sync.Mutex
	var ran []string
	jm.Executor = func(_ context.Context, _ *jobstore.Store, jobID string) error {
		mu.Lock()
		ran = append(ran, jobID)
		mu.Unlock()
		return nil
	}

	first, err := jm.Submit(jobstore.JobParams{})
	require.NoError(t, err)
	second, err := jm.Submit(jobstore.JobParams{})
	require.NoError(t, err)
	require.True(t, jm.Cancel(first.ID))

	jm.Start()
	waitForStatus(t, jm, second.ID, jobstore.JobStatusCompleted)

	job := jm.Get(first.ID)
	assert.Equal(t, jobstore.JobStatusCancelled, job.Status)
	assert.Nil(t, job.StartedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{second.ID}, ran)
}

func TestJobManager_StopRequeuesRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.sqlite")
	rec := &discardRecorder{}

	before, err := NewJobManager(JobManagerConfig{SQLitePath: path})
	require.NoError(t, err)
	started := make(chan struct{})
	before.Executor = func(ctx context.Context, _ *jobstore.Store, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	before.Discard = rec.discard
	before.Start()

	job, err := before.Submit(jobstore.JobParams{UploadName: "source"})
	require.NoError(t, err)
	<-started
	before.Stop()
	assert.Empty(t, rec.discarded())

	after := newTestJobManager(t, path, JobManagerConfig{})
	interrupted := after.Get(job.ID)
	require.NotNil(t, interrupted)
	assert.Equal(t, jobstore.JobStatusQueued, interrupted.Status)
	assert.Empty(t, interrupted.Error)

	after.Executor = func(context.Context, *jobstore.Store, string) error { return nil }
	after.Discard = rec.discard
	after.Start()

	waitForStatus(t, after, job.ID, jobstore.JobStatusCompleted)
	assert.Eventually(t, func() bool {
		return len(rec.discarded()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
