// Package jobstore provides persistent storage for mosaic job state using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a mosaic job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobParams contains the parameters for a mosaic job.
type JobParams struct {
	GridDivisor     int    `json:"grid_divisor"`
	TileSize        int    `json:"tile_size"`
	UploadContainer string `json:"upload_container"`
	UploadName      string `json:"upload_name"`
}

// JobProgress counts resolved cells.
type JobProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// JobResult holds the per-outcome cell counts of a finished mosaic.
type JobResult struct {
	Matched     int `json:"matched"`
	NoMatch     int `json:"no_match"`
	FetchFailed int `json:"fetch_failed"`
}

// Job represents a mosaic job.
type Job struct {
	ID         string      `json:"job_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	Result     JobResult   `json:"result"`
	Artifact   string      `json:"artifact"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Store provides persistent storage for mosaic jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mosaic_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		matched INTEGER DEFAULT 0,
		no_match INTEGER DEFAULT 0,
		fetch_failed INTEGER DEFAULT 0,
		artifact TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_mosaic_jobs_status ON mosaic_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_mosaic_jobs_finished ON mosaic_jobs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, status, params_json, done, total, matched, no_match, fetch_failed, artifact, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO mosaic_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Done,
		job.Progress.Total,
		job.Result.Matched,
		job.Result.NoMatch,
		job.Result.FetchFailed,
		job.Artifact,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job returns (nil, nil).
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM mosaic_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// UpdateJobStatus updates the job status and error message. Terminal statuses
// also stamp finished_at.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE mosaic_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted moves a queued job to running and stamps its start time.
// It reports false, changing nothing, when the job is no longer queued.
func (s *Store) UpdateJobStarted(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE mosaic_jobs SET status = ?, started_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusRunning), now, jobID, string(JobStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// CancelQueuedJob cancels a job that has not started. It reports false when
// the job is missing or already left the queue.
func (s *Store) CancelQueuedJob(jobID, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE mosaic_jobs SET status = ?, error = ?, finished_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusCancelled), errMsg, now, jobID, string(JobStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// RequeueJob returns an interrupted running job to the queue, clearing its
// start time and progress.
func (s *Store) RequeueJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE mosaic_jobs SET status = ?, started_at = NULL, done = 0, total = 0
		WHERE job_id = ? AND status = ?
	`, string(JobStatusQueued), jobID, string(JobStatusRunning))
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE mosaic_jobs SET done = ?, total = ?
		WHERE job_id = ?
	`, done, total, jobID)
	return err
}

// UpdateJobResult records the artifact name and outcome counts.
func (s *Store) UpdateJobResult(jobID, artifact string, res JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE mosaic_jobs SET artifact = ?, matched = ?, no_match = ?, fetch_failed = ?
		WHERE job_id = ?
	`, artifact, res.Matched, res.NoMatch, res.FetchFailed, jobID)
	return err
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM mosaic_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListRecentJobs returns up to limit jobs, newest first.
func (s *Store) ListRecentJobs(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM mosaic_jobs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery)
// and returns them as they were before the update.
func (s *Store) MarkRunningAsFailed(errMsg string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.queryJobs(`SELECT `+jobColumns+` FROM mosaic_jobs WHERE status = ?`, string(JobStatusRunning))
	if err != nil {
		return nil, err
	}

	now := time.Now().Format(time.RFC3339)
	for _, job := range jobs {
		if _, err := s.db.Exec(`
			UPDATE mosaic_jobs SET status = ?, error = ?, finished_at = ?
			WHERE job_id = ? AND status = ?
		`, string(JobStatusFailed), errMsg, now, job.ID, string(JobStatusRunning)); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays and
// returns the deleted records.
func (s *Store) DeleteExpiredJobs(retentionDays int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	jobs, err := s.queryJobs(`
		SELECT `+jobColumns+` FROM mosaic_jobs
		WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if _, err := s.db.Exec("DELETE FROM mosaic_jobs WHERE job_id = ?", job.ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *Store) queryJobs(query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// DeleteJob deletes a job.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM mosaic_jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.Result.Matched,
			&job.Result.NoMatch,
			&job.Result.FetchFailed,
			&job.Artifact,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
