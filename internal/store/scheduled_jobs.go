package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = fmt.Errorf("not found")

// ErrConflict is returned when a unique constraint would be violated.
var ErrConflict = fmt.Errorf("already exists")

// ScheduledJobRepo persists scheduled jobs.
type ScheduledJobRepo struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewScheduledJobRepo creates a new scheduled job repository
func NewScheduledJobRepo(db *sql.DB, log zerolog.Logger) *ScheduledJobRepo {
	return &ScheduledJobRepo{
		db:  db,
		log: log.With().Str("repo", "scheduled_jobs").Logger(),
	}
}

// Create inserts a new job and returns it with its assigned id.
func (r *ScheduledJobRepo) Create(job *ScheduledJob) error {
	if job.Timeout <= 0 {
		job.Timeout = 30
	}
	now := time.Now().UTC()
	res, err := r.db.Exec(
		`INSERT INTO scheduled_jobs (name, code, cron_expression, container_id, packages, created_at, is_active, timeout)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name, job.Code, job.CronExpr, nullable(job.ContainerID), nullable(packagesToCSV(job.Packages)),
		now, boolToInt(job.IsActive), job.Timeout,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read scheduled job id: %w", err)
	}
	job.ID = id
	job.CreatedAt = now
	return nil
}

// Get returns a job by id.
func (r *ScheduledJobRepo) Get(id int64) (*ScheduledJob, error) {
	row := r.db.QueryRow(
		`SELECT id, name, code, cron_expression, container_id, packages, created_at, last_run, is_active, timeout
		 FROM scheduled_jobs WHERE id = ?`, id,
	)
	return scanScheduledJob(row)
}

// List returns all jobs ordered by creation time.
func (r *ScheduledJobRepo) List() ([]*ScheduledJob, error) {
	rows, err := r.db.Query(
		`SELECT id, name, code, cron_expression, container_id, packages, created_at, last_run, is_active, timeout
		 FROM scheduled_jobs ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListActive returns the jobs the scheduler should mirror.
func (r *ScheduledJobRepo) ListActive() ([]*ScheduledJob, error) {
	rows, err := r.db.Query(
		`SELECT id, name, code, cron_expression, container_id, packages, created_at, last_run, is_active, timeout
		 FROM scheduled_jobs WHERE is_active = 1 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update rewrites the mutable fields of a job.
func (r *ScheduledJobRepo) Update(job *ScheduledJob) error {
	res, err := r.db.Exec(
		`UPDATE scheduled_jobs
		 SET name = ?, code = ?, cron_expression = ?, container_id = ?, packages = ?, is_active = ?, timeout = ?
		 WHERE id = ?`,
		job.Name, job.Code, job.CronExpr, nullable(job.ContainerID), nullable(packagesToCSV(job.Packages)),
		boolToInt(job.IsActive), job.Timeout, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update scheduled job %d: %w", job.ID, err)
	}
	return requireRow(res)
}

// Delete removes a job.
func (r *ScheduledJobRepo) Delete(id int64) error {
	res, err := r.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled job %d: %w", id, err)
	}
	return requireRow(res)
}

// TouchLastRun records a firing time.
func (r *ScheduledJobRepo) TouchLastRun(id int64, at time.Time) error {
	_, err := r.db.Exec(`UPDATE scheduled_jobs SET last_run = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last_run for job %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScheduledJob(row rowScanner) (*ScheduledJob, error) {
	var (
		job         ScheduledJob
		containerID sql.NullString
		packages    sql.NullString
		lastRun     sql.NullTime
		isActive    int
	)
	err := row.Scan(&job.ID, &job.Name, &job.Code, &job.CronExpr, &containerID, &packages,
		&job.CreatedAt, &lastRun, &isActive, &job.Timeout)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
	}
	job.ContainerID = containerID.String
	job.Packages = csvToPackages(packages.String)
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRun = &t
	}
	job.IsActive = isActive != 0
	return &job, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
