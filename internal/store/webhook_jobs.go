package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WebhookJobRepo persists webhook jobs.
type WebhookJobRepo struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewWebhookJobRepo creates a new webhook job repository
func NewWebhookJobRepo(db *sql.DB, log zerolog.Logger) *WebhookJobRepo {
	return &WebhookJobRepo{
		db:  db,
		log: log.With().Str("repo", "webhook_jobs").Logger(),
	}
}

// NormalizeEndpoint guarantees the leading slash the routing layer matches on.
func NormalizeEndpoint(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		return "/" + endpoint
	}
	return endpoint
}

// Create inserts a new webhook job. Returns ErrConflict when the endpoint is taken.
func (r *WebhookJobRepo) Create(job *WebhookJob) error {
	job.Endpoint = NormalizeEndpoint(job.Endpoint)
	if job.Timeout == 0 {
		job.Timeout = 30
	}

	taken, err := r.endpointTaken(job.Endpoint, 0)
	if err != nil {
		return err
	}
	if taken {
		return ErrConflict
	}

	now := time.Now().UTC()
	res, err := r.db.Exec(
		`INSERT INTO webhook_jobs (name, endpoint, code, container_id, packages, created_at, is_active, timeout, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name, job.Endpoint, job.Code, nullable(job.ContainerID), nullable(packagesToCSV(job.Packages)),
		now, boolToInt(job.IsActive), job.Timeout, nullable(job.Description),
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read webhook job id: %w", err)
	}
	job.ID = id
	job.CreatedAt = now
	return nil
}

// Get returns a webhook job by id.
func (r *WebhookJobRepo) Get(id int64) (*WebhookJob, error) {
	row := r.db.QueryRow(webhookSelect+` WHERE id = ?`, id)
	return scanWebhookJob(row)
}

// GetActiveByEndpoint resolves the invocation path to its job.
func (r *WebhookJobRepo) GetActiveByEndpoint(endpoint string) (*WebhookJob, error) {
	row := r.db.QueryRow(webhookSelect+` WHERE endpoint = ? AND is_active = 1`, endpoint)
	return scanWebhookJob(row)
}

// List returns all webhook jobs.
func (r *WebhookJobRepo) List() ([]*WebhookJob, error) {
	rows, err := r.db.Query(webhookSelect + ` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*WebhookJob
	for rows.Next() {
		job, err := scanWebhookJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update rewrites the mutable fields. Returns ErrConflict when the endpoint
// collides with another job.
func (r *WebhookJobRepo) Update(job *WebhookJob) error {
	job.Endpoint = NormalizeEndpoint(job.Endpoint)

	taken, err := r.endpointTaken(job.Endpoint, job.ID)
	if err != nil {
		return err
	}
	if taken {
		return ErrConflict
	}

	res, err := r.db.Exec(
		`UPDATE webhook_jobs
		 SET name = ?, endpoint = ?, code = ?, container_id = ?, packages = ?, is_active = ?, timeout = ?, description = ?
		 WHERE id = ?`,
		job.Name, job.Endpoint, job.Code, nullable(job.ContainerID), nullable(packagesToCSV(job.Packages)),
		boolToInt(job.IsActive), job.Timeout, nullable(job.Description), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook job %d: %w", job.ID, err)
	}
	return requireRow(res)
}

// Delete removes a webhook job.
func (r *WebhookJobRepo) Delete(id int64) error {
	res, err := r.db.Exec(`DELETE FROM webhook_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook job %d: %w", id, err)
	}
	return requireRow(res)
}

// TouchLastTriggered records an invocation time.
func (r *WebhookJobRepo) TouchLastTriggered(id int64, at time.Time) error {
	_, err := r.db.Exec(`UPDATE webhook_jobs SET last_triggered = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last_triggered for webhook job %d: %w", id, err)
	}
	return nil
}

func (r *WebhookJobRepo) endpointTaken(endpoint string, excludeID int64) (bool, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM webhook_jobs WHERE endpoint = ? AND id != ?`, endpoint, excludeID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check endpoint uniqueness: %w", err)
	}
	return count > 0, nil
}

const webhookSelect = `SELECT id, name, endpoint, code, container_id, packages, created_at, last_triggered, is_active, timeout, description
	 FROM webhook_jobs`

func scanWebhookJob(row rowScanner) (*WebhookJob, error) {
	var (
		job           WebhookJob
		containerID   sql.NullString
		packages      sql.NullString
		lastTriggered sql.NullTime
		description   sql.NullString
		isActive      int
	)
	err := row.Scan(&job.ID, &job.Name, &job.Endpoint, &job.Code, &containerID, &packages,
		&job.CreatedAt, &lastTriggered, &isActive, &job.Timeout, &description)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook job: %w", err)
	}
	job.ContainerID = containerID.String
	job.Packages = csvToPackages(packages.String)
	if lastTriggered.Valid {
		t := lastTriggered.Time
		job.LastTriggered = &t
	}
	job.IsActive = isActive != 0
	job.Description = description.String
	return &job, nil
}
