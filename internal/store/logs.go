package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// LogFilter narrows an execution log listing. Zero values mean "no filter".
type LogFilter struct {
	Parent LogParent
	Limit  int
	Offset int
}

const defaultLogLimit = 100

// ExecutionLogRepo persists execution logs. Logs are append-only; the engine
// never updates or deletes them.
type ExecutionLogRepo struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewExecutionLogRepo creates a new execution log repository
func NewExecutionLogRepo(db *sql.DB, log zerolog.Logger) *ExecutionLogRepo {
	return &ExecutionLogRepo{
		db:  db,
		log: log.With().Str("repo", "execution_logs").Logger(),
	}
}

// Insert appends an execution record. Metrics, when present, are stored as a
// msgpack blob to keep the row compact.
func (r *ExecutionLogRepo) Insert(entry *ExecutionLog) error {
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}

	var metrics interface{}
	if entry.Metrics != nil {
		blob, err := msgpack.Marshal(entry.Metrics)
		if err != nil {
			return fmt.Errorf("failed to encode execution metrics: %w", err)
		}
		metrics = blob
	}

	jobID, webhookJobID, serviceID := parentColumns(entry.Parent)
	res, err := r.db.Exec(
		`INSERT INTO execution_logs
		 (job_id, webhook_job_id, service_id, code, output, error, container_id, execution_time, started_at, status, request_data, response_data, metrics)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, webhookJobID, serviceID, entry.Code, nullable(entry.Output), nullable(entry.Error),
		nullable(entry.ContainerID), entry.ExecutionTime, entry.StartedAt, entry.Status,
		nullable(entry.RequestData), nullable(entry.ResponseData), metrics,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read execution log id: %w", err)
	}
	entry.ID = id
	return nil
}

// Get returns a single execution log.
func (r *ExecutionLogRepo) Get(id int64) (*ExecutionLog, error) {
	row := r.db.QueryRow(logSelect+` WHERE id = ?`, id)
	return scanExecutionLog(row)
}

// List returns logs newest first, filtered and paginated.
func (r *ExecutionLogRepo) List(filter LogFilter) ([]*ExecutionLog, error) {
	query := logSelect
	var args []interface{}

	switch filter.Parent.Kind {
	case ParentScheduled:
		query += ` WHERE job_id = ?`
		args = append(args, filter.Parent.ID)
	case ParentWebhook:
		query += ` WHERE webhook_job_id = ?`
		args = append(args, filter.Parent.ID)
	case ParentService:
		query += ` WHERE service_id = ?`
		args = append(args, filter.Parent.ID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer rows.Close()

	var entries []*ExecutionLog
	for rows.Next() {
		entry, err := scanExecutionLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func parentColumns(p LogParent) (jobID, webhookJobID, serviceID interface{}) {
	switch p.Kind {
	case ParentScheduled:
		return p.ID, nil, nil
	case ParentWebhook:
		return nil, p.ID, nil
	case ParentService:
		return nil, nil, p.ID
	default:
		return nil, nil, nil
	}
}

const logSelect = `SELECT id, job_id, webhook_job_id, service_id, code, output, error, container_id,
		execution_time, started_at, status, request_data, response_data, metrics
	 FROM execution_logs`

func scanExecutionLog(row rowScanner) (*ExecutionLog, error) {
	var (
		entry         ExecutionLog
		jobID         sql.NullInt64
		webhookJobID  sql.NullInt64
		serviceID     sql.NullInt64
		output        sql.NullString
		errText       sql.NullString
		containerID   sql.NullString
		executionTime sql.NullFloat64
		status        sql.NullString
		requestData   sql.NullString
		responseData  sql.NullString
		metrics       []byte
	)
	err := row.Scan(&entry.ID, &jobID, &webhookJobID, &serviceID, &entry.Code, &output, &errText,
		&containerID, &executionTime, &entry.StartedAt, &status, &requestData, &responseData, &metrics)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution log: %w", err)
	}

	switch {
	case jobID.Valid:
		entry.Parent = ScheduledParent(jobID.Int64)
	case webhookJobID.Valid:
		entry.Parent = WebhookParent(webhookJobID.Int64)
	case serviceID.Valid:
		entry.Parent = ServiceParent(serviceID.Int64)
	}

	entry.Output = output.String
	entry.Error = errText.String
	entry.ContainerID = containerID.String
	entry.ExecutionTime = executionTime.Float64
	entry.Status = status.String
	entry.RequestData = requestData.String
	entry.ResponseData = responseData.String

	if len(metrics) > 0 {
		var m ResourceMetrics
		if err := msgpack.Unmarshal(metrics, &m); err != nil {
			return nil, fmt.Errorf("failed to decode execution metrics: %w", err)
		}
		entry.Metrics = &m
	}
	return &entry, nil
}
