package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ServiceRepo persists persistent services.
type ServiceRepo struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewServiceRepo creates a new persistent service repository
func NewServiceRepo(db *sql.DB, log zerolog.Logger) *ServiceRepo {
	return &ServiceRepo{
		db:  db,
		log: log.With().Str("repo", "services").Logger(),
	}
}

// Create inserts a new service. Returns ErrConflict when the name is taken.
func (r *ServiceRepo) Create(svc *PersistentService) error {
	if svc.RestartPolicy == "" {
		svc.RestartPolicy = RestartAlways
	}
	if svc.Status == "" {
		svc.Status = ServiceStopped
	}

	taken, err := r.nameTaken(svc.Name, 0)
	if err != nil {
		return err
	}
	if taken {
		return ErrConflict
	}

	now := time.Now().UTC()
	res, err := r.db.Exec(
		`INSERT INTO persistent_services
		 (name, code, container_id, packages, created_at, is_active, status, restart_policy, description, auto_start)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.Name, svc.Code, nullable(svc.ContainerID), nullable(packagesToCSV(svc.Packages)),
		now, boolToInt(svc.IsActive), string(svc.Status), string(svc.RestartPolicy),
		nullable(svc.Description), boolToInt(svc.AutoStart),
	)
	if err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read service id: %w", err)
	}
	svc.ID = id
	svc.CreatedAt = now
	return nil
}

// Get returns a service by id.
func (r *ServiceRepo) Get(id int64) (*PersistentService, error) {
	row := r.db.QueryRow(serviceSelect+` WHERE id = ?`, id)
	return scanService(row)
}

// GetByName returns a service by its unique name.
func (r *ServiceRepo) GetByName(name string) (*PersistentService, error) {
	row := r.db.QueryRow(serviceSelect+` WHERE name = ?`, name)
	return scanService(row)
}

// List returns all services ordered by creation time.
func (r *ServiceRepo) List() ([]*PersistentService, error) {
	return r.list(serviceSelect + ` ORDER BY created_at`)
}

// ListAutoStart returns the services to bring up at boot.
func (r *ServiceRepo) ListAutoStart() ([]*PersistentService, error) {
	return r.list(serviceSelect + ` WHERE is_active = 1 AND auto_start = 1 ORDER BY created_at`)
}

func (r *ServiceRepo) list(query string) ([]*PersistentService, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var services []*PersistentService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// Update rewrites the definition fields of a service. Runtime state
// (status, process id, timestamps) is managed through the dedicated setters.
func (r *ServiceRepo) Update(svc *PersistentService) error {
	taken, err := r.nameTaken(svc.Name, svc.ID)
	if err != nil {
		return err
	}
	if taken {
		return ErrConflict
	}

	res, err := r.db.Exec(
		`UPDATE persistent_services
		 SET name = ?, code = ?, container_id = ?, packages = ?, is_active = ?, restart_policy = ?, description = ?, auto_start = ?
		 WHERE id = ?`,
		svc.Name, svc.Code, nullable(svc.ContainerID), nullable(packagesToCSV(svc.Packages)),
		boolToInt(svc.IsActive), string(svc.RestartPolicy), nullable(svc.Description),
		boolToInt(svc.AutoStart), svc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update service %d: %w", svc.ID, err)
	}
	return requireRow(res)
}

// Delete removes a service.
func (r *ServiceRepo) Delete(id int64) error {
	res, err := r.db.Exec(`DELETE FROM persistent_services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service %d: %w", id, err)
	}
	return requireRow(res)
}

// SetStatus persists a lifecycle transition.
func (r *ServiceRepo) SetStatus(id int64, status ServiceStatus) error {
	res, err := r.db.Exec(`UPDATE persistent_services SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set status for service %d: %w", id, err)
	}
	return requireRow(res)
}

// SetRunning records a successful start: status, process handle and start time.
func (r *ServiceRepo) SetRunning(id int64, processID, containerID string, at time.Time) error {
	res, err := r.db.Exec(
		`UPDATE persistent_services SET status = ?, process_id = ?, container_id = ?, started_at = ? WHERE id = ?`,
		string(ServiceRunning), processID, containerID, at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark service %d running: %w", id, err)
	}
	return requireRow(res)
}

// SetStopped clears the runtime handle and records the final status.
func (r *ServiceRepo) SetStopped(id int64, status ServiceStatus) error {
	res, err := r.db.Exec(
		`UPDATE persistent_services SET status = ?, process_id = NULL WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark service %d stopped: %w", id, err)
	}
	return requireRow(res)
}

// TouchLastRestart records a supervisor-initiated restart.
func (r *ServiceRepo) TouchLastRestart(id int64, at time.Time) error {
	_, err := r.db.Exec(`UPDATE persistent_services SET last_restart = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last_restart for service %d: %w", id, err)
	}
	return nil
}

func (r *ServiceRepo) nameTaken(name string, excludeID int64) (bool, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM persistent_services WHERE name = ? AND id != ?`, name, excludeID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check service name uniqueness: %w", err)
	}
	return count > 0, nil
}

const serviceSelect = `SELECT id, name, code, container_id, packages, created_at, started_at, last_restart,
		is_active, status, restart_policy, description, process_id, auto_start
	 FROM persistent_services`

func scanService(row rowScanner) (*PersistentService, error) {
	var (
		svc         PersistentService
		containerID sql.NullString
		packages    sql.NullString
		startedAt   sql.NullTime
		lastRestart sql.NullTime
		status      string
		policy      string
		description sql.NullString
		processID   sql.NullString
		isActive    int
		autoStart   int
	)
	err := row.Scan(&svc.ID, &svc.Name, &svc.Code, &containerID, &packages, &svc.CreatedAt,
		&startedAt, &lastRestart, &isActive, &status, &policy, &description, &processID, &autoStart)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan service: %w", err)
	}
	svc.ContainerID = containerID.String
	svc.Packages = csvToPackages(packages.String)
	if startedAt.Valid {
		t := startedAt.Time
		svc.StartedAt = &t
	}
	if lastRestart.Valid {
		t := lastRestart.Time
		svc.LastRestart = &t
	}
	svc.IsActive = isActive != 0
	svc.Status = ServiceStatus(status)
	svc.RestartPolicy = RestartPolicy(policy)
	svc.Description = description.String
	svc.ProcessID = processID.String
	svc.AutoStart = autoStart != 0
	return &svc, nil
}
