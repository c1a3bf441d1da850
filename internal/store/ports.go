package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ExposedPort maps a proxy path to a published sandbox port.
type ExposedPort struct {
	ID           int64
	ContainerID  string
	InternalPort int
	ExternalPort int
	ServiceName  string
	ServiceType  string // Framework: streamlit, gradio, dash, fastapi, flask
	ProxyPath    string // Unique, e.g. /proxy/ab12cd34
	CreatedAt    time.Time
	LastAccessed *time.Time
	IsActive     bool
	Description  string
}

// ExposedPortRepo persists the proxy routing table.
type ExposedPortRepo struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewExposedPortRepo creates a new exposed port repository
func NewExposedPortRepo(db *sql.DB, log zerolog.Logger) *ExposedPortRepo {
	return &ExposedPortRepo{
		db:  db,
		log: log.With().Str("repo", "exposed_ports").Logger(),
	}
}

// Create registers a proxy route. Returns ErrConflict when the path is taken.
func (r *ExposedPortRepo) Create(port *ExposedPort) error {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM exposed_ports WHERE proxy_path = ?`, port.ProxyPath).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check proxy path uniqueness: %w", err)
	}
	if count > 0 {
		return ErrConflict
	}

	now := time.Now().UTC()
	res, err := r.db.Exec(
		`INSERT INTO exposed_ports (container_id, internal_port, external_port, service_name, service_type, proxy_path, created_at, is_active, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		port.ContainerID, port.InternalPort, port.ExternalPort, nullable(port.ServiceName),
		nullable(port.ServiceType), port.ProxyPath, now, boolToInt(port.IsActive), nullable(port.Description),
	)
	if err != nil {
		return fmt.Errorf("failed to insert exposed port: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read exposed port id: %w", err)
	}
	port.ID = id
	port.CreatedAt = now
	return nil
}

// GetByProxyPath resolves a proxy path to its route.
func (r *ExposedPortRepo) GetByProxyPath(path string) (*ExposedPort, error) {
	row := r.db.QueryRow(portSelect+` WHERE proxy_path = ? AND is_active = 1`, path)
	return scanExposedPort(row)
}

// List returns all active routes.
func (r *ExposedPortRepo) List() ([]*ExposedPort, error) {
	rows, err := r.db.Query(portSelect + ` WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposed ports: %w", err)
	}
	defer rows.Close()

	var ports []*ExposedPort
	for rows.Next() {
		port, err := scanExposedPort(rows)
		if err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// DeleteByContainer removes every route owned by a sandbox.
func (r *ExposedPortRepo) DeleteByContainer(containerID string) error {
	_, err := r.db.Exec(`DELETE FROM exposed_ports WHERE container_id = ?`, containerID)
	if err != nil {
		return fmt.Errorf("failed to delete exposed ports for %s: %w", containerID, err)
	}
	return nil
}

// TouchLastAccessed records proxy traffic on a route.
func (r *ExposedPortRepo) TouchLastAccessed(id int64) error {
	_, err := r.db.Exec(`UPDATE exposed_ports SET last_accessed = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to update last_accessed for port %d: %w", id, err)
	}
	return nil
}

const portSelect = `SELECT id, container_id, internal_port, external_port, service_name, service_type, proxy_path, created_at, last_accessed, is_active, description
	 FROM exposed_ports`

func scanExposedPort(row rowScanner) (*ExposedPort, error) {
	var (
		port         ExposedPort
		serviceName  sql.NullString
		serviceType  sql.NullString
		lastAccessed sql.NullTime
		description  sql.NullString
		isActive     int
	)
	err := row.Scan(&port.ID, &port.ContainerID, &port.InternalPort, &port.ExternalPort,
		&serviceName, &serviceType, &port.ProxyPath, &port.CreatedAt, &lastAccessed, &isActive, &description)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan exposed port: %w", err)
	}
	port.ServiceName = serviceName.String
	port.ServiceType = serviceType.String
	if lastAccessed.Valid {
		t := lastAccessed.Time
		port.LastAccessed = &t
	}
	port.IsActive = isActive != 0
	port.Description = description.String
	return &port, nil
}
