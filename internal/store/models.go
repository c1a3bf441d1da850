// Package store persists the engine's durable entities: scheduled jobs,
// webhook jobs, persistent services, and execution logs.
package store

import (
	"strings"
	"time"
)

// RestartPolicy controls what the service supervisor does when a persistent
// service's process exits on its own.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
)

// ServiceStatus is the lifecycle state of a persistent service.
type ServiceStatus string

const (
	ServiceStopped    ServiceStatus = "stopped"
	ServiceStarting   ServiceStatus = "starting"
	ServiceRunning    ServiceStatus = "running"
	ServiceError      ServiceStatus = "error"
	ServiceRestarting ServiceStatus = "restarting"
)

// ScheduledJob is a piece of user code fired on a cron expression.
type ScheduledJob struct {
	ID          int64
	Name        string
	Code        string
	CronExpr    string
	ContainerID string // Optional bound sandbox
	Packages    []string
	CreatedAt   time.Time
	LastRun     *time.Time
	IsActive    bool
	Timeout     int // Seconds; default 30
}

// WebhookJob is user code bound to an HTTP endpoint path.
type WebhookJob struct {
	ID            int64
	Name          string
	Endpoint      string // Leading-slash path, unique
	Code          string
	ContainerID   string
	Packages      []string
	CreatedAt     time.Time
	LastTriggered *time.Time
	IsActive      bool
	Timeout       int // Seconds; -1 means unbounded
	Description   string
}

// PersistentService is long-lived user code supervised with a restart policy.
type PersistentService struct {
	ID            int64
	Name          string // Unique
	Code          string
	ContainerID   string
	Packages      []string
	CreatedAt     time.Time
	StartedAt     *time.Time
	LastRestart   *time.Time
	IsActive      bool
	Status        ServiceStatus
	RestartPolicy RestartPolicy
	Description   string
	ProcessID     string // Runtime exec handle while running
	AutoStart     bool
}

// ParentKind identifies which entity an execution log belongs to.
type ParentKind int

const (
	ParentNone ParentKind = iota
	ParentScheduled
	ParentWebhook
	ParentService
)

// LogParent is the tagged reference from an execution log to its owning
// entity. At most one of the three parents is ever set, which the sum type
// makes impossible to violate from Go code.
type LogParent struct {
	Kind ParentKind
	ID   int64
}

// ScheduledParent returns a parent reference to a scheduled job.
func ScheduledParent(id int64) LogParent { return LogParent{Kind: ParentScheduled, ID: id} }

// WebhookParent returns a parent reference to a webhook job.
func WebhookParent(id int64) LogParent { return LogParent{Kind: ParentWebhook, ID: id} }

// ServiceParent returns a parent reference to a persistent service.
func ServiceParent(id int64) LogParent { return LogParent{Kind: ParentService, ID: id} }

// ResourceMetrics captures the resource consumption of a single execution.
// Cumulative counters (CPU, IO) are deltas between pre and post snapshots;
// memory values are taken at completion.
type ResourceMetrics struct {
	CPUUserSeconds   float64 `msgpack:"cpu_user_s" json:"cpu_user_s"`
	CPUSystemSeconds float64 `msgpack:"cpu_sys_s" json:"cpu_sys_s"`
	MemoryUsageBytes uint64  `msgpack:"mem_usage" json:"memory_usage_bytes"`
	MemoryPeakBytes  uint64  `msgpack:"mem_peak" json:"memory_peak_bytes"`
	MemoryPercent    float64 `msgpack:"mem_pct" json:"memory_percent"`
	BlockReadBytes   uint64  `msgpack:"blk_rd" json:"block_read_bytes"`
	BlockWriteBytes  uint64  `msgpack:"blk_wr" json:"block_write_bytes"`
	NetRxBytes       uint64  `msgpack:"net_rx" json:"net_rx_bytes"`
	NetTxBytes       uint64  `msgpack:"net_tx" json:"net_tx_bytes"`
	PIDs             uint64  `msgpack:"pids" json:"pids"`
	ExitCode         int     `msgpack:"exit_code" json:"exit_code"`
}

// ExecutionLog is an append-only record of one execution.
type ExecutionLog struct {
	ID            int64
	Parent        LogParent
	Code          string
	Output        string
	Error         string
	ContainerID   string
	ExecutionTime float64 // Seconds
	StartedAt     time.Time
	Status        string // success, error, timeout
	RequestData   string // Webhook request payload (JSON)
	ResponseData  string // Webhook response payload (JSON)
	Metrics       *ResourceMetrics
}

// packagesToCSV serialises a package list the way the schema stores it.
func packagesToCSV(packages []string) string {
	return strings.Join(packages, ",")
}

// csvToPackages parses the stored comma-separated package list.
func csvToPackages(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
