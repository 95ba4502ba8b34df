// ABOUTME: Store interface and data types for fleet-warden persistence
// ABOUTME: Defines AgentStatus, ErrorRecord, RecoveryAction, ResourceSnapshot and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Status is the liveness state of a supervised agent.
type Status string

const (
	StatusUnknown    Status = "unknown"    // never successfully probed this epoch
	StatusOnline     Status = "online"     // last probe succeeded
	StatusDegraded   Status = "degraded"   // missed heartbeats below the offline threshold
	StatusOffline    Status = "offline"    // missed-heartbeat count reached the threshold
	StatusRecovering Status = "recovering" // claimed by the recovery orchestrator
)

// Severity levels for error records.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Recovery action types.
const (
	ActionRestart     = "restart"
	ActionReset       = "reset"
	ActionClearMemory = "clear_memory"
	ActionOptimize    = "optimize"
	ActionNotify      = "notify"
)

// AgentStatus is the persisted health record for one supervised agent.
type AgentStatus struct {
	AgentID             string             `json:"agent_id"`
	Endpoint            string             `json:"endpoint"`
	Status              Status             `json:"status"`
	LastHeartbeat       time.Time          `json:"last_heartbeat"`
	HeartbeatInterval   time.Duration      `json:"heartbeat_interval"`
	MissedHeartbeats    int                `json:"missed_heartbeats"`
	MaxMissedHeartbeats int                `json:"max_missed_heartbeats"`
	RecoveryAttempts    int                `json:"recovery_attempts"`
	MaxRecoveryAttempts int                `json:"max_recovery_attempts"`
	LastRecoveryTime    time.Time          `json:"last_recovery_time"`
	RecoveryCooldown    time.Duration      `json:"recovery_cooldown"`
	IsCritical          bool               `json:"is_critical"`
	Capabilities        []string           `json:"capabilities,omitempty"`
	ResourceUsage       map[string]float64 `json:"resource_usage,omitempty"`
	ErrorCount          int                `json:"error_count"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// ErrorRecord is an append-only fact about something going wrong.
// Records are never mutated except to mark them resolved.
type ErrorRecord struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	Message           string    `json:"message"`
	ErrorType         string    `json:"error_type"` // connection/memory/permission/not_found/syntax/resource/proactive_detection/unknown
	Severity          string    `json:"severity"`
	Timestamp         time.Time `json:"timestamp"`
	Resolved          bool      `json:"resolved"`
	ResolutionMessage string    `json:"resolution_message,omitempty"`
	RecoveryActionID  string    `json:"recovery_action_id,omitempty"` // back-reference to the action that addressed it
}

// RecoveryAction is an append-only audit record of one recovery attempt.
// Success is nil until the action completes; completion happens exactly once.
type RecoveryAction struct {
	ID                 string    `json:"id"`
	AgentID            string    `json:"agent_id"`
	ActionType         string    `json:"action_type"`
	Reason             string    `json:"reason,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Success            *bool     `json:"success"`
	CompletedTimestamp time.Time `json:"completed_timestamp,omitzero"`
	ResultMessage      string    `json:"result_message,omitempty"`
}

// ResourceSnapshot is a point-in-time capture of host-level resource usage.
type ResourceSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryTotal     uint64    `json:"memory_total"`
	MemoryAvailable uint64    `json:"memory_available"`
	MemoryUsed      uint64    `json:"memory_used"`
	MemoryPercent   float64   `json:"memory_percent"`
	DiskTotal       uint64    `json:"disk_total"`
	DiskUsed        uint64    `json:"disk_used"`
	DiskFree        uint64    `json:"disk_free"`
	DiskPercent     float64   `json:"disk_percent"`
	NetBytesSent    uint64    `json:"net_bytes_sent"`
	NetBytesRecv    uint64    `json:"net_bytes_recv"`
	ProcessCount    int       `json:"process_count"`
}

// ErrorFilter specifies filtering options for querying error records.
type ErrorFilter struct {
	AgentID  *string
	Resolved *bool
	Type     *string
	Limit    int // max results (default 100, max 1000)
}

// ActionFilter specifies filtering options for querying recovery actions.
type ActionFilter struct {
	AgentID *string
	Limit   int
}

// ResourceFilter specifies filtering options for querying resource snapshots.
type ResourceFilter struct {
	Start *time.Time
	End   *time.Time
	Limit int
}

// Store is the persistence contract for the controller. All writes are
// idempotent upserts keyed by primary id so retries are safe.
type Store interface {
	SaveAgentStatus(ctx context.Context, status *AgentStatus) error
	LoadAgentStatus(ctx context.Context, agentID string) (*AgentStatus, error)
	ListAgentStatuses(ctx context.Context) ([]*AgentStatus, error)

	SaveError(ctx context.Context, record *ErrorRecord) error
	MarkErrorResolved(ctx context.Context, id, resolutionMessage string) error
	QueryErrors(ctx context.Context, filter ErrorFilter) ([]*ErrorRecord, error)

	SaveRecoveryAction(ctx context.Context, action *RecoveryAction) error
	CompleteRecoveryAction(ctx context.Context, id string, success bool, resultMessage string) error
	QueryRecoveryActions(ctx context.Context, filter ActionFilter) ([]*RecoveryAction, error)

	SaveResourceSnapshot(ctx context.Context, snap *ResourceSnapshot) error
	QueryResourceSnapshots(ctx context.Context, filter ResourceFilter) ([]*ResourceSnapshot, error)

	GetSetting(ctx context.Context, key, defaultValue string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a query limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
