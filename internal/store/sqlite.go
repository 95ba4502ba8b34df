// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent status, error, recovery, resource and setting persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Writers from all loops interleave; keep busy waits bounded
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_status (
			agent_id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			status TEXT NOT NULL,
			last_heartbeat DATETIME,
			heartbeat_interval_ms INTEGER NOT NULL DEFAULT 0,
			missed_heartbeats INTEGER NOT NULL DEFAULT 0,
			max_missed_heartbeats INTEGER NOT NULL DEFAULT 3,
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			max_recovery_attempts INTEGER NOT NULL DEFAULT 3,
			last_recovery_time DATETIME,
			recovery_cooldown_ms INTEGER NOT NULL DEFAULT 0,
			is_critical INTEGER NOT NULL DEFAULT 0,
			capabilities TEXT,
			resource_usage TEXT,
			error_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS error_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			message TEXT NOT NULL,
			error_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			ts DATETIME NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolution_message TEXT,
			recovery_action_id TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_error_records_agent
			ON error_records(agent_id);

		CREATE INDEX IF NOT EXISTS idx_error_records_ts
			ON error_records(ts);

		CREATE TABLE IF NOT EXISTS recovery_actions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			reason TEXT,
			ts DATETIME NOT NULL,
			success INTEGER,
			completed_ts DATETIME,
			result_message TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_recovery_actions_agent
			ON recovery_actions(agent_id);

		CREATE INDEX IF NOT EXISTS idx_recovery_actions_ts
			ON recovery_actions(ts);

		CREATE TABLE IF NOT EXISTS system_resources (
			ts DATETIME PRIMARY KEY,
			cpu_percent REAL NOT NULL,
			memory_total INTEGER NOT NULL,
			memory_available INTEGER NOT NULL,
			memory_used INTEGER NOT NULL,
			memory_percent REAL NOT NULL,
			disk_total INTEGER NOT NULL,
			disk_used INTEGER NOT NULL,
			disk_free INTEGER NOT NULL,
			disk_percent REAL NOT NULL,
			net_bytes_sent INTEGER NOT NULL,
			net_bytes_recv INTEGER NOT NULL,
			process_count INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS optimization_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveAgentStatus upserts the status row for the agent. Retries are safe:
// the row is keyed by agent_id and fully replaced on conflict.
func (s *SQLiteStore) SaveAgentStatus(ctx context.Context, status *AgentStatus) error {
	capsJSON, err := json.Marshal(status.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	usageJSON, err := json.Marshal(status.ResourceUsage)
	if err != nil {
		return fmt.Errorf("marshaling resource usage: %w", err)
	}

	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO agent_status (
			agent_id, endpoint, status, last_heartbeat, heartbeat_interval_ms,
			missed_heartbeats, max_missed_heartbeats, recovery_attempts,
			max_recovery_attempts, last_recovery_time, recovery_cooldown_ms,
			is_critical, capabilities, resource_usage, error_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			heartbeat_interval_ms = excluded.heartbeat_interval_ms,
			missed_heartbeats = excluded.missed_heartbeats,
			max_missed_heartbeats = excluded.max_missed_heartbeats,
			recovery_attempts = excluded.recovery_attempts,
			max_recovery_attempts = excluded.max_recovery_attempts,
			last_recovery_time = excluded.last_recovery_time,
			recovery_cooldown_ms = excluded.recovery_cooldown_ms,
			is_critical = excluded.is_critical,
			capabilities = excluded.capabilities,
			resource_usage = excluded.resource_usage,
			error_count = excluded.error_count,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		status.AgentID,
		status.Endpoint,
		string(status.Status),
		formatNullableTime(status.LastHeartbeat),
		status.HeartbeatInterval.Milliseconds(),
		status.MissedHeartbeats,
		status.MaxMissedHeartbeats,
		status.RecoveryAttempts,
		status.MaxRecoveryAttempts,
		formatNullableTime(status.LastRecoveryTime),
		status.RecoveryCooldown.Milliseconds(),
		boolToInt(status.IsCritical),
		string(capsJSON),
		string(usageJSON),
		status.ErrorCount,
		formatTime(status.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent status: %w", err)
	}
	return nil
}

// LoadAgentStatus fetches the status row for one agent.
// Returns ErrNotFound if the agent has never been persisted.
func (s *SQLiteStore) LoadAgentStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, endpoint, status, last_heartbeat, heartbeat_interval_ms,
			missed_heartbeats, max_missed_heartbeats, recovery_attempts,
			max_recovery_attempts, last_recovery_time, recovery_cooldown_ms,
			is_critical, capabilities, resource_usage, error_count, updated_at
		FROM agent_status WHERE agent_id = ?
	`, agentID)

	status, err := scanAgentStatus(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent status: %w", err)
	}
	return status, nil
}

// ListAgentStatuses fetches all persisted agent status rows.
func (s *SQLiteStore) ListAgentStatuses(ctx context.Context) ([]*AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, endpoint, status, last_heartbeat, heartbeat_interval_ms,
			missed_heartbeats, max_missed_heartbeats, recovery_attempts,
			max_recovery_attempts, last_recovery_time, recovery_cooldown_ms,
			is_critical, capabilities, resource_usage, error_count, updated_at
		FROM agent_status ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing agent statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*AgentStatus
	for rows.Next() {
		status, err := scanAgentStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent status: %w", err)
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentStatus(row rowScanner) (*AgentStatus, error) {
	var (
		status                       AgentStatus
		statusStr                    string
		lastHeartbeat, lastRecovery  sql.NullString
		heartbeatMS, cooldownMS      int64
		isCritical                   int
		capsJSON, usageJSON, updated string
	)

	err := row.Scan(
		&status.AgentID,
		&status.Endpoint,
		&statusStr,
		&lastHeartbeat,
		&heartbeatMS,
		&status.MissedHeartbeats,
		&status.MaxMissedHeartbeats,
		&status.RecoveryAttempts,
		&status.MaxRecoveryAttempts,
		&lastRecovery,
		&cooldownMS,
		&isCritical,
		&capsJSON,
		&usageJSON,
		&status.ErrorCount,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	status.Status = Status(statusStr)
	status.HeartbeatInterval = time.Duration(heartbeatMS) * time.Millisecond
	status.RecoveryCooldown = time.Duration(cooldownMS) * time.Millisecond
	status.IsCritical = isCritical != 0
	status.LastHeartbeat = parseNullableTime(lastHeartbeat)
	status.LastRecoveryTime = parseNullableTime(lastRecovery)
	if status.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if capsJSON != "" && capsJSON != "null" {
		if err := json.Unmarshal([]byte(capsJSON), &status.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
		}
	}
	if usageJSON != "" && usageJSON != "null" {
		if err := json.Unmarshal([]byte(usageJSON), &status.ResourceUsage); err != nil {
			return nil, fmt.Errorf("unmarshaling resource usage: %w", err)
		}
	}
	return &status, nil
}

// GetSetting returns the stored value for key, or defaultValue when unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key, defaultValue string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM optimization_settings WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return defaultValue, nil
	}
	if err != nil {
		return "", fmt.Errorf("getting setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a setting value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO optimization_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// Time columns are stored as RFC3339Nano strings in UTC.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseNullableTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
