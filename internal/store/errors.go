// ABOUTME: Error record persistence and keyword-based error classification
// ABOUTME: Records are append-only; the only permitted mutation is marking them resolved

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known error types. Free-text messages without an explicit type are
// classified by ClassifyError; the monitor loops set the rest directly.
const (
	ErrorTypeConfig     = "configuration"
	ErrorTypeConnection = "connection"
	ErrorTypeMemory     = "memory"
	ErrorTypePermission = "permission"
	ErrorTypeNotFound   = "not_found"
	ErrorTypeSyntax     = "syntax"
	ErrorTypeResource   = "resource"
	ErrorTypeProactive  = "proactive_detection"
	ErrorTypeUnknown    = "unknown"
)

// ClassifyError derives an error type from a free-text message.
// Used when an ingested error carries no explicit type.
func ClassifyError(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "connection"), strings.Contains(m, "connect"),
		strings.Contains(m, "timeout"), strings.Contains(m, "refused"),
		strings.Contains(m, "unreachable"):
		return ErrorTypeConnection
	case strings.Contains(m, "memory"), strings.Contains(m, "oom"):
		return ErrorTypeMemory
	case strings.Contains(m, "permission"), strings.Contains(m, "denied"),
		strings.Contains(m, "forbidden"):
		return ErrorTypePermission
	case strings.Contains(m, "not found"), strings.Contains(m, "no such"),
		strings.Contains(m, "missing"):
		return ErrorTypeNotFound
	case strings.Contains(m, "syntax"), strings.Contains(m, "parse"),
		strings.Contains(m, "invalid"):
		return ErrorTypeSyntax
	default:
		return ErrorTypeUnknown
	}
}

// SaveError upserts an error record. Generates ID, Timestamp, ErrorType and
// Severity when not set.
func (s *SQLiteStore) SaveError(ctx context.Context, record *ErrorRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.ErrorType == "" {
		record.ErrorType = ClassifyError(record.Message)
	}
	if record.Severity == "" {
		record.Severity = SeverityError
	}

	query := `
		INSERT INTO error_records (id, agent_id, message, error_type, severity, ts, resolved, resolution_message, recovery_action_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			message = excluded.message,
			error_type = excluded.error_type,
			severity = excluded.severity,
			ts = excluded.ts,
			resolved = excluded.resolved,
			resolution_message = excluded.resolution_message,
			recovery_action_id = excluded.recovery_action_id
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.AgentID,
		record.Message,
		record.ErrorType,
		record.Severity,
		formatTime(record.Timestamp),
		boolToInt(record.Resolved),
		nullableString(record.ResolutionMessage),
		nullableString(record.RecoveryActionID),
	)
	if err != nil {
		return fmt.Errorf("inserting error record: %w", err)
	}

	s.logger.Debug("saved error record",
		"id", record.ID,
		"agent_id", record.AgentID,
		"type", record.ErrorType,
		"severity", record.Severity,
	)
	return nil
}

// MarkErrorResolved marks an error record as resolved with a resolution message.
// Returns ErrNotFound if no record has the given id.
func (s *SQLiteStore) MarkErrorResolved(ctx context.Context, id, resolutionMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE error_records SET resolved = 1, resolution_message = ?
		WHERE id = ?
	`, resolutionMessage, id)
	if err != nil {
		return fmt.Errorf("resolving error record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving error record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryErrors returns error records matching the filter, newest first.
func (s *SQLiteStore) QueryErrors(ctx context.Context, filter ErrorFilter) ([]*ErrorRecord, error) {
	query := `
		SELECT id, agent_id, message, error_type, severity, ts, resolved, resolution_message, recovery_action_id
		FROM error_records WHERE 1=1
	`
	var args []any
	if filter.AgentID != nil {
		query += " AND agent_id = ?"
		args = append(args, *filter.AgentID)
	}
	if filter.Resolved != nil {
		query += " AND resolved = ?"
		args = append(args, boolToInt(*filter.Resolved))
	}
	if filter.Type != nil {
		query += " AND error_type = ?"
		args = append(args, *filter.Type)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying error records: %w", err)
	}
	defer rows.Close()

	var records []*ErrorRecord
	for rows.Next() {
		var (
			r                    ErrorRecord
			ts                   string
			resolved             int
			resolution, actionID sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Message, &r.ErrorType, &r.Severity, &ts, &resolved, &resolution, &actionID); err != nil {
			return nil, fmt.Errorf("scanning error record: %w", err)
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing error timestamp: %w", err)
		}
		r.Resolved = resolved != 0
		r.ResolutionMessage = resolution.String
		r.RecoveryActionID = actionID.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
