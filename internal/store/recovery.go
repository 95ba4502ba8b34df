// ABOUTME: Recovery action persistence for the append-only recovery audit trail
// ABOUTME: Actions are created open and completed exactly once with a success flag

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveRecoveryAction upserts a recovery action row.
// Generates ID and Timestamp when not set.
func (s *SQLiteStore) SaveRecoveryAction(ctx context.Context, action *RecoveryAction) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO recovery_actions (id, agent_id, action_type, reason, ts, success, completed_ts, result_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			action_type = excluded.action_type,
			reason = excluded.reason,
			ts = excluded.ts,
			success = excluded.success,
			completed_ts = excluded.completed_ts,
			result_message = excluded.result_message
	`

	var success any
	if action.Success != nil {
		success = boolToInt(*action.Success)
	}

	_, err := s.db.ExecContext(ctx, query,
		action.ID,
		action.AgentID,
		action.ActionType,
		nullableString(action.Reason),
		formatTime(action.Timestamp),
		success,
		formatNullableTime(action.CompletedTimestamp),
		nullableString(action.ResultMessage),
	)
	if err != nil {
		return fmt.Errorf("inserting recovery action: %w", err)
	}

	s.logger.Debug("saved recovery action",
		"id", action.ID,
		"agent_id", action.AgentID,
		"action_type", action.ActionType,
	)
	return nil
}

// CompleteRecoveryAction marks an open action as completed. Completion happens
// exactly once: a second call finds no open row and returns ErrNotFound.
func (s *SQLiteStore) CompleteRecoveryAction(ctx context.Context, id string, success bool, resultMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_actions
		SET success = ?, completed_ts = ?, result_message = ?
		WHERE id = ? AND success IS NULL
	`, boolToInt(success), formatTime(time.Now().UTC()), resultMessage, id)
	if err != nil {
		return fmt.Errorf("completing recovery action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("completing recovery action: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryRecoveryActions returns recovery actions matching the filter, newest first.
func (s *SQLiteStore) QueryRecoveryActions(ctx context.Context, filter ActionFilter) ([]*RecoveryAction, error) {
	query := `
		SELECT id, agent_id, action_type, reason, ts, success, completed_ts, result_message
		FROM recovery_actions WHERE 1=1
	`
	var args []any
	if filter.AgentID != nil {
		query += " AND agent_id = ?"
		args = append(args, *filter.AgentID)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recovery actions: %w", err)
	}
	defer rows.Close()

	var actions []*RecoveryAction
	for rows.Next() {
		var (
			a                     RecoveryAction
			ts                    string
			reason, result        sql.NullString
			success               sql.NullInt64
			completed             sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &a.ActionType, &reason, &ts, &success, &completed, &result); err != nil {
			return nil, fmt.Errorf("scanning recovery action: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing action timestamp: %w", err)
		}
		a.Reason = reason.String
		a.ResultMessage = result.String
		if success.Valid {
			v := success.Int64 != 0
			a.Success = &v
		}
		a.CompletedTimestamp = parseNullableTime(completed)
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}
