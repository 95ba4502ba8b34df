// ABOUTME: Resource snapshot persistence keyed by capture timestamp
// ABOUTME: Snapshots are immutable once written and retained for trend analysis

package store

import (
	"context"
	"fmt"
	"time"
)

// SaveResourceSnapshot upserts a resource snapshot keyed by its timestamp.
func (s *SQLiteStore) SaveResourceSnapshot(ctx context.Context, snap *ResourceSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO system_resources (
			ts, cpu_percent, memory_total, memory_available, memory_used,
			memory_percent, disk_total, disk_used, disk_free, disk_percent,
			net_bytes_sent, net_bytes_recv, process_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts) DO UPDATE SET
			cpu_percent = excluded.cpu_percent,
			memory_total = excluded.memory_total,
			memory_available = excluded.memory_available,
			memory_used = excluded.memory_used,
			memory_percent = excluded.memory_percent,
			disk_total = excluded.disk_total,
			disk_used = excluded.disk_used,
			disk_free = excluded.disk_free,
			disk_percent = excluded.disk_percent,
			net_bytes_sent = excluded.net_bytes_sent,
			net_bytes_recv = excluded.net_bytes_recv,
			process_count = excluded.process_count
	`

	_, err := s.db.ExecContext(ctx, query,
		formatTime(snap.Timestamp),
		snap.CPUPercent,
		snap.MemoryTotal,
		snap.MemoryAvailable,
		snap.MemoryUsed,
		snap.MemoryPercent,
		snap.DiskTotal,
		snap.DiskUsed,
		snap.DiskFree,
		snap.DiskPercent,
		snap.NetBytesSent,
		snap.NetBytesRecv,
		snap.ProcessCount,
	)
	if err != nil {
		return fmt.Errorf("inserting resource snapshot: %w", err)
	}
	return nil
}

// QueryResourceSnapshots returns snapshots in the given time window, newest first.
func (s *SQLiteStore) QueryResourceSnapshots(ctx context.Context, filter ResourceFilter) ([]*ResourceSnapshot, error) {
	query := `
		SELECT ts, cpu_percent, memory_total, memory_available, memory_used,
			memory_percent, disk_total, disk_used, disk_free, disk_percent,
			net_bytes_sent, net_bytes_recv, process_count
		FROM system_resources WHERE 1=1
	`
	var args []any
	if filter.Start != nil {
		query += " AND ts >= ?"
		args = append(args, formatTime(*filter.Start))
	}
	if filter.End != nil {
		query += " AND ts <= ?"
		args = append(args, formatTime(*filter.End))
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying resource snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*ResourceSnapshot
	for rows.Next() {
		var (
			snap ResourceSnapshot
			ts   string
		)
		if err := rows.Scan(
			&ts,
			&snap.CPUPercent,
			&snap.MemoryTotal,
			&snap.MemoryAvailable,
			&snap.MemoryUsed,
			&snap.MemoryPercent,
			&snap.DiskTotal,
			&snap.DiskUsed,
			&snap.DiskFree,
			&snap.DiskPercent,
			&snap.NetBytesSent,
			&snap.NetBytesRecv,
			&snap.ProcessCount,
		); err != nil {
			return nil, fmt.Errorf("scanning resource snapshot: %w", err)
		}
		if snap.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing snapshot timestamp: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}
