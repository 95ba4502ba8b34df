// ABOUTME: In-memory Store implementation for tests and degraded-mode operation
// ABOUTME: Used when the SQLite database cannot be opened; state does not survive restarts

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation. The controller falls back
// to it, with a loud warning, when the embedded database cannot be opened.
// Tests use it to avoid touching disk.
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]*AgentStatus
	errors    map[string]*ErrorRecord
	actions   map[string]*RecoveryAction
	snapshots map[time.Time]*ResourceSnapshot
	settings  map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]*AgentStatus),
		errors:    make(map[string]*ErrorRecord),
		actions:   make(map[string]*RecoveryAction),
		snapshots: make(map[time.Time]*ResourceSnapshot),
		settings:  make(map[string]string),
	}
}

// SaveAgentStatus stores a copy of the agent status.
func (m *MemoryStore) SaveAgentStatus(ctx context.Context, status *AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy to avoid external modification
	st := *status
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	m.agents[st.AgentID] = &st
	return nil
}

// LoadAgentStatus returns a copy of the stored status or ErrNotFound.
func (m *MemoryStore) LoadAgentStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// ListAgentStatuses returns copies of all stored statuses ordered by agent id.
func (m *MemoryStore) ListAgentStatuses(ctx context.Context) ([]*AgentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*AgentStatus, 0, len(m.agents))
	for _, st := range m.agents {
		cp := *st
		statuses = append(statuses, &cp)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].AgentID < statuses[j].AgentID })
	return statuses, nil
}

// SaveError stores a copy of the error record, generating defaults like the SQLite store.
func (m *MemoryStore) SaveError(ctx context.Context, record *ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

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
	cp := *record
	m.errors[cp.ID] = &cp
	return nil
}

// MarkErrorResolved marks a stored error resolved.
func (m *MemoryStore) MarkErrorResolved(ctx context.Context, id, resolutionMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.errors[id]
	if !ok {
		return ErrNotFound
	}
	r.Resolved = true
	r.ResolutionMessage = resolutionMessage
	return nil
}

// QueryErrors returns matching error records, newest first.
func (m *MemoryStore) QueryErrors(ctx context.Context, filter ErrorFilter) ([]*ErrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*ErrorRecord
	for _, r := range m.errors {
		if filter.AgentID != nil && r.AgentID != *filter.AgentID {
			continue
		}
		if filter.Resolved != nil && r.Resolved != *filter.Resolved {
			continue
		}
		if filter.Type != nil && r.ErrorType != *filter.Type {
			continue
		}
		cp := *r
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })
	if limit := normalizeLimit(filter.Limit); len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// SaveRecoveryAction stores a copy of the action, generating defaults.
func (m *MemoryStore) SaveRecoveryAction(ctx context.Context, action *RecoveryAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}
	cp := *action
	m.actions[cp.ID] = &cp
	return nil
}

// CompleteRecoveryAction completes an open action exactly once.
func (m *MemoryStore) CompleteRecoveryAction(ctx context.Context, id string, success bool, resultMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok || a.Success != nil {
		return ErrNotFound
	}
	a.Success = &success
	a.CompletedTimestamp = time.Now().UTC()
	a.ResultMessage = resultMessage
	return nil
}

// QueryRecoveryActions returns matching actions, newest first.
func (m *MemoryStore) QueryRecoveryActions(ctx context.Context, filter ActionFilter) ([]*RecoveryAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var actions []*RecoveryAction
	for _, a := range m.actions {
		if filter.AgentID != nil && a.AgentID != *filter.AgentID {
			continue
		}
		cp := *a
		actions = append(actions, &cp)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Timestamp.After(actions[j].Timestamp) })
	if limit := normalizeLimit(filter.Limit); len(actions) > limit {
		actions = actions[:limit]
	}
	return actions, nil
}

// SaveResourceSnapshot stores a copy of the snapshot keyed by timestamp.
func (m *MemoryStore) SaveResourceSnapshot(ctx context.Context, snap *ResourceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	cp := *snap
	m.snapshots[cp.Timestamp] = &cp
	return nil
}

// QueryResourceSnapshots returns snapshots in the window, newest first.
func (m *MemoryStore) QueryResourceSnapshots(ctx context.Context, filter ResourceFilter) ([]*ResourceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var snaps []*ResourceSnapshot
	for _, s := range m.snapshots {
		if filter.Start != nil && s.Timestamp.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && s.Timestamp.After(*filter.End) {
			continue
		}
		cp := *s
		snaps = append(snaps, &cp)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Timestamp.After(snaps[j].Timestamp) })
	if limit := normalizeLimit(filter.Limit); len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

// GetSetting returns a stored setting or the default.
func (m *MemoryStore) GetSetting(ctx context.Context, key, defaultValue string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.settings[key]; ok {
		return v, nil
	}
	return defaultValue, nil
}

// SetSetting stores a setting value.
func (m *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[key] = value
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
