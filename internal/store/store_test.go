// ABOUTME: Tests for agent status and settings persistence
// ABOUTME: Covers upsert semantics, round-trips, and not-found handling

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testAgentStatus(id string) *AgentStatus {
	return &AgentStatus{
		AgentID:             id,
		Endpoint:            "http://127.0.0.1:7001",
		Status:              StatusUnknown,
		HeartbeatInterval:   5 * time.Second,
		MaxMissedHeartbeats: 3,
		MaxRecoveryAttempts: 3,
		RecoveryCooldown:    60 * time.Second,
		IsCritical:          true,
		Capabilities:        []string{"translate", "stream"},
		ResourceUsage:       map[string]float64{"cpu": 12.5},
	}
}

func TestStore_SaveAgentStatus_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	status := testAgentStatus("translator")
	status.Status = StatusOnline
	status.LastHeartbeat = time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.SaveAgentStatus(ctx, status))

	got, err := store.LoadAgentStatus(ctx, "translator")
	require.NoError(t, err)
	assert.Equal(t, "translator", got.AgentID)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, status.LastHeartbeat, got.LastHeartbeat)
	assert.Equal(t, 5*time.Second, got.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, got.RecoveryCooldown)
	assert.True(t, got.IsCritical)
	assert.Equal(t, []string{"translate", "stream"}, got.Capabilities)
	assert.Equal(t, map[string]float64{"cpu": 12.5}, got.ResourceUsage)
}

func TestStore_SaveAgentStatus_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	status := testAgentStatus("translator")
	require.NoError(t, store.SaveAgentStatus(ctx, status))

	status.Status = StatusOffline
	status.MissedHeartbeats = 3
	status.RecoveryAttempts = 1
	require.NoError(t, store.SaveAgentStatus(ctx, status))

	got, err := store.LoadAgentStatus(ctx, "translator")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status)
	assert.Equal(t, 3, got.MissedHeartbeats)
	assert.Equal(t, 1, got.RecoveryAttempts)

	all, err := store.ListAgentStatuses(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_LoadAgentStatus_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.LoadAgentStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListAgentStatuses_Ordered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mu"} {
		require.NoError(t, store.SaveAgentStatus(ctx, testAgentStatus(id)))
	}

	all, err := store.ListAgentStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].AgentID)
	assert.Equal(t, "mu", all[1].AgentID)
	assert.Equal(t, "zeta", all[2].AgentID)
}

func TestStore_AgentStatus_ZeroTimes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgentStatus(ctx, testAgentStatus("fresh")))

	got, err := store.LoadAgentStatus(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.IsZero())
	assert.True(t, got.LastRecoveryTime.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStore_Settings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Default when unset
	v, err := store.GetSetting(ctx, "backoff_policy", "flat")
	require.NoError(t, err)
	assert.Equal(t, "flat", v)

	require.NoError(t, store.SetSetting(ctx, "backoff_policy", "exponential"))
	v, err = store.GetSetting(ctx, "backoff_policy", "flat")
	require.NoError(t, err)
	assert.Equal(t, "exponential", v)

	// Upsert overwrites
	require.NoError(t, store.SetSetting(ctx, "backoff_policy", "flat"))
	v, err = store.GetSetting(ctx, "backoff_policy", "")
	require.NoError(t, err)
	assert.Equal(t, "flat", v)
}
