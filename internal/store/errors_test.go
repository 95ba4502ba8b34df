// ABOUTME: Tests for error record persistence and keyword classification
// ABOUTME: Covers SaveError defaults, resolution, filtering, and ordering

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"connection refused by peer", ErrorTypeConnection},
		{"probe timeout after 3s", ErrorTypeConnection},
		{"host unreachable", ErrorTypeConnection},
		{"out of memory while loading model", ErrorTypeMemory},
		{"OOM killed", ErrorTypeMemory},
		{"permission denied opening socket", ErrorTypePermission},
		{"model file not found", ErrorTypeNotFound},
		{"no such process", ErrorTypeNotFound},
		{"syntax error in config", ErrorTypeSyntax},
		{"something odd happened", ErrorTypeUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.message), "message: %s", tt.message)
	}
}

func TestErrors_Save_GeneratesDefaults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &ErrorRecord{
		AgentID: "translator",
		Message: "connection refused",
	}
	require.NoError(t, store.SaveError(ctx, rec))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, ErrorTypeConnection, rec.ErrorType)
	assert.Equal(t, SeverityError, rec.Severity)
}

func TestErrors_Save_ExplicitTypeWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &ErrorRecord{
		AgentID:   "system",
		Message:   "cpu usage 96.0% exceeds threshold 90.0%",
		ErrorType: ErrorTypeResource,
		Severity:  SeverityCritical,
	}
	require.NoError(t, store.SaveError(ctx, rec))

	got, err := store.QueryErrors(ctx, ErrorFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ErrorTypeResource, got[0].ErrorType)
	assert.Equal(t, SeverityCritical, got[0].Severity)
}

func TestErrors_MarkResolved(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &ErrorRecord{AgentID: "a", Message: "connection refused"}
	require.NoError(t, store.SaveError(ctx, rec))

	require.NoError(t, store.MarkErrorResolved(ctx, rec.ID, "agent restarted"))

	resolved := true
	got, err := store.QueryErrors(ctx, ErrorFilter{Resolved: &resolved})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Resolved)
	assert.Equal(t, "agent restarted", got[0].ResolutionMessage)
}

func TestErrors_MarkResolved_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.MarkErrorResolved(context.Background(), "missing-id", "n/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestErrors_Query_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	records := []*ErrorRecord{
		{AgentID: "translator", Message: "connection refused", Timestamp: base},
		{AgentID: "translator", Message: "out of memory", Timestamp: base.Add(time.Second)},
		{AgentID: "memory_store", Message: "connection timeout", Timestamp: base.Add(2 * time.Second)},
	}
	for _, r := range records {
		require.NoError(t, store.SaveError(ctx, r))
	}

	agent := "translator"
	got, err := store.QueryErrors(ctx, ErrorFilter{AgentID: &agent})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first
	assert.Equal(t, "out of memory", got[0].Message)

	typ := ErrorTypeConnection
	got, err = store.QueryErrors(ctx, ErrorFilter{Type: &typ})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.QueryErrors(ctx, ErrorFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "memory_store", got[0].AgentID)
}

func TestErrors_Save_IdempotentByID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &ErrorRecord{ID: "fixed-id", AgentID: "a", Message: "connection refused"}
	require.NoError(t, store.SaveError(ctx, rec))
	require.NoError(t, store.SaveError(ctx, rec))

	got, err := store.QueryErrors(ctx, ErrorFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
