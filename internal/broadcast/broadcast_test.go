// ABOUTME: Tests for health broadcast payload construction and best-effort delivery
// ABOUTME: A fake publisher captures payloads; a fake resource source supplies samples

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/registry"
	"github.com/2389/fleet-warden/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeResources struct {
	snap *store.ResourceSnapshot
}

func (f *fakeResources) Latest() (*store.ResourceSnapshot, bool) {
	if f.snap == nil {
		return nil, false
	}
	return f.snap, true
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	cfg := &config.Config{
		Recovery: config.RecoveryConfig{Cooldown: time.Minute, MaxAttempts: 3},
		Agents: []config.AgentConfig{
			{ID: "translator", Endpoint: "http://127.0.0.1:7001", MaxMissedHeartbeats: 3, MaxRecoveryAttempts: 3, Critical: true},
			{ID: "memory_store", Endpoint: "http://127.0.0.1:7002", MaxMissedHeartbeats: 3, MaxRecoveryAttempts: 3},
		},
	}
	return registry.New(cfg, store.NewMemoryStore(), testLogger())
}

func testBroadcaster(t *testing.T, reg *registry.Registry, res ResourceSource) (*Broadcaster, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	cfg := config.BroadcastConfig{Channel: "fleet:health", Interval: 5 * time.Second}
	b := New(cfg, reg, res, pub, testLogger())
	return b, pub
}

func TestBroadcaster_PublishesHealthySummary(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	_, err := reg.RecordProbeSuccess(ctx, "translator")
	require.NoError(t, err)
	_, err = reg.RecordProbeSuccess(ctx, "memory_store")
	require.NoError(t, err)

	b, pub := testBroadcaster(t, reg, &fakeResources{snap: &store.ResourceSnapshot{
		CPUPercent:    12.5,
		MemoryPercent: 33.0,
		DiskPercent:   41.0,
	}})
	b.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	b.PublishOnce(ctx)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "fleet:health", pub.channels[0])

	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, Component, msg.Component)
	assert.Equal(t, StatusHealthy, msg.Status)
	assert.Equal(t, 2, msg.Metrics.Online)
	assert.Equal(t, 12.5, msg.Metrics.CPUPercent)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), msg.Timestamp)

	// Subscribers address the counts inside the metrics object.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &raw))
	metrics, ok := raw["metrics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), metrics["agent_count"])
	assert.Equal(t, float64(2), metrics["online_count"])
	assert.Equal(t, float64(0), metrics["offline_count"])
}

func TestBroadcaster_CriticalOfflineIsUnhealthy(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	for i := 0; i < 3; i++ {
		_, err := reg.RecordProbeFailure(ctx, "translator")
		require.NoError(t, err)
	}

	b, pub := testBroadcaster(t, reg, &fakeResources{})
	b.PublishOnce(ctx)

	require.Len(t, pub.payloads, 1)
	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, StatusUnhealthy, msg.Status)
	assert.Equal(t, 1, msg.Metrics.CriticalOffline)
}

func TestBroadcaster_NonCriticalOfflineIsDegraded(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	for i := 0; i < 3; i++ {
		_, err := reg.RecordProbeFailure(ctx, "memory_store")
		require.NoError(t, err)
	}

	b, pub := testBroadcaster(t, reg, &fakeResources{})
	b.PublishOnce(ctx)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, StatusDegraded, msg.Status)
}

func TestBroadcaster_PublishFailureIsDropped(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	b, pub := testBroadcaster(t, reg, &fakeResources{})
	pub.err = errors.New("broker down")

	// Must not panic or block.
	b.PublishOnce(ctx)
	assert.Empty(t, pub.payloads)
}

func TestBroadcaster_NoSampleZeroMetrics(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	b, pub := testBroadcaster(t, reg, &fakeResources{})

	b.PublishOnce(ctx)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Zero(t, msg.Metrics.CPUPercent)
}
