// ABOUTME: Tests for snapshot bundle create, list and restore
// ABOUTME: Round-trips state through a bundle directory and checks restore seeding and pausing

package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
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

func testConfig() *config.Config {
	return &config.Config{
		Recovery: config.RecoveryConfig{Cooldown: time.Minute, MaxAttempts: 3},
		Agents: []config.AgentConfig{
			{ID: "translator", Endpoint: "http://127.0.0.1:7001", MaxMissedHeartbeats: 3, MaxRecoveryAttempts: 3},
			{ID: "memory_store", Endpoint: "http://127.0.0.1:7002", MaxMissedHeartbeats: 3, MaxRecoveryAttempts: 3},
		},
	}
}

type fakePauser struct {
	paused  int
	resumed int
}

func (f *fakePauser) Pause()  { f.paused++ }
func (f *fakePauser) Resume() { f.resumed++ }

func setupManager(t *testing.T, dir string) (*Manager, *store.MemoryStore, *registry.Registry, *fakePauser) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(testConfig(), st, testLogger())
	pauser := &fakePauser{}
	m := NewManager(config.SnapshotsConfig{Dir: dir}, st, reg, nil, testLogger(), pauser)
	return m, st, reg, pauser
}

func TestManager_CreateAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, st, reg, _ := setupManager(t, dir)

	_, err := reg.RecordProbeSuccess(ctx, "translator")
	require.NoError(t, err)
	require.NoError(t, st.SaveError(ctx, &store.ErrorRecord{AgentID: "translator", Message: "connection refused"}))
	require.NoError(t, st.SaveRecoveryAction(ctx, &store.RecoveryAction{AgentID: "translator", ActionType: store.ActionRestart}))
	require.NoError(t, st.SaveResourceSnapshot(ctx, &store.ResourceSnapshot{Timestamp: time.Now().UTC(), CPUPercent: 42}))

	manifest, err := m.Create(ctx, "pre-upgrade")
	require.NoError(t, err)
	assert.Contains(t, manifest.ID, "pre-upgrade-")
	assert.Equal(t, 1, manifest.AgentCount)

	lastID, err := st.GetSetting(ctx, "last_snapshot_id", "")
	require.NoError(t, err)
	assert.Equal(t, manifest.ID, lastID)

	// Restore into a fresh store and registry, as after a controller restart.
	m2, st2, reg2, pauser2 := setupManager(t, dir)
	require.NoError(t, m2.Restore(ctx, manifest.ID))

	// Statuses come back as hints: live states downgrade to unknown.
	state, ok := reg2.Get("translator")
	require.True(t, ok)
	assert.Equal(t, store.StatusUnknown, state.Status)

	records, err := st2.QueryErrors(ctx, store.ErrorFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "connection refused", records[0].Message)

	actions, err := st2.QueryRecoveryActions(ctx, store.ActionFilter{})
	require.NoError(t, err)
	assert.Len(t, actions, 1)

	snaps, err := st2.QueryResourceSnapshots(ctx, store.ResourceFilter{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 42.0, snaps[0].CPUPercent)

	assert.Equal(t, 1, pauser2.paused)
	assert.Equal(t, 1, pauser2.resumed)
}

func TestManager_RestoreMissingBundle(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, st, _, pauser := setupManager(t, dir)

	err := m.Restore(ctx, "nope-20200101-000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// Nothing was paused and nothing was written.
	assert.Zero(t, pauser.paused)
	records, qerr := st.QueryErrors(ctx, store.ErrorFilter{})
	require.NoError(t, qerr)
	assert.Empty(t, records)
}

func TestManager_CreateCapturesConfigFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfgFile := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("agents: []\n"), 0o644))

	st := store.NewMemoryStore()
	reg := registry.New(testConfig(), st, testLogger())
	m := NewManager(config.SnapshotsConfig{Dir: dir, ConfigFiles: []string{cfgFile}}, st, reg, nil, testLogger())

	manifest, err := m.Create(ctx, "cfg")
	require.NoError(t, err)
	assert.Equal(t, cfgFile, manifest.ConfigFiles["agents.yaml"])

	copied, err := os.ReadFile(filepath.Join(dir, manifest.ID, configsDir, "agents.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "agents: []\n", string(copied))

	// Overwrite the original, restore, and the captured copy comes back.
	require.NoError(t, os.WriteFile(cfgFile, []byte("agents: [broken]\n"), 0o644))
	require.NoError(t, m.Restore(ctx, manifest.ID))
	restored, err := os.ReadFile(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, "agents: []\n", string(restored))
}

func TestManager_CreateSkipsMissingConfigFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := store.NewMemoryStore()
	reg := registry.New(testConfig(), st, testLogger())
	m := NewManager(config.SnapshotsConfig{Dir: dir, ConfigFiles: []string{"/does/not/exist.yaml"}}, st, reg, nil, testLogger())

	manifest, err := m.Create(ctx, "partial")
	require.NoError(t, err)
	assert.Empty(t, manifest.ConfigFiles)
}

type fakeSampler struct {
	snap *store.ResourceSnapshot
	err  error
}

func (f *fakeSampler) Sample(ctx context.Context) (*store.ResourceSnapshot, error) {
	return f.snap, f.err
}

func TestManager_CreateTakesFreshResourceSample(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := store.NewMemoryStore()
	reg := registry.New(testConfig(), st, testLogger())

	// An older persisted reading from the monitor loop.
	stale := &store.ResourceSnapshot{Timestamp: time.Now().Add(-time.Minute), CPUPercent: 10}
	require.NoError(t, st.SaveResourceSnapshot(ctx, stale))

	sampler := &fakeSampler{snap: &store.ResourceSnapshot{Timestamp: time.Now(), CPUPercent: 77}}
	m := NewManager(config.SnapshotsConfig{Dir: dir}, st, reg, sampler, testLogger())

	manifest, err := m.Create(ctx, "fresh")
	require.NoError(t, err)

	var snaps []*store.ResourceSnapshot
	data, err := os.ReadFile(filepath.Join(dir, manifest.ID, resourceFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, 77.0, snaps[0].CPUPercent)
	assert.Equal(t, 10.0, snaps[1].CPUPercent)
}

func TestManager_CreateSurvivesSampleFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := store.NewMemoryStore()
	reg := registry.New(testConfig(), st, testLogger())
	m := NewManager(config.SnapshotsConfig{Dir: dir}, st, reg, &fakeSampler{err: context.DeadlineExceeded}, testLogger())

	_, err := m.Create(ctx, "degraded-host")
	require.NoError(t, err)
}

func TestManager_ListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	m, _, _, _ := setupManager(t, dir)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	first, err := m.Create(ctx, "first")
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Hour) }
	second, err := m.Create(ctx, "second")
	require.NoError(t, err)

	// A stray temp dir must not show up.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "broken-20260301-130000.tmp"), 0o755))

	manifests, err := m.List()
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, second.ID, manifests[0].ID)
	assert.Equal(t, first.ID, manifests[1].ID)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "pre_upgrade_v2", sanitizeName("pre upgrade/v2"))
	assert.Equal(t, "snapshot", sanitizeName(""))
}
