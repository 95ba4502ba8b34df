// ABOUTME: Tests for the recovery orchestrator
// ABOUTME: Covers dependency ordering, failure propagation, the eligibility gate, and cycle handling

package recovery

import (
	"context"
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

// fakeRestarter records restart order and fails on command for chosen agents.
type fakeRestarter struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeRestarter) Restart(ctx context.Context, spec ProcessSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spec.AgentID)
	if err, ok := f.fail[spec.AgentID]; ok {
		return err
	}
	return nil
}

func (f *fakeRestarter) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func fleetConfig(agents ...config.AgentConfig) *config.Config {
	return &config.Config{
		Recovery: config.RecoveryConfig{
			Cooldown:    60 * time.Second,
			MaxAttempts: 3,
		},
		Agents: agents,
	}
}

func agent(id string, deps ...string) config.AgentConfig {
	return config.AgentConfig{
		ID:                  id,
		Endpoint:            "http://127.0.0.1:7001",
		StartCommand:        "start " + id,
		MaxMissedHeartbeats: 3,
		MaxRecoveryAttempts: 3,
		HeartbeatInterval:   5 * time.Second,
		Dependencies:        deps,
	}
}

func setupOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *registry.Registry, *store.MemoryStore, *fakeRestarter) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(cfg, st, testLogger())
	fr := &fakeRestarter{fail: map[string]error{}}
	specs := SpecsFromConfig(cfg)
	orch := NewOrchestrator(reg, st, fr, specs, testLogger())
	return orch, reg, st, fr
}

// driveOffline records enough probe failures to cross the offline threshold.
func driveOffline(t *testing.T, reg *registry.Registry, agentID string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := reg.RecordProbeFailure(ctx, agentID)
		require.NoError(t, err)
	}
	state, ok := reg.Get(agentID)
	require.True(t, ok)
	require.Equal(t, store.StatusOffline, state.Status)
}

func TestOrchestrator_RestartsDependencyFirst(t *testing.T) {
	cfg := fleetConfig(agent("translator", "memory_store"), agent("memory_store"))
	orch, reg, st, fr := setupOrchestrator(t, cfg)
	ctx := context.Background()

	driveOffline(t, reg, "translator")
	driveOffline(t, reg, "memory_store")

	require.NoError(t, orch.Recover(ctx, "translator", "heartbeat threshold exceeded"))

	assert.Equal(t, []string{"memory_store", "translator"}, fr.callOrder())

	actions, err := st.QueryRecoveryActions(ctx, store.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		require.NotNil(t, a.Success, "every action must be completed")
		assert.True(t, *a.Success)
		assert.Equal(t, store.ActionRestart, a.ActionType)
	}

	for _, id := range []string{"translator", "memory_store"} {
		state, ok := reg.Get(id)
		require.True(t, ok)
		assert.Equal(t, store.StatusOnline, state.Status)
		assert.Equal(t, 1, state.RecoveryAttempts)
	}
}

func TestOrchestrator_DependencyRestartFailureAbortsParent(t *testing.T) {
	cfg := fleetConfig(agent("translator", "memory_store"), agent("memory_store"))
	orch, reg, st, fr := setupOrchestrator(t, cfg)
	ctx := context.Background()

	driveOffline(t, reg, "translator")
	driveOffline(t, reg, "memory_store")
	fr.fail["memory_store"] = errors.New("exec format error")

	err := orch.Recover(ctx, "translator", "heartbeat threshold exceeded")
	require.Error(t, err)

	// The translator's own restart never ran.
	assert.Equal(t, []string{"memory_store"}, fr.callOrder())

	actions, err := st.QueryRecoveryActions(ctx, store.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		require.NotNil(t, a.Success)
		assert.False(t, *a.Success)
	}

	for _, id := range []string{"translator", "memory_store"} {
		state, ok := reg.Get(id)
		require.True(t, ok)
		assert.Equal(t, store.StatusOffline, state.Status, id)
		assert.Equal(t, 1, state.RecoveryAttempts, id)
	}
}

func TestOrchestrator_NotEligibleIsNoOp(t *testing.T) {
	cfg := fleetConfig(agent("translator"))
	orch, reg, st, fr := setupOrchestrator(t, cfg)
	ctx := context.Background()

	_, err := reg.RecordProbeSuccess(ctx, "translator")
	require.NoError(t, err)

	require.NoError(t, orch.Recover(ctx, "translator", "manual"))

	assert.Empty(t, fr.callOrder())
	actions, err := st.QueryRecoveryActions(ctx, store.ActionFilter{})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestOrchestrator_UnknownAgent(t *testing.T) {
	cfg := fleetConfig(agent("translator"))
	orch, _, st, fr := setupOrchestrator(t, cfg)
	ctx := context.Background()

	err := orch.Recover(ctx, "ghost", "manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrAgentNotFound))

	assert.Empty(t, fr.callOrder())
	actions, err := st.QueryRecoveryActions(ctx, store.ActionFilter{})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestOrchestrator_CooldownGatesSecondAttempt(t *testing.T) {
	cfg := fleetConfig(agent("translator"))
	orch, reg, st, fr := setupOrchestrator(t, cfg)
	ctx := context.Background()

	driveOffline(t, reg, "translator")
	fr.fail["translator"] = errors.New("spawn failed")

	err := orch.Recover(ctx, "translator", "heartbeat threshold exceeded")
	require.Error(t, err)

	state, ok := reg.Get("translator")
	require.True(t, ok)
	assert.Equal(t, store.StatusOffline, state.Status)
	assert.Equal(t, 1, state.RecoveryAttempts)

	// The failed attempt left an error record pointing at its action row.
	records, err := st.QueryErrors(ctx, store.ErrorFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].RecoveryActionID)

	// Straight away the cooldown has not elapsed, so a retry is a no-op.
	require.NoError(t, orch.Recover(ctx, "translator", "retry"))
	assert.Equal(t, []string{"translator"}, fr.callOrder())
	state, ok = reg.Get("translator")
	require.True(t, ok)
	assert.Equal(t, 1, state.RecoveryAttempts)
}

func TestOrchestrator_SuccessResolvesConnectionErrors(t *testing.T) {
	cfg := fleetConfig(agent("translator"))
	orch, reg, st, _ := setupOrchestrator(t, cfg)
	ctx := context.Background()

	driveOffline(t, reg, "translator")
	require.NoError(t, st.SaveError(ctx, &store.ErrorRecord{
		AgentID:   "translator",
		Message:   "agent offline after 3 missed heartbeats",
		ErrorType: store.ErrorTypeConnection,
		Severity:  store.SeverityError,
	}))
	require.NoError(t, st.SaveError(ctx, &store.ErrorRecord{
		AgentID:   "translator",
		Message:   "out of memory",
		ErrorType: store.ErrorTypeMemory,
	}))

	require.NoError(t, orch.Recover(ctx, "translator", "heartbeat threshold exceeded"))

	resolved := true
	records, err := st.QueryErrors(ctx, store.ErrorFilter{Resolved: &resolved})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.ErrorTypeConnection, records[0].ErrorType)
	assert.Equal(t, "agent recovered", records[0].ResolutionMessage)

	// The memory error is not the restart's to close.
	unresolved := false
	records, err = st.QueryErrors(ctx, store.ErrorFilter{Resolved: &unresolved})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.ErrorTypeMemory, records[0].ErrorType)
}

func TestOrchestrator_ResetAttempts(t *testing.T) {
	cfg := fleetConfig(agent("translator"))
	orch, reg, st, fr := setupOrchestrator(t, cfg)
	ctx := context.Background()

	driveOffline(t, reg, "translator")
	fr.fail["translator"] = errors.New("spawn failed")
	require.Error(t, orch.Recover(ctx, "translator", "heartbeat threshold exceeded"))

	state, ok := reg.Get("translator")
	require.True(t, ok)
	require.Equal(t, 1, state.RecoveryAttempts)

	require.NoError(t, orch.ResetAttempts(ctx, "translator"))

	state, ok = reg.Get("translator")
	require.True(t, ok)
	assert.Equal(t, 0, state.RecoveryAttempts)

	// The reset leaves its own completed audit row.
	actions, err := st.QueryRecoveryActions(ctx, store.ActionFilter{})
	require.NoError(t, err)
	var resets int
	for _, a := range actions {
		if a.ActionType == store.ActionReset {
			resets++
			require.NotNil(t, a.Success)
			assert.True(t, *a.Success)
		}
	}
	assert.Equal(t, 1, resets)

	require.Error(t, orch.ResetAttempts(ctx, "ghost"))
}

func TestOrchestrator_DegradedDependencyDoesNotBlock(t *testing.T) {
	cfg := fleetConfig(agent("translator", "memory_store"), agent("memory_store"))
	orch, reg, _, fr := setupOrchestrator(t, cfg)
	ctx := context.Background()

	driveOffline(t, reg, "translator")
	// One missed heartbeat: degraded requires a prior online status.
	_, err := reg.RecordProbeSuccess(ctx, "memory_store")
	require.NoError(t, err)
	_, err = reg.RecordProbeFailure(ctx, "memory_store")
	require.NoError(t, err)

	dep, ok := reg.Get("memory_store")
	require.True(t, ok)
	require.Equal(t, store.StatusDegraded, dep.Status)

	require.NoError(t, orch.Recover(ctx, "translator", "heartbeat threshold exceeded"))
	assert.Equal(t, []string{"translator"}, fr.callOrder())
}

func TestOrchestrator_DependencyCycleTerminates(t *testing.T) {
	// Config validation rejects cycles, so build the config by hand to prove
	// the runtime guard holds on its own.
	cfg := fleetConfig(agent("x", "y"), agent("y", "x"))
	orch, reg, st, fr := setupOrchestrator(t, cfg)
	ctx := context.Background()

	driveOffline(t, reg, "x")
	driveOffline(t, reg, "y")

	err := orch.Recover(ctx, "x", "heartbeat threshold exceeded")
	require.Error(t, err)

	// No restart ran anywhere on the chain.
	assert.Empty(t, fr.callOrder())

	// The cycle surfaced as a critical configuration error.
	typ := store.ErrorTypeConfig
	records, qerr := st.QueryErrors(ctx, store.ErrorFilter{Type: &typ})
	require.NoError(t, qerr)
	require.NotEmpty(t, records)
	assert.Equal(t, store.SeverityCritical, records[0].Severity)
}

func TestOrchestrator_EnqueueAndRun(t *testing.T) {
	cfg := fleetConfig(agent("translator"))
	orch, reg, _, fr := setupOrchestrator(t, cfg)

	driveOffline(t, reg, "translator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()

	orch.Enqueue("translator", "heartbeat threshold exceeded")

	require.Eventually(t, func() bool {
		state, ok := reg.Get("translator")
		return ok && state.Status == store.StatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"translator"}, fr.callOrder())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
