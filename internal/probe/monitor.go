// ABOUTME: Heartbeat monitor loop probing every registered agent on a fixed interval
// ABOUTME: Applies state-machine transitions and hands offline agents to the recovery queue

package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fleet-warden/internal/registry"
	"github.com/2389/fleet-warden/internal/store"
)

// RecoveryQueue receives agents that went offline and are eligible for
// recovery. Enqueue must not block: the monitor's polling cadence is
// independent of recovery progress.
type RecoveryQueue interface {
	Enqueue(agentID, reason string)
}

// Monitor periodically probes every registered agent and applies the result
// to the registry's state machine.
type Monitor struct {
	registry   *registry.Registry
	prober     Prober
	store      store.Store
	recoveries RecoveryQueue
	interval   time.Duration
	logger     *slog.Logger

	// paused gates polling during snapshot restore
	paused atomic.Bool
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(reg *registry.Registry, prober Prober, st store.Store, recoveries RecoveryQueue, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		registry:   reg,
		prober:     prober,
		store:      st,
		recoveries: recoveries,
		interval:   interval,
		logger:     logger,
	}
}

// Pause suspends polling until Resume is called. In-flight probes finish.
func (m *Monitor) Pause() { m.paused.Store(true) }

// Resume lifts a Pause.
func (m *Monitor) Resume() { m.paused.Store(false) }

// Run polls until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started", "interval", m.interval)

	// Probe immediately on startup rather than waiting a full interval
	m.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			if m.paused.Load() {
				continue
			}
			m.PollOnce(ctx)
		}
	}
}

// PollOnce probes all registered agents concurrently. Each probe carries its
// own timeout, so one hung agent never stalls the rest of the sweep.
func (m *Monitor) PollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, agentID := range m.registry.IDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.probeAgent(ctx, id)
		}(agentID)
	}
	wg.Wait()
}

// probeAgent probes one agent and applies the transition rules to the result.
func (m *Monitor) probeAgent(ctx context.Context, agentID string) {
	agent, ok := m.registry.Get(agentID)
	if !ok {
		return
	}

	result := m.prober.Probe(ctx, agent.Endpoint)

	if result.OK() {
		if _, err := m.registry.RecordProbeSuccess(ctx, agentID); err != nil {
			m.logger.Warn("recording probe success failed", "agent_id", agentID, "error", err)
		}
		return
	}

	tr, err := m.registry.RecordProbeFailure(ctx, agentID)
	if err != nil {
		m.logger.Warn("recording probe failure failed", "agent_id", agentID, "error", err)
		return
	}

	m.logger.Debug("probe failed",
		"agent_id", agentID,
		"outcome", result.Outcome.String(),
		"error", result.Err,
	)

	if tr.To != store.StatusOffline || !tr.Changed {
		return
	}

	// The agent just went offline: record the error and, if the recovery
	// gate holds, hand it to the orchestrator.
	severity := store.SeverityError
	if agent.IsCritical {
		severity = store.SeverityCritical
	}
	record := &store.ErrorRecord{
		AgentID:   agentID,
		Message:   fmt.Sprintf("agent offline after %d missed heartbeats: %v", agent.MaxMissedHeartbeats, result.Err),
		ErrorType: store.ErrorTypeConnection,
		Severity:  severity,
	}
	if err := m.store.SaveError(ctx, record); err != nil {
		m.logger.Warn("saving offline error record failed", "agent_id", agentID, "error", err)
	}

	if m.recoveries != nil && m.registry.CanRecover(agentID) {
		m.recoveries.Enqueue(agentID, fmt.Sprintf("offline after %d missed heartbeats", agent.MaxMissedHeartbeats))
	}
}
