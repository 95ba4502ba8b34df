// ABOUTME: In-memory agent registry holding per-agent health state and the dependency graph.
// ABOUTME: Owns the liveness state machine; every transition is persisted through the store.

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/store"
)

// ErrAgentNotFound indicates the specified agent is not in the registry.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNotEligible indicates the agent does not currently satisfy the
// recovery gate (not offline, cooling down, or attempts exhausted).
var ErrNotEligible = errors.New("agent not eligible for recovery")

// onlineStreakResetThreshold is the number of consecutive successful probes
// counted as "sustained online" for the optional attempt-counter reset.
const onlineStreakResetThreshold = 12

// Transition describes a state-machine step taken by a probe result.
type Transition struct {
	From    store.Status
	To      store.Status
	Changed bool
}

// Registry is the single source of mutable truth for agent health state.
// Fleet membership is static for the process lifetime: agents are loaded from
// configuration once and never added or removed at runtime.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*store.AgentStatus
	order  []string
	deps   map[string][]string

	store  store.Store
	logger *slog.Logger

	resetAttemptsOnOnline bool
	onlineStreak          map[string]int

	// now is swapped in tests to control cooldown arithmetic
	now func() time.Time
}

// New builds a Registry from the static fleet configuration. The dependency
// graph is taken as already validated (config.Load rejects cycles and unknown
// references).
func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Registry {
	r := &Registry{
		agents:                make(map[string]*store.AgentStatus, len(cfg.Agents)),
		deps:                  make(map[string][]string, len(cfg.Agents)),
		store:                 st,
		logger:                logger,
		resetAttemptsOnOnline: cfg.Recovery.ResetAttemptsOnOnline,
		onlineStreak:          make(map[string]int, len(cfg.Agents)),
		now:                   time.Now,
	}

	for _, a := range cfg.Agents {
		r.agents[a.ID] = &store.AgentStatus{
			AgentID:             a.ID,
			Endpoint:            a.Endpoint,
			Status:              store.StatusUnknown,
			HeartbeatInterval:   a.HeartbeatInterval,
			MaxMissedHeartbeats: a.MaxMissedHeartbeats,
			MaxRecoveryAttempts: a.MaxRecoveryAttempts,
			RecoveryCooldown:    cfg.Recovery.Cooldown,
			IsCritical:          a.Critical,
			Capabilities:        a.Capabilities,
		}
		r.order = append(r.order, a.ID)
		r.deps[a.ID] = a.Dependencies
	}

	return r
}

// Rehydrate seeds registry state from rows persisted by a previous run.
// Stored statuses are hints only: Online downgrades to Unknown (a fresh probe
// must re-establish liveness) and Recovering downgrades to Offline (no lock
// survives a crash). Counters are trusted as-is.
func (r *Registry) Rehydrate(ctx context.Context) error {
	stored, err := r.store.ListAgentStatuses(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range stored {
		agent, ok := r.agents[row.AgentID]
		if !ok {
			// Agent was removed from configuration; leave its row alone.
			continue
		}
		agent.Status = downgradeHint(row.Status)
		agent.MissedHeartbeats = row.MissedHeartbeats
		agent.RecoveryAttempts = row.RecoveryAttempts
		agent.LastRecoveryTime = row.LastRecoveryTime
		agent.ErrorCount = row.ErrorCount
		r.logger.Debug("rehydrated agent state",
			"agent_id", row.AgentID,
			"stored_status", row.Status,
			"status", agent.Status,
		)
	}
	return nil
}

// downgradeHint maps a persisted status to the state trusted on startup.
func downgradeHint(s store.Status) store.Status {
	switch s {
	case store.StatusOnline, store.StatusDegraded, store.StatusUnknown:
		return store.StatusUnknown
	case store.StatusRecovering, store.StatusOffline:
		return store.StatusOffline
	default:
		return store.StatusUnknown
	}
}

// Get returns a copy of the agent's current state.
func (r *Registry) Get(agentID string) (store.AgentStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return store.AgentStatus{}, false
	}
	return *agent, true
}

// IDs returns all agent ids in configuration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Dependencies returns the declared dependency list for an agent.
// The graph is read-only after load.
func (r *Registry) Dependencies(agentID string) []string {
	deps := r.deps[agentID]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Snapshot returns copies of all agent states in configuration order.
func (r *Registry) Snapshot() []*store.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.AgentStatus, 0, len(r.order))
	for _, id := range r.order {
		cp := *r.agents[id]
		out = append(out, &cp)
	}
	return out
}

// Counts summarizes the fleet for health reporting.
type Counts struct {
	Total           int `json:"agent_count"`
	Online          int `json:"online_count"`
	Offline         int `json:"offline_count"`
	Degraded        int `json:"degraded_count"`
	Recovering      int `json:"recovering_count"`
	Unknown         int `json:"unknown_count"`
	CriticalOffline int `json:"critical_offline"`
}

// Counts tallies agent statuses for the health report and broadcast.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	c.Total = len(r.agents)
	for _, a := range r.agents {
		switch a.Status {
		case store.StatusOnline:
			c.Online++
		case store.StatusOffline:
			c.Offline++
			if a.IsCritical {
				c.CriticalOffline++
			}
		case store.StatusDegraded:
			c.Degraded++
		case store.StatusRecovering:
			c.Recovering++
		default:
			c.Unknown++
		}
	}
	return c
}

// RecordProbeSuccess applies a successful liveness probe: missed heartbeats
// reset to zero and the agent becomes Online. Probe results for an agent the
// orchestrator currently holds (Recovering) are ignored; the orchestrator
// settles the outcome itself.
func (r *Registry) RecordProbeSuccess(ctx context.Context, agentID string) (Transition, error) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return Transition{}, ErrAgentNotFound
	}

	from := agent.Status
	if from == store.StatusRecovering {
		r.mu.Unlock()
		return Transition{From: from, To: from}, nil
	}

	agent.MissedHeartbeats = 0
	agent.LastHeartbeat = r.now().UTC()
	agent.Status = store.StatusOnline

	r.onlineStreak[agentID]++
	if r.resetAttemptsOnOnline &&
		r.onlineStreak[agentID] >= onlineStreakResetThreshold &&
		agent.RecoveryAttempts > 0 {
		r.logger.Info("resetting recovery attempts after sustained online streak",
			"agent_id", agentID,
			"streak", r.onlineStreak[agentID],
		)
		agent.RecoveryAttempts = 0
	}

	tr := Transition{From: from, To: agent.Status, Changed: from != agent.Status}
	cp := *agent
	r.mu.Unlock()

	if tr.Changed {
		r.logger.Info("agent online", "agent_id", agentID, "previous", string(from))
	}
	r.persist(ctx, &cp)
	return tr, nil
}

// RecordProbeFailure applies a failed or timed-out probe: the missed counter
// increments and the agent degrades, then goes offline at the threshold.
// An agent that has never been online stays Unknown until it goes offline.
func (r *Registry) RecordProbeFailure(ctx context.Context, agentID string) (Transition, error) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return Transition{}, ErrAgentNotFound
	}

	from := agent.Status
	if from == store.StatusRecovering {
		r.mu.Unlock()
		return Transition{From: from, To: from}, nil
	}

	r.onlineStreak[agentID] = 0
	agent.MissedHeartbeats++

	switch {
	case agent.MissedHeartbeats >= agent.MaxMissedHeartbeats && from != store.StatusOffline:
		agent.Status = store.StatusOffline
		agent.ErrorCount++
	case from == store.StatusOnline:
		agent.Status = store.StatusDegraded
	}

	tr := Transition{From: from, To: agent.Status, Changed: from != agent.Status}
	cp := *agent
	r.mu.Unlock()

	if tr.Changed {
		r.logger.Warn("agent state degraded",
			"agent_id", agentID,
			"from", string(tr.From),
			"to", string(tr.To),
			"missed_heartbeats", cp.MissedHeartbeats,
		)
	}
	r.persist(ctx, &cp)
	return tr, nil
}

// CanRecover reports whether the agent satisfies the recovery gate: offline,
// outside the cooldown window, and under the attempt cap.
func (r *Registry) CanRecover(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return r.canRecoverLocked(agent)
}

func (r *Registry) canRecoverLocked(agent *store.AgentStatus) bool {
	if agent.Status != store.StatusOffline {
		return false
	}
	if !agent.LastRecoveryTime.IsZero() &&
		r.now().Sub(agent.LastRecoveryTime) < agent.RecoveryCooldown {
		return false
	}
	return agent.RecoveryAttempts < agent.MaxRecoveryAttempts
}

// BeginRecovery claims the agent for the orchestrator: the attempt counter
// increments, the cooldown clock restarts, and the status moves to
// Recovering, which serializes recovery per agent. Returns ErrNotEligible if
// the gate fails, so concurrent claims resolve to a single winner.
func (r *Registry) BeginRecovery(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	if !r.canRecoverLocked(agent) {
		r.mu.Unlock()
		return ErrNotEligible
	}

	agent.RecoveryAttempts++
	agent.LastRecoveryTime = r.now().UTC()
	agent.Status = store.StatusRecovering
	cp := *agent
	r.mu.Unlock()

	r.logger.Info("recovery claimed",
		"agent_id", agentID,
		"attempt", cp.RecoveryAttempts,
		"max_attempts", cp.MaxRecoveryAttempts,
	)
	r.persist(ctx, &cp)
	return nil
}

// CompleteRecovery settles a recovery attempt: success verifies the agent
// Online with a clean missed counter, failure returns it to Offline for the
// next cooldown-gated attempt.
func (r *Registry) CompleteRecovery(ctx context.Context, agentID string, success bool) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}

	if success {
		agent.Status = store.StatusOnline
		agent.MissedHeartbeats = 0
		agent.LastHeartbeat = r.now().UTC()
	} else {
		agent.Status = store.StatusOffline
		agent.ErrorCount++
	}
	cp := *agent
	r.mu.Unlock()

	r.logger.Info("recovery settled",
		"agent_id", agentID,
		"success", success,
		"attempts", cp.RecoveryAttempts,
	)
	r.persist(ctx, &cp)
	return nil
}

// ResetAttempts clears the recovery attempt counter. This is the operator
// pathway for un-parking an agent that exhausted its attempts.
func (r *Registry) ResetAttempts(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	agent.RecoveryAttempts = 0
	agent.LastRecoveryTime = time.Time{}
	cp := *agent
	r.mu.Unlock()

	r.logger.Info("recovery attempts reset", "agent_id", agentID)
	r.persist(ctx, &cp)
	return nil
}

// Seed applies persisted statuses as startup-style hints. Used by snapshot
// restore: the next heartbeat cycle corrects anything stale.
func (r *Registry) Seed(ctx context.Context, statuses []*store.AgentStatus) {
	r.mu.Lock()
	var seeded []*store.AgentStatus
	for _, row := range statuses {
		agent, ok := r.agents[row.AgentID]
		if !ok {
			continue
		}
		agent.Status = downgradeHint(row.Status)
		agent.MissedHeartbeats = row.MissedHeartbeats
		agent.RecoveryAttempts = row.RecoveryAttempts
		agent.LastRecoveryTime = row.LastRecoveryTime
		agent.ErrorCount = row.ErrorCount
		cp := *agent
		seeded = append(seeded, &cp)
	}
	r.mu.Unlock()

	for _, cp := range seeded {
		r.persist(ctx, cp)
	}
}

// persist writes the status row through the store. Persistence failures are
// logged, not propagated: losing a write degrades durability, not liveness
// tracking.
func (r *Registry) persist(ctx context.Context, status *store.AgentStatus) {
	if err := r.store.SaveAgentStatus(ctx, status); err != nil {
		r.logger.Warn("persisting agent status failed",
			"agent_id", status.AgentID,
			"error", err,
		)
	}
}
