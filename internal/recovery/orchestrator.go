// ABOUTME: Recovery orchestrator: dependency-first restart of offline agents
// ABOUTME: Every attempt leaves a completed recovery_actions row; failures never escape the worker

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/registry"
	"github.com/2389/fleet-warden/internal/store"
)

// SpecsFromConfig builds the per-agent ProcessSpec map from configuration.
func SpecsFromConfig(cfg *config.Config) map[string]ProcessSpec {
	specs := make(map[string]ProcessSpec, len(cfg.Agents))
	for _, a := range cfg.Agents {
		specs[a.ID] = ProcessSpec{
			AgentID:      a.ID,
			StartCommand: a.StartCommand,
			ProcessName:  a.ProcessName,
		}
	}
	return specs
}

// errDependencyFailed marks errors that originate in a dependency's recovery
// rather than the requested agent's own eligibility.
var errDependencyFailed = errors.New("dependency recovery failed")

// Request is one queued recovery job.
type Request struct {
	AgentID string
	Reason  string
}

// Orchestrator recovers offline agents. Recoveries are serialized through a
// queue so at most one chain runs at a time; the Recovering status in the
// registry additionally locks each agent against concurrent claims.
type Orchestrator struct {
	registry  *registry.Registry
	store     store.Store
	restarter Restarter
	specs     map[string]ProcessSpec
	logger    *slog.Logger
	queue     chan Request
}

// NewOrchestrator wires the orchestrator. The specs map holds one ProcessSpec
// per configured agent, keyed by agent id.
func NewOrchestrator(reg *registry.Registry, st store.Store, restarter Restarter, specs map[string]ProcessSpec, logger *slog.Logger) *Orchestrator {
	if specs == nil {
		specs = map[string]ProcessSpec{}
	}
	return &Orchestrator{
		registry:  reg,
		store:     st,
		restarter: restarter,
		specs:     specs,
		logger:    logger.With("component", "recovery"),
		queue:     make(chan Request, 64),
	}
}

// Enqueue schedules a recovery without blocking the caller. A full queue
// drops the request with a warning; the next poll cycle re-detects the
// offline agent and tries again.
func (o *Orchestrator) Enqueue(agentID, reason string) {
	select {
	case o.queue <- Request{AgentID: agentID, Reason: reason}:
	default:
		o.logger.Warn("recovery queue full, dropping request", "agent_id", agentID)
	}
}

// Run drains the recovery queue until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("recovery worker started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("recovery worker stopped")
			return
		case req := <-o.queue:
			if err := o.Recover(ctx, req.AgentID, req.Reason); err != nil {
				o.logger.Warn("recovery failed", "agent_id", req.AgentID, "error", err)
			}
		}
	}
}

// Recover runs one recovery attempt for the agent, restarting non-online
// dependencies first. An agent that is not eligible (not offline, in
// cooldown, or out of attempts) is a logged no-op.
func (o *Orchestrator) Recover(ctx context.Context, agentID, reason string) error {
	err := o.recover(ctx, agentID, reason, map[string]bool{})
	if errors.Is(err, registry.ErrNotEligible) && !errors.Is(err, errDependencyFailed) {
		o.logger.Info("recovery skipped, agent not eligible", "agent_id", agentID)
		return nil
	}
	return err
}

// ResetAttempts clears an agent's recovery attempt counter on operator
// request and records the reset in the audit trail. The next offline
// detection may recover the agent again.
func (o *Orchestrator) ResetAttempts(ctx context.Context, agentID string) error {
	if err := o.registry.ResetAttempts(ctx, agentID); err != nil {
		return err
	}

	success := true
	action := &store.RecoveryAction{
		AgentID:            agentID,
		ActionType:         store.ActionReset,
		Reason:             "operator reset",
		Success:            &success,
		CompletedTimestamp: time.Now().UTC(),
		ResultMessage:      "attempt counter cleared",
	}
	if err := o.store.SaveRecoveryAction(ctx, action); err != nil {
		o.logger.Error("saving reset action failed", "agent_id", agentID, "error", err)
	}
	return nil
}

// recover claims the agent, settles its dependencies, then restarts its
// process. path carries the agent ids on the current recursion chain so a
// dependency cycle that survived config validation cannot recurse forever.
func (o *Orchestrator) recover(ctx context.Context, agentID, reason string, path map[string]bool) error {
	path[agentID] = true
	defer delete(path, agentID)

	if err := o.registry.BeginRecovery(ctx, agentID); err != nil {
		return err
	}
	o.logger.Info("recovery started", "agent_id", agentID, "reason", reason)

	// Dependencies settle before the agent itself restarts. A failed
	// dependency aborts the chain: restarting an agent whose dependency is
	// down would come straight back offline.
	for _, dep := range o.registry.Dependencies(agentID) {
		if err := o.settleDependency(ctx, agentID, dep, path); err != nil {
			o.failWithoutRestart(ctx, agentID, reason, err.Error())
			return fmt.Errorf("%w: %v", errDependencyFailed, err)
		}
	}

	action := &store.RecoveryAction{
		AgentID:    agentID,
		ActionType: store.ActionRestart,
		Reason:     reason,
	}
	if err := o.store.SaveRecoveryAction(ctx, action); err != nil {
		o.logger.Error("saving recovery action failed", "agent_id", agentID, "error", err)
	}

	if err := o.restarter.Restart(ctx, o.specs[agentID]); err != nil {
		detail := fmt.Sprintf("restart failed: %v", err)
		o.completeAction(ctx, action.ID, false, detail)
		o.recordError(ctx, agentID, detail, "", store.SeverityError, action.ID)
		o.completeRegistry(ctx, agentID, false)
		o.logger.Warn("recovery failed", "agent_id", agentID, "error", err)
		return fmt.Errorf("restarting %q: %w", agentID, err)
	}

	o.completeAction(ctx, action.ID, true, "restart command issued")
	o.completeRegistry(ctx, agentID, true)
	o.resolveConnectionErrors(ctx, agentID)
	o.logger.Info("recovery succeeded", "agent_id", agentID)
	return nil
}

// resolveConnectionErrors closes out the agent's open connection errors after
// a successful recovery. Other error types stay open; the restart says
// nothing about them.
func (o *Orchestrator) resolveConnectionErrors(ctx context.Context, agentID string) {
	unresolved := false
	records, err := o.store.QueryErrors(ctx, store.ErrorFilter{AgentID: &agentID, Resolved: &unresolved})
	if err != nil {
		o.logger.Warn("querying open errors failed", "agent_id", agentID, "error", err)
		return
	}
	for _, rec := range records {
		if rec.ErrorType != store.ErrorTypeConnection {
			continue
		}
		if err := o.store.MarkErrorResolved(ctx, rec.ID, "agent recovered"); err != nil {
			o.logger.Warn("resolving error failed", "error_id", rec.ID, "error", err)
		}
	}
}

// settleDependency ensures dep is in a state that allows agentID's restart to
// proceed. Online, degraded and unknown dependencies pass through: the
// process is reachable or has never been probed. Offline dependencies are
// recovered recursively; a dependency already mid-recovery aborts this
// attempt rather than racing it.
func (o *Orchestrator) settleDependency(ctx context.Context, agentID, dep string, path map[string]bool) error {
	// A dependency already on the recursion chain is a cycle. Config
	// validation rejects these, so hitting one at runtime means the
	// configuration is broken; surface it loudly and stop the chain.
	if path[dep] {
		msg := fmt.Sprintf("dependency cycle detected between %q and %q", agentID, dep)
		o.recordError(ctx, dep, msg, store.ErrorTypeConfig, store.SeverityCritical, "")
		return errors.New(msg)
	}

	state, ok := o.registry.Get(dep)
	if !ok {
		return fmt.Errorf("dependency %q is not a registered agent", dep)
	}

	switch state.Status {
	case store.StatusOffline:
		if err := o.recover(ctx, dep, fmt.Sprintf("dependency of %s", agentID), path); err != nil {
			return fmt.Errorf("dependency %q: %v", dep, err)
		}
		return nil
	case store.StatusRecovering:
		return fmt.Errorf("dependency %q recovery already in progress", dep)
	default:
		return nil
	}
}

// failWithoutRestart settles a claimed recovery whose restart step never ran.
// The attempt still gets a completed action row so the audit trail shows why
// nothing was restarted.
func (o *Orchestrator) failWithoutRestart(ctx context.Context, agentID, reason, detail string) {
	action := &store.RecoveryAction{
		AgentID:    agentID,
		ActionType: store.ActionRestart,
		Reason:     reason,
	}
	if err := o.store.SaveRecoveryAction(ctx, action); err != nil {
		o.logger.Error("saving recovery action failed", "agent_id", agentID, "error", err)
	}
	o.completeAction(ctx, action.ID, false, detail)
	o.recordError(ctx, agentID, detail, "", store.SeverityError, action.ID)
	o.completeRegistry(ctx, agentID, false)
	o.logger.Warn("recovery aborted", "agent_id", agentID, "detail", detail)
}

func (o *Orchestrator) completeAction(ctx context.Context, actionID string, success bool, detail string) {
	if err := o.store.CompleteRecoveryAction(ctx, actionID, success, detail); err != nil {
		o.logger.Error("completing recovery action failed", "action_id", actionID, "error", err)
	}
}

func (o *Orchestrator) completeRegistry(ctx context.Context, agentID string, success bool) {
	if err := o.registry.CompleteRecovery(ctx, agentID, success); err != nil {
		o.logger.Error("settling recovery state failed", "agent_id", agentID, "error", err)
	}
}

func (o *Orchestrator) recordError(ctx context.Context, agentID, message, errorType string, severity string, actionID string) {
	record := &store.ErrorRecord{
		AgentID:          agentID,
		Message:          message,
		ErrorType:        errorType,
		Severity:         severity,
		RecoveryActionID: actionID,
	}
	if err := o.store.SaveError(ctx, record); err != nil {
		o.logger.Error("saving error record failed", "agent_id", agentID, "error", err)
	}
}
