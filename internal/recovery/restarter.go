// ABOUTME: Process restarter that terminates stale agent processes and relaunches start commands
// ABOUTME: The only place in the controller that touches the host process table

package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSpec describes how to restart one agent's external process.
type ProcessSpec struct {
	AgentID      string
	StartCommand string
	ProcessName  string
}

// Restarter performs the restart step of a recovery attempt.
type Restarter interface {
	Restart(ctx context.Context, spec ProcessSpec) error
}

// ExecRestarter restarts agents by terminating stale processes matching the
// spec's process name and spawning the configured start command.
type ExecRestarter struct {
	spawnAttempts int
	spawnDelay    time.Duration
	logger        *slog.Logger
}

// NewExecRestarter creates a restarter that retries a failed spawn
// spawnAttempts times with a flat delay between attempts.
func NewExecRestarter(spawnAttempts int, logger *slog.Logger) *ExecRestarter {
	if spawnAttempts < 1 {
		spawnAttempts = 1
	}
	return &ExecRestarter{
		spawnAttempts: spawnAttempts,
		spawnDelay:    500 * time.Millisecond,
		logger:        logger,
	}
}

// Restart terminates any stale process matching the spec, then launches the
// start command. A missing start command is a configuration error surfaced as
// a failed restart.
func (r *ExecRestarter) Restart(ctx context.Context, spec ProcessSpec) error {
	if spec.StartCommand == "" {
		return fmt.Errorf("agent %q has no start command configured", spec.AgentID)
	}

	if spec.ProcessName != "" {
		r.terminateStale(ctx, spec)
	}

	retrier := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(r.spawnAttempts)),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return r.spawnDelay
		}),
	)

	err := retrier.Do(func() error {
		return r.spawn(spec)
	})
	if err != nil {
		return fmt.Errorf("spawning %q: %w", spec.AgentID, err)
	}

	r.logger.Info("agent process launched",
		"agent_id", spec.AgentID,
		"command", spec.StartCommand,
	)
	return nil
}

// terminateStale sends SIGTERM to every process whose name or command line
// matches the spec's process name. Finding nothing is normal: the agent is
// usually being restarted because its process died.
func (r *ExecRestarter) terminateStale(ctx context.Context, spec ProcessSpec) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		r.logger.Warn("listing processes failed", "agent_id", spec.AgentID, "error", err)
		return
	}

	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		if name != spec.ProcessName && !strings.Contains(cmdline, spec.ProcessName) {
			continue
		}

		r.logger.Info("terminating stale process",
			"agent_id", spec.AgentID,
			"pid", p.Pid,
			"name", name,
		)
		if err := p.TerminateWithContext(ctx); err != nil {
			r.logger.Warn("terminating stale process failed",
				"agent_id", spec.AgentID,
				"pid", p.Pid,
				"error", err,
			)
		}
	}
}

// spawn launches the start command through the shell and detaches. The child
// is reaped in the background so a short-lived command does not leave a
// zombie.
func (r *ExecRestarter) spawn(spec ProcessSpec) error {
	cmd := exec.Command("/bin/sh", "-c", spec.StartCommand)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting command: %w", err)
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}
