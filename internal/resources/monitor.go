// ABOUTME: Resource monitor loop: periodic host sampling, persistence, and threshold alerting
// ABOUTME: Breaches become system-scoped error records; a margin above threshold escalates to critical

package resources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/store"
)

// SystemAgentID scopes host-level error records that belong to no agent.
const SystemAgentID = "system"

// criticalMargin is how far past its threshold a metric must be before the
// alert escalates from warning to critical.
const criticalMargin = 5.0

// Monitor periodically samples host resources, persists the snapshots and
// raises error records when configured thresholds are breached.
type Monitor struct {
	sampler  Sampler
	store    store.Store
	cfg      config.ResourcesConfig
	interval time.Duration
	logger   *slog.Logger
	paused   atomic.Bool

	mu     sync.RWMutex
	latest *store.ResourceSnapshot
}

func NewMonitor(sampler Sampler, st store.Store, cfg config.ResourcesConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		sampler:  sampler,
		store:    st,
		cfg:      cfg,
		interval: cfg.SampleInterval,
		logger:   logger.With("component", "resources"),
	}
}

// Pause suspends sampling, typically while a snapshot restore replays state.
func (m *Monitor) Pause() { m.paused.Store(true) }

// Resume re-enables sampling after a Pause.
func (m *Monitor) Resume() { m.paused.Store(false) }

// Latest returns the most recent snapshot, if one has been taken.
func (m *Monitor) Latest() (*store.ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil, false
	}
	snap := *m.latest
	return &snap, true
}

// Run samples on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("resource monitor started", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.SampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("resource monitor stopped")
			return
		case <-ticker.C:
			if m.paused.Load() {
				continue
			}
			m.SampleOnce(ctx)
		}
	}
}

// SampleOnce takes a single sample, persists it and checks thresholds.
// Sampling failures are logged and skipped; the loop continues.
func (m *Monitor) SampleOnce(ctx context.Context) {
	snap, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("resource sample failed", "error", err)
		return
	}

	if err := m.store.SaveResourceSnapshot(ctx, snap); err != nil {
		m.logger.Error("saving resource snapshot failed", "error", err)
	}

	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()

	m.checkThreshold(ctx, "cpu", snap.CPUPercent, m.cfg.CPUThreshold)
	m.checkThreshold(ctx, "memory", snap.MemoryPercent, m.cfg.MemoryThreshold)
	m.checkThreshold(ctx, "disk", snap.DiskPercent, m.cfg.DiskThreshold)
}

// checkThreshold records a system error when usage is at or above the
// threshold. A threshold of zero disables the check for that metric.
func (m *Monitor) checkThreshold(ctx context.Context, metric string, usage, threshold float64) {
	if threshold <= 0 || usage < threshold {
		return
	}

	severity := store.SeverityWarning
	if usage >= threshold+criticalMargin {
		severity = store.SeverityCritical
	}

	record := &store.ErrorRecord{
		AgentID:   SystemAgentID,
		Message:   fmt.Sprintf("%s usage %.1f%% exceeds threshold %.1f%%", metric, usage, threshold),
		ErrorType: store.ErrorTypeResource,
		Severity:  severity,
	}
	if err := m.store.SaveError(ctx, record); err != nil {
		m.logger.Error("saving resource alert failed", "metric", metric, "error", err)
		return
	}
	m.logger.Warn("resource threshold breached",
		"metric", metric,
		"usage", usage,
		"threshold", threshold,
		"severity", severity,
	)
}
