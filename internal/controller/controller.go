// ABOUTME: Top-level controller: wires store, registry, monitors, recovery, snapshots, broadcast and HTTP
// ABOUTME: Owns the run loop and graceful shutdown; dependencies are held explicitly, never in globals

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/fleet-warden/internal/broadcast"
	"github.com/2389/fleet-warden/internal/config"
	"github.com/2389/fleet-warden/internal/probe"
	"github.com/2389/fleet-warden/internal/recovery"
	"github.com/2389/fleet-warden/internal/registry"
	"github.com/2389/fleet-warden/internal/resources"
	"github.com/2389/fleet-warden/internal/server"
	"github.com/2389/fleet-warden/internal/snapshot"
	"github.com/2389/fleet-warden/internal/store"
)

// Controller owns every long-running component of fleet-warden.
type Controller struct {
	cfg    *config.Config
	logger *slog.Logger

	store        store.Store
	registry     *registry.Registry
	probeMonitor *probe.Monitor
	resMonitor   *resources.Monitor
	orchestrator *recovery.Orchestrator
	snapshots    *snapshot.Manager
	broadcaster  *broadcast.Broadcaster
	publisher    broadcast.Publisher
	httpServer   *server.Server
}

// New builds the full component graph from configuration. When the embedded
// database cannot be opened the controller comes up on an in-memory store so
// monitoring and recovery keep running; durability returns on the next
// successful start.
func New(cfg *config.Config, logger *slog.Logger) (*Controller, error) {
	c := &Controller{cfg: cfg, logger: logger}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Error("opening database failed, continuing without persistence",
			"path", cfg.Database.Path,
			"error", err,
		)
		c.store = store.NewMemoryStore()
	} else {
		c.store = st
	}

	c.registry = registry.New(cfg, c.store, logger)
	if err := c.registry.Rehydrate(context.Background()); err != nil {
		logger.Warn("rehydrating agent statuses failed", "error", err)
	}

	restarter := recovery.NewExecRestarter(cfg.Recovery.SpawnRetries, logger)
	c.orchestrator = recovery.NewOrchestrator(c.registry, c.store, restarter, recovery.SpecsFromConfig(cfg), logger)

	prober := probe.NewHTTPProber(cfg.Monitor.ProbeTimeout)
	c.probeMonitor = probe.NewMonitor(c.registry, prober, c.store, c.orchestrator, cfg.Monitor.PollInterval, logger)

	sampler := resources.NewHostSampler(cfg.Resources.DiskPath)
	c.resMonitor = resources.NewMonitor(sampler, c.store, cfg.Resources, logger)

	c.snapshots = snapshot.NewManager(cfg.Snapshots, c.store, c.registry, sampler, logger,
		c.probeMonitor, c.resMonitor)

	if cfg.Broadcast.Enabled {
		c.publisher = broadcast.NewRedisPublisher(cfg.Broadcast.RedisAddr)
		c.broadcaster = broadcast.New(cfg.Broadcast, c.registry, c.resMonitor, c.publisher, logger)
	}

	c.httpServer = server.New(cfg.Server, c.registry, c.store, c.orchestrator, c.snapshots, c.resMonitor, logger)

	return c, nil
}

// Run starts every component and blocks until the context is cancelled or
// the HTTP server fails. Background loops stop with the context; the HTTP
// server shuts down gracefully.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("fleet-warden starting",
		"http_addr", c.cfg.Server.HTTPAddr,
		"agents", len(c.cfg.Agents),
	)

	var wg sync.WaitGroup
	start := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	start(c.orchestrator.Run)
	start(c.probeMonitor.Run)
	start(c.resMonitor.Run)
	if c.broadcaster != nil {
		start(c.broadcaster.Run)
	}

	err := c.httpServer.Run(ctx)

	wg.Wait()
	if closeErr := c.Close(); closeErr != nil {
		c.logger.Warn("shutdown cleanup failed", "error", closeErr)
	}

	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	c.logger.Info("fleet-warden stopped")
	return nil
}

// Close releases the store and broker connections.
func (c *Controller) Close() error {
	var firstErr error
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Store exposes the persistence layer, used by CLI subcommands that operate
// on the database directly.
func (c *Controller) Store() store.Store { return c.store }
