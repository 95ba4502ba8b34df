// Package registry holds the in-memory health state for the supervised fleet.
//
// # Overview
//
// The registry is loaded once from static configuration and is the single
// source of mutable truth about agent health. Each agent moves through a
// small state machine: Unknown until its first successful probe, Online while
// heartbeats arrive, Degraded after a missed heartbeat, Offline once the
// missed count reaches the per-agent threshold, and Recovering while the
// orchestrator holds it. The Recovering status doubles as a per-agent lock:
// at most one recovery attempt is in flight for an agent at a time.
//
// Probe results and recovery outcomes are the only writers. Every transition
// is persisted through the store so the fleet's last-known state survives a
// controller restart. Persisted statuses are rehydrated as hints only: a
// fresh probe must re-establish Online, and an orphaned Recovering status
// from a crashed run is treated as Offline.
package registry
