// Package controller assembles and runs the fleet-warden components.
//
// New builds the component graph from configuration: the store, the agent
// registry, the heartbeat and resource monitors, the recovery orchestrator,
// the snapshot manager, the optional health broadcaster and the HTTP server.
// Run starts the background loops and serves until cancelled. A database
// that fails to open degrades the controller to an in-memory store rather
// than preventing startup.
package controller
