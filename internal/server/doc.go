// Package server exposes the controller's HTTP API.
//
// The command endpoint (POST /api/command) dispatches a typed request
// envelope: health checks, operator restarts, snapshot create and restore,
// and proactive recommendations. Read-only routes under /api return agent
// statuses, error history, recovery history and resource usage. Restarts are
// acknowledged immediately and executed by the recovery worker.
package server
