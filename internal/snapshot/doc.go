// Package snapshot captures and restores controller state as directory bundles.
//
// A bundle holds the agent status table, recent error and recovery history,
// resource snapshots, and copies of configured external config files, plus a
// manifest describing the capture. Bundles are assembled in a temporary
// directory and renamed into place, so an interrupted create leaves nothing
// behind. Restore pauses the monitoring loops, replays the bundle through the
// store, and seeds the registry with status hints that the next heartbeat
// cycle verifies.
package snapshot
