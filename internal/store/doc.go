// Package store provides durable persistence for fleet-warden.
//
// # Overview
//
// The store is the only component that touches disk. It keeps five logical
// tables in an embedded SQLite database: agent_status (keyed by agent id),
// error_records and recovery_actions (append-only histories keyed by
// generated id, indexed by agent and timestamp), system_resources (keyed by
// capture timestamp), and optimization_settings (free-form key/value).
//
// All writes are idempotent upserts keyed by primary id, so retries from any
// of the controller loops are safe and concurrent writers never conflict on
// append. Error records are immutable except for being marked resolved;
// recovery actions are created open and completed exactly once.
//
// # Implementations
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode). MemoryStore implements the same interface in memory; the controller
// falls back to it when the database cannot be opened, trading durability for
// availability, and tests use it as a lightweight double.
package store
