// Package probe implements the heartbeat side of fleet supervision.
//
// The prober speaks the worker liveness contract: a JSON heartbeat request
// that must elicit {"status":"ok"} within a bounded timeout. Results are
// plain data (ok, timeout, error) so the monitor's transition logic is a
// table over values, not a chain of error-type assertions.
//
// The monitor sweeps the whole fleet on a fixed interval, fanning probes out
// concurrently with per-agent timeouts, and forwards newly-offline agents to
// the recovery queue when the recovery gate holds.
package probe
