// Package recovery restarts offline agents in dependency order.
//
// The orchestrator claims an agent through the registry's recovery gate,
// recursively recovers its offline dependencies, then restarts the agent's
// process. Every attempt, whether it reaches the restart step or not, leaves
// a completed row in the recovery audit trail. The ExecRestarter is the only
// component that touches the host process table; tests substitute a fake.
package recovery
