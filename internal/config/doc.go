// Package config handles configuration loading for fleet-warden.
//
// # Overview
//
// Configuration is a single YAML file describing the supervised fleet and
// controller behavior: the command API address, the embedded database path,
// monitor timings, resource thresholds, recovery policy, the health broadcast
// channel, snapshot settings, and the static agent roster with per-agent
// endpoints, start commands, dependencies, and criticality flags.
//
// Environment variables referenced as ${VAR_NAME} are expanded before
// parsing, and duration fields are given as Go duration strings ("5s",
// "1m30s"). Load applies defaults, then validates: agent ids must be unique,
// dependencies must reference configured agents, and the dependency graph
// must be acyclic. A cycle is rejected at load time rather than discovered
// during a recovery chain.
package config
