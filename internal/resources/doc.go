// Package resources samples host-level resource usage and raises alerts.
//
// The HostSampler reads CPU, memory, disk, network and process counts via
// gopsutil. The Monitor persists each sample as a resource snapshot and
// records system-scoped error records when a configured threshold is
// breached, escalating to critical once usage runs well past the threshold.
package resources
