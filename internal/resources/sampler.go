// ABOUTME: Host resource sampler built on gopsutil
// ABOUTME: Produces point-in-time CPU, memory, disk, network and process-count snapshots

package resources

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/2389/fleet-warden/internal/store"
)

// Sampler captures one resource snapshot of the host.
type Sampler interface {
	Sample(ctx context.Context) (*store.ResourceSnapshot, error)
}

// HostSampler reads the real host via gopsutil.
type HostSampler struct {
	diskPath string
}

// NewHostSampler samples disk usage at diskPath, defaulting to the root
// filesystem.
func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{diskPath: diskPath}
}

func (h *HostSampler) Sample(ctx context.Context) (*store.ResourceSnapshot, error) {
	snap := &store.ResourceSnapshot{Timestamp: time.Now().UTC()}

	// Zero interval reports utilization since the previous call instead of
	// blocking the sample loop.
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sampling cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sampling memory: %w", err)
	}
	snap.MemoryTotal = vm.Total
	snap.MemoryAvailable = vm.Available
	snap.MemoryUsed = vm.Used
	snap.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, h.diskPath)
	if err != nil {
		return nil, fmt.Errorf("sampling disk %q: %w", h.diskPath, err)
	}
	snap.DiskTotal = du.Total
	snap.DiskUsed = du.Used
	snap.DiskFree = du.Free
	snap.DiskPercent = du.UsedPercent

	// Network and process counts are informational; their failure does not
	// void the snapshot.
	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		snap.NetBytesSent = counters[0].BytesSent
		snap.NetBytesRecv = counters[0].BytesRecv
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		snap.ProcessCount = len(pids)
	}

	return snap, nil
}
