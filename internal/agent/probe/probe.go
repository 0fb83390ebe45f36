// Package probe collects host resource telemetry for heartbeat reporting.
//
// Sections are independent: a failing subsystem (a container without /proc
// access, an unreadable mount) omits its section from the snapshot instead
// of failing the whole sample. The conductor merges partial snapshots over
// the last known values.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/protocol"
)

// bytesPerGB converts byte counts to decimal gigabytes.
const bytesPerGB = 1e9

// minNetSampleGap is the minimum spacing between the two cumulative counter
// reads a throughput figure is derived from. Closer samples amplify jitter.
const minNetSampleGap = time.Second

// DefaultNoiseFloor is the drift, in percentage points, below which a new
// snapshot is not worth attaching to a ping.
const DefaultNoiseFloor = 5.0

// Probe samples the host. Safe for use from a single goroutine; the agent's
// ping loop is the only caller.
type Probe struct {
	logger     *zap.Logger
	rootPath   string
	noiseFloor float64

	mu           sync.Mutex
	lastNet      *gopsnet.IOCountersStat
	lastNetAt    time.Time
	lastReported *protocol.ResourceSnapshot
}

// New creates a Probe measuring disk usage at rootPath ("/" in production).
func New(rootPath string, logger *zap.Logger) *Probe {
	if rootPath == "" {
		rootPath = "/"
	}
	return &Probe{
		logger:     logger.Named("probe"),
		rootPath:   rootPath,
		noiseFloor: DefaultNoiseFloor,
	}
}

// Declared reads the host's total capacity for the registration payload.
// Unlike Snapshot, a failure here is an error: registering with zeroed
// capacity would poison scheduling decisions.
func (p *Probe) Declared(ctx context.Context) (protocol.DeclaredResources, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return protocol.DeclaredResources{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return protocol.DeclaredResources{}, err
	}
	du, err := disk.UsageWithContext(ctx, p.rootPath)
	if err != nil {
		return protocol.DeclaredResources{}, err
	}

	return protocol.DeclaredResources{
		CPUCores: cores,
		RAMGB:    float64(vm.Total) / bytesPerGB,
		DiskGB:   float64(du.Total) / bytesPerGB,
	}, nil
}

// Snapshot samples current utilization. Sections that fail are logged and
// omitted; the returned snapshot always carries a timestamp.
func (p *Probe) Snapshot(ctx context.Context) *protocol.ResourceSnapshot {
	snap := &protocol.ResourceSnapshot{
		Timestamp: time.Now().UnixMilli(),
	}

	if total, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(total) > 0 {
		stats := &protocol.CPUStats{UsagePercent: total[0]}
		if perCore, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
			stats.PerCore = perCore
		}
		snap.CPU = stats
	} else if err != nil {
		p.logger.Debug("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.RAM = &protocol.MemoryStats{
			TotalGB:      float64(vm.Total) / bytesPerGB,
			UsedGB:       float64(vm.Used) / bytesPerGB,
			UsagePercent: vm.UsedPercent,
		}
	} else {
		p.logger.Debug("memory sample failed", zap.Error(err))
	}

	if du, err := disk.UsageWithContext(ctx, p.rootPath); err == nil {
		snap.Disk = &protocol.DiskStats{
			TotalGB:      float64(du.Total) / bytesPerGB,
			UsedGB:       float64(du.Used) / bytesPerGB,
			UsagePercent: du.UsedPercent,
		}
	} else {
		p.logger.Debug("disk sample failed", zap.Error(err))
	}

	if network := p.sampleNetwork(ctx); network != nil {
		snap.Network = network
	}

	return snap
}

// sampleNetwork derives throughput from two cumulative counter reads spaced
// at least minNetSampleGap apart. The first call primes the counters and
// returns nil.
func (p *Probe) sampleNetwork(ctx context.Context) *protocol.NetworkStats {
	counters, err := gopsnet.IOCountersWithContext(ctx, false)
	if err != nil || len(counters) == 0 {
		if err != nil {
			p.logger.Debug("network sample failed", zap.Error(err))
		}
		return nil
	}
	now := time.Now()
	current := counters[0]

	p.mu.Lock()
	defer p.mu.Unlock()

	prev, prevAt := p.lastNet, p.lastNetAt
	elapsed := now.Sub(prevAt)

	if prev == nil {
		p.lastNet, p.lastNetAt = &current, now
		return nil
	}
	if elapsed < minNetSampleGap {
		// Keep the older baseline so the eventual diff spans a real gap.
		return nil
	}

	p.lastNet, p.lastNetAt = &current, now

	if current.BytesRecv < prev.BytesRecv || current.BytesSent < prev.BytesSent {
		// Counter reset (interface bounce). Skip this sample.
		return nil
	}
	secs := elapsed.Seconds()
	return &protocol.NetworkStats{
		RxBytesPerSec: float64(current.BytesRecv-prev.BytesRecv) / secs,
		TxBytesPerSec: float64(current.BytesSent-prev.BytesSent) / secs,
	}
}

// ShouldReport decides whether snap drifted past the noise floor since the
// last snapshot that was attached to a ping. When it returns true the
// snapshot becomes the new baseline.
func (p *Probe) ShouldReport(snap *protocol.ResourceSnapshot) bool {
	if snap == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !snap.ChangedSignificantly(p.lastReported, p.noiseFloor) {
		return false
	}
	p.lastReported = snap
	return true
}
