package protocol

import "math"

// DeclaredResources is the capacity a worker announces at registration time.
// It changes only on re-registration or an explicit update.
type DeclaredResources struct {
	CPUCores int     `json:"cpu_cores"`
	RAMGB    float64 `json:"ram_gb"`
	DiskGB   float64 `json:"disk_gb"`
}

// ResourceSnapshot is one live telemetry sample. Any top-level section may be
// absent when the corresponding probe subsection failed; absent sections must
// leave the previously known values untouched when merged.
type ResourceSnapshot struct {
	CPU       *CPUStats     `json:"cpu,omitempty"`
	RAM       *MemoryStats  `json:"ram,omitempty"`
	Disk      *DiskStats    `json:"disk,omitempty"`
	Network   *NetworkStats `json:"network,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// CPUStats reports aggregate and per-core utilization, 0–100.
type CPUStats struct {
	UsagePercent float64   `json:"usagePercent"`
	PerCore      []float64 `json:"perCore,omitempty"`
}

// MemoryStats reports RAM figures in gigabytes (1e9 bytes).
type MemoryStats struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	UsagePercent float64 `json:"usagePercent"`
}

// DiskStats reports disk figures in gigabytes (1e9 bytes).
type DiskStats struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	UsagePercent float64 `json:"usagePercent"`
}

// NetworkStats reports throughput computed by differencing two cumulative
// counter samples taken at least one second apart.
type NetworkStats struct {
	RxBytesPerSec float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec float64 `json:"tx_bytes_per_sec"`
}

// Merge overlays s onto prev, section by section. Sections absent from s keep
// their previous value. The result's timestamp is s's timestamp.
func (s ResourceSnapshot) Merge(prev *ResourceSnapshot) ResourceSnapshot {
	if prev == nil {
		return s
	}
	merged := s
	if merged.CPU == nil {
		merged.CPU = prev.CPU
	}
	if merged.RAM == nil {
		merged.RAM = prev.RAM
	}
	if merged.Disk == nil {
		merged.Disk = prev.Disk
	}
	if merged.Network == nil {
		merged.Network = prev.Network
	}
	return merged
}

// ChangedSignificantly reports whether any top-level section of s drifted by
// at least floorPercent (percentage points for utilization figures, relative
// percent for throughput) compared to prev. A section appearing or
// disappearing counts as a significant change.
func (s ResourceSnapshot) ChangedSignificantly(prev *ResourceSnapshot, floorPercent float64) bool {
	if prev == nil {
		return true
	}
	if sectionDrifted(pickPercent(s.CPU), pickPercent(prev.CPU), floorPercent) {
		return true
	}
	if sectionDrifted(pickMemPercent(s.RAM), pickMemPercent(prev.RAM), floorPercent) {
		return true
	}
	if sectionDrifted(pickDiskPercent(s.Disk), pickDiskPercent(prev.Disk), floorPercent) {
		return true
	}
	return networkDrifted(s.Network, prev.Network, floorPercent)
}

func pickPercent(c *CPUStats) *float64 {
	if c == nil {
		return nil
	}
	return &c.UsagePercent
}

func pickMemPercent(m *MemoryStats) *float64 {
	if m == nil {
		return nil
	}
	return &m.UsagePercent
}

func pickDiskPercent(d *DiskStats) *float64 {
	if d == nil {
		return nil
	}
	return &d.UsagePercent
}

func sectionDrifted(cur, prev *float64, floor float64) bool {
	if (cur == nil) != (prev == nil) {
		return true
	}
	if cur == nil {
		return false
	}
	return math.Abs(*cur-*prev) >= floor
}

// networkDrifted compares throughput in relative terms since bytes/sec has no
// natural 0–100 scale. A floor of 5 means a 5% relative change.
func networkDrifted(cur, prev *NetworkStats, floor float64) bool {
	if (cur == nil) != (prev == nil) {
		return true
	}
	if cur == nil {
		return false
	}
	return relDrift(cur.RxBytesPerSec, prev.RxBytesPerSec) >= floor ||
		relDrift(cur.TxBytesPerSec, prev.TxBytesPerSec) >= floor
}

func relDrift(cur, prev float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(cur-prev) / prev * 100
}
