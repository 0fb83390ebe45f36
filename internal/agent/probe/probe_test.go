package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/protocol"
)

func snapshot(cpuPct, ramPct float64) *protocol.ResourceSnapshot {
	return &protocol.ResourceSnapshot{
		CPU: &protocol.CPUStats{UsagePercent: cpuPct},
		RAM: &protocol.MemoryStats{UsagePercent: ramPct},
	}
}

func TestShouldReportFirstSnapshotAlways(t *testing.T) {
	p := New("/", zap.NewNop())
	assert.True(t, p.ShouldReport(snapshot(10, 20)))
}

func TestShouldReportSuppressesNoise(t *testing.T) {
	p := New("/", zap.NewNop())
	assert.True(t, p.ShouldReport(snapshot(40, 50)))

	// Drift under the floor in every section: not worth a report.
	assert.False(t, p.ShouldReport(snapshot(42, 51)))
	assert.False(t, p.ShouldReport(snapshot(43.5, 49)))

	// Crossing the floor in any one section reports.
	assert.True(t, p.ShouldReport(snapshot(46, 50)))
}

func TestShouldReportMovesBaselineOnlyWhenReporting(t *testing.T) {
	p := New("/", zap.NewNop())
	assert.True(t, p.ShouldReport(snapshot(40, 50)))

	// Three sub-floor steps that add up past the floor against the original
	// baseline. The baseline stays at 40 until something reports, so the
	// cumulative drift eventually fires.
	assert.False(t, p.ShouldReport(snapshot(42, 50)))
	assert.False(t, p.ShouldReport(snapshot(44, 50)))
	assert.True(t, p.ShouldReport(snapshot(45, 50)))
}

func TestShouldReportNilSnapshot(t *testing.T) {
	p := New("/", zap.NewNop())
	assert.False(t, p.ShouldReport(nil))
}

func TestShouldReportSectionAppearance(t *testing.T) {
	p := New("/", zap.NewNop())
	assert.True(t, p.ShouldReport(snapshot(40, 50)))

	withDisk := snapshot(40, 50)
	withDisk.Disk = &protocol.DiskStats{UsagePercent: 10}
	assert.True(t, p.ShouldReport(withDisk), "a section appearing is always significant")
}
