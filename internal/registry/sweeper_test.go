package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/protocol"
)

type recordingDropper struct {
	mu      sync.Mutex
	dropped []uuid.UUID
}

func (d *recordingDropper) Drop(workerID uuid.UUID, _ string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped = append(d.dropped, workerID)
}

func TestSweepMarksSilentWorkersOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	window := 90 * time.Second

	stale, err := f.registry.RegisterOrRebind(ctx, f.request())
	require.NoError(t, err)

	freshReq := f.request()
	freshReq.Hostname = "node-2"
	freshReq.IPAddress = "10.0.0.6"
	fresh, err := f.registry.RegisterOrRebind(ctx, freshReq)
	require.NoError(t, err)

	// Advance the clock past the window, then let only the fresh worker ping.
	*f.clock = f.clock.Add(window + time.Second)
	require.NoError(t, f.registry.RecordPing(ctx, fresh.ID, f.clock.UnixMilli(), nil))

	dropper := &recordingDropper{}
	sweeper, err := NewSweeper(f.registry, dropper, window, 10*time.Second, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sweeper.Sweep(ctx))

	staleInfo, err := f.registry.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOffline, staleInfo.Status)

	freshInfo, err := f.registry.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, freshInfo.Status)

	assert.Equal(t, []uuid.UUID{stale.ID}, dropper.dropped)
	assert.Contains(t, f.notifier.offline, stale.ID.String())
}

func TestSweepIgnoresWorkersAlreadyOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	window := 90 * time.Second

	w, err := f.registry.RegisterOrRebind(ctx, f.request())
	require.NoError(t, err)
	require.NoError(t, f.registry.MarkOffline(ctx, w.ID))

	*f.clock = f.clock.Add(window * 2)

	dropper := &recordingDropper{}
	sweeper, err := NewSweeper(f.registry, dropper, window, 10*time.Second, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sweeper.Sweep(ctx))
	require.NoError(t, sweeper.Sweep(ctx))

	assert.Empty(t, dropper.dropped)
	assert.Len(t, f.notifier.offline, 1, "only the explicit MarkOffline emitted")
}

func TestSweepAtExactWindowBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	window := 90 * time.Second

	w, err := f.registry.RegisterOrRebind(ctx, f.request())
	require.NoError(t, err)

	// Silence of exactly the window counts as expired.
	*f.clock = f.clock.Add(window)

	dropper := &recordingDropper{}
	sweeper, err := NewSweeper(f.registry, dropper, window, 10*time.Second, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sweeper.Sweep(ctx))

	info, err := f.registry.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOffline, info.Status)
}
