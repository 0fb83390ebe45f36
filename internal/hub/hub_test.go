package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/protocol"
)

// newTestClient builds a client without a socket. Tests read frames straight
// off the send queue instead of running the pumps.
func newTestClient(h *Hub, queueSize int) *Client {
	return &Client{
		hub:    h,
		send:   make(chan []byte, queueSize),
		logger: zap.NewNop(),
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.stopped
	})
	return h
}

func connect(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	before := h.ConnectedCount()
	h.register <- c
	require.Eventually(t, func() bool {
		return h.ConnectedCount() == before+1
	}, time.Second, time.Millisecond)
}

func drain(c *Client) []protocol.Frame {
	var frames []protocol.Frame
	for {
		select {
		case raw := <-c.send:
			frame, err := protocol.Decode(raw)
			if err == nil {
				frames = append(frames, frame)
			}
		default:
			return frames
		}
	}
}

func events(frames []protocol.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func TestLifecycleEventsReachEverySession(t *testing.T) {
	h := startHub(t)
	a := newTestClient(h, sendQueueSize)
	b := newTestClient(h, sendQueueSize)
	connect(t, h, a)
	connect(t, h, b)

	h.WorkerOnline(protocol.WorkerInfo{ID: "w1", Hostname: "node-1"})
	h.WorkerOffline("w1")
	h.ResourcesUpdated("w1", protocol.DeclaredResources{CPUCores: 4})

	want := []string{
		protocol.EventWorkerOnline,
		protocol.EventWorkerOffline,
		protocol.EventWorkerResourcesUpdated,
	}
	assert.Equal(t, want, events(drain(a)), "fresh sessions hold the global subscription")
	assert.Equal(t, want, events(drain(b)))
}

func TestLiveUpdatesGoOnlyToExplicitSubscribers(t *testing.T) {
	h := startHub(t)
	subscribed := newTestClient(h, sendQueueSize)
	bystander := newTestClient(h, sendQueueSize)
	connect(t, h, subscribed)
	connect(t, h, bystander)

	h.Subscribe(subscribed, "w1")

	h.LiveUpdate("w1", nil, 1000)
	h.LiveUpdate("w2", nil, 1001)

	got := drain(subscribed)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventWorkerLiveUpdate, got[0].Event)

	var payload protocol.LiveUpdatePayload
	require.NoError(t, protocol.DecodePayload(got[0], &payload))
	assert.Equal(t, "w1", payload.WorkerID)

	assert.Empty(t, drain(bystander), "global subscription does not carry telemetry")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := startHub(t)
	c := newTestClient(h, sendQueueSize)
	connect(t, h, c)

	h.Subscribe(c, "w1")
	h.LiveUpdate("w1", nil, 1)
	h.Unsubscribe(c, "w1")
	h.LiveUpdate("w1", nil, 2)

	got := drain(c)
	require.Len(t, got, 1)
}

func TestDeliveryOrderIsFIFOPerWorker(t *testing.T) {
	h := startHub(t)
	c := newTestClient(h, sendQueueSize)
	connect(t, h, c)
	h.Subscribe(c, "w1")

	for i := 0; i < 20; i++ {
		h.LiveUpdate("w1", nil, int64(i))
	}

	got := drain(c)
	require.Len(t, got, 20)
	for i, frame := range got {
		var payload protocol.LiveUpdatePayload
		require.NoError(t, protocol.DecodePayload(frame, &payload))
		assert.Equal(t, int64(i), payload.Timestamp)
	}
}

func TestSaturatedQueueDropsOldestAndCounts(t *testing.T) {
	h := startHub(t)
	const queueCap = 8
	c := newTestClient(h, queueCap)
	connect(t, h, c)
	h.Subscribe(c, "w1")

	const total = queueCap + 5
	for i := 0; i < total; i++ {
		h.LiveUpdate("w1", nil, int64(i))
	}

	assert.Equal(t, int64(total-queueCap), c.Dropped())

	got := drain(c)
	require.Len(t, got, queueCap)

	// The survivors are the newest events, still in order.
	var first protocol.LiveUpdatePayload
	require.NoError(t, protocol.DecodePayload(got[0], &first))
	assert.Equal(t, int64(total-queueCap), first.Timestamp)

	var last protocol.LiveUpdatePayload
	require.NoError(t, protocol.DecodePayload(got[len(got)-1], &last))
	assert.Equal(t, int64(total-1), last.Timestamp)
}

func TestUnregisterClearsInterests(t *testing.T) {
	h := startHub(t)
	c := newTestClient(h, sendQueueSize)
	connect(t, h, c)
	h.Subscribe(c, "w1")

	h.unregister <- c
	require.Eventually(t, func() bool {
		return h.ConnectedCount() == 0
	}, time.Second, time.Millisecond)

	// Publishing after unregister reaches nobody and does not panic.
	h.LiveUpdate("w1", nil, 1)
	h.WorkerOffline("w1")

	// The queue was closed by the hub; enqueue after close is a no-op.
	c.enqueue([]byte("late"))
	assert.Equal(t, int64(0), c.Dropped())
}

func TestManySubscribersIsolatedQueues(t *testing.T) {
	h := startHub(t)

	fast := newTestClient(h, sendQueueSize)
	slow := newTestClient(h, 2)
	connect(t, h, fast)
	connect(t, h, slow)
	h.Subscribe(fast, "w1")
	h.Subscribe(slow, "w1")

	for i := 0; i < 10; i++ {
		h.LiveUpdate("w1", nil, int64(i))
	}

	assert.Len(t, drain(fast), 10, "slow consumer does not stall others")
	assert.Len(t, drain(slow), 2)
	assert.Equal(t, int64(8), slow.Dropped())
}

func TestSubscribeUnknownClientIsIgnored(t *testing.T) {
	h := startHub(t)
	ghost := newTestClient(h, sendQueueSize)

	// Never registered; must not install an interest.
	h.Subscribe(ghost, "w1")
	h.LiveUpdate("w1", nil, 1)
	assert.Empty(t, drain(ghost))
}

func BenchmarkPublishFanout(b *testing.B) {
	h := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	clients := make([]*Client, 50)
	for i := range clients {
		clients[i] = &Client{hub: h, send: make(chan []byte, sendQueueSize), logger: zap.NewNop()}
		h.register <- clients[i]
	}
	for h.ConnectedCount() < len(clients) {
		time.Sleep(time.Millisecond)
	}
	for i, c := range clients {
		h.Subscribe(c, fmt.Sprintf("w%d", i%5))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.LiveUpdate("w1", nil, int64(i))
	}
}
