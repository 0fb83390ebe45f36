// Package hub fans fleet events out to connected operator sessions.
package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/metrics"
	"github.com/conductor-sh/conductor/internal/protocol"
)

// Hub is the pub/sub broker for operator WebSocket sessions. It maintains
// the registry of connected clients and routes fleet events to the clients
// interested in the originating worker.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are serialised
// through a single goroutine, the Run loop, via channels. Subscription
// changes and event delivery take the lock directly because they originate
// on client read pumps and registry goroutines.
//
// # Delivery contract
//
// At-most-once per connected subscriber, no durable queue. A saturated
// subscriber queue drops its oldest event and counts the drop; slow
// consumers lose history, never the connection. Order per (worker,
// subscriber) pair is FIFO.
type Hub struct {
	// clients maps each connected client to the set of worker ids it is
	// subscribed to. protocol.WildcardWorker marks the global subscription.
	clients map[*Client]map[string]struct{}

	// interests maps worker id (or the wildcard) to the subscribed clients.
	// Kept in sync with clients under mu.
	interests map[string]map[*Client]struct{}

	mu sync.RWMutex

	// register receives clients that completed the WebSocket upgrade.
	register chan *Client

	// unregister receives clients that disconnected or hit a write error.
	unregister chan *Client

	// stopped is closed when Run exits.
	stopped chan struct{}

	logger *zap.Logger
}

// New creates an idle Hub. Call Run in a goroutine to start it.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]map[string]struct{}),
		interests:  make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
		logger:     logger.Named("hub"),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine. It exits when ctx is cancelled.
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// Every fresh session starts on the global subscription.
			h.clients[client] = map[string]struct{}{protocol.WildcardWorker: {}}
			h.addInterest(protocol.WildcardWorker, client)
			h.mu.Unlock()
			metrics.SubscribersActive.Set(float64(h.ConnectedCount()))

		case client := <-h.unregister:
			h.mu.Lock()
			if topics, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for workerID := range topics {
					h.dropInterest(workerID, client)
				}
				client.closeSend()
			}
			h.mu.Unlock()
			metrics.SubscribersActive.Set(float64(h.ConnectedCount()))

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
			}
			h.clients = make(map[*Client]map[string]struct{})
			h.interests = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			metrics.SubscribersActive.Set(0)
			return
		}
	}
}

// Subscribe narrows or widens a client's interest to include workerID.
// Unknown worker ids are accepted and simply produce no events.
func (h *Hub) Subscribe(client *Client, workerID string) {
	if workerID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	topics, ok := h.clients[client]
	if !ok {
		return
	}
	topics[workerID] = struct{}{}
	h.addInterest(workerID, client)
}

// Unsubscribe removes workerID from a client's interest set.
func (h *Hub) Unsubscribe(client *Client, workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics, ok := h.clients[client]
	if !ok {
		return
	}
	delete(topics, workerID)
	h.dropInterest(workerID, client)
}

// addInterest and dropInterest maintain the reverse index. Callers hold mu.
func (h *Hub) addInterest(workerID string, client *Client) {
	if h.interests[workerID] == nil {
		h.interests[workerID] = make(map[*Client]struct{})
	}
	h.interests[workerID][client] = struct{}{}
}

func (h *Hub) dropInterest(workerID string, client *Client) {
	delete(h.interests[workerID], client)
	if len(h.interests[workerID]) == 0 {
		delete(h.interests, workerID)
	}
}

// ConnectedCount returns the number of connected operator sessions.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// -----------------------------------------------------------------------------
// registry.Notifier
// -----------------------------------------------------------------------------

// WorkerOnline fans a worker:online lifecycle event out to subscribers of
// the worker and to every global subscriber.
func (h *Hub) WorkerOnline(worker protocol.WorkerInfo) {
	h.publish(worker.ID, true, protocol.EventWorkerOnline, protocol.WorkerOnlinePayload{
		WorkerID: worker.ID,
		Worker:   worker,
	})
}

// WorkerOffline fans a worker:offline lifecycle event out.
func (h *Hub) WorkerOffline(workerID string) {
	h.publish(workerID, true, protocol.EventWorkerOffline, protocol.WorkerOfflinePayload{
		WorkerID: workerID,
	})
}

// ResourcesUpdated fans a declared-capacity change out.
func (h *Hub) ResourcesUpdated(workerID string, declared protocol.DeclaredResources) {
	h.publish(workerID, true, protocol.EventWorkerResourcesUpdated, protocol.ResourcesUpdatedPayload{
		WorkerID:  workerID,
		Resources: declared,
	})
}

// LiveUpdate streams a telemetry sample to the worker's explicit
// subscribers. The global subscription covers lifecycle events only, so
// wildcard holders are not flooded with every fleet heartbeat.
func (h *Hub) LiveUpdate(workerID string, resources *protocol.ResourceSnapshot, timestamp int64) {
	h.publish(workerID, false, protocol.EventWorkerLiveUpdate, protocol.LiveUpdatePayload{
		WorkerID:  workerID,
		Resources: resources,
		Timestamp: timestamp,
	})
}

// publish encodes one event and enqueues it for every interested client.
// Encoding happens once; the same frame bytes fan out to all targets.
func (h *Hub) publish(workerID string, includeWildcard bool, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode event payload",
			zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := protocol.Encode(protocol.Frame{Event: event, Payload: raw})
	if err != nil {
		h.logger.Error("failed to encode event frame",
			zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]struct{}, len(h.interests[workerID]))
	for c := range h.interests[workerID] {
		targets[c] = struct{}{}
	}
	if includeWildcard {
		for c := range h.interests[protocol.WildcardWorker] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		c.enqueue(frame)
	}
	if len(targets) > 0 {
		metrics.EventsFanoutTotal.WithLabelValues(event).Add(float64(len(targets)))
	}
}
