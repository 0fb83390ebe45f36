// Package registry is the authoritative view of the worker fleet. It owns
// worker identity, status transitions, and the in-memory live telemetry
// cache, persisting durable fields through the worker repository.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/metrics"
	"github.com/conductor-sh/conductor/internal/protocol"
	"github.com/conductor-sh/conductor/internal/repository"
	"github.com/conductor-sh/conductor/internal/tokens"
)

const (
	// maxClockSkew bounds how far into the future a reported ping timestamp
	// may sit. Anything beyond it is clamped to the conductor's clock.
	maxClockSkew = 30 * time.Second
)

// ErrUnauthorized is returned when a registration token matches no operator.
var ErrUnauthorized = errors.New("registry: invalid registration token")

// ErrNotFound is returned when the worker id is unknown.
var ErrNotFound = errors.New("registry: worker not found")

// Notifier receives fleet state changes for fan-out to operator sessions.
// Implementations must not block; the hub buffers per subscriber.
type Notifier interface {
	WorkerOnline(worker protocol.WorkerInfo)
	WorkerOffline(workerID string)
	ResourcesUpdated(workerID string, declared protocol.DeclaredResources)
	LiveUpdate(workerID string, resources *protocol.ResourceSnapshot, timestamp int64)
}

// noopNotifier stands in until a hub is attached.
type noopNotifier struct{}

func (noopNotifier) WorkerOnline(protocol.WorkerInfo)                     {}
func (noopNotifier) WorkerOffline(string)                                 {}
func (noopNotifier) ResourcesUpdated(string, protocol.DeclaredResources)  {}
func (noopNotifier) LiveUpdate(string, *protocol.ResourceSnapshot, int64) {}

// RegisterRequest carries everything a worker presents at registration.
type RegisterRequest struct {
	Token     string
	Hostname  string
	IPAddress string
	Declared  protocol.DeclaredResources

	// PriorWorkerID is the id a reconnecting worker remembers from its last
	// registration. Empty on first boot.
	PriorWorkerID string
}

// Registry tracks the fleet. Durable worker rows live in the repository;
// live resource snapshots exist only in memory and vanish on restart.
type Registry struct {
	workers  repository.WorkerRepository
	tokens   *tokens.Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	live  map[uuid.UUID]*protocol.ResourceSnapshot
	locks map[uuid.UUID]*sync.Mutex
}

// New creates a Registry. Attach a Notifier with SetNotifier before serving
// traffic; until then state changes are not fanned out.
func New(workers repository.WorkerRepository, tokenStore *tokens.Store, logger *zap.Logger) *Registry {
	return &Registry{
		workers:  workers,
		tokens:   tokenStore,
		notifier: noopNotifier{},
		logger:   logger.Named("registry"),
		now:      time.Now,
		live:     make(map[uuid.UUID]*protocol.ResourceSnapshot),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetNotifier attaches the fan-out hub. Call before the listeners start.
func (r *Registry) SetNotifier(n Notifier) {
	if n != nil {
		r.notifier = n
	}
}

// workerLock returns the mutex serializing state transitions for one worker.
// Per-worker locking keeps a slow ping from stalling the rest of the fleet.
func (r *Registry) workerLock(id uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// RegisterOrRebind validates the token, resolves the worker identity, and
// brings the record online.
//
// Identity resolution order: a remembered prior id wins when the row exists
// and belongs to the token's operator; otherwise the (hostname, ip) pair is
// tried under the same ownership rule; otherwise a new worker is created.
// A matching row owned by a different operator is never adopted.
func (r *Registry) RegisterOrRebind(ctx context.Context, req RegisterRequest) (*db.Worker, error) {
	operatorID, err := r.tokens.Validate(ctx, req.Token)
	if err != nil {
		if errors.Is(err, tokens.ErrTokenUnknown) {
			metrics.RegistrationsTotal.WithLabelValues("unauthorized").Inc()
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("registry: validating token: %w", err)
	}

	existing, err := r.resolveIdentity(ctx, operatorID, req)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()

	if existing == nil {
		w := &db.Worker{
			OperatorID: operatorID,
			Hostname:   req.Hostname,
			IPAddress:  req.IPAddress,
			Status:     protocol.StatusOnline,
			CPUCores:   req.Declared.CPUCores,
			RAMGB:      req.Declared.RAMGB,
			DiskGB:     req.Declared.DiskGB,
			LastSeenAt: &now,
		}
		if err := r.workers.Create(ctx, w); err != nil {
			return nil, fmt.Errorf("registry: creating worker: %w", err)
		}
		metrics.RegistrationsTotal.WithLabelValues("created").Inc()
		r.logger.Info("worker registered",
			zap.String("worker_id", w.ID.String()),
			zap.String("hostname", w.Hostname),
			zap.String("ip", w.IPAddress))
		r.notifier.WorkerOnline(r.workerInfo(w))
		return w, nil
	}

	lock := r.workerLock(existing.ID)
	lock.Lock()
	defer lock.Unlock()

	wasOnline := existing.Status == protocol.StatusOnline
	declaredChanged := existing.CPUCores != req.Declared.CPUCores ||
		existing.RAMGB != req.Declared.RAMGB ||
		existing.DiskGB != req.Declared.DiskGB

	existing.Hostname = req.Hostname
	existing.IPAddress = req.IPAddress
	existing.Status = protocol.StatusOnline
	existing.CPUCores = req.Declared.CPUCores
	existing.RAMGB = req.Declared.RAMGB
	existing.DiskGB = req.Declared.DiskGB
	existing.LastSeenAt = &now

	if err := r.workers.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("registry: rebinding worker: %w", err)
	}
	metrics.RegistrationsTotal.WithLabelValues("rebound").Inc()
	r.logger.Info("worker rebound",
		zap.String("worker_id", existing.ID.String()),
		zap.String("hostname", existing.Hostname))

	if !wasOnline {
		r.notifier.WorkerOnline(r.workerInfo(existing))
	}
	if declaredChanged {
		r.notifier.ResourcesUpdated(existing.ID.String(), req.Declared)
	}
	return existing, nil
}

// resolveIdentity finds the row to rebind, or nil when a fresh worker should
// be created.
func (r *Registry) resolveIdentity(ctx context.Context, operatorID uuid.UUID, req RegisterRequest) (*db.Worker, error) {
	if req.PriorWorkerID != "" {
		if id, err := uuid.Parse(req.PriorWorkerID); err == nil {
			w, err := r.workers.GetByID(ctx, id)
			switch {
			case err == nil && w.OperatorID == operatorID:
				return w, nil
			case err != nil && !errors.Is(err, repository.ErrNotFound):
				return nil, fmt.Errorf("registry: resolving prior id: %w", err)
			}
		}
	}

	w, err := r.workers.GetByHostIP(ctx, req.Hostname, req.IPAddress)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: resolving host/ip: %w", err)
	}
	if w.OperatorID != operatorID {
		// Same address, different owner. The old row stays; the worker gets
		// a new identity under the presenting operator.
		return nil, nil
	}
	return w, nil
}

// RecordPing accepts a heartbeat. Timestamps ahead of the conductor's clock
// by more than maxClockSkew are clamped to now. A ping from any non-online
// status brings the worker back online.
func (r *Registry) RecordPing(ctx context.Context, workerID uuid.UUID, timestampMillis int64, snapshot *protocol.ResourceSnapshot) error {
	lock := r.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	w, err := r.workers.GetByID(ctx, workerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: loading worker for ping: %w", err)
	}

	now := r.now().UTC()
	ts := time.UnixMilli(timestampMillis).UTC()
	if ts.After(now.Add(maxClockSkew)) {
		ts = now
	}

	cameOnline := w.Status != protocol.StatusOnline
	w.Status = protocol.StatusOnline
	w.LastSeenAt = &ts

	if err := r.workers.Update(ctx, w); err != nil {
		return fmt.Errorf("registry: recording ping: %w", err)
	}
	metrics.PingsTotal.Inc()

	merged := r.mergeLive(workerID, snapshot)

	if cameOnline {
		r.notifier.WorkerOnline(r.workerInfo(w))
	}
	r.notifier.LiveUpdate(workerID.String(), merged, ts.UnixMilli())
	return nil
}

// RecordResources accepts an out-of-band snapshot. The worker's last_seen is
// untouched unless timestampMillis is nonzero.
func (r *Registry) RecordResources(ctx context.Context, workerID uuid.UUID, snapshot protocol.ResourceSnapshot, timestampMillis int64) error {
	lock := r.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	w, err := r.workers.GetByID(ctx, workerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: loading worker for resources: %w", err)
	}

	if timestampMillis != 0 {
		now := r.now().UTC()
		ts := time.UnixMilli(timestampMillis).UTC()
		if ts.After(now.Add(maxClockSkew)) {
			ts = now
		}
		w.LastSeenAt = &ts
		if err := r.workers.Update(ctx, w); err != nil {
			return fmt.Errorf("registry: recording resources: %w", err)
		}
	}

	merged := r.mergeLive(workerID, &snapshot)
	r.notifier.LiveUpdate(workerID.String(), merged, snapshot.Timestamp)
	return nil
}

// mergeLive overlays snapshot onto the cached live view and returns the
// merged result. A nil snapshot returns the cache unchanged.
func (r *Registry) mergeLive(workerID uuid.UUID, snapshot *protocol.ResourceSnapshot) *protocol.ResourceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snapshot == nil {
		return r.live[workerID]
	}
	merged := snapshot.Merge(r.live[workerID])
	r.live[workerID] = &merged
	return &merged
}

// MarkOffline transitions a worker to offline. Calling it on a worker that
// is already offline is a no-op and emits nothing.
func (r *Registry) MarkOffline(ctx context.Context, workerID uuid.UUID) error {
	lock := r.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	w, err := r.workers.GetByID(ctx, workerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: loading worker for offline: %w", err)
	}
	if w.Status == protocol.StatusOffline {
		return nil
	}

	w.Status = protocol.StatusOffline
	if err := r.workers.Update(ctx, w); err != nil {
		return fmt.Errorf("registry: marking worker offline: %w", err)
	}

	r.logger.Info("worker offline", zap.String("worker_id", workerID.String()))
	r.notifier.WorkerOffline(workerID.String())
	return nil
}

// Get returns one worker as wire-shaped info, with its live snapshot if any.
func (r *Registry) Get(ctx context.Context, workerID uuid.UUID) (*protocol.WorkerInfo, error) {
	w, err := r.workers.GetByID(ctx, workerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: loading worker: %w", err)
	}
	info := r.workerInfo(w)
	return &info, nil
}

// GetVisible is Get with an ownership check: a non-admin caller sees only
// their own workers, and a foreign worker id reads as not found rather than
// leaking its existence.
func (r *Registry) GetVisible(ctx context.Context, workerID, operatorID uuid.UUID, admin bool) (*protocol.WorkerInfo, error) {
	w, err := r.workers.GetByID(ctx, workerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: loading worker: %w", err)
	}
	if !admin && w.OperatorID != operatorID {
		return nil, ErrNotFound
	}
	info := r.workerInfo(w)
	return &info, nil
}

// List returns all workers.
func (r *Registry) List(ctx context.Context) ([]protocol.WorkerInfo, error) {
	workers, err := r.workers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: listing workers: %w", err)
	}
	return r.infos(workers), nil
}

// ListByOperator returns the workers owned by one operator.
func (r *Registry) ListByOperator(ctx context.Context, operatorID uuid.UUID) ([]protocol.WorkerInfo, error) {
	workers, err := r.workers.ListByOperator(ctx, operatorID)
	if err != nil {
		return nil, fmt.Errorf("registry: listing workers by operator: %w", err)
	}
	return r.infos(workers), nil
}

func (r *Registry) infos(workers []db.Worker) []protocol.WorkerInfo {
	out := make([]protocol.WorkerInfo, 0, len(workers))
	for i := range workers {
		out = append(out, r.workerInfo(&workers[i]))
	}
	return out
}

// workerInfo builds the wire representation of a worker row.
func (r *Registry) workerInfo(w *db.Worker) protocol.WorkerInfo {
	r.mu.Lock()
	live := r.live[w.ID]
	r.mu.Unlock()

	info := protocol.WorkerInfo{
		ID:        w.ID.String(),
		Hostname:  w.Hostname,
		IPAddress: w.IPAddress,
		Status:    w.Status,
		Declared: protocol.DeclaredResources{
			CPUCores: w.CPUCores,
			RAMGB:    w.RAMGB,
			DiskGB:   w.DiskGB,
		},
		Live:      live,
		CreatedAt: w.CreatedAt.UnixMilli(),
	}
	if w.LastSeenAt != nil {
		info.LastSeen = w.LastSeenAt.UnixMilli()
	}
	return info
}
