package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-sh/conductor/internal/db"
)

// MemoryStore is the in-memory reference backend. Three thin views over its
// shared state implement the repository interfaces; everything sits behind
// one mutex. It backs the tests and the conductor's "memory" driver. Nothing
// survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	operators map[uuid.UUID]db.Operator
	tokens    map[uuid.UUID]db.RegistrationToken // keyed by operator id
	workers   map[uuid.UUID]db.Worker
}

// NewMemoryStore returns an empty MemoryStore and its Store bundle.
func NewMemoryStore() (*MemoryStore, Store) {
	m := &MemoryStore{
		operators: make(map[uuid.UUID]db.Operator),
		tokens:    make(map[uuid.UUID]db.RegistrationToken),
		workers:   make(map[uuid.UUID]db.Worker),
	}
	return m, Store{
		Operators: &memOperators{m},
		Tokens:    &memTokens{m},
		Workers:   &memWorkers{m},
	}
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; Must keeps callers
		// from ever seeing a zero id.
		return uuid.Must(uuid.NewRandom())
	}
	return id
}

// ─── OperatorRepository ──────────────────────────────────────────────────────

type memOperators struct{ s *MemoryStore }

func (r *memOperators) Create(ctx context.Context, op *db.Operator) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	op.Username = strings.ToLower(op.Username)
	for _, existing := range r.s.operators {
		if existing.Username == op.Username {
			return ErrConflict
		}
	}
	if op.ID == (uuid.UUID{}) {
		op.ID = newID()
	}
	now := time.Now().UTC()
	op.CreatedAt, op.UpdatedAt = now, now
	r.s.operators[op.ID] = *op
	return nil
}

func (r *memOperators) GetByID(ctx context.Context, id uuid.UUID) (*db.Operator, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	op, ok := r.s.operators[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := op
	return &cp, nil
}

func (r *memOperators) GetByUsername(ctx context.Context, username string) (*db.Operator, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	username = strings.ToLower(username)
	for _, op := range r.s.operators {
		if op.Username == username {
			cp := op
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memOperators) Update(ctx context.Context, op *db.Operator) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.operators[op.ID]; !ok {
		return ErrNotFound
	}
	op.Username = strings.ToLower(op.Username)
	for id, existing := range r.s.operators {
		if id != op.ID && existing.Username == op.Username {
			return ErrConflict
		}
	}
	op.UpdatedAt = time.Now().UTC()
	r.s.operators[op.ID] = *op
	return nil
}

// ─── TokenRepository ─────────────────────────────────────────────────────────

type memTokens struct{ s *MemoryStore }

func (r *memTokens) GetByOperator(ctx context.Context, operatorID uuid.UUID) (*db.RegistrationToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	token, ok := r.s.tokens[operatorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := token
	return &cp, nil
}

func (r *memTokens) GetByValue(ctx context.Context, value string) (*db.RegistrationToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, token := range r.s.tokens {
		if string(token.Value) == value {
			cp := token
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memTokens) Create(ctx context.Context, token *db.RegistrationToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.tokens[token.OperatorID]; ok {
		return ErrConflict
	}
	if token.ID == (uuid.UUID{}) {
		token.ID = newID()
	}
	now := time.Now().UTC()
	token.CreatedAt, token.UpdatedAt = now, now
	r.s.tokens[token.OperatorID] = *token
	return nil
}

func (r *memTokens) Replace(ctx context.Context, operatorID uuid.UUID, newValue string) (*db.RegistrationToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	token, ok := r.s.tokens[operatorID]
	if !ok {
		return nil, ErrNotFound
	}
	token.Value = db.EncryptedString(newValue)
	token.UpdatedAt = time.Now().UTC()
	r.s.tokens[operatorID] = token
	cp := token
	return &cp, nil
}

// ─── WorkerRepository ────────────────────────────────────────────────────────

type memWorkers struct{ s *MemoryStore }

func (r *memWorkers) Create(ctx context.Context, w *db.Worker) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if w.ID == (uuid.UUID{}) {
		w.ID = newID()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	r.s.workers[w.ID] = *w
	return nil
}

func (r *memWorkers) GetByID(ctx context.Context, id uuid.UUID) (*db.Worker, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	w, ok := r.s.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := w
	return &cp, nil
}

func (r *memWorkers) GetByHostIP(ctx context.Context, hostname, ip string) (*db.Worker, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var best *db.Worker
	for _, w := range r.s.workers {
		if w.Hostname != hostname || w.IPAddress != ip {
			continue
		}
		// Most recently updated row wins, matching the rebind tie-break.
		if best == nil || w.UpdatedAt.After(best.UpdatedAt) {
			cp := w
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (r *memWorkers) Update(ctx context.Context, w *db.Worker) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.workers[w.ID]; !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now().UTC()
	r.s.workers[w.ID] = *w
	return nil
}

func (r *memWorkers) List(ctx context.Context) ([]db.Worker, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.collect(func(db.Worker) bool { return true }), nil
}

func (r *memWorkers) ListByOperator(ctx context.Context, operatorID uuid.UUID) ([]db.Worker, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.collect(func(w db.Worker) bool { return w.OperatorID == operatorID }), nil
}

// collect snapshots matching workers sorted by creation time. Callers must
// hold at least a read lock.
func (r *memWorkers) collect(match func(db.Worker) bool) []db.Worker {
	out := make([]db.Worker, 0, len(r.s.workers))
	for _, w := range r.s.workers {
		if match(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
