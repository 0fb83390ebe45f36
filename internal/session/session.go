// Package session tracks live worker channels. At most one authenticated
// session exists per worker id; a newer registration displaces the older
// session so worker restarts recover cleanly.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/metrics"
)

// ErrNoSession is returned when a push targets a worker with no live channel.
var ErrNoSession = errors.New("session: worker has no live session")

// Reasons passed to Conn.CloseWithReason. Workers read these to decide
// whether to reconnect immediately or back off.
const (
	ReasonSuperseded   = "superseded"
	ReasonUnauthorized = "unauthorized"
)

// Conn is the transport half of a session. The ingress wraps the WebSocket
// connection behind it so the manager never touches the socket directly.
type Conn interface {
	// SendFrame writes one encoded frame to the worker.
	SendFrame(frame []byte) error

	// CloseWithReason sends a close notification carrying reason and tears
	// the connection down.
	CloseWithReason(reason string)
}

// Session is one live worker channel after authentication.
type Session struct {
	// ID identifies the socket, not the worker. A worker that reconnects
	// gets a fresh session id.
	ID string

	WorkerID    uuid.UUID
	ConnectedAt time.Time

	conn Conn
}

// NewSession wraps an authenticated connection.
func NewSession(workerID uuid.UUID, conn Conn) *Session {
	return &Session{
		ID:          uuid.NewString(),
		WorkerID:    workerID,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}
}

// Manager holds the worker id to session binding.
type Manager struct {
	mu       sync.Mutex
	byWorker map[uuid.UUID]*Session
	logger   *zap.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		byWorker: make(map[uuid.UUID]*Session),
		logger:   logger.Named("session"),
	}
}

// Bind installs s as the worker's live session. An existing session for the
// same worker is closed with ReasonSuperseded first.
func (m *Manager) Bind(s *Session) {
	m.mu.Lock()
	old := m.byWorker[s.WorkerID]
	m.byWorker[s.WorkerID] = s
	count := len(m.byWorker)
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("session superseded",
			zap.String("worker_id", s.WorkerID.String()),
			zap.String("old_session", old.ID),
			zap.String("new_session", s.ID))
		old.conn.CloseWithReason(ReasonSuperseded)
	}
	metrics.SessionsActive.Set(float64(count))
}

// Unbind removes s if it is still the worker's current session. A session
// displaced by Bind is already gone; its late Unbind is a no-op, so the
// replacement binding survives.
func (m *Manager) Unbind(s *Session) {
	m.mu.Lock()
	if current, ok := m.byWorker[s.WorkerID]; ok && current.ID == s.ID {
		delete(m.byWorker, s.WorkerID)
	}
	count := len(m.byWorker)
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(count))
}

// Drop severs the worker's session if one exists. Idempotent. The sweeper
// calls it after a liveness expiry.
func (m *Manager) Drop(workerID uuid.UUID, reason string) {
	m.mu.Lock()
	s, ok := m.byWorker[workerID]
	if ok {
		delete(m.byWorker, workerID)
	}
	count := len(m.byWorker)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.logger.Info("session dropped",
		zap.String("worker_id", workerID.String()),
		zap.String("reason", reason))
	s.conn.CloseWithReason(reason)
	metrics.SessionsActive.Set(float64(count))
}

// Send pushes one encoded frame to the worker's live session.
func (m *Manager) Send(workerID uuid.UUID, frame []byte) error {
	m.mu.Lock()
	s, ok := m.byWorker[workerID]
	m.mu.Unlock()

	if !ok {
		return ErrNoSession
	}
	return s.conn.SendFrame(frame)
}

// Get returns the worker's current session, or nil.
func (m *Manager) Get(workerID uuid.UUID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byWorker[workerID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byWorker)
}
