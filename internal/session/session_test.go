package session

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed []string
}

func (c *fakeConn) SendFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) CloseWithReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, reason)
}

func TestBindAndSend(t *testing.T) {
	m := NewManager(zap.NewNop())
	workerID := uuid.Must(uuid.NewV7())
	conn := &fakeConn{}

	m.Bind(NewSession(workerID, conn))
	assert.Equal(t, 1, m.Count())

	require.NoError(t, m.Send(workerID, []byte("frame")))
	assert.Len(t, conn.sent, 1)

	assert.ErrorIs(t, m.Send(uuid.Must(uuid.NewV7()), []byte("frame")), ErrNoSession)
}

func TestBindDisplacesOlderSession(t *testing.T) {
	m := NewManager(zap.NewNop())
	workerID := uuid.Must(uuid.NewV7())

	oldConn := &fakeConn{}
	newConn := &fakeConn{}
	old := NewSession(workerID, oldConn)
	fresh := NewSession(workerID, newConn)

	m.Bind(old)
	m.Bind(fresh)

	assert.Equal(t, []string{ReasonSuperseded}, oldConn.closed)
	assert.Equal(t, 1, m.Count())

	// Pushes land on the replacement, not the displaced session.
	require.NoError(t, m.Send(workerID, []byte("frame")))
	assert.Empty(t, oldConn.sent)
	assert.Len(t, newConn.sent, 1)
}

func TestUnbindOfDisplacedSessionIsNoOp(t *testing.T) {
	m := NewManager(zap.NewNop())
	workerID := uuid.Must(uuid.NewV7())

	old := NewSession(workerID, &fakeConn{})
	fresh := NewSession(workerID, &fakeConn{})

	m.Bind(old)
	m.Bind(fresh)

	// The displaced socket's teardown runs after the replacement bound. It
	// must not tear down the replacement's binding.
	m.Unbind(old)
	assert.Equal(t, 1, m.Count())
	assert.Same(t, fresh, m.Get(workerID))

	m.Unbind(fresh)
	assert.Equal(t, 0, m.Count())
}

func TestDropIsIdempotent(t *testing.T) {
	m := NewManager(zap.NewNop())
	workerID := uuid.Must(uuid.NewV7())
	conn := &fakeConn{}

	m.Bind(NewSession(workerID, conn))

	m.Drop(workerID, "liveness window expired")
	m.Drop(workerID, "liveness window expired")

	assert.Equal(t, []string{"liveness window expired"}, conn.closed)
	assert.Equal(t, 0, m.Count())
}
