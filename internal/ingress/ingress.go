// Package ingress terminates worker WebSocket connections. Each connection
// walks a small state machine: CONNECTED until a valid worker:register
// arrives inside the grace window, then AUTHENTICATED until disconnect.
// Framing is handled by one goroutine per connection; sessions run in
// parallel across connections.
package ingress

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/protocol"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/session"
)

const (
	// writeWait is the maximum time allowed to write a frame to the worker.
	writeWait = 10 * time.Second

	// readWait bounds silence on the socket. Workers ping well inside it;
	// the liveness sweeper handles slower failure detection.
	readWait = 5 * time.Minute

	// maxMessageSize bounds inbound frames. Resource snapshots with
	// per-core figures stay well under this.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Ingress upgrades and drives worker connections.
type Ingress struct {
	registry *registry.Registry
	sessions *session.Manager
	grace    time.Duration
	logger   *zap.Logger
}

// New creates an Ingress. grace bounds how long an unauthenticated socket
// may sit open before it is closed.
func New(reg *registry.Registry, sessions *session.Manager, grace time.Duration, logger *zap.Logger) *Ingress {
	return &Ingress{
		registry: reg,
		sessions: sessions,
		grace:    grace,
		logger:   logger.Named("ingress"),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (i *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		i.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	wc := &workerConn{
		conn:   conn,
		logger: i.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	i.run(r.Context(), wc)
}

// workerConn serialises writes to one worker socket. The read loop owns
// reads; pushes from the session manager arrive on other goroutines, so
// every write goes through the mutex.
type workerConn struct {
	conn   *websocket.Conn
	writeM sync.Mutex
	logger *zap.Logger

	closeOnce sync.Once
}

// SendFrame implements session.Conn.
func (c *workerConn) SendFrame(frame []byte) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// sendEvent encodes and writes one event frame.
func (c *workerConn) sendEvent(f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return c.SendFrame(raw)
}

// CloseWithReason implements session.Conn. The reason rides in an error
// frame ahead of the close so the worker can distinguish supersession from
// a network fault.
func (c *workerConn) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		code := protocol.CodeTransient
		switch reason {
		case session.ReasonSuperseded:
			code = protocol.CodeSuperseded
		case session.ReasonUnauthorized:
			code = protocol.CodeUnauthorized
		}
		if err := c.sendEvent(protocol.ErrorFrame(code, reason)); err != nil {
			c.logger.Debug("ws: close notification failed", zap.Error(err))
		}
		c.writeM.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait))
		c.writeM.Unlock()
		c.conn.Close()
	})
}

// run drives one connection through the state machine.
func (i *Ingress) run(ctx context.Context, wc *workerConn) {
	defer wc.conn.Close()

	wc.conn.SetReadLimit(maxMessageSize)

	// The grace timer fires only if registration never completes.
	authenticated := make(chan struct{})
	graceTimer := time.AfterFunc(i.grace, func() {
		select {
		case <-authenticated:
		default:
			wc.logger.Info("ws: registration grace window expired")
			wc.CloseWithReason(session.ReasonUnauthorized)
		}
	})
	defer graceTimer.Stop()

	var sess *session.Session
	defer func() {
		if sess != nil {
			i.sessions.Unbind(sess)
		}
	}()

	for {
		if err := wc.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return
		}
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				wc.logger.Debug("ws: worker connection closed", zap.Error(err))
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			i.sendError(wc, protocol.CodeValidation, "malformed frame")
			continue
		}

		if sess == nil {
			sess = i.handleUnauthenticated(ctx, wc, frame, authenticated)
			continue
		}
		i.handleAuthenticated(ctx, wc, sess, frame)
	}
}

// handleUnauthenticated accepts only worker:register. Returns the bound
// session on success, nil otherwise.
func (i *Ingress) handleUnauthenticated(ctx context.Context, wc *workerConn, frame protocol.Frame, authenticated chan struct{}) *session.Session {
	if frame.Event != protocol.EventWorkerRegister {
		i.sendError(wc, protocol.CodeUnauthorized, "register first")
		return nil
	}

	var payload protocol.RegisterPayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		i.sendError(wc, protocol.CodeValidation, "invalid register payload")
		return nil
	}
	if payload.Hostname == "" || payload.IPAddress == "" {
		i.sendError(wc, protocol.CodeValidation, "hostname and ip_address are required")
		return nil
	}

	worker, err := i.registry.RegisterOrRebind(ctx, registry.RegisterRequest{
		Token:         payload.Token,
		Hostname:      payload.Hostname,
		IPAddress:     payload.IPAddress,
		Declared:      payload.Resources,
		PriorWorkerID: payload.WorkerID,
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnauthorized) {
			i.sendError(wc, protocol.CodeUnauthorized, "invalid registration token")
			wc.CloseWithReason(session.ReasonUnauthorized)
			return nil
		}
		wc.logger.Error("ws: registration failed", zap.Error(err))
		i.sendError(wc, protocol.CodeInternal, "registration failed")
		return nil
	}

	sess := session.NewSession(worker.ID, wc)
	i.sessions.Bind(sess)
	close(authenticated)

	wc.logger = wc.logger.With(zap.String("worker_id", worker.ID.String()))

	ack, err := protocol.NewFrame(protocol.EventWorkerRegistered, protocol.RegisteredPayload{
		WorkerID:  worker.ID.String(),
		Hostname:  worker.Hostname,
		IPAddress: worker.IPAddress,
		Status:    worker.Status,
	})
	if err == nil {
		err = wc.sendEvent(ack)
	}
	if err != nil {
		wc.logger.Warn("ws: failed to acknowledge registration", zap.Error(err))
	}
	return sess
}

// handleAuthenticated dispatches post-registration traffic.
func (i *Ingress) handleAuthenticated(ctx context.Context, wc *workerConn, sess *session.Session, frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventWorkerPing:
		var payload protocol.PingPayload
		if err := protocol.DecodePayload(frame, &payload); err != nil {
			i.sendError(wc, protocol.CodeValidation, "invalid ping payload")
			return
		}
		if err := i.registry.RecordPing(ctx, sess.WorkerID, payload.Timestamp, payload.Resources); err != nil {
			i.recordError(wc, err, "ping")
		}

	case protocol.EventWorkerResources:
		var payload protocol.ResourcesPayload
		if err := protocol.DecodePayload(frame, &payload); err != nil {
			i.sendError(wc, protocol.CodeValidation, "invalid resources payload")
			return
		}
		if err := i.registry.RecordResources(ctx, sess.WorkerID, payload.Resources, 0); err != nil {
			i.recordError(wc, err, "resources")
		}

	case protocol.EventWorkerServiceStatus:
		var payload protocol.ServiceStatusPayload
		if err := protocol.DecodePayload(frame, &payload); err != nil {
			i.sendError(wc, protocol.CodeValidation, "invalid service status payload")
			return
		}
		wc.logger.Info("service status reported",
			zap.String("service", payload.Service),
			zap.String("status", payload.Status),
			zap.String("error", payload.Error))

	case protocol.EventWorkerRegister:
		// Re-registration on a live session is redundant but harmless;
		// agents re-register on reconnect, not mid-session.
		i.sendError(wc, protocol.CodeValidation, "already registered")

	default:
		i.sendError(wc, protocol.CodeValidation, "unknown event "+frame.Event)
	}
}

// recordError maps a registry failure onto a wire error frame.
func (i *Ingress) recordError(wc *workerConn, err error, op string) {
	if errors.Is(err, registry.ErrNotFound) {
		i.sendError(wc, protocol.CodeNotFound, "worker record missing")
		return
	}
	wc.logger.Error("ws: failed to record "+op, zap.Error(err))
	i.sendError(wc, protocol.CodeInternal, op+" not recorded")
}

func (i *Ingress) sendError(wc *workerConn, code, message string) {
	if err := wc.sendEvent(protocol.ErrorFrame(code, message)); err != nil {
		wc.logger.Debug("ws: error frame write failed", zap.Error(err))
	}
}

// PushDeployment sends a deployment instruction to a worker's live session.
// The REST layer and future schedulers call it; there is no queue, the
// latest instruction for a service wins.
func (i *Ingress) PushDeployment(workerID uuid.UUID, instruction protocol.DeploymentPayload) error {
	frame, err := protocol.NewFrame(protocol.EventDeployment, instruction)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return i.sessions.Send(workerID, raw)
}
