// Package client maintains the persistent WebSocket connection between the
// worker agent and the conductor. It handles:
//   - Initial registration (presenting the token, host identity, and
//     declared capacity, then adopting the conductor-issued worker id)
//   - The ping loop (periodic liveness signals, attaching a fresh resource
//     snapshot when drift passes the noise floor)
//   - Out-of-band resource reports between pings
//   - Receiving deployment instructions and forwarding them to the
//     supervisor
//   - Automatic reconnection with exponential backoff + jitter
//
// The Client implements supervisor.StatusReporter so the supervisor can
// report outcomes without knowing about the wire.
//
// State persistence: after the first successful registration the conductor
// returns a stable worker id (UUIDv7). It is written to
// <state-dir>/agent-state.json and presented on every reconnect so the
// conductor rebinds the existing record instead of creating a duplicate.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/agent/probe"
	"github.com/conductor-sh/conductor/internal/agent/supervisor"
	"github.com/conductor-sh/conductor/internal/protocol"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many workers reconnect simultaneously.
	jitterFraction = 0.2

	// registerWait bounds how long the client waits for worker:registered
	// after sending its registration. On expiry the socket is closed and
	// the connect loop resumes.
	registerWait = 10 * time.Second

	// writeWait bounds every frame write.
	writeWait = 5 * time.Second
)

// errSuperseded signals that the conductor displaced this session with a
// newer registration for the same worker id.
var errSuperseded = errors.New("client: session superseded")

// Config holds all parameters needed to connect to the conductor.
type Config struct {
	// ConductorURL is the WebSocket endpoint, e.g. "ws://conductor:8080/workers".
	ConductorURL string

	// Token is the operator's registration token.
	Token string

	// StateDir is the directory where agent-state.json is persisted.
	StateDir string

	// PingInterval is the heartbeat cadence. The conductor marks a worker
	// offline when no ping arrives inside its liveness window, roughly
	// three times this interval.
	PingInterval time.Duration

	// ProbeInterval is the out-of-band resource sampling cadence,
	// independent of the ping cadence.
	ProbeInterval time.Duration
}

// Client maintains the conductor connection. Create with New, then call Run.
type Client struct {
	cfg        Config
	probe      *probe.Probe
	supervisor *supervisor.Supervisor
	logger     *zap.Logger

	// mu protects conn, which is replaced on every reconnect, and
	// serialises frame writes.
	mu   sync.Mutex
	conn *websocket.Conn

	// workerID is the stable id returned by the conductor.
	workerID string
}

// New creates a Client. Attach the supervisor with SetSupervisor before Run
// so deployment instructions have somewhere to go.
func New(cfg Config, p *probe.Probe, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		probe:  p,
		logger: logger.Named("client"),
	}
}

// SetSupervisor wires the deployment supervisor. The client and supervisor
// reference each other (instructions down, status reports up), so one side
// is attached after construction.
func (c *Client) SetSupervisor(s *supervisor.Supervisor) {
	c.supervisor = s
}

// WorkerID returns the conductor-issued id, or "" before first registration.
func (c *Client) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID
}

// Run starts the connection loop: connect, register, serve the session, and
// reconnect with backoff on any failure. Blocks until ctx is cancelled. The
// worker never exits on conductor unavailability.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("client stopped")
			return
		}

		c.logger.Info("connecting to conductor", zap.String("url", c.cfg.ConductorURL))

		err := c.connect(ctx)
		if ctx.Err() != nil {
			c.logger.Info("client stopped")
			return
		}
		if err != nil {
			c.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Clean session end. Reset backoff and reconnect immediately.
		backoff = backoffInitial
	}
}

// connect establishes one session: dial, register, then run the ping loop
// and the read loop until either fails.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ConductorURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.register(ctx, conn); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	// The read loop owns conn reads; the ping loop writes through the
	// mutex. Either failing tears the session down.
	errCh := make(chan error, 2)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { errCh <- c.pingLoop(sessionCtx) }()
	go func() { errCh <- c.readLoop(sessionCtx, conn) }()

	err = <-errCh
	cancel()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// register presents the token and host identity, then waits for the
// conductor's acknowledgement inside the response window.
func (c *Client) register(ctx context.Context, conn *websocket.Conn) error {
	state, err := loadState(c.cfg.StateDir)
	if err != nil {
		c.logger.Warn("failed to load agent state, will register fresh", zap.Error(err))
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	declared, err := c.probe.Declared(ctx)
	if err != nil {
		return fmt.Errorf("probing declared capacity: %w", err)
	}

	if err := c.writeFrame(protocol.EventWorkerRegister, protocol.RegisterPayload{
		Token:     c.cfg.Token,
		Hostname:  hostname,
		IPAddress: localIP(),
		Resources: declared,
		WorkerID:  state.WorkerID,
	}); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(registerWait)); err != nil {
		return err
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting registration ack: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		switch frame.Event {
		case protocol.EventWorkerRegistered:
			var payload protocol.RegisteredPayload
			if err := protocol.DecodePayload(frame, &payload); err != nil {
				return fmt.Errorf("malformed registration ack: %w", err)
			}
			// Adopt the conductor-issued id if it changed.
			if payload.WorkerID != state.WorkerID {
				if err := saveState(c.cfg.StateDir, agentState{WorkerID: payload.WorkerID}); err != nil {
					c.logger.Warn("failed to persist worker id", zap.Error(err))
				}
			}
			c.mu.Lock()
			c.workerID = payload.WorkerID
			c.mu.Unlock()
			c.logger.Info("registered with conductor",
				zap.String("worker_id", payload.WorkerID),
				zap.String("status", payload.Status))
			return conn.SetReadDeadline(time.Time{})

		case protocol.EventError:
			var payload protocol.ErrorPayload
			_ = protocol.DecodePayload(frame, &payload)
			return fmt.Errorf("conductor rejected registration: %s (%s)", payload.Message, payload.Code)

		default:
			// A stale broadcast can slip in ahead of the ack; skip it.
		}
	}
}

// pingLoop emits worker:ping on the ping cadence, attaching a snapshot when
// drift passed the noise floor, and worker:resources on the probe cadence
// when a significant change shows up between pings.
func (c *Client) pingLoop(ctx context.Context) error {
	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()
	probeTicker := time.NewTicker(c.cfg.ProbeInterval)
	defer probeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-pingTicker.C:
			payload := protocol.PingPayload{Timestamp: time.Now().UnixMilli()}
			snap := c.probe.Snapshot(ctx)
			if c.probe.ShouldReport(snap) {
				payload.Resources = snap
			}
			if err := c.writeFrame(protocol.EventWorkerPing, payload); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			c.logger.Debug("ping sent", zap.Bool("with_resources", payload.Resources != nil))

		case <-probeTicker.C:
			snap := c.probe.Snapshot(ctx)
			if !c.probe.ShouldReport(snap) {
				continue
			}
			if err := c.writeFrame(protocol.EventWorkerResources, protocol.ResourcesPayload{Resources: *snap}); err != nil {
				return fmt.Errorf("resource report failed: %w", err)
			}
			c.logger.Debug("out-of-band resources sent")
		}
	}
}

// readLoop consumes conductor frames: deployment instructions go to the
// supervisor, error frames classify the session end.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("malformed frame from conductor", zap.Error(err))
			continue
		}

		switch frame.Event {
		case protocol.EventDeployment:
			var payload protocol.DeploymentPayload
			if err := protocol.DecodePayload(frame, &payload); err != nil {
				c.logger.Warn("invalid deployment payload", zap.Error(err))
				continue
			}
			if c.supervisor == nil {
				c.logger.Warn("deployment received but no supervisor attached",
					zap.String("service", payload.Service))
				continue
			}
			c.logger.Info("deployment instruction received",
				zap.String("service", payload.Service),
				zap.String("action", payload.Action))
			c.supervisor.Apply(ctx, payload)

		case protocol.EventError:
			var payload protocol.ErrorPayload
			_ = protocol.DecodePayload(frame, &payload)
			if payload.Code == protocol.CodeSuperseded {
				c.logger.Warn("session superseded by a newer registration")
				return errSuperseded
			}
			c.logger.Warn("error frame from conductor",
				zap.String("code", payload.Code),
				zap.String("message", payload.Message))

		default:
			c.logger.Debug("unhandled event from conductor", zap.String("event", frame.Event))
		}
	}
}

// ReportServiceStatus implements supervisor.StatusReporter. Reports are
// best-effort; a disconnected session drops them, and the conductor learns
// current state from the next session's reports.
func (c *Client) ReportServiceStatus(service, status, errMsg string) {
	err := c.writeFrame(protocol.EventWorkerServiceStatus, protocol.ServiceStatusPayload{
		Service: service,
		Status:  status,
		Error:   errMsg,
	})
	if err != nil {
		c.logger.Debug("service status report dropped", zap.Error(err))
	}
}

// writeFrame encodes and writes one event frame under the write mutex.
func (c *Client) writeFrame(event string, payload any) error {
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("client: not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// localIP returns the host's outbound IPv4 address. The UDP dial never
// sends a packet; it only resolves the route.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
