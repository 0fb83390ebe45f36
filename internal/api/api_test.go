package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/hub"
	"github.com/conductor-sh/conductor/internal/ingress"
	"github.com/conductor-sh/conductor/internal/protocol"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/repository"
	"github.com/conductor-sh/conductor/internal/session"
	"github.com/conductor-sh/conductor/internal/tokens"
)

// env is a fully wired conductor over an in-memory store, served by httptest.
type env struct {
	server   *httptest.Server
	store    repository.Store
	authSvc  *auth.Service
	tokens   *tokens.Store
	registry *registry.Registry
	sessions *session.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()
	_, store := repository.NewMemoryStore()

	jwtMgr, err := auth.NewJWTManagerGenerated("conductor-test")
	require.NoError(t, err)
	authSvc := auth.NewService(store.Operators, jwtMgr, logger)

	tokenStore := tokens.NewStore(store.Tokens, logger)
	reg := registry.New(store.Workers, tokenStore, logger)
	fanout := hub.New(logger)
	reg.SetNotifier(fanout)
	sessions := session.NewManager(logger)
	ing := ingress.New(reg, sessions, 30*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go fanout.Run(ctx)
	t.Cleanup(cancel)

	router := NewRouter(RouterConfig{
		AuthService: authSvc,
		JWTManager:  jwtMgr,
		Registry:    reg,
		Tokens:      tokenStore,
		Sessions:    sessions,
		Hub:         fanout,
		Ingress:     ing,
		Logger:      logger,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &env{
		server:   server,
		store:    store,
		authSvc:  authSvc,
		tokens:   tokenStore,
		registry: reg,
		sessions: sessions,
	}
}

// seedOperator creates an account and returns its bearer token.
func (e *env) seedOperator(t *testing.T, username, password, role string) (*db.Operator, string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	op := &db.Operator{
		Username:   username,
		SecretHash: db.EncryptedString(hash),
		Role:       role,
	}
	require.NoError(t, e.store.Operators.Create(context.Background(), op))

	sess, err := e.authSvc.Login(context.Background(), username, password)
	require.NoError(t, err)
	return op, sess.Token
}

func (e *env) do(t *testing.T, method, path, bearer string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]json.RawMessage
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestLoginAndMe(t *testing.T) {
	e := newEnv(t)
	e.seedOperator(t, "alice", "hunter2hunter2", "operator")

	resp, body := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice",
		"secret":   "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token string
	require.NoError(t, json.Unmarshal(body["token"], &token))
	require.NotEmpty(t, token)

	resp, body = e.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body["operator"]), `"alice"`)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	e := newEnv(t)
	e.seedOperator(t, "alice", "hunter2hunter2", "operator")

	resp, body := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice",
		"secret":   "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body["error"]), protocol.CodeUnauthorized)
}

func TestAuthenticatedRoutesRequireBearer(t *testing.T) {
	e := newEnv(t)

	for _, path := range []string{"/api/v1/auth/me", "/api/v1/token", "/api/v1/workers"} {
		resp, _ := e.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp, _ := e.do(t, http.MethodGet, "/api/v1/workers", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestIDEcho(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/api/v1/health", nil)
	require.NoError(t, err)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestTokenGetAndRotate(t *testing.T) {
	e := newEnv(t)
	_, bearer := e.seedOperator(t, "alice", "hunter2hunter2", "operator")

	resp, body := e.do(t, http.MethodGet, "/api/v1/token", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var first string
	require.NoError(t, json.Unmarshal(body["token"], &first))
	require.NotEmpty(t, first)

	resp, body = e.do(t, http.MethodPost, "/api/v1/token/regenerate", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rotated string
	require.NoError(t, json.Unmarshal(body["token"], &rotated))
	assert.NotEqual(t, first, rotated)

	// The old value no longer registers workers.
	_, err := e.tokens.Validate(context.Background(), first)
	assert.ErrorIs(t, err, tokens.ErrTokenUnknown)
}

func TestWorkerListScoping(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	opA, bearerA := e.seedOperator(t, "alice", "hunter2hunter2", "operator")
	_, bearerB := e.seedOperator(t, "bob", "hunter2hunter2", "operator")
	_, bearerAdmin := e.seedOperator(t, "root", "hunter2hunter2", "admin")

	tokenA, err := e.tokens.Active(ctx, opA.ID)
	require.NoError(t, err)

	worker, err := e.registry.RegisterOrRebind(ctx, registry.RegisterRequest{
		Token:     string(tokenA.Value),
		Hostname:  "node-1",
		IPAddress: "10.0.0.5",
	})
	require.NoError(t, err)

	listLen := func(bearer string) int {
		resp, body := e.do(t, http.MethodGet, "/api/v1/workers", bearer, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var workers []json.RawMessage
		require.NoError(t, json.Unmarshal(body["workers"], &workers))
		return len(workers)
	}

	assert.Equal(t, 1, listLen(bearerA))
	assert.Equal(t, 0, listLen(bearerB), "operators see only their own workers")
	assert.Equal(t, 1, listLen(bearerAdmin), "admins see the whole fleet")

	// Detail route follows the same visibility rule.
	resp, _ := e.do(t, http.MethodGet, "/api/v1/workers/"+worker.ID.String(), bearerB, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/workers/"+worker.ID.String(), bearerA, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/workers/not-a-uuid", bearerA, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body["status"]), "ok")
}

// ---------------------------------------------------------------------------
// Worker streaming namespace
// ---------------------------------------------------------------------------

func (e *env) dialWorkers(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/workers"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := protocol.NewFrame(event, payload)
	require.NoError(t, err)
	raw, err := protocol.Encode(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.Decode(data)
	require.NoError(t, err)
	return frame
}

func (e *env) registrationToken(t *testing.T) string {
	t.Helper()
	op, _ := e.seedOperator(t, "fleet-owner", "hunter2hunter2", "operator")
	token, err := e.tokens.Active(context.Background(), op.ID)
	require.NoError(t, err)
	return string(token.Value)
}

func TestWorkerRegistrationHandshake(t *testing.T) {
	e := newEnv(t)
	token := e.registrationToken(t)

	conn := e.dialWorkers(t)
	sendFrame(t, conn, protocol.EventWorkerRegister, protocol.RegisterPayload{
		Token:     token,
		Hostname:  "node-1",
		IPAddress: "10.0.0.5",
		Resources: protocol.DeclaredResources{CPUCores: 8, RAMGB: 16, DiskGB: 250},
	})

	ack := readFrame(t, conn)
	require.Equal(t, protocol.EventWorkerRegistered, ack.Event)

	var registered protocol.RegisteredPayload
	require.NoError(t, protocol.DecodePayload(ack, &registered))
	assert.NotEmpty(t, registered.WorkerID)
	assert.Equal(t, protocol.StatusOnline, registered.Status)

	assert.Equal(t, 1, e.sessions.Count())
}

func TestWorkerRegistrationBadToken(t *testing.T) {
	e := newEnv(t)

	conn := e.dialWorkers(t)
	sendFrame(t, conn, protocol.EventWorkerRegister, protocol.RegisterPayload{
		Token:     "deadbeef",
		Hostname:  "node-1",
		IPAddress: "10.0.0.5",
	})

	frame := readFrame(t, conn)
	require.Equal(t, protocol.EventError, frame.Event)

	var errPayload protocol.ErrorPayload
	require.NoError(t, protocol.DecodePayload(frame, &errPayload))
	assert.Equal(t, protocol.CodeUnauthorized, errPayload.Code)
	assert.Equal(t, 0, e.sessions.Count())
}

func TestTrafficBeforeRegistrationIsRejected(t *testing.T) {
	e := newEnv(t)

	conn := e.dialWorkers(t)
	sendFrame(t, conn, protocol.EventWorkerPing, protocol.PingPayload{Timestamp: 1})

	frame := readFrame(t, conn)
	require.Equal(t, protocol.EventError, frame.Event)

	var errPayload protocol.ErrorPayload
	require.NoError(t, protocol.DecodePayload(frame, &errPayload))
	assert.Equal(t, protocol.CodeUnauthorized, errPayload.Code)
}

func TestNewRegistrationSupersedesOldSession(t *testing.T) {
	e := newEnv(t)
	token := e.registrationToken(t)

	register := func(conn *websocket.Conn, priorID string) protocol.RegisteredPayload {
		sendFrame(t, conn, protocol.EventWorkerRegister, protocol.RegisterPayload{
			Token:     token,
			Hostname:  "node-1",
			IPAddress: "10.0.0.5",
			WorkerID:  priorID,
		})
		ack := readFrame(t, conn)
		require.Equal(t, protocol.EventWorkerRegistered, ack.Event)
		var payload protocol.RegisteredPayload
		require.NoError(t, protocol.DecodePayload(ack, &payload))
		return payload
	}

	first := e.dialWorkers(t)
	firstAck := register(first, "")

	second := e.dialWorkers(t)
	secondAck := register(second, firstAck.WorkerID)
	assert.Equal(t, firstAck.WorkerID, secondAck.WorkerID, "identity is stable across reconnects")

	// The displaced socket hears Superseded before the close.
	frame := readFrame(t, first)
	require.Equal(t, protocol.EventError, frame.Event)
	var errPayload protocol.ErrorPayload
	require.NoError(t, protocol.DecodePayload(frame, &errPayload))
	assert.Equal(t, protocol.CodeSuperseded, errPayload.Code)

	assert.Equal(t, 1, e.sessions.Count())

	// The surviving session still carries traffic.
	workerID, err := uuid.Parse(secondAck.WorkerID)
	require.NoError(t, err)
	sendFrame(t, second, protocol.EventWorkerPing, protocol.PingPayload{Timestamp: time.Now().UnixMilli()})
	require.Eventually(t, func() bool {
		info, err := e.registry.Get(context.Background(), workerID)
		return err == nil && info.LastSeen != 0
	}, 2*time.Second, 10*time.Millisecond)
}
