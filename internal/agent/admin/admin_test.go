package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/agent/runtime"
	"github.com/conductor-sh/conductor/internal/agent/supervisor"
)

type fakeConnection struct {
	workerID string
}

func (f *fakeConnection) WorkerID() string { return f.workerID }

func newTestServer(workerID string) *httptest.Server {
	sup := supervisor.New(runtime.Unavailable{}, nil, zap.NewNop())
	srv := NewServer(&fakeConnection{workerID: workerID}, sup, runtime.Unavailable{}, zap.NewNop())
	return httptest.NewServer(srv.Router())
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthReportsRuntimeUnavailable(t *testing.T) {
	server := newTestServer("w-1")
	defer server.Close()

	status, body := getJSON(t, server.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "unavailable", body["runtime"])
}

func TestStatusBeforeAndAfterRegistration(t *testing.T) {
	connecting := newTestServer("")
	defer connecting.Close()

	status, body := getJSON(t, connecting.URL+"/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "connecting", body["state"])

	active := newTestServer("w-1")
	defer active.Close()

	status, body = getJSON(t, active.URL+"/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, "w-1", body["worker_id"])
}

func TestUnknownServiceRoutes(t *testing.T) {
	server := newTestServer("w-1")
	defer server.Close()

	status, _ := getJSON(t, server.URL+"/services/ghost")
	assert.Equal(t, http.StatusNotFound, status)

	resp, err := http.Post(server.URL+"/services/ghost/restart", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListServicesEmpty(t *testing.T) {
	server := newTestServer("w-1")
	defer server.Close()

	status, body := getJSON(t, server.URL+"/services")
	assert.Equal(t, http.StatusOK, status)
	services, ok := body["services"].([]any)
	require.True(t, ok)
	assert.Empty(t, services)
}
