package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/service"
	"github.com/cawhq/caw/internal/spawner"
	"github.com/cawhq/caw/internal/store"
	"github.com/cawhq/caw/internal/tools"
)

func newTestHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := service.New(st, logging.NewNop())
	registry := tools.NewRegistry(tools.Deps{
		Services: svc,
		Spawners: spawner.NewRegistry(svc, nil, nil),
	})
	ts := httptest.NewServer(NewHTTPServer(registry, logging.NewNop()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPHealth(t *testing.T) {
	ts := newTestHTTPServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 8)
	n, _ := resp.Body.Read(buf)
	assert.Equal(t, "OK", string(buf[:n]))
}

func TestHTTPPostCreatesSession(t *testing.T) {
	ts := newTestHTTPServer(t)

	resp, err := http.Post(ts.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(SessionHeader)
	require.NotEmpty(t, sessionID, "first POST must issue a session id")

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Nil(t, body.Error)

	// A follow-up POST with the issued id reuses the session.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set(SessionHeader, sessionID)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, sessionID, resp2.Header.Get(SessionHeader))
}

func TestHTTPUnknownSessionIsReplaced(t *testing.T) {
	ts := newTestHTTPServer(t)

	// Clients holding a session from a previous daemon run get a fresh
	// one instead of an error.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set(SessionHeader, "stale-session")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	issued := resp.Header.Get(SessionHeader)
	assert.NotEmpty(t, issued)
	assert.NotEqual(t, "stale-session", issued)
}

func TestHTTPGetRequiresSession(t *testing.T) {
	ts := newTestHTTPServer(t)

	resp, err := http.Get(ts.URL + "/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, CodeServerError, body.Error.Code)
	assert.Equal(t, "Bad Request: No active session", body.Error.Message)
}

func TestHTTPGetWithSessionIsMethodNotAllowed(t *testing.T) {
	ts := newTestHTTPServer(t)

	post, err := http.Post(ts.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	post.Body.Close()
	sessionID := post.Header.Get(SessionHeader)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(SessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPDeleteEndsSession(t *testing.T) {
	ts := newTestHTTPServer(t)

	post, err := http.Post(ts.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	post.Body.Close()
	sessionID := post.Header.Get(SessionHeader)

	del := func(id string) int {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
		require.NoError(t, err)
		if id != "" {
			req.Header.Set(SessionHeader, id)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, del(sessionID))
	assert.Equal(t, http.StatusBadRequest, del(sessionID), "second delete finds nothing")
	assert.Equal(t, http.StatusBadRequest, del(""))
}
