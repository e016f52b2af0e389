/*
 * MongoDB MCP Server
 * Copyright (C) 2025  Titus Civic, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package srv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/config"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
)

func newHTTPHarness(t *testing.T, mutate func(*config.Config)) (*HTTPTransport, *httptest.Server) {
	t.Helper()
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Transport = config.TransportHTTP
		if mutate != nil {
			mutate(cfg)
		}
	})
	transport, err := NewHTTPTransport(HTTPConfig{
		Server: server,
		Config: server.cfg.Config,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(transport.Handler())
	t.Cleanup(ts.Close)
	return transport, ts
}

func postMessage(t *testing.T, ts *httptest.Server, sessionID string, msg any) *http.Response {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeRPCError(t *testing.T, resp *http.Response) int {
	t.Helper()
	defer resp.Body.Close()
	var reply rpcReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.NotNil(t, reply.Error)
	return reply.Error.Code
}

// readSSEReply returns the first JSON-RPC message on an SSE body.
func readSSEReply(t *testing.T, body io.Reader) rpcReply {
	t.Helper()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var reply rpcReply
			require.NoError(t, json.Unmarshal([]byte(data), &reply))
			return reply
		}
	}
	t.Fatal("no SSE data frame in response body")
	return rpcReply{}
}

func jsonRequest(id int, method string, params any) map[string]any {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		msg["params"] = params
	}
	return msg
}

func initializeHTTP(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postMessage(t, ts, "", jsonRequest(1, "initialize", initializeParams("test-agent")))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	sessionID := resp.Header.Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)
	require.NoError(t, uuid.Validate(sessionID))

	reply := readSSEReply(t, resp.Body)
	require.Nil(t, reply.Error)
	var result struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Equal(t, mdbmcp.ServerName, result.ServerInfo.Name)
	return sessionID
}

func TestHTTPInitializeStartsSession(t *testing.T) {
	transport, ts := newHTTPHarness(t, nil)
	sessionID := initializeHTTP(t, ts)
	require.NotNil(t, transport.store.get(sessionID))
}

func TestHTTPSessionRouting(t *testing.T) {
	_, ts := newHTTPHarness(t, nil)

	t.Run("request without session id", func(t *testing.T) {
		resp := postMessage(t, ts, "", jsonRequest(1, "tools/list", nil))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, codeMissingSessionID, decodeRPCError(t, resp))
	})

	t.Run("invalid session id", func(t *testing.T) {
		resp := postMessage(t, ts, "not-a-uuid", jsonRequest(1, "tools/list", nil))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, codeInvalidSessionID, decodeRPCError(t, resp))
	})

	t.Run("unknown session id", func(t *testing.T) {
		resp := postMessage(t, ts, uuid.NewString(), jsonRequest(1, "tools/list", nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, codeUnknownSessionID, decodeRPCError(t, resp))
	})

	t.Run("notification without session", func(t *testing.T) {
		resp := postMessage(t, ts, "", map[string]any{
			"jsonrpc": "2.0",
			"method":  "notifications/initialized",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, codeSessionRequired, decodeRPCError(t, resp))
	})
}

func TestHTTPToolCallOnSession(t *testing.T) {
	_, ts := newHTTPHarness(t, nil)
	sessionID := initializeHTTP(t, ts)

	resp := postMessage(t, ts, sessionID, jsonRequest(2, "tools/list", nil))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reply := readSSEReply(t, resp.Body)
	require.Nil(t, reply.Error)
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.NotEmpty(t, result.Tools)
}

func TestHTTPNotificationGets202(t *testing.T) {
	_, ts := newHTTPHarness(t, nil)
	sessionID := initializeHTTP(t, ts)

	resp := postMessage(t, ts, sessionID, map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHTTPDeleteClosesSession(t *testing.T) {
	transport, ts := newHTTPHarness(t, nil)
	sessionID := initializeHTTP(t, ts)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(SessionIDHeader, sessionID)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, transport.store.get(sessionID))

	// Session is gone, subsequent calls are rejected.
	postResp := postMessage(t, ts, sessionID, jsonRequest(2, "tools/list", nil))
	assert.Equal(t, codeUnknownSessionID, decodeRPCError(t, postResp))
}

func TestHTTPHeaderPolicy(t *testing.T) {
	_, ts := newHTTPHarness(t, func(cfg *config.Config) {
		cfg.HTTPHeaders = map[string]string{"X-Api-Key": "secret"}
	})

	resp := postMessage(t, ts, "", jsonRequest(1, "initialize", initializeParams("test-agent")))
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, err := json.Marshal(jsonRequest(1, "initialize", initializeParams("test-agent")))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", "secret")
	okResp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer okResp.Body.Close()
	assert.Equal(t, http.StatusOK, okResp.StatusCode)
}

func TestHTTPParseError(t *testing.T) {
	_, ts := newHTTPHarness(t, nil)
	resp, err := ts.Client().Post(ts.URL+"/mcp", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, -32700, decodeRPCError(t, resp))
}

func TestHTTPMetricsEndpoint(t *testing.T) {
	_, ts := newHTTPHarness(t, nil)
	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mdbmcp_active_sessions")
}

func TestHTTPIdleSessionEvicted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Transport = config.TransportHTTP
	})
	transport, err := NewHTTPTransport(HTTPConfig{
		Server: server,
		Config: server.cfg.Config,
		Clock:  clock,
		// Keep pings out of the idle timer's way.
		KeepAliveInterval: time.Hour,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(transport.Handler())
	t.Cleanup(ts.Close)

	sessionID := initializeHTTP(t, ts)
	session := transport.store.get(sessionID)
	require.NotNil(t, session)

	clock.Advance(server.cfg.Config.IdleTimeout() + time.Second)

	require.Eventually(t, func() bool {
		return transport.store.get(sessionID) == nil
	}, 5*time.Second, 10*time.Millisecond, "idle session was not evicted")

	select {
	case <-session.done:
	default:
		t.Fatal("evicted session was not torn down")
	}

	resp := postMessage(t, ts, sessionID, jsonRequest(2, "tools/list", nil))
	assert.Equal(t, codeUnknownSessionID, decodeRPCError(t, resp))
}

func TestHTTPKeepAliveFailuresCloseSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.Transport = config.TransportHTTP
		// Push the idle timers far beyond the advances below so only
		// the keep-alive loop can close the session.
		cfg.IdleTimeoutMs = int((24 * time.Hour).Milliseconds())
		cfg.NotificationTimeoutMs = int((23 * time.Hour).Milliseconds())
	})
	transport, err := NewHTTPTransport(HTTPConfig{
		Server: server,
		Config: server.cfg.Config,
		Clock:  clock,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(transport.Handler())
	t.Cleanup(ts.Close)

	sessionID := initializeHTTP(t, ts)
	session := transport.store.get(sessionID)
	require.NotNil(t, session)

	// Nobody drains the standalone stream; fill its queue so every
	// ping fails to enqueue.
	writer := session.writer()
	for writer.WriteMessage(context.Background(), "filler") == nil {
	}

	require.Eventually(t, func() bool {
		clock.Advance(defaults.KeepAliveInterval)
		return transport.store.get(sessionID) == nil
	}, 5*time.Second, 10*time.Millisecond, "session with undeliverable pings was not closed")

	select {
	case <-session.done:
	default:
		t.Fatal("session with failing keep-alive was not torn down")
	}
}

func TestSessionStreamBacklog(t *testing.T) {
	session := &httpSession{
		id:    uuid.NewString(),
		queue: make(chan mcp.JSONRPCMessage, 2),
		done:  make(chan struct{}),
	}
	writer := session.writer()
	ctx := context.Background()
	require.NoError(t, writer.WriteMessage(ctx, "one"))
	require.NoError(t, writer.WriteMessage(ctx, "two"))
	require.Error(t, writer.WriteMessage(ctx, "three"))

	close(session.done)
	require.Error(t, writer.WriteMessage(ctx, "four"))
}
