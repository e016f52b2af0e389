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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/config"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		Transport:   config.TransportStdio,
		HTTPPort:    3000,
		Loggers:     []string{logger.SinkStderr},
		LogPath:     t.TempDir(),
		ExportsPath: t.TempDir(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.CheckAndSetDefaults())

	kc := keychain.New()
	log, handler, err := logger.New(logger.Config{Keychain: kc})
	require.NoError(t, err)

	server, err := New(Config{
		Log:        log.With(mdbmcp.ComponentKey, mdbmcp.ComponentServer),
		Config:     cfg,
		Keychain:   kc,
		LogHandler: handler,
	})
	require.NoError(t, err)
	return server
}

// stdioHarness drives a StdioTransport over in-memory pipes.
type stdioHarness struct {
	t         *testing.T
	transport *StdioTransport
	stdin     *io.PipeWriter
	stdout    *bufio.Reader
	done      chan error
	nextID    int
}

func newStdioHarness(t *testing.T, server *Server) *stdioHarness {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	transport, err := NewStdioTransport(StdioConfig{
		Server: server,
		Stdin:  stdinR,
		Stdout: stdoutW,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &stdioHarness{
		t:         t,
		transport: transport,
		stdin:     stdinW,
		stdout:    bufio.NewReader(stdoutR),
		done:      make(chan error, 1),
	}
	go func() { h.done <- transport.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = stdinW.Close()
		_ = stdoutW.Close()
	})
	return h
}

func (h *stdioHarness) send(method string, params any) int {
	h.t.Helper()
	h.nextID++
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      h.nextID,
		"method":  method,
	}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	require.NoError(h.t, err)
	_, err = fmt.Fprintf(h.stdin, "%s\n", data)
	require.NoError(h.t, err)
	return h.nextID
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.Number     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *stdioHarness) read() rpcReply {
	h.t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := h.stdout.ReadString('\n')
		ch <- result{line: line, err: err}
	}()
	select {
	case r := <-ch:
		require.NoError(h.t, r.err)
		var reply rpcReply
		require.NoError(h.t, json.Unmarshal([]byte(r.line), &reply))
		return reply
	case <-time.After(10 * time.Second):
		h.t.Fatal("timed out waiting for a reply")
		return rpcReply{}
	}
}

func initializeParams(clientName string) map[string]any {
	return map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{"elicitation": map[string]any{}},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": "1.0.0",
		},
	}
}

func TestStdioInitialize(t *testing.T) {
	server := newTestServer(t, nil)
	h := newStdioHarness(t, server)

	h.send("initialize", initializeParams("test-agent"))
	reply := h.read()
	require.Nil(t, reply.Error)

	var result struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, mdbmcp.ServerName, result.ServerInfo.Name)
	assert.Equal(t, mdbmcp.Version, result.ServerInfo.Version)

	info := h.transport.handler.Session().MCPClient()
	assert.Equal(t, "test-agent", info.Name)
	assert.True(t, h.transport.handler.elicit.hasCapability())
}

func TestStdioToolListing(t *testing.T) {
	server := newTestServer(t, nil)
	h := newStdioHarness(t, server)

	h.send("initialize", initializeParams("test-agent"))
	h.read()

	h.send("tools/list", nil)
	reply := h.read()
	require.Nil(t, reply.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))

	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	assert.Contains(t, names, "find")
	assert.Contains(t, names, "connect")
	// No Atlas credentials configured, so no Atlas tools.
	assert.NotContains(t, names, "atlas-list-orgs")
}

func TestStdioReadOnlyHidesWrites(t *testing.T) {
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.ReadOnly = true
	})
	h := newStdioHarness(t, server)

	h.send("initialize", initializeParams("test-agent"))
	h.read()

	h.send("tools/list", nil)
	reply := h.read()
	require.Nil(t, reply.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	for _, tool := range result.Tools {
		assert.NotEqual(t, "drop-database", tool.Name)
		assert.NotEqual(t, "insert-many", tool.Name)
	}
}

func TestStdioSetLevel(t *testing.T) {
	server := newTestServer(t, nil)
	h := newStdioHarness(t, server)

	h.send("initialize", initializeParams("test-agent"))
	h.read()

	h.send("logging/setLevel", map[string]any{"level": "debug"})
	reply := h.read()
	require.Nil(t, reply.Error)
	assert.JSONEq(t, `{}`, string(reply.Result))
}

func TestStdioClosesSessionOnEOF(t *testing.T) {
	server := newTestServer(t, nil)
	h := newStdioHarness(t, server)

	h.send("initialize", initializeParams("test-agent"))
	h.read()

	require.NoError(t, h.stdin.Close())
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("transport did not stop on EOF")
	}
}
