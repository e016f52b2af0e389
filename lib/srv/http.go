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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/config"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/mcputils"
)

// SessionIDHeader carries the session id on every request after
// initialize.
const SessionIDHeader = "Mcp-Session-Id"

// Session routing error codes of the streamable HTTP transport.
const (
	codeMissingSessionID = -32001
	codeInvalidSessionID = -32002
	codeUnknownSessionID = -32003
	codeSessionRequired  = -32004
	codeInternalError    = -32000
)

// maxBodyBytes bounds a POST body. Tool arguments are small; exports
// stream out, never in.
const maxBodyBytes = 8 << 20

// HTTPConfig is the config for an HTTPTransport.
type HTTPConfig struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Clock drives the eviction timers and the keep-alive loop.
	Clock clockwork.Clock
	// Server builds the per-session stacks. Required.
	Server *Server
	// Config supplies the bind address, required headers and timers.
	// Required.
	Config *config.Config
	// KeepAliveInterval is the ping cadence after initialize.
	KeepAliveInterval time.Duration
	// KeepAliveFailures is how many consecutive undeliverable pings
	// close the session.
	KeepAliveFailures int
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *HTTPConfig) CheckAndSetDefaults() error {
	if c.Server == nil {
		return trace.BadParameter("missing Server")
	}
	if c.Config == nil {
		return trace.BadParameter("missing Config")
	}
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentHTTP)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if c.KeepAliveFailures <= 0 {
		c.KeepAliveFailures = defaults.KeepAliveFailures
	}
	return nil
}

// HTTPTransport is the streamable HTTP transport: POST carries client
// messages, GET opens the standalone server-to-client stream, DELETE
// tears the session down.
type HTTPTransport struct {
	cfg   HTTPConfig
	log   *slog.Logger
	store *sessionStore
	mux   *http.ServeMux
}

// NewHTTPTransport creates the transport and its routes.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	t := &HTTPTransport{
		cfg:   cfg,
		log:   cfg.Log,
		store: newSessionStore(),
		mux:   http.NewServeMux(),
	}
	endpoint := defaults.HTTPEndpoint
	t.mux.HandleFunc("POST "+endpoint, t.guard(t.handlePost))
	t.mux.HandleFunc("GET "+endpoint, t.guard(t.handleGet))
	t.mux.HandleFunc("DELETE "+endpoint, t.guard(t.handleDelete))
	t.mux.Handle("GET /metrics", cfg.Server.Metrics().Handler())
	return t, nil
}

// Handler returns the transport's routes, for tests and embedding.
func (t *HTTPTransport) Handler() http.Handler {
	return t.mux
}

// Run serves until ctx is canceled, then closes every session and shuts
// the listener down.
func (t *HTTPTransport) Run(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.Config.HTTPHost, fmt.Sprintf("%d", t.cfg.Config.HTTPPort))
	srv := &http.Server{
		Addr:    addr,
		Handler: t.mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	t.log.InfoContext(ctx, "HTTP transport started",
		logger.ID(logger.LogIDServerStarted),
		"addr", addr)

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	for _, session := range t.store.all() {
		t.closeSession(context.Background(), session, "shutdown")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	t.log.Info("HTTP transport stopped", logger.ID(logger.LogIDServerStopped))
	return trace.Wrap(err)
}

// guard enforces the configured required headers and converts handler
// panics into a -32000 response.
func (t *HTTPTransport) guard(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for name, value := range t.cfg.Config.HTTPHeaders {
			if r.Header.Get(name) != value {
				t.log.WarnContext(r.Context(), "Request rejected by header policy",
					logger.ID(logger.LogIDHTTPForbiddenHeader),
					"header", name)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		defer func() {
			if rec := recover(); rec != nil {
				t.log.ErrorContext(r.Context(), "Request handler panicked", "panic", rec)
				t.writeRPCError(w, http.StatusInternalServerError, mcp.RequestId{},
					codeInternalError, fmt.Sprintf("internal error: %v", rec))
			}
		}()
		handler(w, r)
	}
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		t.writeRPCError(w, http.StatusBadRequest, mcp.RequestId{}, -32700, "failed to read request body")
		return
	}
	var base mcputils.BaseJSONRPCMessage
	if err := json.Unmarshal(body, &base); err != nil || base.JSONRPC != mcputils.JSONRPCVersion {
		t.writeRPCError(w, http.StatusBadRequest, mcp.RequestId{}, -32700, "invalid JSON-RPC payload")
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		switch {
		case base.IsRequest() && base.Method == mcputils.MethodInitialize:
			t.startSession(w, r, &base)
		case base.IsRequest():
			t.writeRPCError(w, http.StatusBadRequest, base.ID,
				codeMissingSessionID, "missing Mcp-Session-Id header")
		default:
			t.writeRPCError(w, http.StatusBadRequest, mcp.RequestId{},
				codeSessionRequired, "message requires an established session")
		}
		return
	}

	session, errCode, errMsg := t.lookup(sessionID)
	if session == nil {
		status := http.StatusBadRequest
		if errCode == codeUnknownSessionID {
			status = http.StatusNotFound
		}
		t.writeRPCError(w, status, base.ID, errCode, errMsg)
		return
	}
	session.touch(t.cfg.Clock.Now(), t.cfg.Config.IdleTimeout(), t.cfg.Config.NotificationTimeout())

	switch {
	case base.IsRequest():
		t.serveRequest(w, r, session, base.MakeRequest())
	case base.IsNotification():
		session.handler.HandleNotification(r.Context(), base.MakeNotification())
		w.WriteHeader(http.StatusAccepted)
	case base.IsResponse():
		session.handler.HandleResponse(r.Context(), base.MakeResponse())
		w.WriteHeader(http.StatusAccepted)
	default:
		t.writeRPCError(w, http.StatusBadRequest, base.ID, -32600, "invalid JSON-RPC message")
	}
}

// startSession builds a new session for a headerless initialize and
// answers it on a request-scoped stream carrying the new session id.
func (t *HTTPTransport) startSession(w http.ResponseWriter, r *http.Request, base *mcputils.BaseJSONRPCMessage) {
	session := &httpSession{
		id:    uuid.NewString(),
		queue: make(chan mcp.JSONRPCMessage, streamQueueSize),
		done:  make(chan struct{}),
	}
	handler, err := t.cfg.Server.NewSessionHandler(session.writer())
	if err != nil {
		t.log.ErrorContext(r.Context(), "Failed to build session", "error", err)
		t.writeRPCError(w, http.StatusInternalServerError, base.ID,
			codeInternalError, "failed to initialize session")
		return
	}
	session.handler = handler
	session.lastSeenAt = t.cfg.Clock.Now()
	session.idleTimer = t.cfg.Clock.AfterFunc(t.cfg.Config.IdleTimeout(), func() {
		t.evictIdle(session)
	})
	session.notifyTimer = t.cfg.Clock.AfterFunc(t.cfg.Config.NotificationTimeout(), func() {
		t.warnIdle(session)
	})
	keepAliveCtx, cancel := context.WithCancel(context.Background())
	session.cancelKeepAlive = cancel
	t.store.put(session)
	t.cfg.Server.Metrics().SessionStarted()
	go t.runKeepAlive(keepAliveCtx, session)

	t.log.InfoContext(r.Context(), "HTTP session started",
		logger.ID(logger.LogIDHTTPSessionStarted),
		"http_session_id", session.id)

	w.Header().Set(SessionIDHeader, session.id)
	t.serveRequest(w, r, session, base.MakeRequest())
}

// serveRequest answers one request on a request-scoped SSE stream.
// Elicitation issued by the handler rides the same stream.
func (t *HTTPTransport) serveRequest(w http.ResponseWriter, r *http.Request, session *httpSession, req *mcputils.JSONRPCRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.writeRPCError(w, http.StatusInternalServerError, req.ID,
			codeInternalError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := mcputils.NewSyncMessageWriter(mcputils.MessageWriterFunc(
		func(ctx context.Context, msg mcp.JSONRPCMessage) error {
			return writeSSEEvent(w, flusher, msg)
		}))

	resp := session.handler.HandleRequest(r.Context(), req, stream)
	if resp != nil {
		if err := stream.WriteMessage(r.Context(), resp); err != nil {
			t.log.DebugContext(r.Context(), "Failed to write response",
				"method", req.Method, "error", err)
		}
	}
}

func (t *HTTPTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	session, errCode, errMsg := t.lookup(r.Header.Get(SessionIDHeader))
	if session == nil {
		status := http.StatusBadRequest
		if errCode == codeUnknownSessionID {
			status = http.StatusNotFound
		}
		t.writeRPCError(w, status, mcp.RequestId{}, errCode, errMsg)
		return
	}
	session.touch(t.cfg.Clock.Now(), t.cfg.Config.IdleTimeout(), t.cfg.Config.NotificationTimeout())

	flusher, ok := w.(http.Flusher)
	if !ok {
		t.writeRPCError(w, http.StatusInternalServerError, mcp.RequestId{},
			codeInternalError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg := <-session.queue:
			if err := writeSSEEvent(w, flusher, msg); err != nil {
				return
			}
		case <-session.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	session, errCode, errMsg := t.lookup(r.Header.Get(SessionIDHeader))
	if session == nil {
		status := http.StatusBadRequest
		if errCode == codeUnknownSessionID {
			status = http.StatusNotFound
		}
		t.writeRPCError(w, status, mcp.RequestId{}, errCode, errMsg)
		return
	}
	t.closeSession(r.Context(), session, "client request")
	w.WriteHeader(http.StatusOK)
}

// lookup resolves a session id header value to a live session, or
// explains why it cannot.
func (t *HTTPTransport) lookup(sessionID string) (*httpSession, int, string) {
	if sessionID == "" {
		return nil, codeMissingSessionID, "missing Mcp-Session-Id header"
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, codeInvalidSessionID, "invalid Mcp-Session-Id header"
	}
	session := t.store.get(sessionID)
	if session == nil {
		return nil, codeUnknownSessionID, "unknown session id"
	}
	return session, 0, ""
}

// runKeepAlive pings the session after initialize. A ping counts as
// delivered once queued; consecutive failures to queue close the
// session.
func (t *HTTPTransport) runKeepAlive(ctx context.Context, session *httpSession) {
	ticker := t.cfg.Clock.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()
	writer := session.writer()
	failures := 0
	pings := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		pings++
		ping := mcputils.NewRequest(
			mcp.NewRequestId(fmt.Sprintf("ping-%d", pings)), mcputils.MethodPing, nil)
		if err := writer.WriteMessage(ctx, ping); err != nil {
			failures++
			t.log.DebugContext(ctx, "Keep-alive ping not delivered",
				logger.ID(logger.LogIDHTTPKeepAliveFailed),
				"http_session_id", session.id,
				"failures", failures)
			if failures >= t.cfg.KeepAliveFailures {
				t.closeSession(ctx, session, "keep-alive failures")
				return
			}
			continue
		}
		failures = 0
	}
}

// warnIdle sends the pre-eviction warning on the standalone stream.
func (t *HTTPTransport) warnIdle(session *httpSession) {
	ctx := context.Background()
	raw, err := json.Marshal(logger.LogMessageParams{
		Level:  "warning",
		Logger: mdbmcp.ComponentHTTP,
		Data:   "The session has been inactive and will be closed soon.",
	})
	if err != nil {
		return
	}
	if err := session.writer().WriteMessage(ctx,
		mcputils.NewNotification(mcputils.MethodNotificationMessage, raw)); err != nil {
		t.log.DebugContext(ctx, "Failed to deliver idle warning",
			"http_session_id", session.id, "error", err)
	}
}

// evictIdle closes a session whose idle timer fired.
func (t *HTTPTransport) evictIdle(session *httpSession) {
	t.log.Info("Closing idle session",
		logger.ID(logger.LogIDHTTPSessionIdle),
		"http_session_id", session.id)
	t.closeSession(context.Background(), session, "idle timeout")
}

// closeSession tears a session down exactly once: timers, keep-alive,
// store entry, then the session itself.
func (t *HTTPTransport) closeSession(ctx context.Context, session *httpSession, reason string) {
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return
	}
	session.closed = true
	if session.idleTimer != nil {
		session.idleTimer.Stop()
	}
	if session.notifyTimer != nil {
		session.notifyTimer.Stop()
	}
	if session.cancelKeepAlive != nil {
		session.cancelKeepAlive()
	}
	session.mu.Unlock()

	close(session.done)
	t.store.remove(session.id)
	if err := session.handler.Close(ctx); err != nil {
		t.log.WarnContext(ctx, "Failed to close session",
			logger.ID(logger.LogIDServerCloseFailure),
			"http_session_id", session.id,
			"error", err)
	}
	t.cfg.Server.Metrics().SessionClosed()
	t.log.InfoContext(ctx, "HTTP session closed",
		logger.ID(logger.LogIDHTTPSessionClosed),
		"http_session_id", session.id,
		"reason", reason)
}

// writeSSEEvent writes one message as a server-sent event.
func writeSSEEvent(w io.Writer, flusher http.Flusher, msg mcp.JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return trace.Wrap(err)
	}
	flusher.Flush()
	return nil
}

// writeRPCError answers a request with a plain JSON-RPC error body.
func (t *HTTPTransport) writeRPCError(w http.ResponseWriter, status int, id mcp.RequestId, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := mcputils.NewErrorResponse(id, code, message)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.log.Debug("Failed to write error response", "error", err)
	}
}
