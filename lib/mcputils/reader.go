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

package mcputils

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
)

// TransportReader reads raw JSON-RPC payloads off a transport.
type TransportReader interface {
	// Type describes the transport for logging.
	Type() string
	// ReadMessage returns the next raw payload. It honors ctx
	// cancellation and surfaces transport close via error.
	ReadMessage(ctx context.Context) (string, error)
	// Close releases the underlying transport.
	Close() error
}

type stdioReader struct {
	r         io.Reader
	startOnce sync.Once
	lines     chan string
	readErr   chan error
}

// NewStdioReader reads newline-delimited payloads from r. A single
// reader goroutine is started on first use so ReadMessage can honor
// context cancellation.
func NewStdioReader(r io.Reader) TransportReader {
	return &stdioReader{
		r:       r,
		lines:   make(chan string),
		readErr: make(chan error, 1),
	}
}

func (r *stdioReader) Type() string {
	return "stdio"
}

func (r *stdioReader) ReadMessage(ctx context.Context) (string, error) {
	r.startOnce.Do(func() {
		go r.readLoop()
	})
	select {
	case line, ok := <-r.lines:
		if !ok {
			select {
			case err := <-r.readErr:
				return "", trace.Wrap(err)
			default:
				return "", io.EOF
			}
		}
		return line, nil
	case <-ctx.Done():
		return "", trace.Wrap(ctx.Err())
	}
}

func (r *stdioReader) readLoop() {
	defer close(r.lines)
	br := bufio.NewReader(r.r)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if line != "" {
				r.lines <- line
			}
			r.readErr <- err
			return
		}
		r.lines <- line
	}
}

func (r *stdioReader) Close() error {
	if closer, ok := r.r.(io.Closer); ok {
		return trace.Wrap(closer.Close())
	}
	return nil
}

// ParseErrorHandler reacts to payloads that do not decode to a JSON-RPC
// message.
type ParseErrorHandler func(ctx context.Context, parseError error) error

// ReplyParseError answers malformed payloads with a standard JSON-RPC
// parse error (-32700).
func ReplyParseError(w MessageWriter) ParseErrorHandler {
	return func(ctx context.Context, parseError error) error {
		resp := &JSONRPCResponse{
			JSONRPC: JSONRPCVersion,
			Error: &JSONRPCError{
				Code:    -32700,
				Message: parseError.Error(),
			},
		}
		return trace.Wrap(w.WriteMessage(ctx, resp))
	}
}

// LogAndIgnoreParseError logs malformed payloads and keeps reading.
func LogAndIgnoreParseError(log *slog.Logger) ParseErrorHandler {
	return func(ctx context.Context, parseError error) error {
		log.DebugContext(ctx, "Ignoring malformed JSON-RPC message", "error", parseError)
		return nil
	}
}

// MessageReaderConfig configures a MessageReader.
type MessageReaderConfig struct {
	// Transport produces raw payloads. Required.
	Transport TransportReader
	// Logger logs read-loop events. Required.
	Logger *slog.Logger
	// OnParseError handles undecodable payloads. Required.
	OnParseError ParseErrorHandler
	// OnRequest handles requests. Required.
	OnRequest func(ctx context.Context, req *JSONRPCRequest) error
	// OnNotification handles notifications. Required.
	OnNotification func(ctx context.Context, notification *JSONRPCNotification) error
	// OnResponse handles responses to server-initiated requests.
	// Optional; responses are dropped with a debug log when unset.
	OnResponse func(ctx context.Context, resp *JSONRPCResponse) error
	// OnClose runs once the read loop stops. Optional.
	OnClose func(ctx context.Context)
}

func (c *MessageReaderConfig) checkAndSetDefaults() error {
	if c.Transport == nil {
		return trace.BadParameter("missing Transport")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	if c.OnParseError == nil {
		return trace.BadParameter("missing OnParseError")
	}
	if c.OnRequest == nil {
		return trace.BadParameter("missing OnRequest")
	}
	if c.OnNotification == nil {
		return trace.BadParameter("missing OnNotification")
	}
	return nil
}

// MessageReader decodes transport payloads and dispatches them by
// message kind.
type MessageReader struct {
	cfg MessageReaderConfig
}

// NewMessageReader creates a MessageReader.
func NewMessageReader(cfg MessageReaderConfig) (*MessageReader, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MessageReader{cfg: cfg}, nil
}

// Run reads until the transport closes or ctx is canceled. It always
// closes the transport and fires OnClose before returning.
func (r *MessageReader) Run(ctx context.Context) {
	defer func() {
		if err := r.cfg.Transport.Close(); err != nil && !IsOKCloseError(err) {
			r.cfg.Logger.DebugContext(ctx, "Failed to close transport reader",
				"error", err)
		}
		if r.cfg.OnClose != nil {
			r.cfg.OnClose(ctx)
		}
	}()

	for {
		if stop := r.readOneMessage(ctx); stop {
			return
		}
	}
}

func (r *MessageReader) readOneMessage(ctx context.Context) (stop bool) {
	raw, err := r.cfg.Transport.ReadMessage(ctx)
	switch {
	case err == nil:
	case IsOKCloseError(err):
		r.cfg.Logger.DebugContext(ctx, "Transport closed",
			"transport", r.cfg.Transport.Type())
		return true
	default:
		r.cfg.Logger.ErrorContext(ctx, "Failed to read message",
			"transport", r.cfg.Transport.Type(),
			"error", err)
		return true
	}

	var base BaseJSONRPCMessage
	if err := json.Unmarshal([]byte(raw), &base); err != nil || base.JSONRPC != JSONRPCVersion {
		if err == nil {
			err = trace.BadParameter("invalid jsonrpc version %q", base.JSONRPC)
		}
		if err := r.cfg.OnParseError(ctx, newReaderParseError(err)); err != nil {
			r.cfg.Logger.DebugContext(ctx, "Failed to handle parse error", "error", err)
		}
		return false
	}

	switch {
	case base.IsRequest():
		err = r.cfg.OnRequest(ctx, base.MakeRequest())
	case base.IsNotification():
		err = r.cfg.OnNotification(ctx, base.MakeNotification())
	case base.IsResponse():
		if r.cfg.OnResponse == nil {
			r.cfg.Logger.DebugContext(ctx, "Dropping unexpected response", "id", base.ID)
			return false
		}
		err = r.cfg.OnResponse(ctx, base.MakeResponse())
	default:
		err = r.cfg.OnParseError(ctx, newReaderParseError(
			trace.BadParameter("message is neither request, notification, nor response")))
	}
	if err != nil {
		r.cfg.Logger.DebugContext(ctx, "Failed to handle message",
			"method", base.Method, "error", err)
	}
	return false
}
