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
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"
)

// MessageWriter writes one JSON-RPC message to the client or server.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg mcp.JSONRPCMessage) error
}

// MessageWriterFunc adapts a function to MessageWriter.
type MessageWriterFunc func(ctx context.Context, msg mcp.JSONRPCMessage) error

// WriteMessage implements MessageWriter.
func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg mcp.JSONRPCMessage) error {
	return f(ctx, msg)
}

type stdioMessageWriter struct {
	w io.Writer
}

// NewStdioMessageWriter writes line-delimited JSON-RPC to w.
func NewStdioMessageWriter(w io.Writer) MessageWriter {
	return &stdioMessageWriter{w: w}
}

func (w *stdioMessageWriter) WriteMessage(ctx context.Context, msg mcp.JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	data = append(data, '\n')
	_, err = w.w.Write(data)
	return trace.Wrap(err)
}

type syncMessageWriter struct {
	mu sync.Mutex
	w  MessageWriter
}

// NewSyncMessageWriter serializes writes from concurrent tool calls so
// frames never interleave on the wire.
func NewSyncMessageWriter(w MessageWriter) MessageWriter {
	return &syncMessageWriter{w: w}
}

// NewSyncStdioMessageWriter writes line-delimited JSON-RPC to w, one
// writer at a time.
func NewSyncStdioMessageWriter(w io.Writer) MessageWriter {
	return NewSyncMessageWriter(NewStdioMessageWriter(w))
}

func (w *syncMessageWriter) WriteMessage(ctx context.Context, msg mcp.JSONRPCMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return trace.Wrap(w.w.WriteMessage(ctx, msg))
}

// NewMultiMessageWriter writes each message to every writer in order.
func NewMultiMessageWriter(writers ...MessageWriter) MessageWriter {
	return MessageWriterFunc(func(ctx context.Context, msg mcp.JSONRPCMessage) error {
		for _, w := range writers {
			if err := w.WriteMessage(ctx, msg); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
}
