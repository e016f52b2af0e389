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
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/gravitational/trace"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/mcputils"
)

// StdioConfig is the config for a StdioTransport.
type StdioConfig struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Server builds the session stack. Required.
	Server *Server
	// Stdin and Stdout default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *StdioConfig) CheckAndSetDefaults() error {
	if c.Server == nil {
		return trace.BadParameter("missing Server")
	}
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentStdio)
	}
	if c.Stdin == nil {
		c.Stdin = os.Stdin
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	return nil
}

// StdioTransport speaks newline-delimited JSON-RPC over stdin/stdout.
// One session per process; a single reader goroutine decodes
// sequentially while tool invocations run concurrently, correlated by
// id through the synchronized writer.
type StdioTransport struct {
	cfg     StdioConfig
	log     *slog.Logger
	writer  mcputils.MessageWriter
	handler *SessionHandler
}

// NewStdioTransport builds the transport and its session.
func NewStdioTransport(cfg StdioConfig) (*StdioTransport, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	writer := mcputils.NewSyncStdioMessageWriter(cfg.Stdout)
	handler, err := cfg.Server.NewSessionHandler(writer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &StdioTransport{
		cfg:     cfg,
		log:     cfg.Log,
		writer:  writer,
		handler: handler,
	}, nil
}

// Run reads messages until stdin closes or ctx is canceled, then closes
// the session. In-flight invocations finish writing before Run returns.
func (t *StdioTransport) Run(ctx context.Context) error {
	t.cfg.Server.Metrics().SessionStarted()
	t.log.InfoContext(ctx, "Stdio transport started",
		logger.ID(logger.LogIDServerStarted),
		"session_id", t.handler.Session().ID)

	var inflight sync.WaitGroup
	reader, err := mcputils.NewMessageReader(mcputils.MessageReaderConfig{
		Transport:    mcputils.NewStdioReader(t.cfg.Stdin),
		Logger:       t.log,
		OnParseError: mcputils.ReplyParseError(t.writer),
		OnRequest: func(ctx context.Context, req *mcputils.JSONRPCRequest) error {
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				resp := t.handler.HandleRequest(ctx, req, t.writer)
				if resp == nil {
					return
				}
				if err := t.writer.WriteMessage(ctx, resp); err != nil {
					t.log.DebugContext(ctx, "Failed to write response",
						"method", req.Method, "error", err)
				}
			}()
			return nil
		},
		OnNotification: func(ctx context.Context, notification *mcputils.JSONRPCNotification) error {
			t.handler.HandleNotification(ctx, notification)
			return nil
		},
		OnResponse: func(ctx context.Context, resp *mcputils.JSONRPCResponse) error {
			t.handler.HandleResponse(ctx, resp)
			return nil
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	reader.Run(ctx)
	inflight.Wait()

	closeErr := t.handler.Close(context.Background())
	t.cfg.Server.Metrics().SessionClosed()
	if closeErr != nil {
		t.log.Error("Failed to close session",
			logger.ID(logger.LogIDServerCloseFailure),
			"error", closeErr)
		return trace.Wrap(closeErr)
	}
	t.log.Info("Stdio transport stopped", logger.ID(logger.LogIDServerStopped))
	return nil
}
