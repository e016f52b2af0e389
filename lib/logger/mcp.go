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

package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
)

// LogMessageParams is the payload of a notifications/message sent to the
// MCP client.
type LogMessageParams struct {
	// Level is the MCP logging level.
	Level string `json:"level"`
	// Logger names the component that produced the record.
	Logger string `json:"logger,omitempty"`
	// Data is the rendered message.
	Data string `json:"data"`
}

// MCPSender delivers log notifications to one MCP client. Implemented by
// the transports.
type MCPSender interface {
	SendLogMessage(ctx context.Context, params LogMessageParams) error
}

// NewMCPSink wraps sender as a log sink. level is shared with the
// transport so logging/setLevel requests take effect immediately.
func NewMCPSink(sender MCPSender, level *slog.LevelVar) Sink {
	if level == nil {
		level = &slog.LevelVar{}
	}
	return Sink{Name: SinkMCP, Handler: &mcpHandler{sender: sender, level: level}}
}

type mcpHandler struct {
	sender MCPSender
	level  *slog.LevelVar
	attrs  []slog.Attr
}

func (h *mcpHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *mcpHandler) Handle(ctx context.Context, rec slog.Record) error {
	loggerName := mdbmcp.TelemetrySource
	var sb strings.Builder
	sb.WriteString(rec.Message)

	appendAttr := func(a slog.Attr) bool {
		if a.Key == mdbmcp.ComponentKey {
			loggerName = a.Value.String()
			return true
		}
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	rec.Attrs(appendAttr)

	return h.sender.SendLogMessage(ctx, LogMessageParams{
		Level:  MCPLevel(rec.Level),
		Logger: loggerName,
		Data:   sb.String(),
	})
}

func (h *mcpHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &mcpHandler{sender: h.sender, level: h.level, attrs: merged}
}

func (h *mcpHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; the MCP data field is a plain string.
	return h
}

// MCPLevel maps an slog level onto the MCP logging level scale.
func MCPLevel(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warning"
	case level < slog.LevelError+4:
		return "error"
	default:
		return "critical"
	}
}

// SlogLevel maps an MCP logging level onto slog, for logging/setLevel.
func SlogLevel(mcpLevel string) slog.Level {
	switch mcpLevel {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical", "alert", "emergency":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}
