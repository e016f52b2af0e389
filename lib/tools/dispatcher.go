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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/connection"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/session"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/telemetry"
)

// confirmSchema is the elicitation form sent before confirmation-gated
// tools run.
var confirmSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"confirm": {
			"type": "boolean",
			"description": "Set to true to run the operation."
		}
	},
	"required": ["confirm"]
}`)

// DispatcherConfig is the config for a Dispatcher.
type DispatcherConfig struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Clock times invocations.
	Clock clockwork.Clock
	// Telemetry receives one event per invocation; nil disables.
	Telemetry *telemetry.Emitter
	// ReadOnly skips registering tools that create, update or delete.
	ReadOnly bool
	// DisabledTools entries match a tool name, category or operation
	// type; matched tools are never registered.
	DisabledTools []string
	// ConfirmationRequiredTools lists tool names gated behind an
	// elicitation round-trip when the client supports it.
	ConfirmationRequiredTools []string
	// OnResult is an optional metrics hook invoked once per
	// invocation after the telemetry event.
	OnResult func(tool string, result telemetry.Result, elapsed time.Duration)
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *DispatcherConfig) CheckAndSetDefaults() error {
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentTools)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Dispatcher registers tools on an MCP server and wraps every
// invocation in the gate/confirm/map/measure pipeline.
type Dispatcher struct {
	cfg DispatcherConfig
	log *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{cfg: cfg, log: cfg.Log}, nil
}

// Enabled applies the registration gates to one tool.
func (d *Dispatcher) Enabled(tool Tool) bool {
	if d.cfg.ReadOnly && IsMutation(tool.OperationType()) {
		return false
	}
	for _, entry := range d.cfg.DisabledTools {
		if entry == tool.Name() ||
			entry == string(tool.Category()) ||
			entry == string(tool.OperationType()) {
			return false
		}
	}
	return true
}

// Register adds the enabled subset of tools to the server, sorted by
// name. Gated-out tools are never exposed, so calling one yields the
// protocol's method-not-found.
func (d *Dispatcher) Register(srv *server.MCPServer, toolList []Tool) {
	sorted := slices.Clone(toolList)
	slices.SortFunc(sorted, func(a, b Tool) int {
		return strings.Compare(a.Name(), b.Name())
	})
	for _, tool := range sorted {
		if !d.Enabled(tool) {
			d.log.Debug("Tool skipped by registration gate",
				logger.ID(logger.LogIDToolSkippedByGate),
				"tool", tool.Name(),
				"operation_type", string(tool.OperationType()))
			continue
		}
		mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), tool.InputSchema())
		mcpTool.Annotations = Annotations(tool.OperationType())
		srv.AddTool(mcpTool, d.handler(tool))
	}
}

// handler wraps one tool body in the invocation pipeline.
func (d *Dispatcher) handler(tool Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		started := d.cfg.Clock.Now()

		sess := SessionFromContext(ctx)
		if sess == nil {
			return mcp.NewToolResultError("no session associated with this request"), nil
		}

		if skipped := d.confirm(ctx, tool); skipped != nil {
			return skipped, nil
		}

		args, err := rawArguments(request)
		var result *mcp.CallToolResult
		if err == nil {
			d.log.DebugContext(ctx, "Running tool",
				logger.ID(logger.LogIDToolExecute),
				"tool", tool.Name(),
				"session_id", sess.ID)
			result, err = d.execute(ctx, tool, Request{Session: sess, Args: args})
		}
		if err != nil {
			d.log.DebugContext(ctx, "Tool failed",
				logger.ID(logger.LogIDToolExecuteFailure),
				"tool", tool.Name(),
				"error", err)
			result = d.mapError(tool.Name(), sess, err)
		}

		d.measure(tool, result, d.cfg.Clock.Since(started))
		return result, nil
	}
}

// execute runs the tool body behind a panic boundary so a buggy body
// degrades to a tool error instead of killing the transport.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, req Request) (result *mcp.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = trace.BadParameter("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, req)
}

// confirm runs the elicitation round-trip for confirmation-gated
// tools. A nil return means proceed; a non-nil return is the final
// result for this call.
func (d *Dispatcher) confirm(ctx context.Context, tool Tool) *mcp.CallToolResult {
	if !slices.Contains(d.cfg.ConfirmationRequiredTools, tool.Name()) {
		return nil
	}
	elicitor := ElicitorFromContext(ctx)
	if elicitor == nil || !elicitor.HasElicitation() {
		return nil
	}
	d.log.DebugContext(ctx, "Requesting confirmation",
		logger.ID(logger.LogIDToolConfirmation),
		"tool", tool.Name())
	accepted, content, err := elicitor.Elicit(ctx, confirmationMessage(tool.Name()), confirmSchema)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf(
			"The %s operation was not performed: the confirmation request failed (%v).",
			tool.Name(), err))
	}
	if confirmed, _ := content["confirm"].(bool); !accepted || !confirmed {
		return mcp.NewToolResultText(fmt.Sprintf(
			"The %s operation was not performed: the user declined the confirmation.",
			tool.Name()))
	}
	return nil
}

// confirmationMessage returns the prompt shown to the user. A handful
// of destructive tools carry custom wording.
func confirmationMessage(name string) string {
	switch name {
	case "drop-database":
		return "You are about to drop an entire database, permanently deleting all of its collections and documents. Confirm to proceed."
	case "drop-collection":
		return "You are about to drop a collection, permanently deleting all of its documents and indexes. Confirm to proceed."
	case "delete-many":
		return "You are about to delete every document matching the filter. This cannot be undone. Confirm to proceed."
	case "atlas-create-db-user":
		return "You are about to create a new Atlas database user with access to your cluster data. Confirm to proceed."
	default:
		return fmt.Sprintf("You are about to run the %s operation. Confirm to proceed.", name)
	}
}

// mapError converts a tool-body error into the wire result.
func (d *Dispatcher) mapError(name string, sess *session.Session, err error) *mcp.CallToolResult {
	if prompt, ok := connection.IsOIDCInProgressError(err); ok {
		message := fmt.Sprintf(
			"Authentication is in progress. Ask the user to open %s to complete sign-in",
			prompt.LoginURL)
		if prompt.UserCode != "" {
			message += fmt.Sprintf(" and enter the code %s", prompt.UserCode)
		}
		return mcp.NewToolResultText(message + ", then retry this tool.")
	}
	if connection.IsNotConnectedError(err) || connection.IsMisconfiguredError(err) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{
				mcp.NewTextContent(trace.UserMessage(err)),
				mcp.NewTextContent(d.connectGuidance(sess)),
			},
		}
	}
	if IsForbiddenCollscanError(err) || IsForbiddenWriteOperationError(err) {
		return mcp.NewToolResultError(trace.UserMessage(err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("Error running %s: %s", name, trace.UserMessage(err)))
}

// connectGuidance tells the agent how to establish a connection,
// preferring the Atlas flow when API credentials are configured.
func (d *Dispatcher) connectGuidance(sess *session.Session) string {
	connectTool := "connect"
	if sess != nil && sess.Atlas() != nil {
		connectTool = "atlas-connect-cluster (or connect, for a non-Atlas deployment)"
	}
	return fmt.Sprintf(
		"Use the %s tool to establish a connection first. "+
			"Never invent or guess a connection string; if none is configured, ask the user for one.",
		connectTool)
}

// measure emits exactly one telemetry event per invocation and feeds
// the metrics hook.
func (d *Dispatcher) measure(tool Tool, result *mcp.CallToolResult, elapsed time.Duration) {
	outcome := telemetry.ResultSuccess
	if result == nil || result.IsError {
		outcome = telemetry.ResultFailure
	}
	if d.cfg.Telemetry != nil {
		d.cfg.Telemetry.Emit(telemetry.NewToolEvent(string(tool.Category()), tool.Name(), outcome, elapsed))
	}
	if d.cfg.OnResult != nil {
		d.cfg.OnResult(tool.Name(), outcome, elapsed)
	}
}

// rawArguments re-serializes the decoded arguments so tool bodies can
// unmarshal them with the extended-JSON aware codec.
func rawArguments(request mcp.CallToolRequest) (json.RawMessage, error) {
	if request.Params.Arguments == nil {
		return nil, nil
	}
	raw, err := json.Marshal(request.Params.Arguments)
	if err != nil {
		return nil, trace.BadParameter("invalid tool arguments: %v", err)
	}
	return raw, nil
}
