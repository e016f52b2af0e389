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

package mongodb

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/connection"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/utils"
)

// connectTool connects the session; unlike every other MongoDB tool it
// must run without an existing driver handle.
type connectTool struct{}

func newConnectTool() *connectTool { return &connectTool{} }

func (t *connectTool) Name() string                       { return "connect" }
func (t *connectTool) Category() tools.Category           { return tools.CategoryMongoDB }
func (t *connectTool) OperationType() tools.OperationType { return tools.OperationConnect }
func (t *connectTool) Description() string {
	return "Connect to a MongoDB instance or cluster using a connection string"
}

func (t *connectTool) InputSchema() json.RawMessage {
	return objectSchema([]string{"connectionString"},
		`"connectionString": {"type": "string", "description": "MongoDB connection string (mongodb:// or mongodb+srv://) provided by the user"}`)
}

type connectArgs struct {
	ConnectionString string `json:"connectionString"`
}

func (t *connectTool) Execute(ctx context.Context, req tools.Request) (*mcp.CallToolResult, error) {
	var args connectArgs
	if err := decodeArgs(req.Args, &args); err != nil {
		return nil, trace.Wrap(err)
	}
	if args.ConnectionString == "" {
		if configured := req.Session.ConfiguredConnectionString(); configured != "" {
			args.ConnectionString = configured
		} else {
			return nil, trace.BadParameter("missing required argument: connectionString")
		}
	}
	if !utils.IsMongoDBURI(args.ConnectionString) {
		return nil, trace.BadParameter("connection string must start with mongodb:// or mongodb+srv://")
	}
	// An explicit connect supersedes any Atlas provisioning in flight.
	req.Session.SetConnectedAtlasCluster(nil)
	if err := req.Session.ConnectToMongoDB(ctx, connection.Settings{
		ConnectionString: args.ConnectionString,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	state := req.Session.ConnectionState()
	if state.Tag == connection.StateConnecting {
		message := "Connection started; authentication is in progress."
		if state.OIDCLoginURL != "" {
			message += " Ask the user to open " + state.OIDCLoginURL
			if state.OIDCUserCode != "" {
				message += " and enter the code " + state.OIDCUserCode
			}
			message += " to complete sign-in."
		}
		return mcp.NewToolResultText(message), nil
	}
	return mcp.NewToolResultText("Successfully connected to MongoDB."), nil
}
