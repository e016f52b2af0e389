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

// Package atlas implements the Atlas tool bodies: listings over the
// Admin API plus the provisioning connect flow of atlas-connect-cluster.
package atlas

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	atlasapi "github.com/titus-civic/mongodb-mcp-server-sub000/lib/atlas"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

// Config is the config shared by the Atlas tool bodies.
type Config struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Clock drives the connect retry loop.
	Clock clockwork.Clock
	// ReadOnly selects the temp database user's role set.
	ReadOnly bool
	// RetryInterval is the cadence of the async connect loop.
	RetryInterval time.Duration
	// ConnectTimeout bounds the async connect loop.
	ConnectTimeout time.Duration
	// TempUserExpiry is the DeleteAfterDate horizon of temp users.
	TempUserExpiry time.Duration
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentAtlas)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaults.AtlasConnectRetryInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.AtlasConnectTimeout
	}
	if c.TempUserExpiry <= 0 {
		c.TempUserExpiry = defaults.AtlasTempUserExpiry
	}
	return nil
}

// NewTools returns all Atlas tools. The caller registers them only
// when Atlas API credentials are configured.
func NewTools(cfg Config) ([]tools.Tool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return []tools.Tool{
		newListOrgsTool(),
		newListProjectsTool(),
		newListClustersTool(),
		newInspectClusterTool(),
		newConnectClusterTool(cfg),
		newListAccessListsTool(),
		newCreateAccessListTool(),
		newListDBUsersTool(),
		newCreateDBUserTool(),
	}, nil
}

// runFunc is an Atlas tool body holding the API client.
type runFunc func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error)

// atlasTool implements tools.Tool for API-backed bodies.
type atlasTool struct {
	name        string
	op          tools.OperationType
	description string
	schema      json.RawMessage
	run         runFunc
}

func (t *atlasTool) Name() string                       { return t.name }
func (t *atlasTool) Category() tools.Category           { return tools.CategoryAtlas }
func (t *atlasTool) OperationType() tools.OperationType { return t.op }
func (t *atlasTool) Description() string                { return t.description }
func (t *atlasTool) InputSchema() json.RawMessage       { return t.schema }

func (t *atlasTool) Execute(ctx context.Context, req tools.Request) (*mcp.CallToolResult, error) {
	client := req.Session.Atlas()
	if client == nil {
		return nil, trace.BadParameter("Atlas API credentials are not configured on this server")
	}
	return t.run(ctx, req, client)
}

// decodeArgs unmarshals the raw arguments object.
func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return trace.BadParameter("missing tool arguments")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return trace.BadParameter("invalid tool arguments: %v", err)
	}
	return nil
}
