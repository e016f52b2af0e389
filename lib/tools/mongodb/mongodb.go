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

// Package mongodb implements the MongoDB tool bodies: thin wrappers
// over the driver that decode extended-JSON arguments, honor the
// index-check gate and wrap document output in the untrusted-data
// envelope.
package mongodb

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

// Config is the config shared by every MongoDB tool body.
type Config struct {
	// IndexCheck enables the explain gate on filtered reads and
	// writes.
	IndexCheck bool
}

// NewTools returns all MongoDB tools. The dispatcher applies the
// registration gates and sorts by name.
func NewTools(cfg Config) []tools.Tool {
	return []tools.Tool{
		newAggregateTool(cfg),
		newCollectionIndexesTool(),
		newCollectionSchemaTool(),
		newCollectionStorageSizeTool(),
		newConnectTool(),
		newCountTool(cfg),
		newCreateCollectionTool(),
		newCreateIndexTool(),
		newDBStatsTool(),
		newDeleteManyTool(cfg),
		newDropCollectionTool(),
		newDropDatabaseTool(),
		newExplainTool(),
		newExportTool(cfg),
		newFindTool(cfg),
		newInsertManyTool(),
		newListCollectionsTool(),
		newListDatabasesTool(),
		newRenameCollectionTool(),
		newUpdateManyTool(cfg),
	}
}

// runFunc is a tool body that already holds a live driver handle.
type runFunc func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error)

// mongoTool implements tools.Tool for bodies that need a connection.
type mongoTool struct {
	name        string
	op          tools.OperationType
	description string
	schema      json.RawMessage
	run         runFunc
}

func (t *mongoTool) Name() string                       { return t.name }
func (t *mongoTool) Category() tools.Category           { return tools.CategoryMongoDB }
func (t *mongoTool) OperationType() tools.OperationType { return t.op }
func (t *mongoTool) Description() string                { return t.description }
func (t *mongoTool) InputSchema() json.RawMessage       { return t.schema }

func (t *mongoTool) Execute(ctx context.Context, req tools.Request) (*mcp.CallToolResult, error) {
	client, err := tools.EnsureConnected(ctx, req.Session)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return t.run(ctx, req, client)
}
