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
	"fmt"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/exports"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

// defaultFindLimit bounds unqualified find results.
const defaultFindLimit = 10

type findArgs struct {
	Database   string          `json:"database"`
	Collection string          `json:"collection"`
	Filter     json.RawMessage `json:"filter"`
	Projection json.RawMessage `json:"projection"`
	Sort       json.RawMessage `json:"sort"`
	Limit      *int64          `json:"limit"`
}

func newFindTool(cfg Config) *mongoTool {
	return &mongoTool{
		name:        "find",
		op:          tools.OperationRead,
		description: "Run a find query against a MongoDB collection",
		schema:      namespaceSchema(nil, propFilter, propProjection, propSort, propLimit),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args findArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			filter, err := ejsonDocument(args.Filter)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			projection, err := ejsonDocument(args.Projection)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			sort, err := ejsonDocument(args.Sort)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			limit := int64(defaultFindLimit)
			if args.Limit != nil {
				limit = *args.Limit
			}
			if cfg.IndexCheck {
				command := bson.D{
					{Key: "find", Value: args.Collection},
					{Key: "filter", Value: filter},
				}
				if err := checkIndexUsage(ctx, client, args.Database, args.Collection, command); err != nil {
					return nil, trace.Wrap(err)
				}
			}
			findOptions := options.Find().SetLimit(limit)
			if len(projection) > 0 {
				findOptions.SetProjection(projection)
			}
			if len(sort) > 0 {
				findOptions.SetSort(sort)
			}
			cursor, err := client.Database(args.Database).Collection(args.Collection).Find(ctx, filter, findOptions)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			var docs []bson.D
			if err := cursor.All(ctx, &docs); err != nil {
				return nil, trace.Wrap(err)
			}
			header := fmt.Sprintf("Found %s in %s.%s.",
				singularPlural(int64(len(docs)), "document"), args.Database, args.Collection)
			return documentsResult(header, docs)
		},
	}
}

type aggregateArgs struct {
	Database   string          `json:"database"`
	Collection string          `json:"collection"`
	Pipeline   json.RawMessage `json:"pipeline"`
}

func newAggregateTool(cfg Config) *mongoTool {
	return &mongoTool{
		name:        "aggregate",
		op:          tools.OperationRead,
		description: "Run an aggregation against a MongoDB collection",
		schema: namespaceSchema([]string{"pipeline"},
			`"pipeline": {"type": "array", "items": {"type": "object"}, "description": "Aggregation pipeline stages as extended-JSON documents"}`),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args aggregateArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			pipeline, err := ejsonDocuments(args.Pipeline)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if len(pipeline) == 0 {
				return nil, trace.BadParameter("missing required argument: pipeline")
			}
			if cfg.IndexCheck {
				command := bson.D{
					{Key: "aggregate", Value: args.Collection},
					{Key: "pipeline", Value: pipeline},
					{Key: "cursor", Value: bson.D{}},
				}
				if err := checkIndexUsage(ctx, client, args.Database, args.Collection, command); err != nil {
					return nil, trace.Wrap(err)
				}
			}
			cursor, err := client.Database(args.Database).Collection(args.Collection).Aggregate(ctx, pipeline)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			var docs []bson.D
			if err := cursor.All(ctx, &docs); err != nil {
				return nil, trace.Wrap(err)
			}
			header := fmt.Sprintf("The aggregation returned %s.",
				singularPlural(int64(len(docs)), "document"))
			return documentsResult(header, docs)
		},
	}
}

type countArgs struct {
	Database   string          `json:"database"`
	Collection string          `json:"collection"`
	Filter     json.RawMessage `json:"filter"`
}

func newCountTool(cfg Config) *mongoTool {
	return &mongoTool{
		name:        "count",
		op:          tools.OperationRead,
		description: "Count documents in a MongoDB collection matching a filter",
		schema:      namespaceSchema(nil, propFilter),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args countArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			filter, err := ejsonDocument(args.Filter)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if cfg.IndexCheck && len(filter) > 0 {
				command := bson.D{
					{Key: "count", Value: args.Collection},
					{Key: "query", Value: filter},
				}
				if err := checkIndexUsage(ctx, client, args.Database, args.Collection, command); err != nil {
					return nil, trace.Wrap(err)
				}
			}
			count, err := client.Database(args.Database).Collection(args.Collection).CountDocuments(ctx, filter)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf("Found %s in %s.%s.",
				singularPlural(count, "matching document"), args.Database, args.Collection)), nil
		},
	}
}

type exportArgs struct {
	Database         string          `json:"database"`
	Collection       string          `json:"collection"`
	Filter           json.RawMessage `json:"filter"`
	Projection       json.RawMessage `json:"projection"`
	Sort             json.RawMessage `json:"sort"`
	Limit            *int64          `json:"limit"`
	ExportTitle      string          `json:"exportTitle"`
	JSONExportFormat string          `json:"jsonExportFormat"`
}

func newExportTool(cfg Config) *mongoTool {
	return &mongoTool{
		name:        "export",
		op:          tools.OperationRead,
		description: "Stream query results into a JSON export exposed as an MCP resource",
		schema: namespaceSchema(nil, propFilter, propProjection, propSort, propLimit,
			`"exportTitle": {"type": "string", "description": "Human-readable title for the export resource"}`,
			`"jsonExportFormat": {"type": "string", "enum": ["relaxed", "canonical"], "description": "Extended-JSON flavor of the export file, default relaxed"}`),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args exportArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			exportsManager := req.Session.Exports()
			if exportsManager == nil {
				return nil, trace.NotFound("exports are not available on this server")
			}
			filter, err := ejsonDocument(args.Filter)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			projection, err := ejsonDocument(args.Projection)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			sort, err := ejsonDocument(args.Sort)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			format := exports.FormatRelaxed
			if args.JSONExportFormat != "" {
				format = exports.Format(args.JSONExportFormat)
			}
			if cfg.IndexCheck && len(filter) > 0 {
				command := bson.D{
					{Key: "find", Value: args.Collection},
					{Key: "filter", Value: filter},
				}
				if err := checkIndexUsage(ctx, client, args.Database, args.Collection, command); err != nil {
					return nil, trace.Wrap(err)
				}
			}
			findOptions := options.Find()
			if len(projection) > 0 {
				findOptions.SetProjection(projection)
			}
			if len(sort) > 0 {
				findOptions.SetSort(sort)
			}
			if args.Limit != nil {
				findOptions.SetLimit(*args.Limit)
			}
			// The export stream owns the cursor; do not close it here.
			cursor, err := client.Database(args.Database).Collection(args.Collection).Find(context.WithoutCancel(ctx), filter, findOptions)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			title := args.ExportTitle
			if title == "" {
				title = fmt.Sprintf("Export of %s.%s", args.Database, args.Collection)
			}
			exportName := fmt.Sprintf("%s.%s.%s.json", args.Database, args.Collection, primitive.NewObjectID().Hex())
			uri, path, err := exportsManager.CreateJSONExport(ctx, exports.CreateParams{
				Input:       exports.NewDriverCursor(cursor),
				ExportName:  exportName,
				ExportTitle: title,
				Format:      format,
			})
			if err != nil {
				_ = cursor.Close(context.WithoutCancel(ctx))
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Export started. Read the resource %s once it is ready; the file is written to %s.",
				uri, path)), nil
		},
	}
}
