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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

func newCreateCollectionTool() *mongoTool {
	return &mongoTool{
		name:        "create-collection",
		op:          tools.OperationCreate,
		description: "Create a new collection in a MongoDB database",
		schema:      namespaceSchema(nil),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args namespaceArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := client.Database(args.Database).CreateCollection(ctx, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Created collection %s.%s.", args.Database, args.Collection)), nil
		},
	}
}

type createIndexArgs struct {
	Database   string          `json:"database"`
	Collection string          `json:"collection"`
	Keys       json.RawMessage `json:"keys"`
	Name       string          `json:"name"`
}

func newCreateIndexTool() *mongoTool {
	return &mongoTool{
		name:        "create-index",
		op:          tools.OperationCreate,
		description: "Create an index on a MongoDB collection",
		schema: namespaceSchema([]string{"keys"},
			`"keys": {"type": "object", "description": "Index specification mapping field names to 1, -1 or an index type like \"text\""}`,
			`"name": {"type": "string", "description": "Optional index name"}`),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args createIndexArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			keys, err := ejsonDocument(args.Keys)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if len(keys) == 0 {
				return nil, trace.BadParameter("missing required argument: keys")
			}
			model := mongo.IndexModel{Keys: keys}
			if args.Name != "" {
				model.Options = options.Index().SetName(args.Name)
			}
			name, err := client.Database(args.Database).Collection(args.Collection).
				Indexes().CreateOne(ctx, model)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Created index %q on %s.%s.", name, args.Database, args.Collection)), nil
		},
	}
}

type insertManyArgs struct {
	Database   string          `json:"database"`
	Collection string          `json:"collection"`
	Documents  json.RawMessage `json:"documents"`
}

func newInsertManyTool() *mongoTool {
	return &mongoTool{
		name:        "insert-many",
		op:          tools.OperationCreate,
		description: "Insert documents into a MongoDB collection",
		schema: namespaceSchema([]string{"documents"},
			`"documents": {"type": "array", "items": {"type": "object"}, "description": "Documents to insert, as extended JSON"}`),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args insertManyArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			docs, err := ejsonDocuments(args.Documents)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if len(docs) == 0 {
				return nil, trace.BadParameter("missing required argument: documents")
			}
			payload := make([]any, len(docs))
			for i, doc := range docs {
				payload[i] = doc
			}
			result, err := client.Database(args.Database).Collection(args.Collection).InsertMany(ctx, payload)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Inserted %s into %s.%s.",
				singularPlural(int64(len(result.InsertedIDs)), "document"),
				args.Database, args.Collection)), nil
		},
	}
}

type updateManyArgs struct {
	Database   string          `json:"database"`
	Collection string          `json:"collection"`
	Filter     json.RawMessage `json:"filter"`
	Update     json.RawMessage `json:"update"`
	Upsert     bool            `json:"upsert"`
}

func newUpdateManyTool(cfg Config) *mongoTool {
	return &mongoTool{
		name:        "update-many",
		op:          tools.OperationUpdate,
		description: "Update documents matching a filter in a MongoDB collection",
		schema: namespaceSchema([]string{"update"}, propFilter,
			`"update": {"type": "object", "description": "Update document using update operators like $set, as extended JSON"}`,
			`"upsert": {"type": "boolean", "description": "Insert a document when nothing matches the filter"}`),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args updateManyArgs
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
			update, err := ejsonDocument(args.Update)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if len(update) == 0 {
				return nil, trace.BadParameter("missing required argument: update")
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
			result, err := client.Database(args.Database).Collection(args.Collection).
				UpdateMany(ctx, filter, update, options.Update().SetUpsert(args.Upsert))
			if err != nil {
				return nil, trace.Wrap(err)
			}
			text := fmt.Sprintf("Matched %s; modified %d.",
				singularPlural(result.MatchedCount, "document"), result.ModifiedCount)
			if result.UpsertedCount > 0 {
				text += fmt.Sprintf(" Upserted %d.", result.UpsertedCount)
			}
			return mcp.NewToolResultText(text), nil
		},
	}
}

type deleteManyArgs struct {
	Database   string          `json:"database"`
	Collection string          `json:"collection"`
	Filter     json.RawMessage `json:"filter"`
}

func newDeleteManyTool(cfg Config) *mongoTool {
	return &mongoTool{
		name:        "delete-many",
		op:          tools.OperationDelete,
		description: "Delete documents matching a filter from a MongoDB collection",
		schema:      namespaceSchema([]string{"filter"}, propFilter),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args deleteManyArgs
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
			if len(args.Filter) == 0 {
				return nil, trace.BadParameter("missing required argument: filter (pass {} explicitly to delete all documents)")
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
			result, err := client.Database(args.Database).Collection(args.Collection).DeleteMany(ctx, filter)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Deleted %s from %s.%s.",
				singularPlural(result.DeletedCount, "document"),
				args.Database, args.Collection)), nil
		},
	}
}

func newDropCollectionTool() *mongoTool {
	return &mongoTool{
		name:        "drop-collection",
		op:          tools.OperationDelete,
		description: "Drop a MongoDB collection, removing all of its documents and indexes",
		schema:      namespaceSchema(nil),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args namespaceArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := client.Database(args.Database).Collection(args.Collection).Drop(ctx); err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Dropped collection %s.%s.", args.Database, args.Collection)), nil
		},
	}
}

func newDropDatabaseTool() *mongoTool {
	return &mongoTool{
		name:        "drop-database",
		op:          tools.OperationDelete,
		description: "Drop a MongoDB database, removing all of its collections",
		schema:      objectSchema([]string{"database"}, propDatabase),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args databaseArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateDatabase(args.Database); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := client.Database(args.Database).Drop(ctx); err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf("Dropped database %s.", args.Database)), nil
		},
	}
}

type renameCollectionArgs struct {
	Database   string `json:"database"`
	Collection string `json:"collection"`
	NewName    string `json:"newName"`
	DropTarget bool   `json:"dropTarget"`
}

func newRenameCollectionTool() *mongoTool {
	return &mongoTool{
		name:        "rename-collection",
		op:          tools.OperationUpdate,
		description: "Rename a MongoDB collection within its database",
		schema: namespaceSchema([]string{"newName"},
			`"newName": {"type": "string", "description": "New collection name"}`,
			`"dropTarget": {"type": "boolean", "description": "Drop an existing collection with the new name first"}`),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args renameCollectionArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			if args.NewName == "" {
				return nil, trace.BadParameter("missing required argument: newName")
			}
			// renameCollection is an admin-database command.
			err := client.Database("admin").RunCommand(ctx, bson.D{
				{Key: "renameCollection", Value: args.Database + "." + args.Collection},
				{Key: "to", Value: args.Database + "." + args.NewName},
				{Key: "dropTarget", Value: args.DropTarget},
			}).Err()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Renamed %s.%s to %s.%s.", args.Database, args.Collection, args.Database, args.NewName)), nil
		},
	}
}
