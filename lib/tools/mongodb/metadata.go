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
	"sort"
	"strings"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

// schemaSampleSize bounds how many documents collection-schema reads.
const schemaSampleSize = 50

type namespaceArgs struct {
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

type databaseArgs struct {
	Database string `json:"database"`
}

func newCollectionIndexesTool() *mongoTool {
	return &mongoTool{
		name:        "collection-indexes",
		op:          tools.OperationMetadata,
		description: "List the indexes of a MongoDB collection",
		schema:      namespaceSchema(nil),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args namespaceArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			cursor, err := client.Database(args.Database).Collection(args.Collection).Indexes().List(ctx)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			var indexes []bson.D
			if err := cursor.All(ctx, &indexes); err != nil {
				return nil, trace.Wrap(err)
			}
			noun := "indexes"
			if len(indexes) == 1 {
				noun = "index"
			}
			header := fmt.Sprintf("Collection %s.%s has %d %s.",
				args.Database, args.Collection, len(indexes), noun)
			return documentsResult(header, indexes)
		},
	}
}

func newCollectionSchemaTool() *mongoTool {
	return &mongoTool{
		name:        "collection-schema",
		op:          tools.OperationMetadata,
		description: "Infer the field types of a MongoDB collection from a sample of documents",
		schema:      namespaceSchema(nil),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args namespaceArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			cursor, err := client.Database(args.Database).Collection(args.Collection).
				Find(ctx, bson.D{}, options.Find().SetLimit(schemaSampleSize))
			if err != nil {
				return nil, trace.Wrap(err)
			}
			var docs []bson.D
			if err := cursor.All(ctx, &docs); err != nil {
				return nil, trace.Wrap(err)
			}
			if len(docs) == 0 {
				return mcp.NewToolResultText(fmt.Sprintf(
					"Collection %s.%s is empty; no schema to infer.", args.Database, args.Collection)), nil
			}
			schema := inferSchema(docs)
			payload, err := json.MarshalIndent(schema, "", "  ")
			if err != nil {
				return nil, trace.Wrap(err)
			}
			header := fmt.Sprintf("Field types of %s.%s inferred from %s:",
				args.Database, args.Collection, singularPlural(int64(len(docs)), "sampled document"))
			return mcp.NewToolResultText(header + "\n" + tools.WrapUntrustedData(string(payload))), nil
		},
	}
}

// inferSchema maps field name to the sorted set of BSON type names
// observed across the sample.
func inferSchema(docs []bson.D) map[string][]string {
	observed := make(map[string]map[string]struct{})
	for _, doc := range docs {
		for _, element := range doc {
			types, ok := observed[element.Key]
			if !ok {
				types = make(map[string]struct{})
				observed[element.Key] = types
			}
			types[bsonTypeName(element.Value)] = struct{}{}
		}
	}
	schema := make(map[string][]string, len(observed))
	for field, types := range observed {
		names := make([]string, 0, len(types))
		for name := range types {
			names = append(names, name)
		}
		sort.Strings(names)
		schema[field] = names
	}
	return schema
}

func bsonTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case primitive.Decimal128:
		return "decimal"
	case primitive.ObjectID:
		return "objectId"
	case primitive.DateTime:
		return "date"
	case primitive.Timestamp:
		return "timestamp"
	case primitive.Binary:
		return "binData"
	case primitive.Regex:
		return "regex"
	case bson.D, bson.M:
		return "object"
	case bson.A:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func newCollectionStorageSizeTool() *mongoTool {
	return &mongoTool{
		name:        "collection-storage-size",
		op:          tools.OperationMetadata,
		description: "Estimate the storage size of a MongoDB collection",
		schema:      namespaceSchema(nil),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args namespaceArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			cursor, err := client.Database(args.Database).Collection(args.Collection).Aggregate(ctx, mongo.Pipeline{
				{{Key: "$collStats", Value: bson.D{{Key: "storageStats", Value: bson.D{}}}}},
				{{Key: "$project", Value: bson.D{
					{Key: "storageSize", Value: "$storageStats.storageSize"},
					{Key: "totalIndexSize", Value: "$storageStats.totalIndexSize"},
					{Key: "count", Value: "$storageStats.count"},
				}}},
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			var stats []bson.D
			if err := cursor.All(ctx, &stats); err != nil {
				return nil, trace.Wrap(err)
			}
			header := fmt.Sprintf("Storage statistics for %s.%s:", args.Database, args.Collection)
			return documentsResult(header, stats)
		},
	}
}

func newDBStatsTool() *mongoTool {
	return &mongoTool{
		name:        "db-stats",
		op:          tools.OperationMetadata,
		description: "Return statistics about a MongoDB database",
		schema:      objectSchema([]string{"database"}, propDatabase),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args databaseArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateDatabase(args.Database); err != nil {
				return nil, trace.Wrap(err)
			}
			var stats bson.D
			err := client.Database(args.Database).
				RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&stats)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			header := fmt.Sprintf("Statistics for database %s:", args.Database)
			return documentsResult(header, []bson.D{stats})
		},
	}
}

type explainArgs struct {
	Database   string          `json:"database"`
	Collection string          `json:"collection"`
	Method     string          `json:"method"`
	Filter     json.RawMessage `json:"filter"`
	Pipeline   json.RawMessage `json:"pipeline"`
}

func newExplainTool() *mongoTool {
	return &mongoTool{
		name:        "explain",
		op:          tools.OperationMetadata,
		description: "Explain the query plan of a find, aggregate or count operation",
		schema: namespaceSchema([]string{"method"},
			`"method": {"type": "string", "enum": ["find", "aggregate", "count"], "description": "Operation to explain"}`,
			propFilter,
			`"pipeline": {"type": "array", "items": {"type": "object"}, "description": "Aggregation pipeline, required when method is aggregate"}`),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args explainArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateNamespace(args.Database, args.Collection); err != nil {
				return nil, trace.Wrap(err)
			}
			var command bson.D
			switch args.Method {
			case "find":
				filter, err := ejsonDocument(args.Filter)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				command = bson.D{
					{Key: "find", Value: args.Collection},
					{Key: "filter", Value: filter},
				}
			case "count":
				filter, err := ejsonDocument(args.Filter)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				command = bson.D{
					{Key: "count", Value: args.Collection},
					{Key: "query", Value: filter},
				}
			case "aggregate":
				pipeline, err := ejsonDocuments(args.Pipeline)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				command = bson.D{
					{Key: "aggregate", Value: args.Collection},
					{Key: "pipeline", Value: pipeline},
					{Key: "cursor", Value: bson.D{}},
				}
			default:
				return nil, trace.BadParameter("method must be one of find, aggregate, count; got %q", args.Method)
			}
			var plan bson.D
			err := client.Database(args.Database).RunCommand(ctx, bson.D{
				{Key: "explain", Value: command},
				{Key: "verbosity", Value: "queryPlanner"},
			}).Decode(&plan)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			header := fmt.Sprintf("Query plan for %s on %s.%s:", args.Method, args.Database, args.Collection)
			return documentsResult(header, []bson.D{plan})
		},
	}
}

func newListCollectionsTool() *mongoTool {
	return &mongoTool{
		name:        "list-collections",
		op:          tools.OperationMetadata,
		description: "List the collections of a MongoDB database",
		schema:      objectSchema([]string{"database"}, propDatabase),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			var args databaseArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := validateDatabase(args.Database); err != nil {
				return nil, trace.Wrap(err)
			}
			names, err := client.Database(args.Database).ListCollectionNames(ctx, bson.D{})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if len(names) == 0 {
				return mcp.NewToolResultText(fmt.Sprintf("Database %s has no collections.", args.Database)), nil
			}
			sort.Strings(names)
			header := fmt.Sprintf("Database %s has %s:",
				args.Database, singularPlural(int64(len(names)), "collection"))
			return mcp.NewToolResultText(header + "\n" + tools.WrapUntrustedData(strings.Join(names, "\n"))), nil
		},
	}
}

func newListDatabasesTool() *mongoTool {
	return &mongoTool{
		name:        "list-databases",
		op:          tools.OperationMetadata,
		description: "List the databases of the connected MongoDB deployment",
		schema:      objectSchema(nil),
		run: func(ctx context.Context, req tools.Request, client *mongo.Client) (*mcp.CallToolResult, error) {
			result, err := client.ListDatabases(ctx, bson.D{})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			lines := make([]string, 0, len(result.Databases))
			for _, db := range result.Databases {
				lines = append(lines, fmt.Sprintf("%s (%d bytes)", db.Name, db.SizeOnDisk))
			}
			sort.Strings(lines)
			header := fmt.Sprintf("The deployment has %s:",
				singularPlural(int64(len(lines)), "database"))
			return mcp.NewToolResultText(header + "\n" + tools.WrapUntrustedData(strings.Join(lines, "\n"))), nil
		},
	}
}
