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
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

func TestToolInventory(t *testing.T) {
	toolList := NewTools(Config{})
	require.Len(t, toolList, 20)

	names := make([]string, len(toolList))
	for i, tool := range toolList {
		names[i] = tool.Name()
	}
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	require.Equal(t, "aggregate", sorted[0])

	byName := make(map[string]tools.Tool, len(toolList))
	for _, tool := range toolList {
		byName[tool.Name()] = tool
		assert.Equal(t, tools.CategoryMongoDB, tool.Category())
		assert.NotEmpty(t, tool.Description(), "tool %s", tool.Name())
		require.True(t, json.Valid(tool.InputSchema()), "tool %s schema", tool.Name())
	}

	assert.Equal(t, "Run an aggregation against a MongoDB collection", byName["aggregate"].Description())

	wantOps := map[string]tools.OperationType{
		"aggregate":               tools.OperationRead,
		"collection-indexes":      tools.OperationMetadata,
		"collection-schema":       tools.OperationMetadata,
		"collection-storage-size": tools.OperationMetadata,
		"connect":                 tools.OperationConnect,
		"count":                   tools.OperationRead,
		"create-collection":       tools.OperationCreate,
		"create-index":            tools.OperationCreate,
		"db-stats":                tools.OperationMetadata,
		"delete-many":             tools.OperationDelete,
		"drop-collection":         tools.OperationDelete,
		"drop-database":           tools.OperationDelete,
		"explain":                 tools.OperationMetadata,
		"export":                  tools.OperationRead,
		"find":                    tools.OperationRead,
		"insert-many":             tools.OperationCreate,
		"list-collections":        tools.OperationMetadata,
		"list-databases":          tools.OperationMetadata,
		"rename-collection":       tools.OperationUpdate,
		"update-many":             tools.OperationUpdate,
	}
	require.Len(t, wantOps, 20)
	for name, op := range wantOps {
		require.Contains(t, byName, name)
		assert.Equal(t, op, byName[name].OperationType(), "tool %s", name)
	}
}

func TestEJSONDocument(t *testing.T) {
	doc, err := ejsonDocument(json.RawMessage(`{"_id": {"$oid": "507f1f77bcf86cd799439011"}, "year": {"$numberInt": "1999"}}`))
	require.NoError(t, err)
	require.Len(t, doc, 2)

	oid, ok := doc[0].Value.(primitive.ObjectID)
	require.True(t, ok)
	assert.Equal(t, "507f1f77bcf86cd799439011", oid.Hex())
	assert.EqualValues(t, 1999, doc[1].Value)

	empty, err := ejsonDocument(nil)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = ejsonDocument(json.RawMessage(`[1,2]`))
	require.Error(t, err)
}

func TestEJSONDocuments(t *testing.T) {
	docs, err := ejsonDocuments(json.RawMessage(`[{"$match": {"director": "Christina Collins"}}, {"$limit": 5}]`))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "$match", docs[0][0].Key)

	none, err := ejsonDocuments(nil)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestObjectSchema(t *testing.T) {
	schema := namespaceSchema([]string{"filter"}, propFilter, propLimit)
	var decoded struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	require.NoError(t, json.Unmarshal(schema, &decoded))
	assert.Equal(t, "object", decoded.Type)
	assert.ElementsMatch(t, []string{"database", "collection", "filter"}, decoded.Required)
	for _, prop := range []string{"database", "collection", "filter", "limit"} {
		assert.Contains(t, decoded.Properties, prop)
	}
}

func TestInferSchema(t *testing.T) {
	docs := []bson.D{
		{
			{Key: "_id", Value: primitive.NewObjectID()},
			{Key: "title", Value: "Carrier"},
			{Key: "year", Value: int32(1999)},
		},
		{
			{Key: "_id", Value: primitive.NewObjectID()},
			{Key: "title", Value: "Orbit"},
			{Key: "year", Value: "unknown"},
			{Key: "tags", Value: bson.A{"a", "b"}},
		},
	}
	schema := inferSchema(docs)
	assert.Equal(t, []string{"objectId"}, schema["_id"])
	assert.Equal(t, []string{"string"}, schema["title"])
	assert.Equal(t, []string{"int", "string"}, schema["year"])
	assert.Equal(t, []string{"array"}, schema["tags"])
}

func TestPlanContainsStage(t *testing.T) {
	withCollscan := bson.M{
		"queryPlanner": bson.M{
			"winningPlan": bson.M{
				"stage": "LIMIT",
				"inputStage": bson.M{
					"stage": "COLLSCAN",
				},
			},
		},
	}
	require.True(t, planContainsStage(withCollscan, collscanStage))

	withIndex := bson.M{
		"queryPlanner": bson.M{
			"winningPlan": bson.M{
				"stage": "FETCH",
				"inputStage": bson.M{
					"stage":     "IXSCAN",
					"indexName": "year_1",
				},
			},
		},
	}
	require.False(t, planContainsStage(withIndex, collscanStage))

	sharded := bson.M{
		"queryPlanner": bson.M{
			"winningPlan": bson.M{
				"stage": "SHARD_MERGE",
				"shards": bson.A{
					bson.M{"winningPlan": bson.M{"stage": "COLLSCAN"}},
				},
			},
		},
	}
	require.True(t, planContainsStage(sharded, collscanStage))
}

func TestSingularPlural(t *testing.T) {
	assert.Equal(t, "1 document", singularPlural(1, "document"))
	assert.Equal(t, "0 documents", singularPlural(0, "document"))
	assert.Equal(t, "12 documents", singularPlural(12, "document"))
}

func TestFormatDocuments(t *testing.T) {
	text, err := formatDocuments([]bson.D{
		{{Key: "a", Value: int32(1)}},
		{{Key: "b", Value: "two"}},
	})
	require.NoError(t, err)
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"a": 1}`, lines[0])
	assert.JSONEq(t, `{"b": "two"}`, lines[1])
}
