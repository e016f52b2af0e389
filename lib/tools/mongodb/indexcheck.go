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

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

const collscanStage = "COLLSCAN"

// checkIndexUsage runs an explain of the given command and fails with
// ForbiddenCollscanError when the winning plan contains a full
// collection scan. command is the operation being gated, e.g.
// {"find": coll, "filter": ...}.
func checkIndexUsage(ctx context.Context, client *mongo.Client, database, collection string, command bson.D) error {
	explain := bson.D{
		{Key: "explain", Value: command},
		{Key: "verbosity", Value: "queryPlanner"},
	}
	var plan bson.M
	if err := client.Database(database).RunCommand(ctx, explain).Decode(&plan); err != nil {
		// Some deployments (e.g. restricted roles) refuse explain;
		// the gate fails open rather than blocking legitimate
		// queries.
		return nil
	}
	if planContainsStage(plan, collscanStage) {
		return trace.Wrap(&tools.ForbiddenCollscanError{
			Database:   database,
			Collection: collection,
		})
	}
	return nil
}

// planContainsStage walks the explain output looking for a stage
// value. Plans nest arbitrarily (inputStage, inputStages, shards,
// queryPlanner), so the walk is generic.
func planContainsStage(node any, stage string) bool {
	switch value := node.(type) {
	case bson.M:
		for key, child := range value {
			if key == "stage" || key == "strategy" {
				if text, ok := child.(string); ok && text == stage {
					return true
				}
				continue
			}
			if planContainsStage(child, stage) {
				return true
			}
		}
	case bson.D:
		for _, element := range value {
			if element.Key == "stage" || element.Key == "strategy" {
				if text, ok := element.Value.(string); ok && text == stage {
					return true
				}
				continue
			}
			if planContainsStage(element.Value, stage) {
				return true
			}
		}
	case bson.A:
		for _, child := range value {
			if planContainsStage(child, stage) {
				return true
			}
		}
	case []any:
		for _, child := range value {
			if planContainsStage(child, stage) {
				return true
			}
		}
	}
	return false
}
