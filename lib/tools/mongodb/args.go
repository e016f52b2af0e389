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
	"strings"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
)

// decodeArgs unmarshals the raw arguments object into the tool's
// argument struct. Document-valued fields stay json.RawMessage and
// are converted with ejsonDocument/ejsonDocuments so extended-JSON
// values (ObjectId, Date, ...) survive the round-trip.
func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return trace.BadParameter("missing tool arguments")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return trace.BadParameter("invalid tool arguments: %v", err)
	}
	return nil
}

// ejsonDocument converts one extended-JSON object to an ordered
// document. A nil/empty input yields an empty document.
func ejsonDocument(raw json.RawMessage) (bson.D, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return bson.D{}, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, trace.BadParameter("invalid extended-JSON document: %v", err)
	}
	return doc, nil
}

// ejsonDocuments converts an extended-JSON array of objects. The array
// is wrapped in a document first because the extended-JSON reader
// wants a document at the top level.
func ejsonDocuments(raw json.RawMessage) ([]bson.D, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	wrapped := `{"v": ` + string(raw) + `}`
	var out struct {
		V []bson.D `bson:"v"`
	}
	if err := bson.UnmarshalExtJSON([]byte(wrapped), false, &out); err != nil {
		return nil, trace.BadParameter("invalid extended-JSON array: %v", err)
	}
	return out.V, nil
}

// validateNamespace rejects empty database/collection names early with
// a clearer message than the server would give.
func validateNamespace(database, collection string) error {
	if strings.TrimSpace(database) == "" {
		return trace.BadParameter("missing required argument: database")
	}
	if strings.TrimSpace(collection) == "" {
		return trace.BadParameter("missing required argument: collection")
	}
	return nil
}

// validateDatabase is validateNamespace for database-only tools.
func validateDatabase(database string) error {
	if strings.TrimSpace(database) == "" {
		return trace.BadParameter("missing required argument: database")
	}
	return nil
}
