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
	"fmt"
	"strings"
)

// Shared JSON schema property fragments. Schemas are hand-registered
// rather than reflected so the wire contract is explicit.
const (
	propDatabase   = `"database": {"type": "string", "description": "Database name"}`
	propCollection = `"collection": {"type": "string", "description": "Collection name"}`
	propFilter     = `"filter": {"type": "object", "description": "Query filter as an extended-JSON document, matching the syntax of the db.collection.find() filter argument"}`
	propProjection = `"projection": {"type": "object", "description": "Fields to include or exclude, as an extended-JSON document"}`
	propSort       = `"sort": {"type": "object", "description": "Sort specification mapping field names to 1 (ascending) or -1 (descending)"}`
	propLimit      = `"limit": {"type": "integer", "description": "Maximum number of documents to return"}`
)

// objectSchema assembles an object schema from property fragments.
func objectSchema(required []string, props ...string) json.RawMessage {
	var sb strings.Builder
	sb.WriteString(`{"type": "object", "properties": {`)
	sb.WriteString(strings.Join(props, ", "))
	sb.WriteString(`}`)
	if len(required) > 0 {
		quoted := make([]string, len(required))
		for i, name := range required {
			quoted[i] = fmt.Sprintf("%q", name)
		}
		sb.WriteString(`, "required": [` + strings.Join(quoted, ", ") + `]`)
	}
	sb.WriteString(`}`)
	return json.RawMessage(sb.String())
}

// namespaceSchema is the common database+collection schema with extra
// properties appended.
func namespaceSchema(required []string, extraProps ...string) json.RawMessage {
	props := append([]string{propDatabase, propCollection}, extraProps...)
	return objectSchema(append([]string{"database", "collection"}, required...), props...)
}
