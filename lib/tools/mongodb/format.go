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
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

// formatDocuments renders documents as newline-separated relaxed
// extended JSON.
func formatDocuments(docs []bson.D) (string, error) {
	lines := make([]string, 0, len(docs))
	for _, doc := range docs {
		line, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return "", trace.Wrap(err)
		}
		lines = append(lines, string(line))
	}
	return strings.Join(lines, "\n"), nil
}

// documentsResult is a header line followed by the documents inside
// the untrusted-data envelope.
func documentsResult(header string, docs []bson.D) (*mcp.CallToolResult, error) {
	body, err := formatDocuments(docs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(docs) == 0 {
		return mcp.NewToolResultText(header), nil
	}
	return mcp.NewToolResultText(header + "\n" + tools.WrapUntrustedData(body)), nil
}

// singularPlural avoids "1 documents" in result headers.
func singularPlural(n int64, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
