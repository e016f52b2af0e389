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

// Package tools defines the tool surface: the Tool interface, the
// registration gates, and the per-invocation dispatch pipeline
// (confirmation elicitation, error boundary and mapping, telemetry).
package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/session"
)

// Category groups tools by backing service.
type Category string

const (
	CategoryMongoDB Category = "mongodb"
	CategoryAtlas   Category = "atlas"
)

// OperationType classifies what a tool does to the target; gates and
// annotations derive from it.
type OperationType string

const (
	OperationRead     OperationType = "read"
	OperationMetadata OperationType = "metadata"
	OperationCreate   OperationType = "create"
	OperationUpdate   OperationType = "update"
	OperationDelete   OperationType = "delete"
	OperationConnect  OperationType = "connect"
)

// Request is what the dispatcher hands a tool body.
type Request struct {
	// Session is the invoking client's session.
	Session *session.Session
	// Args is the raw JSON arguments object, possibly nil.
	Args json.RawMessage
}

// Tool is one registered tool. Implementations are immutable after
// construction and safe for concurrent Execute calls.
type Tool interface {
	// Name is the wire name, unique within the registry.
	Name() string
	// Category is mongodb or atlas.
	Category() Category
	// OperationType drives gates and annotations.
	OperationType() OperationType
	// Description is the wire description.
	Description() string
	// InputSchema is the JSON schema registered alongside the tool.
	InputSchema() json.RawMessage
	// Execute runs the tool body. Returning an error routes through
	// the dispatcher's error mapping instead of the raw result.
	Execute(ctx context.Context, req Request) (*mcp.CallToolResult, error)
}

// Annotations derives the MCP tool annotations from the operation
// type: read, metadata and connect are read-only; delete is
// destructive.
func Annotations(op OperationType) mcp.ToolAnnotation {
	readOnly := op == OperationRead || op == OperationMetadata || op == OperationConnect
	destructive := op == OperationDelete
	return mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(readOnly),
		DestructiveHint: mcp.ToBoolPtr(destructive),
	}
}

// IsMutation reports whether the operation type writes to the target.
func IsMutation(op OperationType) bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}
