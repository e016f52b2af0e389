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

// Package mcputils provides JSON-RPC message plumbing shared by the MCP
// transports: a lazily-typed message union, line-delimited readers and
// writers, and close-error helpers.
package mcputils

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// JSON-RPC methods this server cares about beyond what the MCP library
// dispatches itself.
const (
	// MethodInitialize starts the MCP handshake.
	MethodInitialize = "initialize"
	// MethodNotificationInitialized completes the MCP handshake.
	MethodNotificationInitialized = "notifications/initialized"
	// MethodPing is the liveness check either side may issue.
	MethodPing = "ping"
	// MethodElicitationCreate asks the client for a structured user input.
	MethodElicitationCreate = "elicitation/create"
	// MethodNotificationMessage carries a log record to the client.
	MethodNotificationMessage = "notifications/message"
	// MethodNotificationResourceUpdated signals a changed resource.
	MethodNotificationResourceUpdated = "notifications/resources/updated"
	// MethodNotificationResourceListChanged signals resource churn.
	MethodNotificationResourceListChanged = "notifications/resources/list_changed"
)

// JSONRPCVersion is the only protocol version ever emitted.
const JSONRPCVersion = "2.0"

// JSONRPCRequest is a client-to-server or server-to-client call that
// expects a response. Params stay raw so extended JSON survives the trip
// to whichever layer knows how to decode it.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCNotification is a fire-and-forget message.
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is the error member of a failed response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSONRPCResponse answers a request, carrying either a result or an
// error.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// NewRequest creates a request with a fresh body.
func NewRequest(id mcp.RequestId, method string, params json.RawMessage) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification creates a notification. params may be nil.
func NewNotification(method string, params json.RawMessage) *JSONRPCNotification {
	return &JSONRPCNotification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(id mcp.RequestId, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

// BaseJSONRPCMessage is the union of the three message shapes. Decode
// any incoming JSON-RPC payload into it, classify with IsRequest /
// IsNotification / IsResponse, then convert with the MakeX accessors.
type BaseJSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request (method and id).
func (m *BaseJSONRPCMessage) IsRequest() bool {
	return m.Method != "" && !m.ID.IsNil()
}

// IsNotification reports whether the message is a notification (method,
// no id).
func (m *BaseJSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID.IsNil()
}

// IsResponse reports whether the message answers a request (id with a
// result or error, no method).
func (m *BaseJSONRPCMessage) IsResponse() bool {
	return m.Method == "" && !m.ID.IsNil() && (len(m.Result) > 0 || m.Error != nil)
}

// MakeRequest converts the union to a request.
func (m *BaseJSONRPCMessage) MakeRequest() *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: m.JSONRPC,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
	}
}

// MakeNotification converts the union to a notification.
func (m *BaseJSONRPCMessage) MakeNotification() *JSONRPCNotification {
	return &JSONRPCNotification{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
	}
}

// MakeResponse converts the union to a response.
func (m *BaseJSONRPCMessage) MakeResponse() *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: m.JSONRPC,
		ID:      m.ID,
		Result:  m.Result,
		Error:   m.Error,
	}
}
