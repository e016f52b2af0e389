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

package srv

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/mcputils"
)

// answeringWriter answers every elicitation/create it sees, simulating
// the client side of the round-trip.
func answeringWriter(t *testing.T, state *elicitState, action string, content map[string]any) mcputils.MessageWriter {
	t.Helper()
	return mcputils.MessageWriterFunc(func(ctx context.Context, msg mcp.JSONRPCMessage) error {
		req, ok := msg.(*mcputils.JSONRPCRequest)
		require.True(t, ok)
		require.Equal(t, mcputils.MethodElicitationCreate, req.Method)

		var params elicitParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		require.NotEmpty(t, params.Message)

		result, err := json.Marshal(elicitResult{Action: action, Content: content})
		require.NoError(t, err)
		go state.resolve(&mcputils.JSONRPCResponse{
			JSONRPC: mcputils.JSONRPCVersion,
			ID:      req.ID,
			Result:  result,
		})
		return nil
	})
}

func TestElicitRoundTrip(t *testing.T) {
	state := newElicitState()
	state.setCapable(true)

	e := &elicitor{
		state:  state,
		writer: answeringWriter(t, state, "accept", map[string]any{"confirm": true}),
		log:    slog.Default(),
	}
	require.True(t, e.HasElicitation())

	accepted, content, err := e.Elicit(context.Background(), "Confirm to proceed.", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, true, content["confirm"])
}

func TestElicitDecline(t *testing.T) {
	state := newElicitState()
	state.setCapable(true)

	e := &elicitor{
		state:  state,
		writer: answeringWriter(t, state, "decline", nil),
		log:    slog.Default(),
	}
	accepted, _, err := e.Elicit(context.Background(), "Confirm to proceed.", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestElicitContextCancel(t *testing.T) {
	state := newElicitState()
	state.setCapable(true)

	// A writer that never answers.
	e := &elicitor{
		state: state,
		writer: mcputils.MessageWriterFunc(func(ctx context.Context, msg mcp.JSONRPCMessage) error {
			return nil
		}),
		log: slog.Default(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := e.Elicit(ctx, "Confirm to proceed.", json.RawMessage(`{"type":"object"}`))
	require.Error(t, err)
}

func TestElicitWithoutCapability(t *testing.T) {
	state := newElicitState()
	e := &elicitor{
		state:  state,
		writer: mcputils.NewSyncMessageWriter(mcputils.MessageWriterFunc(func(context.Context, mcp.JSONRPCMessage) error { return nil })),
		log:    slog.Default(),
	}
	assert.False(t, e.HasElicitation())
}

func TestElicitStateResolveUnknownID(t *testing.T) {
	state := newElicitState()
	resolved := state.resolve(&mcputils.JSONRPCResponse{
		JSONRPC: mcputils.JSONRPCVersion,
		ID:      mcp.NewRequestId("ping-7"),
		Result:  json.RawMessage(`{}`),
	})
	assert.False(t, resolved)
}
