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
	"fmt"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/mcputils"
)

// elicitState is the per-session elicitation bookkeeping: whether the
// client advertised the capability, and the requests awaiting an
// answer. String request ids keep correlation round-trip safe across
// JSON.
type elicitState struct {
	mu      sync.Mutex
	capable bool
	nextID  int64
	pending map[string]chan *mcputils.JSONRPCResponse
}

func newElicitState() *elicitState {
	return &elicitState{pending: make(map[string]chan *mcputils.JSONRPCResponse)}
}

func (s *elicitState) setCapable(capable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capable = capable
}

func (s *elicitState) hasCapability() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capable
}

// register allocates a request id and its answer channel.
func (s *elicitState) register() (string, chan *mcputils.JSONRPCResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("elicit-%d", s.nextID)
	ch := make(chan *mcputils.JSONRPCResponse, 1)
	s.pending[id] = ch
	return id, ch
}

func (s *elicitState) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// resolve hands a client response to the elicitation waiting on its id.
// It reports whether anything was waiting.
func (s *elicitState) resolve(resp *mcputils.JSONRPCResponse) bool {
	key := fmt.Sprintf("%v", resp.ID.Value())
	s.mu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// elicitor runs elicitation/create round-trips over a specific writer.
// It implements tools.Elicitor.
type elicitor struct {
	state  *elicitState
	writer mcputils.MessageWriter
	log    *slog.Logger
}

// HasElicitation reports whether the client advertised the capability.
func (e *elicitor) HasElicitation() bool {
	return e.writer != nil && e.state.hasCapability()
}

// elicitParams is the payload of an elicitation/create request.
type elicitParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema"`
}

// elicitResult is the payload of the client's answer.
type elicitResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// Elicit sends an elicitation/create request and waits for the client's
// answer or ctx cancellation.
func (e *elicitor) Elicit(ctx context.Context, message string, schema json.RawMessage) (bool, map[string]any, error) {
	if e.writer == nil {
		return false, nil, trace.BadParameter("no client stream to elicit on")
	}
	params, err := json.Marshal(elicitParams{Message: message, RequestedSchema: schema})
	if err != nil {
		return false, nil, trace.Wrap(err)
	}

	id, ch := e.state.register()
	defer e.state.unregister(id)

	request := mcputils.NewRequest(mcp.NewRequestId(id), mcputils.MethodElicitationCreate, params)
	if err := e.writer.WriteMessage(ctx, request); err != nil {
		return false, nil, trace.Wrap(err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return false, nil, trace.Errorf("elicitation failed: %s", resp.Error.Message)
		}
		var result elicitResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return false, nil, trace.BadParameter("invalid elicitation result: %v", err)
		}
		return result.Action == "accept", result.Content, nil
	case <-ctx.Done():
		return false, nil, trace.Wrap(ctx.Err())
	}
}
