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

package tools

import (
	"context"
	"encoding/json"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/session"
)

// Elicitor asks the client/user a structured question mid tool call.
// The transport layer implements it over the MCP elicitation
// capability.
type Elicitor interface {
	// HasElicitation reports whether the client advertised the
	// elicitation capability on initialize.
	HasElicitation() bool
	// Elicit sends elicitation/create and waits for the reply.
	// accepted is true only for an explicit "accept" action; the
	// returned content is the user-filled form.
	Elicit(ctx context.Context, message string, schema json.RawMessage) (accepted bool, content map[string]any, err error)
}

type contextKey int

const (
	sessionContextKey contextKey = iota
	elicitorContextKey
)

// WithSession attaches the invoking session to the request context.
// Transports call this before dispatch.
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// SessionFromContext returns the session attached by the transport,
// nil when absent.
func SessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionContextKey).(*session.Session)
	return s
}

// WithElicitor attaches the transport's elicitor to the request
// context.
func WithElicitor(ctx context.Context, e Elicitor) context.Context {
	return context.WithValue(ctx, elicitorContextKey, e)
}

// ElicitorFromContext returns the elicitor attached by the transport,
// nil when the transport cannot elicit.
func ElicitorFromContext(ctx context.Context) Elicitor {
	e, _ := ctx.Value(elicitorContextKey).(Elicitor)
	return e
}
