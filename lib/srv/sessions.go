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
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/mcputils"
)

// streamQueueSize bounds the standalone-stream backlog per session.
// Server-initiated messages are dropped, and pings count as failed,
// once the client stops draining.
const streamQueueSize = 64

// httpSession is one streamable-HTTP client: the session handler plus
// the stream queue and eviction timers.
type httpSession struct {
	id      string
	handler *SessionHandler

	// queue carries server-initiated traffic to the standalone GET
	// stream.
	queue chan mcp.JSONRPCMessage
	// done closes when the session is torn down.
	done chan struct{}

	mu              sync.Mutex
	lastSeenAt      time.Time
	closed          bool
	idleTimer       clockwork.Timer
	notifyTimer     clockwork.Timer
	cancelKeepAlive context.CancelFunc
}

// writer returns a MessageWriter that enqueues onto the standalone
// stream without blocking. A full queue is a write failure.
func (s *httpSession) writer() mcputils.MessageWriter {
	return mcputils.MessageWriterFunc(func(ctx context.Context, msg mcp.JSONRPCMessage) error {
		select {
		case s.queue <- msg:
			return nil
		case <-s.done:
			return trace.Errorf("session %s is closed", s.id)
		default:
			return trace.Errorf("session %s stream backlog is full", s.id)
		}
	})
}

// touch records activity and pushes both eviction timers out.
func (s *httpSession) touch(now time.Time, idle, notify time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeenAt = now
	if s.idleTimer != nil {
		s.idleTimer.Reset(idle)
	}
	if s.notifyTimer != nil {
		s.notifyTimer.Reset(notify)
	}
}

// sessionStore indexes live HTTP sessions by id.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*httpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*httpSession)}
}

func (s *sessionStore) get(id string) *httpSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *sessionStore) put(session *httpSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.id] = session
}

func (s *sessionStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *sessionStore) all() []*httpSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*httpSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
