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

// Package session aggregates the per-client state: the connection
// manager, exports, the Atlas client and the agent's identity. It
// re-emits connection events as session events for the transport.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/mongo"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/atlas"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/connection"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/exports"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
)

// EventKind names a session-level connection event.
type EventKind string

const (
	EventConnect         EventKind = "connect"
	EventDisconnect      EventKind = "disconnect"
	EventConnectionError EventKind = "connection-error"
)

// Event is a re-emitted connection event.
type Event struct {
	Kind  EventKind
	State connection.State
}

// MCPClientInfo describes the agent on the other end, from the MCP
// initialize request.
type MCPClientInfo struct {
	Name    string
	Version string
	Title   string
}

// Config is the config for a Session.
type Config struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Keychain is the process-wide secret registry.
	Keychain *keychain.Keychain
	// Connection is the session's connection manager, 1:1 lifetime.
	Connection *connection.Manager
	// Exports is the session's exports manager.
	Exports *exports.Manager
	// Atlas is the Atlas API client; nil without credentials.
	Atlas *atlas.Client
	// ConnectionString is the configured auto-connect target, empty
	// when the agent must connect explicitly.
	ConnectionString string
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Connection == nil {
		return trace.BadParameter("missing Connection")
	}
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentSession)
	}
	return nil
}

// Session is one client's context. It owns its connection manager and
// closes the Atlas client and exports manager on Close.
type Session struct {
	cfg Config
	log *slog.Logger

	// ID is the unique session id, fresh per construction.
	ID string

	mu           sync.Mutex
	mcpClient    MCPClientInfo
	atlasCluster *connection.AtlasClusterInfo
	subscribers  map[int]chan Event
	nextSub      int
	closed       bool

	stopForwarding func()
}

// New creates a Session and starts forwarding connection events.
func New(cfg Config) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Session{
		cfg: cfg,
		log: cfg.Log,
		ID:  uuid.NewString(),
		mcpClient: MCPClientInfo{
			Name:    "unknown",
			Version: "unknown",
			Title:   "unknown",
		},
		subscribers: make(map[int]chan Event),
	}
	events, unsubscribe := cfg.Connection.Subscribe()
	done := make(chan struct{})
	s.stopForwarding = func() {
		unsubscribe()
		close(done)
	}
	go s.forwardEvents(events, done)
	return s, nil
}

// forwardEvents translates connection events into session events.
func (s *Session) forwardEvents(events <-chan connection.Event, done <-chan struct{}) {
	for {
		select {
		case event := <-events:
			var kind EventKind
			switch event.Kind {
			case connection.EventConnectionSucceeded:
				kind = EventConnect
			case connection.EventConnectionClosed:
				kind = EventDisconnect
			case connection.EventConnectionErrored, connection.EventConnectionTimedOut:
				kind = EventConnectionError
			default:
				continue
			}
			s.broadcast(Event{Kind: kind, State: event.State})
		case <-done:
			return
		}
	}
}

func (s *Session) broadcast(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// A stalled subscriber loses events rather than blocking
			// the connection state machine.
		}
	}
}

// Subscribe registers a session event observer.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 16)
	s.subscribers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// SetMCPClient records the agent identity from initialize and feeds
// the client name into the connection manager's appName.
func (s *Session) SetMCPClient(info MCPClientInfo) {
	if info.Name == "" {
		info.Name = "unknown"
	}
	if info.Version == "" {
		info.Version = "unknown"
	}
	if info.Title == "" {
		info.Title = info.Name
	}
	s.mu.Lock()
	s.mcpClient = info
	s.mu.Unlock()
	s.cfg.Connection.SetClientName(info.Name)
}

// MCPClient returns the recorded agent identity.
func (s *Session) MCPClient() MCPClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcpClient
}

// Keychain returns the process keychain.
func (s *Session) Keychain() *keychain.Keychain {
	return s.cfg.Keychain
}

// Exports returns the session's exports manager.
func (s *Session) Exports() *exports.Manager {
	return s.cfg.Exports
}

// Atlas returns the Atlas API client, nil without credentials.
func (s *Session) Atlas() *atlas.Client {
	return s.cfg.Atlas
}

// ConfiguredConnectionString returns the auto-connect target, empty
// when none is configured.
func (s *Session) ConfiguredConnectionString() string {
	return s.cfg.ConnectionString
}

// ConnectionState returns the connection manager's current state.
func (s *Session) ConnectionState() connection.State {
	return s.cfg.Connection.CurrentState()
}

// ConnectToMongoDB connects the session's manager.
func (s *Session) ConnectToMongoDB(ctx context.Context, settings connection.Settings) error {
	_, err := s.cfg.Connection.Connect(ctx, settings)
	return trace.Wrap(err)
}

// Disconnect closes the driver handle when one exists.
func (s *Session) Disconnect(ctx context.Context) {
	s.cfg.Connection.Disconnect(ctx)
}

// ServiceProvider returns the driver handle. It fails with a
// not-connected error unless the state is connected.
func (s *Session) ServiceProvider() (*mongo.Client, error) {
	client, err := s.cfg.Connection.Client()
	return client, trace.Wrap(err)
}

// SetConnectedAtlasCluster records the cluster the session is being
// provisioned for, or clears it with nil.
func (s *Session) SetConnectedAtlasCluster(cluster *connection.AtlasClusterInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atlasCluster = cluster
}

// ConnectedAtlasCluster returns the cluster recorded by
// atlas-connect-cluster, nil when none.
func (s *Session) ConnectedAtlasCluster() *connection.AtlasClusterInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atlasCluster
}

// Close disconnects and releases the Atlas client and exports manager.
// Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cfg.Connection.Disconnect(ctx)
	s.stopForwarding()

	var errs []error
	if s.cfg.Atlas != nil {
		errs = append(errs, s.cfg.Atlas.Close())
	}
	if s.cfg.Exports != nil {
		errs = append(errs, s.cfg.Exports.Close())
	}
	return trace.NewAggregate(errs...)
}
