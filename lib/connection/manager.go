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

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/utils"
)

// oidcHelloTimeout bounds the fire-and-forget hello that drives an OIDC
// flow. It is generous because the user has to finish a browser or
// device-code interaction within it.
const oidcHelloTimeout = 5 * time.Minute

// subscriberBuffer is the per-subscriber event channel capacity. A
// subscriber that stops draining eventually blocks state transitions,
// so observers must consume promptly or unsubscribe.
const subscriberBuffer = 32

type dialFunc func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error)

type helloFunc func(ctx context.Context, client *mongo.Client) error

func runHello(ctx context.Context, client *mongo.Client) error {
	err := client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).
		Err()
	return trace.Wrap(err)
}

// ManagerConfig is the config for a connection Manager.
type ManagerConfig struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Clock is used for timeouts and the OIDC retry cadence.
	Clock clockwork.Clock
	// ServerName and ServerVersion feed the injected appName.
	ServerName    string
	ServerVersion string
	// DeviceID feeds the injected appName. May be empty until
	// telemetry resolves it.
	DeviceID string
	// Driver holds user-config driver options merged into every
	// connection attempt.
	Driver DriverConfig
	// OIDC configures the human auth flows.
	OIDC OIDCConfig

	dial  dialFunc
	hello helloFunc
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.ServerName == "" {
		c.ServerName = mdbmcp.ServerName
	}
	if c.ServerVersion == "" {
		c.ServerVersion = mdbmcp.Version
	}
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentConnection)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Driver.ConnectTimeout <= 0 {
		c.Driver.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, opts)
		}
	}
	if c.hello == nil {
		c.hello = runHello
	}
	return c.OIDC.checkAndSetDefaults()
}

// Manager owns exactly one driver handle at a time and broadcasts a
// typed event on every state transition. State-mutating operations are
// serialized: Connect while connecting disconnects first.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	// opMu serializes Connect and Disconnect.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	clientName string
	attempt    uint64

	emitMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// NewManager creates a Manager in the disconnected state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:        cfg,
		log:        cfg.Log,
		state:      State{Tag: StateDisconnected},
		clientName: "unknown",
		subs:       make(map[int]*subscriber),
	}, nil
}

// CurrentState returns the state as of the call.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetClientName records the MCP client name used in the injected
// appName.
func (m *Manager) SetClientName(name string) {
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientName = name
}

// SetDeviceID records the resolved telemetry device id once available.
func (m *Manager) SetDeviceID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.DeviceID = id
}

// Subscribe registers an observer. Events arrive in transition order.
// The returned func unsubscribes; it must be called to release the
// channel.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	id := m.nextSub
	m.nextSub++
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	m.subs[id] = sub
	unsubscribe := func() {
		m.emitMu.Lock()
		defer m.emitMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.done)
		}
	}
	return sub.ch, unsubscribe
}

// emit delivers one event to every subscriber. Delivery order matches
// transition order because every emit happens under emitMu.
func (m *Manager) emit(kind EventKind, state State) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub.ch <- Event{Kind: kind, State: state}:
		case <-sub.done:
		}
	}
}

// changeState is the single mutation point of the state field and the
// broadcast point of the event bus.
func (m *Manager) changeState(state State, kind EventKind) State {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.emit(kind, state)
	return state
}

// beginAttempt invalidates any in-flight asynchronous completion of a
// previous attempt.
func (m *Manager) beginAttempt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt++
	return m.attempt
}

func (m *Manager) isCurrentAttempt(attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt == attempt
}

// Client returns the driver handle when the state is connected. While
// an OIDC flow waits on the user it returns an OIDCInProgressError
// carrying the prompt.
func (m *Manager) Client() (*mongo.Client, error) {
	state := m.CurrentState()
	switch state.Tag {
	case StateConnected:
		return state.Client, nil
	case StateConnecting:
		if state.AuthType.IsOIDC() && state.OIDCLoginURL != "" {
			return nil, trace.Wrap(&OIDCInProgressError{
				LoginURL: state.OIDCLoginURL,
				UserCode: state.OIDCUserCode,
			})
		}
		return nil, NewNotConnectedError()
	default:
		return nil, NewNotConnectedError()
	}
}

// Connect establishes a new connection per the settings, tearing down
// any previous handle first. For OIDC auth types it returns in the
// connecting state and the terminal transition happens asynchronously.
func (m *Manager) Connect(ctx context.Context, settings Settings) (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.emit(EventConnectionRequested, m.CurrentState())

	if state := m.CurrentState(); state.Tag == StateConnected || state.Tag == StateConnecting {
		m.disconnectLocked(ctx)
	}
	attempt := m.beginAttempt()

	connString, err := m.injectAppName(settings.ConnectionString)
	if err != nil {
		state := m.changeState(State{
			Tag:    StateErrored,
			Reason: err.Error(),
			Atlas:  settings.Atlas,
		}, EventConnectionErrored)
		return state, trace.Wrap(&MisconfiguredError{Reason: err})
	}

	authType, err := m.inferAuthType(connString)
	if err != nil {
		state := m.changeState(State{
			Tag:    StateErrored,
			Reason: err.Error(),
			Atlas:  settings.Atlas,
		}, EventConnectionErrored)
		return state, trace.Wrap(&MisconfiguredError{Reason: err})
	}

	opts, err := m.clientOptions(connString, authType, attempt)
	if err == nil {
		err = opts.Validate()
	}
	var client *mongo.Client
	if err == nil {
		client, err = m.cfg.dial(ctx, opts)
	}
	if err != nil {
		m.log.WarnContext(ctx, "Driver rejected connection settings",
			logger.ID(logger.LogIDConnectionFailed),
			"auth_type", authType,
			"error", err)
		state := m.changeState(State{
			Tag:      StateErrored,
			AuthType: authType,
			Reason:   err.Error(),
			Atlas:    settings.Atlas,
		}, EventConnectionErrored)
		return state, trace.Wrap(&MisconfiguredError{Reason: err})
	}

	m.log.InfoContext(ctx, "Connecting to MongoDB",
		logger.ID(logger.LogIDConnectionAttempt),
		"auth_type", authType)

	if authType.IsOIDC() {
		state := m.changeState(State{
			Tag:      StateConnecting,
			Client:   client,
			AuthType: authType,
			Atlas:    settings.Atlas,
		}, EventConnectionRequested)
		go m.runOIDCHello(attempt, client, authType, settings)
		return state, nil
	}

	helloCtx, cancel := context.WithTimeout(ctx, m.cfg.Driver.ConnectTimeout)
	defer cancel()
	if err := m.cfg.hello(helloCtx, client); err != nil {
		m.closeClient(ctx, client)
		kind := EventConnectionErrored
		if errors.Is(err, context.DeadlineExceeded) {
			kind = EventConnectionTimedOut
		}
		m.log.WarnContext(ctx, "MongoDB connection failed",
			logger.ID(logger.LogIDConnectionFailed),
			"auth_type", authType,
			"error", err)
		state := m.changeState(State{
			Tag:      StateErrored,
			AuthType: authType,
			Reason:   err.Error(),
			Atlas:    settings.Atlas,
		}, kind)
		return state, trace.Wrap(&NotConnectedError{
			Message: fmt.Sprintf("failed to connect to MongoDB: %v", err),
		})
	}

	m.log.InfoContext(ctx, "Connected to MongoDB",
		logger.ID(logger.LogIDConnectionSucceeded),
		"auth_type", authType)
	state := m.changeState(State{
		Tag:      StateConnected,
		Client:   client,
		AuthType: authType,
		Atlas:    settings.Atlas,
	}, EventConnectionSucceeded)
	return state, nil
}

// Disconnect closes the driver handle when one exists. Idempotent for
// disconnected and errored.
func (m *Manager) Disconnect(ctx context.Context) State {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	state := m.CurrentState()
	if state.Tag != StateConnected && state.Tag != StateConnecting {
		return state
	}
	m.beginAttempt()
	return m.disconnectLocked(ctx)
}

// disconnectLocked requires opMu to be held.
func (m *Manager) disconnectLocked(ctx context.Context) State {
	state := m.CurrentState()
	if state.Client != nil {
		m.closeClient(ctx, state.Client)
	}
	m.log.InfoContext(ctx, "MongoDB connection closed",
		logger.ID(logger.LogIDConnectionClosed))
	return m.changeState(State{
		Tag:   StateDisconnected,
		Atlas: state.Atlas,
	}, EventConnectionClosed)
}

// closeClient closes a handle best-effort; failures are logged, never
// surfaced.
func (m *Manager) closeClient(ctx context.Context, client *mongo.Client) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Driver.ConnectTimeout)
	defer cancel()
	if err := client.Disconnect(closeCtx); err != nil {
		m.log.WarnContext(ctx, "Failed to close driver handle",
			logger.ID(logger.LogIDConnectionCloseFailure),
			"error", err)
	}
}

// onOIDCPrompt stores device-flow prompt data on the connecting state
// and re-emits connection-requested so observers can surface it.
func (m *Manager) onOIDCPrompt(attempt uint64, loginURL, userCode string) {
	m.mu.Lock()
	if m.attempt != attempt || m.state.Tag != StateConnecting {
		m.mu.Unlock()
		return
	}
	state := m.state
	state.OIDCLoginURL = loginURL
	state.OIDCUserCode = userCode
	m.state = state
	m.mu.Unlock()

	m.log.Info("Waiting for OIDC user interaction",
		logger.ID(logger.LogIDOIDCPrompt),
		logger.NoRedactionFor(logger.SinkMCP),
		"login_url", loginURL,
		"user_code", userCode)
	m.emit(EventConnectionRequested, state)
}

// runOIDCHello drives the asynchronous half of an OIDC connect: the
// hello triggers the driver's human callback, and its outcome is the
// terminal transition of the attempt.
func (m *Manager) runOIDCHello(attempt uint64, client *mongo.Client, authType AuthType, settings Settings) {
	ctx, cancel := context.WithTimeout(context.Background(), oidcHelloTimeout)
	defer cancel()

	err := m.cfg.hello(ctx, client)

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if !m.isCurrentAttempt(attempt) {
		// A newer connect superseded this attempt; its disconnect
		// already closed the handle.
		return
	}
	if err != nil {
		m.log.Warn("OIDC authentication failed",
			logger.ID(logger.LogIDOIDCFlowFailed),
			"auth_type", authType,
			"error", err)
		m.closeClient(ctx, client)
		m.changeState(State{
			Tag:      StateErrored,
			AuthType: authType,
			Reason:   err.Error(),
			Atlas:    settings.Atlas,
		}, EventConnectionErrored)
		return
	}
	m.log.Info("Connected to MongoDB",
		logger.ID(logger.LogIDConnectionSucceeded),
		"auth_type", authType)
	m.changeState(State{
		Tag:      StateConnected,
		Client:   client,
		AuthType: authType,
		Atlas:    settings.Atlas,
	}, EventConnectionSucceeded)
}

// appName returns the value injected into the connection string so
// deployment logs attribute operations to this server and client.
func (m *Manager) appName() string {
	m.mu.Lock()
	deviceID, clientName := m.cfg.DeviceID, m.clientName
	m.mu.Unlock()
	if deviceID == "" {
		deviceID = "unknown"
	}
	return fmt.Sprintf("%s %s (device %s; client %s)",
		m.cfg.ServerName, m.cfg.ServerVersion, deviceID, clientName)
}

func (m *Manager) injectAppName(connString string) (string, error) {
	if !utils.IsMongoDBURI(connString) {
		return "", trace.BadParameter("expected a mongodb:// or mongodb+srv:// connection string")
	}
	injected, err := utils.SetConnStringOption(connString, "appName", m.appName())
	return injected, trace.Wrap(err)
}

// inferAuthType maps the connection string's authMechanism option onto
// an AuthType, selecting the OIDC flow per the transport and browser
// configuration.
func (m *Manager) inferAuthType(connString string) (AuthType, error) {
	mechanism, err := utils.ConnStringOption(connString, "authMechanism")
	if err != nil {
		return "", trace.Wrap(err)
	}
	switch mechanism {
	case "MONGODB-X509":
		return AuthTypeX509, nil
	case "GSSAPI":
		return AuthTypeKerberos, nil
	case "PLAIN":
		return AuthTypeLDAP, nil
	case "MONGODB-OIDC":
		return m.cfg.OIDC.chooseFlow(), nil
	default:
		return AuthTypeScram, nil
	}
}
