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

// Package connection owns the single MongoDB driver handle of a session
// and the state machine around it, including the OIDC co-flows. All
// state mutation funnels through changeState, which is also the event
// broadcast point.
package connection

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// StateTag names the variant of a State.
type StateTag string

const (
	// StateDisconnected means no driver handle exists.
	StateDisconnected StateTag = "disconnected"
	// StateConnecting means a handle exists but authentication has not
	// finished; only this state may carry OIDC prompt data.
	StateConnecting StateTag = "connecting"
	// StateConnected is the only state exposing a usable handle.
	StateConnected StateTag = "connected"
	// StateErrored means the last attempt failed.
	StateErrored StateTag = "errored"
)

// AuthType is the authentication mechanism negotiated with the
// deployment, inferred from the connection string and the transport
// configuration.
type AuthType string

const (
	AuthTypeScram          AuthType = "scram"
	AuthTypeX509           AuthType = "x.509"
	AuthTypeKerberos       AuthType = "kerberos"
	AuthTypeLDAP           AuthType = "ldap"
	AuthTypeOIDCAuthFlow   AuthType = "oidc-auth-flow"
	AuthTypeOIDCDeviceFlow AuthType = "oidc-device-flow"
)

// IsOIDC reports whether the auth type is one of the OIDC flows.
func (a AuthType) IsOIDC() bool {
	return a == AuthTypeOIDCAuthFlow || a == AuthTypeOIDCDeviceFlow
}

// AtlasClusterInfo identifies the Atlas cluster a connection was
// provisioned for, along with the temporary user backing it.
type AtlasClusterInfo struct {
	// ProjectID is the Atlas project (group) id.
	ProjectID string
	// ClusterName is the cluster name within the project.
	ClusterName string
	// Username is the temporary database user created for this
	// connection.
	Username string
	// ExpiryDate is when the temporary user expires.
	ExpiryDate time.Time
}

// Settings is the input to Manager.Connect.
type Settings struct {
	// ConnectionString is the deployment to connect to.
	ConnectionString string
	// Atlas carries cluster provenance when the string came from
	// atlas-connect-cluster.
	Atlas *AtlasClusterInfo
}

// State is the tagged connection state. Exactly the fields valid for
// Tag are set; the zero value is disconnected.
type State struct {
	// Tag selects the variant.
	Tag StateTag

	// Client is the driver handle. Set for connecting and connected;
	// only connected exposes it to callers through Manager.Client.
	Client *mongo.Client

	// AuthType is set for connecting, connected and errored.
	AuthType AuthType

	// OIDCLoginURL and OIDCUserCode are the device-flow prompt,
	// set only while connecting.
	OIDCLoginURL string
	OIDCUserCode string

	// Atlas survives connecting, connected and disconnected until a
	// connect with different settings replaces it.
	Atlas *AtlasClusterInfo

	// Reason describes the failure when errored.
	Reason string
}

// EventKind names a connection lifecycle event.
type EventKind string

const (
	EventConnectionRequested EventKind = "connection-requested"
	EventConnectionSucceeded EventKind = "connection-succeeded"
	EventConnectionTimedOut  EventKind = "connection-timed-out"
	EventConnectionClosed    EventKind = "connection-closed"
	EventConnectionErrored   EventKind = "connection-errored"
)

// Event is broadcast to subscribers on every state transition, in
// transition order.
type Event struct {
	// Kind names the transition.
	Kind EventKind
	// State is the manager state observed with the event. For
	// connection-requested this is the pre-transition state.
	State State
}
