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

// Package defaults contains default constants used across the server.
package defaults

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// Transport is the default MCP transport.
	Transport = "stdio"

	// HTTPHost is the default bind address of the HTTP transport.
	HTTPHost = "127.0.0.1"

	// HTTPPort is the default port of the HTTP transport.
	HTTPPort = 3000

	// HTTPEndpoint is the streamable HTTP endpoint path.
	HTTPEndpoint = "/mcp"

	// Telemetry is the default telemetry mode.
	Telemetry = "enabled"

	// APIBaseURL is the default Atlas Admin API base URL.
	APIBaseURL = "https://cloud.mongodb.com/"

	// TelemetryBaseURL is the endpoint telemetry batches are posted to.
	TelemetryBaseURL = "https://data.mongodb-api.com/app/mdbmcp/endpoint/telemetry"
)

const (
	// IdleTimeout closes an HTTP session that received no request.
	IdleTimeout = 10 * time.Minute

	// NotificationTimeout warns an HTTP session ahead of idle eviction.
	NotificationTimeout = 9 * time.Minute

	// KeepAliveInterval is the period of transport-level pings.
	KeepAliveInterval = 30 * time.Second

	// KeepAliveFailures is the number of consecutive ping failures
	// after which the transport is closed.
	KeepAliveFailures = 3

	// ConnectTimeout bounds a single MongoDB connection attempt.
	ConnectTimeout = 30 * time.Second

	// RequestTimeout bounds a single elicitation or ping round-trip.
	RequestTimeout = 60 * time.Second

	// ExportTimeout is how long an export stays readable after creation.
	ExportTimeout = 5 * time.Minute

	// ExportCleanupInterval is the period of the export expiry sweep.
	ExportCleanupInterval = 2 * time.Minute

	// ExportQueueSize caps buffered documents per export while the file
	// writer catches up.
	ExportQueueSize = 100

	// AtlasConnectRetryInterval is the poll period of the Atlas cluster
	// connect loop.
	AtlasConnectRetryInterval = 500 * time.Millisecond

	// AtlasConnectTimeout bounds the Atlas cluster connect loop,
	// including user provisioning and propagation.
	AtlasConnectTimeout = 5 * time.Minute

	// AtlasTempUserExpiry is the lifetime of database users provisioned
	// by atlas-connect-cluster.
	AtlasTempUserExpiry = 12 * time.Hour

	// TelemetryFlushTimeout bounds a telemetry batch POST.
	TelemetryFlushTimeout = 10 * time.Second

	// DeviceIDTimeout bounds device id resolution at startup.
	DeviceIDTimeout = 3 * time.Second
)

const (
	// LogMaxSizeMB caps a single log file before rotation.
	LogMaxSizeMB = 1024

	// LogMaxAgeDays is the retention of rotated log files.
	LogMaxAgeDays = 30
)

// LocalDataPath returns the root of this server's persisted state,
// <user config dir>/mongodb-mcp, falling back to the working directory
// when the platform reports no config dir.
func LocalDataPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "mongodb-mcp")
}

// LogPath returns the default directory of disk logs.
func LogPath() string {
	return filepath.Join(LocalDataPath(), ".app-logs")
}

// ExportsPath returns the default directory of export files.
func ExportsPath() string {
	return filepath.Join(LocalDataPath(), "exports")
}
