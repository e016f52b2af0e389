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

package mdbmcp

// Version is the semantic version of the server, reported in the MCP
// initialize result and injected into the driver appName.
const Version = "1.3.0"

// ServerName is the product name advertised during the MCP handshake.
const ServerName = "MongoDB MCP Server"

// TelemetrySource identifies this server in emitted telemetry events.
const TelemetrySource = "mdbmcp"

const (
	// ComponentKey is the name of the log attribute containing the
	// component name.
	ComponentKey = "component"

	// ComponentServer is the MCP server assembly and transports.
	ComponentServer = "mcp:server"

	// ComponentStdio is the stdio transport.
	ComponentStdio = "mcp:stdio"

	// ComponentHTTP is the streamable HTTP transport.
	ComponentHTTP = "mcp:http"

	// ComponentConnection is the MongoDB connection manager.
	ComponentConnection = "mcp:connection"

	// ComponentSession is the per-client session aggregate.
	ComponentSession = "mcp:session"

	// ComponentTools is the tool registry and dispatch pipeline.
	ComponentTools = "mcp:tools"

	// ComponentExports is the export manager.
	ComponentExports = "mcp:exports"

	// ComponentTelemetry is the telemetry emitter.
	ComponentTelemetry = "mcp:telemetry"

	// ComponentAtlas is the Atlas Admin API client.
	ComponentAtlas = "mcp:atlas"

	// ComponentConfig is CLI and environment configuration loading.
	ComponentConfig = "mcp:config"
)

const (
	// EnvPrefix is the prefix of all configuration environment variables.
	EnvPrefix = "MDB_MCP_"

	// DoNotTrackEnv disables telemetry when present with any value.
	DoNotTrackEnv = "DO_NOT_TRACK"
)
