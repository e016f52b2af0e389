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

package logger

import "log/slog"

// LogID is a stable numeric identifier attached to noteworthy log lines
// so operators can grep for them across versions and sinks.
type LogID int

const (
	// Server lifecycle.
	LogIDServerStarted      LogID = 1_000_001
	LogIDServerStopped      LogID = 1_000_002
	LogIDServerCloseFailure LogID = 1_000_003
	LogIDServerInitialized  LogID = 1_000_004

	// Connection manager.
	LogIDConnectionAttempt      LogID = 1_001_001
	LogIDConnectionSucceeded    LogID = 1_001_002
	LogIDConnectionFailed       LogID = 1_001_003
	LogIDConnectionClosed       LogID = 1_001_004
	LogIDConnectionCloseFailure LogID = 1_001_005
	LogIDOIDCFlowStarted        LogID = 1_001_006
	LogIDOIDCPrompt             LogID = 1_001_007
	LogIDOIDCFlowFailed         LogID = 1_001_008

	// Tool dispatch.
	LogIDToolExecute        LogID = 1_002_001
	LogIDToolExecuteFailure LogID = 1_002_002
	LogIDToolSkippedByGate  LogID = 1_002_003
	LogIDToolConfirmation   LogID = 1_002_004
	LogIDToolIndexCheck     LogID = 1_002_005

	// Exports.
	LogIDExportCreated        LogID = 1_003_001
	LogIDExportReady          LogID = 1_003_002
	LogIDExportFailed         LogID = 1_003_003
	LogIDExportExpired        LogID = 1_003_004
	LogIDExportCleanupFailure LogID = 1_003_005

	// HTTP transport.
	LogIDHTTPSessionStarted  LogID = 1_004_001
	LogIDHTTPSessionClosed   LogID = 1_004_002
	LogIDHTTPSessionIdle     LogID = 1_004_003
	LogIDHTTPKeepAliveFailed LogID = 1_004_004
	LogIDHTTPForbiddenHeader LogID = 1_004_005

	// Telemetry.
	LogIDTelemetryFlushFailure    LogID = 1_005_001
	LogIDTelemetryDeviceIDTimeout LogID = 1_005_002
	LogIDTelemetryDisabled        LogID = 1_005_003

	// Configuration.
	LogIDConfigDeprecatedFlag LogID = 1_006_001
	LogIDConfigWarning        LogID = 1_006_002

	// Atlas.
	LogIDAtlasAPICall        LogID = 1_007_001
	LogIDAtlasConnectAborted LogID = 1_007_002
	LogIDAtlasUserCleanup    LogID = 1_007_003
)

// IDKey is the attribute key carrying a LogID.
const IDKey = "id"

// ID returns the log attribute for id.
func ID(id LogID) slog.Attr {
	return slog.Int(IDKey, int(id))
}
