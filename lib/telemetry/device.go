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

package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/gravitational/trace"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
)

// machineIDPaths are tried in order for a stable host identifier.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// resolveDeviceID derives an anonymous, stable device id: a salted
// hash of the machine id, falling back to the hostname. The raw
// identifier never leaves the process.
func resolveDeviceID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", trace.Wrap(err)
	}
	var raw string
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			raw = strings.TrimSpace(string(data))
			break
		}
	}
	if raw == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return "", trace.Wrap(err)
		}
		raw = hostname
	}
	sum := sha256.Sum256([]byte(mdbmcp.TelemetrySource + ":" + raw))
	return hex.EncodeToString(sum[:]), nil
}
