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
	"fmt"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/connection"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/session"
)

// EnsureConnected returns a live driver handle for a tool body,
// attempting a single implicit connect when the server was started
// with a connection string. An Atlas provisioning in flight is
// reported instead of racing it.
func EnsureConnected(ctx context.Context, s *session.Session) (*mongo.Client, error) {
	client, err := s.ServiceProvider()
	if err == nil {
		return client, nil
	}
	if _, ok := connection.IsOIDCInProgressError(err); ok {
		return nil, trace.Wrap(err)
	}
	if cluster := s.ConnectedAtlasCluster(); cluster != nil {
		return nil, trace.Wrap(&connection.NotConnectedError{
			Message: fmt.Sprintf("still connecting to Atlas cluster %q in project %q; retry shortly or poll with atlas-connect-cluster",
				cluster.ClusterName, cluster.ProjectID),
		})
	}
	if connString := s.ConfiguredConnectionString(); connString != "" {
		if connectErr := s.ConnectToMongoDB(ctx, connection.Settings{ConnectionString: connString}); connectErr != nil {
			if connection.IsMisconfiguredError(connectErr) {
				return nil, trace.Wrap(connectErr)
			}
			return nil, trace.Wrap(&connection.MisconfiguredError{Reason: connectErr})
		}
		client, err = s.ServiceProvider()
		return client, trace.Wrap(err)
	}
	return nil, trace.Wrap(err)
}
