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

package atlas

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"

	atlasapi "github.com/titus-civic/mongodb-mcp-server-sub000/lib/atlas"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/connection"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/session"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/utils"
)

// connState is the answer of queryConnection.
type connState string

const (
	connStateConnected      connState = "connected"
	connStateConnecting     connState = "connecting"
	connStateOtherCluster   connState = "connected-to-other-cluster"
	connStateDisconnected   connState = "disconnected"
	connStateUnknown        connState = "unknown"
	tempUserPasswordBytes             = 16
	accessListComment                 = "Added by MongoDB MCP Server to connect"
)

func randomPassword() (string, error) {
	password, err := utils.CryptoRandomHex(tempUserPasswordBytes)
	return password, trace.Wrap(err)
}

// queryConnection classifies the session's connection relative to the
// requested cluster.
func queryConnection(sess *session.Session, projectID, clusterName string) connState {
	target := sess.ConnectedAtlasCluster()
	state := sess.ConnectionState()
	switch state.Tag {
	case connection.StateConnected:
		if state.Atlas != nil && state.Atlas.ProjectID == projectID && state.Atlas.ClusterName == clusterName {
			return connStateConnected
		}
		return connStateOtherCluster
	case connection.StateConnecting:
		if target != nil && target.ProjectID == projectID && target.ClusterName == clusterName {
			return connStateConnecting
		}
		return connStateOtherCluster
	case connection.StateDisconnected, connection.StateErrored:
		if target != nil && target.ProjectID == projectID && target.ClusterName == clusterName {
			// Provisioning registered the target but the manager has
			// not started an attempt yet (or is between retries).
			return connStateConnecting
		}
		return connStateDisconnected
	default:
		return connStateUnknown
	}
}

func newConnectClusterTool(cfg Config) *atlasTool {
	return &atlasTool{
		name:        "atlas-connect-cluster",
		op:          tools.OperationConnect,
		description: "Provision access to an Atlas cluster and connect to it",
		schema:      []byte(clusterSchema),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			var args clusterArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := args.check(); err != nil {
				return nil, trace.Wrap(err)
			}

			// Subsequent calls poll rather than re-provision.
			switch queryConnection(req.Session, args.ProjectID, args.ClusterName) {
			case connStateConnected:
				return mcp.NewToolResultText(fmt.Sprintf(
					"Already connected to Atlas cluster %q in project %q.",
					args.ClusterName, args.ProjectID)), nil
			case connStateConnecting:
				return mcp.NewToolResultText(fmt.Sprintf(
					"Still connecting to Atlas cluster %q in project %q; call this tool again to check progress.",
					args.ClusterName, args.ProjectID)), nil
			}

			connString, username, password, err := provisionAccess(ctx, cfg, client, req.Session, args)
			if err != nil {
				return nil, trace.Wrap(err)
			}

			info := &connection.AtlasClusterInfo{
				ProjectID:   args.ProjectID,
				ClusterName: args.ClusterName,
				Username:    username,
				ExpiryDate:  cfg.Clock.Now().UTC().Add(cfg.TempUserExpiry),
			}
			req.Session.SetConnectedAtlasCluster(info)

			uri, err := utils.SetConnStringCredentials(connString, username, password)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			go connectLoop(cfg, client, req.Session, info, uri)

			return mcp.NewToolResultText(fmt.Sprintf(
				"Connecting to Atlas cluster %q in project %q as temporary user %q. "+
					"The cluster may still be applying the access changes; call this tool again to check progress.",
				args.ClusterName, args.ProjectID, username)), nil
		},
	}
}

// provisionAccess runs the synchronous part of the flow: access list,
// connection string, temporary database user.
func provisionAccess(ctx context.Context, cfg Config, client *atlasapi.Client, sess *session.Session, args clusterArgs) (connString, username, password string, err error) {
	// Best effort: the IP may already be covered by an existing entry
	// or an open access list.
	if ip, ipErr := client.CurrentIPAddress(ctx); ipErr == nil {
		if aclErr := client.CreateAccessListEntries(ctx, args.ProjectID, []atlasapi.AccessListEntry{
			{IPAddress: ip, Comment: accessListComment},
		}); aclErr != nil {
			cfg.Log.WarnContext(ctx, "Could not add the current IP to the project access list",
				logger.ID(logger.LogIDAtlasAPICall),
				"project_id", args.ProjectID,
				"error", aclErr)
		}
	}

	cluster, err := client.GetCluster(ctx, args.ProjectID, args.ClusterName)
	if err != nil {
		return "", "", "", trace.Wrap(err)
	}
	connString = cluster.SRVConnectionString()
	if connString == "" {
		return "", "", "", trace.NotFound(
			"cluster %q has no connection string yet; it may still be provisioning", args.ClusterName)
	}

	suffix, err := utils.CryptoRandomHex(4)
	if err != nil {
		return "", "", "", trace.Wrap(err)
	}
	username = "mcpUser-" + suffix
	password, err = randomPassword()
	if err != nil {
		return "", "", "", trace.Wrap(err)
	}

	roles := []atlasapi.DatabaseUserRole{
		{RoleName: "readWriteAnyDatabase", DatabaseName: "admin"},
		{RoleName: "dbAdminAnyDatabase", DatabaseName: "admin"},
	}
	if cfg.ReadOnly {
		roles = []atlasapi.DatabaseUserRole{
			{RoleName: "readAnyDatabase", DatabaseName: "admin"},
		}
	}
	expiry := cfg.Clock.Now().UTC().Add(cfg.TempUserExpiry)
	err = client.CreateDBUser(ctx, args.ProjectID, atlasapi.DatabaseUser{
		Username:        username,
		Password:        password,
		DatabaseName:    "admin",
		Roles:           roles,
		Scopes:          []atlasapi.DatabaseUserScope{{Name: args.ClusterName, Type: "CLUSTER"}},
		DeleteAfterDate: &expiry,
	})
	if err != nil {
		return "", "", "", trace.Wrap(err)
	}
	if kc := sess.Keychain(); kc != nil {
		kc.Register(username, keychain.KindUser)
		kc.Register(password, keychain.KindPassword)
	}
	return connString, username, password, nil
}

// connectLoop retries the connection until it succeeds, the timeout
// elapses, or the session targets a different cluster. On final
// failure the temporary user is deleted.
func connectLoop(cfg Config, client *atlasapi.Client, sess *session.Session, info *connection.AtlasClusterInfo, uri string) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	settings := connection.Settings{
		ConnectionString: uri,
		Atlas:            info,
	}
	var lastErr error
	for {
		current := sess.ConnectedAtlasCluster()
		if current == nil || current.ProjectID != info.ProjectID || current.ClusterName != info.ClusterName {
			cfg.Log.Debug("Atlas connect aborted, the session targets a different cluster",
				logger.ID(logger.LogIDAtlasConnectAborted),
				"project_id", info.ProjectID,
				"cluster_name", info.ClusterName)
			cleanupTempUser(cfg, client, sess, info)
			return
		}
		lastErr = sess.ConnectToMongoDB(ctx, settings)
		if lastErr == nil {
			return
		}
		select {
		case <-ctx.Done():
			cfg.Log.Warn("Atlas connect gave up",
				logger.ID(logger.LogIDAtlasConnectAborted),
				"project_id", info.ProjectID,
				"cluster_name", info.ClusterName,
				"error", lastErr)
			cleanupTempUser(cfg, client, sess, info)
			return
		case <-cfg.Clock.After(cfg.RetryInterval):
		}
	}
}

// cleanupTempUser removes the temporary database user after a failed
// connect and clears the session target when it is still ours.
func cleanupTempUser(cfg Config, client *atlasapi.Client, sess *session.Session, info *connection.AtlasClusterInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.DeleteDBUser(ctx, info.ProjectID, info.Username); err != nil {
		cfg.Log.Warn("Could not delete the temporary Atlas database user",
			logger.ID(logger.LogIDAtlasUserCleanup),
			"project_id", info.ProjectID,
			"username", info.Username,
			"error", err)
	}
	current := sess.ConnectedAtlasCluster()
	if current != nil && current.ProjectID == info.ProjectID && current.ClusterName == info.ClusterName {
		sess.SetConnectedAtlasCluster(nil)
	}
}
