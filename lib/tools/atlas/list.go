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
	"encoding/json"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/mark3labs/mcp-go/mcp"

	atlasapi "github.com/titus-civic/mongodb-mcp-server-sub000/lib/atlas"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
)

const (
	propProjectID   = `"projectId": {"type": "string", "description": "Atlas project id"}`
	propClusterName = `"clusterName": {"type": "string", "description": "Atlas cluster name"}`

	emptySchema = `{"type": "object", "properties": {}}`

	projectSchema = `{"type": "object", "properties": {` + propProjectID + `}, "required": ["projectId"]}`

	clusterSchema = `{"type": "object", "properties": {` + propProjectID + `, ` + propClusterName +
		`}, "required": ["projectId", "clusterName"]}`
)

type projectArgs struct {
	ProjectID string `json:"projectId"`
}

type clusterArgs struct {
	ProjectID   string `json:"projectId"`
	ClusterName string `json:"clusterName"`
}

func (a *projectArgs) check() error {
	if a.ProjectID == "" {
		return trace.BadParameter("missing required argument: projectId")
	}
	return nil
}

func (a *clusterArgs) check() error {
	if a.ProjectID == "" {
		return trace.BadParameter("missing required argument: projectId")
	}
	if a.ClusterName == "" {
		return trace.BadParameter("missing required argument: clusterName")
	}
	return nil
}

// listingResult renders API objects as indented JSON inside the
// untrusted-data envelope; names and comments are user-controlled.
func listingResult(header string, payload any) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return mcp.NewToolResultText(header + "\n" + tools.WrapUntrustedData(string(body))), nil
}

func newListOrgsTool() *atlasTool {
	return &atlasTool{
		name:        "atlas-list-orgs",
		op:          tools.OperationRead,
		description: "List the Atlas organizations visible to the configured service account",
		schema:      json.RawMessage(emptySchema),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			orgs, err := client.ListOrgs(ctx)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return listingResult(fmt.Sprintf("Found %d Atlas organizations.", len(orgs)), orgs)
		},
	}
}

func newListProjectsTool() *atlasTool {
	return &atlasTool{
		name:        "atlas-list-projects",
		op:          tools.OperationRead,
		description: "List the Atlas projects visible to the configured service account",
		schema:      json.RawMessage(emptySchema),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			projects, err := client.ListProjects(ctx)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return listingResult(fmt.Sprintf("Found %d Atlas projects.", len(projects)), projects)
		},
	}
}

func newListClustersTool() *atlasTool {
	return &atlasTool{
		name:        "atlas-list-clusters",
		op:          tools.OperationRead,
		description: "List the clusters of an Atlas project",
		schema:      json.RawMessage(projectSchema),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			var args projectArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := args.check(); err != nil {
				return nil, trace.Wrap(err)
			}
			clusters, err := client.ListClusters(ctx, args.ProjectID)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return listingResult(fmt.Sprintf("Found %d clusters in project %s.", len(clusters), args.ProjectID), clusters)
		},
	}
}

func newInspectClusterTool() *atlasTool {
	return &atlasTool{
		name:        "atlas-inspect-cluster",
		op:          tools.OperationRead,
		description: "Inspect one Atlas cluster",
		schema:      json.RawMessage(clusterSchema),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			var args clusterArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := args.check(); err != nil {
				return nil, trace.Wrap(err)
			}
			cluster, err := client.GetCluster(ctx, args.ProjectID, args.ClusterName)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return listingResult(fmt.Sprintf("Cluster %s in project %s:", args.ClusterName, args.ProjectID), cluster)
		},
	}
}

func newListAccessListsTool() *atlasTool {
	return &atlasTool{
		name:        "atlas-list-access-lists",
		op:          tools.OperationRead,
		description: "List the IP access list of an Atlas project",
		schema:      json.RawMessage(projectSchema),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			var args projectArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := args.check(); err != nil {
				return nil, trace.Wrap(err)
			}
			entries, err := client.ListAccessList(ctx, args.ProjectID)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return listingResult(fmt.Sprintf("Project %s has %d access list entries.", args.ProjectID, len(entries)), entries)
		},
	}
}

type createAccessListArgs struct {
	ProjectID        string   `json:"projectId"`
	IPAddresses      []string `json:"ipAddresses"`
	CIDRBlocks       []string `json:"cidrBlocks"`
	CurrentIPAddress bool     `json:"currentIpAddress"`
	Comment          string   `json:"comment"`
}

func newCreateAccessListTool() *atlasTool {
	return &atlasTool{
		name:        "atlas-create-access-list",
		op:          tools.OperationCreate,
		description: "Add entries to the IP access list of an Atlas project",
		schema: json.RawMessage(`{"type": "object", "properties": {` + propProjectID + `,
			"ipAddresses": {"type": "array", "items": {"type": "string"}, "description": "IP addresses to allow"},
			"cidrBlocks": {"type": "array", "items": {"type": "string"}, "description": "CIDR blocks to allow"},
			"currentIpAddress": {"type": "boolean", "description": "Also allow the server's current public IP"},
			"comment": {"type": "string", "description": "Comment stored with each entry"}
		}, "required": ["projectId"]}`),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			var args createAccessListArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if args.ProjectID == "" {
				return nil, trace.BadParameter("missing required argument: projectId")
			}
			comment := args.Comment
			if comment == "" {
				comment = "Added by MongoDB MCP Server"
			}
			var entries []atlasapi.AccessListEntry
			for _, ip := range args.IPAddresses {
				entries = append(entries, atlasapi.AccessListEntry{IPAddress: ip, Comment: comment})
			}
			for _, cidr := range args.CIDRBlocks {
				entries = append(entries, atlasapi.AccessListEntry{CIDRBlock: cidr, Comment: comment})
			}
			if args.CurrentIPAddress {
				ip, err := client.CurrentIPAddress(ctx)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				entries = append(entries, atlasapi.AccessListEntry{IPAddress: ip, Comment: comment})
			}
			if len(entries) == 0 {
				return nil, trace.BadParameter("provide ipAddresses, cidrBlocks or currentIpAddress")
			}
			if err := client.CreateAccessListEntries(ctx, args.ProjectID, entries); err != nil {
				return nil, trace.Wrap(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Added %d entries to the access list of project %s.", len(entries), args.ProjectID)), nil
		},
	}
}

func newListDBUsersTool() *atlasTool {
	return &atlasTool{
		name:        "atlas-list-db-users",
		op:          tools.OperationRead,
		description: "List the database users of an Atlas project",
		schema:      json.RawMessage(projectSchema),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			var args projectArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if err := args.check(); err != nil {
				return nil, trace.Wrap(err)
			}
			users, err := client.ListDBUsers(ctx, args.ProjectID)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			// Passwords are never returned by the API; nothing to redact.
			return listingResult(fmt.Sprintf("Project %s has %d database users.", args.ProjectID, len(users)), users)
		},
	}
}

type createDBUserArgs struct {
	ProjectID string `json:"projectId"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Roles     []struct {
		RoleName     string `json:"roleName"`
		DatabaseName string `json:"databaseName"`
	} `json:"roles"`
	Clusters        []string `json:"clusters"`
	ExpireAfterDays int      `json:"expireAfterDays"`
}

func newCreateDBUserTool() *atlasTool {
	return &atlasTool{
		name:        "atlas-create-db-user",
		op:          tools.OperationCreate,
		description: "Create a database user in an Atlas project",
		schema: json.RawMessage(`{"type": "object", "properties": {` + propProjectID + `,
			"username": {"type": "string", "description": "Username for the new database user"},
			"password": {"type": "string", "description": "Password; generated randomly when omitted"},
			"roles": {"type": "array", "items": {"type": "object", "properties": {
				"roleName": {"type": "string"}, "databaseName": {"type": "string"}
			}, "required": ["roleName", "databaseName"]}, "description": "Roles to grant"},
			"clusters": {"type": "array", "items": {"type": "string"}, "description": "Restrict the user to these clusters"},
			"expireAfterDays": {"type": "integer", "description": "Delete the user automatically after this many days"}
		}, "required": ["projectId", "username", "roles"]}`),
		run: func(ctx context.Context, req tools.Request, client *atlasapi.Client) (*mcp.CallToolResult, error) {
			var args createDBUserArgs
			if err := decodeArgs(req.Args, &args); err != nil {
				return nil, trace.Wrap(err)
			}
			if args.ProjectID == "" || args.Username == "" || len(args.Roles) == 0 {
				return nil, trace.BadParameter("projectId, username and roles are required")
			}
			password := args.Password
			generated := false
			if password == "" {
				var err error
				password, err = randomPassword()
				if err != nil {
					return nil, trace.Wrap(err)
				}
				generated = true
			}
			user := atlasapi.DatabaseUser{
				Username:     args.Username,
				Password:     password,
				DatabaseName: "admin",
			}
			for _, role := range args.Roles {
				user.Roles = append(user.Roles, atlasapi.DatabaseUserRole{
					RoleName:     role.RoleName,
					DatabaseName: role.DatabaseName,
				})
			}
			for _, cluster := range args.Clusters {
				user.Scopes = append(user.Scopes, atlasapi.DatabaseUserScope{
					Name: cluster,
					Type: "CLUSTER",
				})
			}
			if args.ExpireAfterDays > 0 {
				expiry := time.Now().UTC().Add(time.Duration(args.ExpireAfterDays) * 24 * time.Hour)
				user.DeleteAfterDate = &expiry
			}
			if err := client.CreateDBUser(ctx, args.ProjectID, user); err != nil {
				return nil, trace.Wrap(err)
			}
			if req.Session != nil && req.Session.Keychain() != nil {
				req.Session.Keychain().Register(password, keychain.KindPassword)
			}
			text := fmt.Sprintf("Created database user %q in project %s.", args.Username, args.ProjectID)
			if generated {
				text += fmt.Sprintf(" Generated password: %s", password)
			}
			return mcp.NewToolResultText(text), nil
		},
	}
}
