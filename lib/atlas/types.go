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

import "time"

// Org is an Atlas organization.
type Org struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Project is an Atlas project (API name: group).
type Project struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	OrgID   string    `json:"orgId"`
	Created time.Time `json:"created,omitempty"`
}

// ConnectionStrings is the connection string set of a cluster.
type ConnectionStrings struct {
	Standard    string `json:"standard,omitempty"`
	StandardSrv string `json:"standardSrv,omitempty"`
}

// Cluster is an Atlas cluster.
type Cluster struct {
	ID                string            `json:"id,omitempty"`
	Name              string            `json:"name"`
	ClusterType       string            `json:"clusterType,omitempty"`
	StateName         string            `json:"stateName,omitempty"`
	MongoDBVersion    string            `json:"mongoDBVersion,omitempty"`
	Paused            bool              `json:"paused,omitempty"`
	ConnectionStrings ConnectionStrings `json:"connectionStrings"`
}

// SRVConnectionString returns the preferred connection string of the
// cluster, empty when the cluster is not reachable yet.
func (c *Cluster) SRVConnectionString() string {
	if c.ConnectionStrings.StandardSrv != "" {
		return c.ConnectionStrings.StandardSrv
	}
	return c.ConnectionStrings.Standard
}

// AccessListEntry is one project IP access list entry.
type AccessListEntry struct {
	IPAddress string `json:"ipAddress,omitempty"`
	CIDRBlock string `json:"cidrBlock,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// DatabaseUserRole grants one role on one database.
type DatabaseUserRole struct {
	RoleName     string `json:"roleName"`
	DatabaseName string `json:"databaseName"`
}

// DatabaseUserScope restricts a user to one cluster.
type DatabaseUserScope struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DatabaseUser is an Atlas database user.
type DatabaseUser struct {
	Username        string              `json:"username"`
	Password        string              `json:"password,omitempty"`
	DatabaseName    string              `json:"databaseName"`
	Roles           []DatabaseUserRole  `json:"roles"`
	Scopes          []DatabaseUserScope `json:"scopes,omitempty"`
	DeleteAfterDate *time.Time          `json:"deleteAfterDate,omitempty"`
}
