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

// Package atlas is a typed client for the subset of the Atlas Admin
// API this server drives, authenticated with OAuth2 service-account
// client credentials.
package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
)

// acceptHeader pins the Atlas Admin API version.
const acceptHeader = "application/vnd.atlas.2025-03-12+json"

// ClientConfig is the config for an Atlas API Client.
type ClientConfig struct {
	// Log is the slog logger.
	Log *slog.Logger
	// BaseURL is the Atlas Admin API root.
	BaseURL string
	// ClientID and ClientSecret are the service-account credentials.
	ClientID     string
	ClientSecret string
	// HTTPClient performs the requests. Defaults to a retrying client.
	HTTPClient *http.Client
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return trace.BadParameter("missing Atlas API client credentials")
	}
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentAtlas)
	}
	if c.BaseURL == "" {
		c.BaseURL = defaults.APIBaseURL
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return trace.BadParameter("invalid Atlas API base URL: %v", err)
	}
	if c.HTTPClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.Logger = nil
		retryClient.RetryMax = 3
		c.HTTPClient = retryClient.StandardClient()
	}
	return nil
}

// Client calls the Atlas Admin API. Safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	log    *slog.Logger
	base   string
	tokens oauth2.TokenSource
}

// NewClient creates a Client with a cached, auto-refreshing token
// source.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	credentials := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/api/oauth/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, cfg.HTTPClient)
	return &Client{
		cfg:    cfg,
		log:    cfg.Log,
		base:   base,
		tokens: credentials.TokenSource(ctx),
	}, nil
}

// TokenSource exposes the OAuth2 token source so telemetry can
// authenticate with the same credentials.
func (c *Client) TokenSource() oauth2.TokenSource {
	return c.tokens
}

// Close releases nothing today; it exists so Session.Close has a
// uniform shutdown path.
func (c *Client) Close() error {
	return nil
}

// apiError is the Atlas error envelope.
type apiError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"errorCode"`
	Status    int    `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Accept", acceptHeader)
	if body != nil {
		req.Header.Set("Content-Type", acceptHeader)
	}
	token, err := c.tokens.Token()
	if err != nil {
		return trace.ConnectionProblem(err, "fetching Atlas API token")
	}
	token.SetAuthHeader(req)

	c.log.DebugContext(ctx, "Atlas API call",
		logger.ID(logger.LogIDAtlasAPICall),
		"method", method,
		"path", path)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "calling Atlas API")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Detail != "" {
			if resp.StatusCode == http.StatusNotFound {
				return trace.NotFound("%s", apiErr.Detail)
			}
			return trace.BadParameter("Atlas API error (%s): %s", apiErr.ErrorCode, apiErr.Detail)
		}
		if resp.StatusCode == http.StatusNotFound {
			return trace.NotFound("Atlas API returned status %d for %s", resp.StatusCode, path)
		}
		return trace.ConnectionProblem(nil, "Atlas API returned status %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return trace.Wrap(err, "decoding Atlas API response")
	}
	return nil
}

// paginated is the Atlas list envelope.
type paginated[T any] struct {
	Results    []T `json:"results"`
	TotalCount int `json:"totalCount"`
}

// ListOrgs returns the organizations visible to the service account.
func (c *Client) ListOrgs(ctx context.Context) ([]Org, error) {
	var page paginated[Org]
	if err := c.do(ctx, http.MethodGet, "/api/atlas/v2/orgs", nil, &page); err != nil {
		return nil, trace.Wrap(err)
	}
	return page.Results, nil
}

// ListProjects returns all projects visible to the service account.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var page paginated[Project]
	if err := c.do(ctx, http.MethodGet, "/api/atlas/v2/groups", nil, &page); err != nil {
		return nil, trace.Wrap(err)
	}
	return page.Results, nil
}

// ListClusters returns the clusters of one project.
func (c *Client) ListClusters(ctx context.Context, projectID string) ([]Cluster, error) {
	var page paginated[Cluster]
	path := "/api/atlas/v2/groups/" + url.PathEscape(projectID) + "/clusters"
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, trace.Wrap(err)
	}
	return page.Results, nil
}

// GetCluster returns one cluster.
func (c *Client) GetCluster(ctx context.Context, projectID, clusterName string) (*Cluster, error) {
	var cluster Cluster
	path := "/api/atlas/v2/groups/" + url.PathEscape(projectID) + "/clusters/" + url.PathEscape(clusterName)
	if err := c.do(ctx, http.MethodGet, path, nil, &cluster); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cluster, nil
}

// ListAccessList returns the project IP access list.
func (c *Client) ListAccessList(ctx context.Context, projectID string) ([]AccessListEntry, error) {
	var page paginated[AccessListEntry]
	path := "/api/atlas/v2/groups/" + url.PathEscape(projectID) + "/accessList"
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, trace.Wrap(err)
	}
	return page.Results, nil
}

// CreateAccessListEntries adds entries to the project IP access list.
// Adding an already-present address is accepted by Atlas, which makes
// the call idempotent.
func (c *Client) CreateAccessListEntries(ctx context.Context, projectID string, entries []AccessListEntry) error {
	path := "/api/atlas/v2/groups/" + url.PathEscape(projectID) + "/accessList"
	return trace.Wrap(c.do(ctx, http.MethodPost, path, entries, nil))
}

// ListDBUsers returns the database users of one project.
func (c *Client) ListDBUsers(ctx context.Context, projectID string) ([]DatabaseUser, error) {
	var page paginated[DatabaseUser]
	path := "/api/atlas/v2/groups/" + url.PathEscape(projectID) + "/databaseUsers"
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, trace.Wrap(err)
	}
	return page.Results, nil
}

// CreateDBUser creates a database user in one project.
func (c *Client) CreateDBUser(ctx context.Context, projectID string, user DatabaseUser) error {
	path := "/api/atlas/v2/groups/" + url.PathEscape(projectID) + "/databaseUsers"
	return trace.Wrap(c.do(ctx, http.MethodPost, path, user, nil))
}

// DeleteDBUser deletes a database user created in the admin auth
// database.
func (c *Client) DeleteDBUser(ctx context.Context, projectID, username string) error {
	path := "/api/atlas/v2/groups/" + url.PathEscape(projectID) + "/databaseUsers/admin/" + url.PathEscape(username)
	return trace.Wrap(c.do(ctx, http.MethodDelete, path, nil, nil))
}

// CurrentIPAddress asks Atlas for the caller's public IP, used to
// provision access-list entries for this host.
func (c *Client) CurrentIPAddress(ctx context.Context) (string, error) {
	var info struct {
		CurrentIPv4Address string `json:"currentIpv4Address"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/private/ipinfo", nil, &info); err != nil {
		return "", trace.Wrap(err)
	}
	if info.CurrentIPv4Address == "" {
		return "", trace.NotFound("Atlas did not report a caller IP address")
	}
	return info.CurrentIPv4Address, nil
}
