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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer serves the token endpoint plus the given handlers by
// path.
func newTestServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	for path, handler := range handlers {
		mux.HandleFunc(path, handler)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:      server.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})
	require.NoError(t, err)
	return client
}

func TestClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "https://cloud.mongodb.com/"})
	require.True(t, trace.IsBadParameter(err))
}

func TestListClusters(t *testing.T) {
	server := newTestServer(t, map[string]http.HandlerFunc{
		"/api/atlas/v2/groups/proj1/clusters": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			assert.Contains(t, r.Header.Get("Accept"), "application/vnd.atlas")
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{
						"name":      "Cluster0",
						"stateName": "IDLE",
						"connectionStrings": map[string]any{
							"standardSrv": "mongodb+srv://cluster0.example.net",
						},
					},
				},
				"totalCount": 1,
			})
		},
	})
	client := newTestClient(t, server)

	clusters, err := client.ListClusters(context.Background(), "proj1")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "Cluster0", clusters[0].Name)
	assert.Equal(t, "mongodb+srv://cluster0.example.net", clusters[0].SRVConnectionString())
}

func TestCreateDBUser(t *testing.T) {
	var created DatabaseUser
	server := newTestServer(t, map[string]http.HandlerFunc{
		"/api/atlas/v2/groups/proj1/databaseUsers": func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			w.WriteHeader(http.StatusCreated)
		},
	})
	client := newTestClient(t, server)

	err := client.CreateDBUser(context.Background(), "proj1", DatabaseUser{
		Username:     "temp-user",
		Password:     "pw",
		DatabaseName: "admin",
		Roles:        []DatabaseUserRole{{RoleName: "readAnyDatabase", DatabaseName: "admin"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "temp-user", created.Username)
	require.Len(t, created.Roles, 1)
}

func TestAPIErrorMapping(t *testing.T) {
	server := newTestServer(t, map[string]http.HandlerFunc{
		"/api/atlas/v2/groups/missing/clusters/none": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{
				"detail":    "cluster not found",
				"errorCode": "CLUSTER_NOT_FOUND",
			})
		},
	})
	client := newTestClient(t, server)

	_, err := client.GetCluster(context.Background(), "missing", "none")
	require.True(t, trace.IsNotFound(err))
	require.Contains(t, err.Error(), "cluster not found")
}

func TestCurrentIPAddress(t *testing.T) {
	server := newTestServer(t, map[string]http.HandlerFunc{
		"/api/private/ipinfo": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"currentIpv4Address": "203.0.113.7"})
		},
	})
	client := newTestClient(t, server)

	ip, err := client.CurrentIPAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", ip)
}
