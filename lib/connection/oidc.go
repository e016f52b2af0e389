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

package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"slices"
	"strings"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/browser"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/oauth2"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/utils"
)

// OIDC flow names accepted by the oidcFlows configuration.
const (
	OIDCFlowAuth   = "auth-flow"
	OIDCFlowDevice = "device-flow"
)

// defaultOIDCRedirectURI is where the auth-flow loopback listener
// binds, mongosh-compatible.
const defaultOIDCRedirectURI = "http://localhost:27097/redirect"

// OIDCConfig configures the human authentication flows.
type OIDCConfig struct {
	// AllowedFlows restricts the flows the manager may pick. Empty
	// allows both.
	AllowedFlows []string
	// RedirectURI is the auth-flow loopback callback.
	RedirectURI string
	// Browser is the executable opening auth-flow URLs. Empty uses the
	// platform default; "none" disables the browser and with it the
	// auth flow.
	Browser string
	// TransportType and HTTPHost gate the auth flow: it is only
	// offered on stdio, or on HTTP bound to loopback.
	TransportType string
	HTTPHost      string

	// HTTPClient fetches IDP metadata. Defaults to a retrying client.
	HTTPClient *http.Client

	openBrowser func(url string) error
}

func (c *OIDCConfig) checkAndSetDefaults() error {
	if c.RedirectURI == "" {
		c.RedirectURI = defaultOIDCRedirectURI
	}
	if _, err := url.Parse(c.RedirectURI); err != nil {
		return trace.BadParameter("invalid OIDC redirect URI: %v", err)
	}
	for _, flow := range c.AllowedFlows {
		if flow != OIDCFlowAuth && flow != OIDCFlowDevice {
			return trace.BadParameter("invalid OIDC flow %q, expected one of: auth-flow, device-flow", flow)
		}
	}
	if c.HTTPClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.Logger = nil
		c.HTTPClient = retryClient.StandardClient()
	}
	if c.openBrowser == nil {
		c.openBrowser = c.defaultOpenBrowser
	}
	return nil
}

func (c *OIDCConfig) defaultOpenBrowser(u string) error {
	if c.Browser != "" && c.Browser != "none" {
		return trace.Wrap(exec.Command(c.Browser, u).Start())
	}
	return trace.Wrap(browser.OpenURL(u))
}

func (c OIDCConfig) flowAllowed(flow string) bool {
	return len(c.AllowedFlows) == 0 || slices.Contains(c.AllowedFlows, flow)
}

// chooseFlow picks the OIDC auth type. The auth flow needs a browser
// and a loopback-reachable callback, so it is offered on stdio and on
// HTTP bound to loopback; everything else falls back to the device
// flow.
func (c OIDCConfig) chooseFlow() AuthType {
	browserUsable := c.Browser != "none"
	loopback := c.TransportType != "http" || utils.IsLoopbackHost(c.HTTPHost)
	if c.flowAllowed(OIDCFlowAuth) && browserUsable && loopback {
		return AuthTypeOIDCAuthFlow
	}
	return AuthTypeOIDCDeviceFlow
}

// idpMetadata is the subset of the OIDC discovery document the flows
// need.
type idpMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	DeviceEndpoint        string `json:"device_authorization_endpoint"`
}

func discoverIDP(ctx context.Context, client *http.Client, issuer string) (*idpMetadata, error) {
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "fetching OIDC discovery document")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "OIDC discovery returned status %d", resp.StatusCode)
	}
	var meta idpMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, trace.Wrap(err, "decoding OIDC discovery document")
	}
	if meta.TokenEndpoint == "" {
		return nil, trace.BadParameter("OIDC discovery document has no token endpoint")
	}
	return &meta, nil
}

// oidcHumanCallback bridges the driver's MONGODB-OIDC hook to the
// oauth2 flows. The driver invokes it during the hello that follows an
// OIDC connect.
func (m *Manager) oidcHumanCallback(authType AuthType, attempt uint64) options.OIDCCallback {
	return func(ctx context.Context, args *options.OIDCArgs) (*options.OIDCCredential, error) {
		if args.IDPInfo == nil {
			return nil, trace.BadParameter("deployment returned no IDP information")
		}
		meta, err := discoverIDP(ctx, m.cfg.OIDC.HTTPClient, args.IDPInfo.Issuer)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		oauthCfg := oauth2.Config{
			ClientID: args.IDPInfo.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:       meta.AuthorizationEndpoint,
				TokenURL:      meta.TokenEndpoint,
				DeviceAuthURL: meta.DeviceEndpoint,
			},
			Scopes: requestScopes(args.IDPInfo.RequestScopes),
		}

		if args.RefreshToken != nil && *args.RefreshToken != "" {
			token, err := oauthCfg.TokenSource(ctx, &oauth2.Token{
				RefreshToken: *args.RefreshToken,
			}).Token()
			if err == nil {
				return oidcCredential(token), nil
			}
			m.log.Debug("OIDC token refresh failed, restarting the flow", "error", err)
		}

		var token *oauth2.Token
		switch authType {
		case AuthTypeOIDCAuthFlow:
			token, err = m.runOIDCAuthFlow(ctx, oauthCfg, attempt)
		default:
			token, err = m.runOIDCDeviceFlow(ctx, oauthCfg, attempt)
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return oidcCredential(token), nil
	}
}

func requestScopes(scopes []string) []string {
	if slices.Contains(scopes, "openid") {
		return scopes
	}
	return append([]string{"openid"}, scopes...)
}

func oidcCredential(token *oauth2.Token) *options.OIDCCredential {
	cred := &options.OIDCCredential{
		AccessToken: token.AccessToken,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		cred.ExpiresAt = &expiry
	}
	if token.RefreshToken != "" {
		refresh := token.RefreshToken
		cred.RefreshToken = &refresh
	}
	return cred
}

// runOIDCDeviceFlow performs the device authorization grant, surfacing
// the verification URL and user code through the connecting state.
func (m *Manager) runOIDCDeviceFlow(ctx context.Context, cfg oauth2.Config, attempt uint64) (*oauth2.Token, error) {
	if cfg.Endpoint.DeviceAuthURL == "" {
		return nil, trace.BadParameter("identity provider does not support the device flow")
	}
	deviceAuth, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "requesting device authorization")
	}
	m.onOIDCPrompt(attempt, deviceAuth.VerificationURI, deviceAuth.UserCode)
	token, err := cfg.DeviceAccessToken(ctx, deviceAuth)
	return token, trace.Wrap(err)
}

// runOIDCAuthFlow performs the authorization-code grant with PKCE
// against a loopback listener, opening the browser on the user's
// machine.
func (m *Manager) runOIDCAuthFlow(ctx context.Context, cfg oauth2.Config, attempt uint64) (*oauth2.Token, error) {
	redirect, err := url.Parse(m.cfg.OIDC.RedirectURI)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, trace.Wrap(err, "binding OIDC redirect listener")
	}
	defer listener.Close()

	cfg.RedirectURL = m.cfg.OIDC.RedirectURI
	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	type callbackResult struct {
		code string
		err  error
	}
	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		switch {
		case query.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- callbackResult{err: trace.AccessDenied("OIDC state mismatch")}
		case query.Get("error") != "":
			http.Error(w, query.Get("error"), http.StatusBadRequest)
			results <- callbackResult{err: trace.AccessDenied("identity provider returned %q", query.Get("error"))}
		default:
			fmt.Fprintln(w, "Authentication complete. You can close this tab.")
			results <- callbackResult{code: query.Get("code")}
		}
	})
	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	defer server.Close()

	m.onOIDCPrompt(attempt, authURL, "")
	if err := m.cfg.OIDC.openBrowser(authURL); err != nil {
		m.log.Warn("Failed to open browser, the user must open the login URL manually",
			"error", err)
	}

	select {
	case result := <-results:
		if result.err != nil {
			return nil, trace.Wrap(result.err)
		}
		token, err := cfg.Exchange(ctx, result.code, oauth2.VerifierOption(verifier))
		return token, trace.Wrap(err)
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}
