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

// Package config resolves the server configuration once at startup from
// CLI flags, MDB_MCP_* environment variables and built-in defaults, and
// validates it.
package config

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
)

// Transport names accepted by --transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Telemetry modes accepted by --telemetry.
const (
	TelemetryEnabled  = "enabled"
	TelemetryDisabled = "disabled"
)

// Config is the resolved server configuration. Zero values are replaced
// by defaults in CheckAndSetDefaults.
type Config struct {
	// Atlas Admin API credentials. Atlas tools register only when both
	// client id and secret are present.
	APIBaseURL      string
	APIClientID     string
	APIClientSecret string

	// ConnectionString is the MongoDB deployment to auto-connect to on
	// first use. Set by the positional argument or the deprecated
	// --connectionString flag.
	ConnectionString string

	// Transport selects stdio or http.
	Transport string

	// HTTP transport settings.
	HTTPHost    string
	HTTPPort    int
	HTTPHeaders map[string]string

	// Session timers, in milliseconds to match the flag surface.
	IdleTimeoutMs         int
	NotificationTimeoutMs int

	// Log and export locations.
	LogPath     string
	ExportsPath string

	// Export lifecycle, in milliseconds.
	ExportTimeoutMs         int
	ExportCleanupIntervalMs int

	// Telemetry is "enabled" or "disabled".
	Telemetry string

	// Policy gates.
	ReadOnly                  bool
	IndexCheck                bool
	DisabledTools             []string
	ConfirmationRequiredTools []string

	// Loggers is the set of active log sinks.
	Loggers []string

	// Browser is the executable used to open OIDC auth-flow URLs.
	// Empty means the platform default; "none" disables the browser.
	Browser string

	// OIDC options.
	OIDCRedirectURI string
	OIDCFlows       []string

	// Driver authentication options, mongosh-compatible.
	Username                      string
	Password                      string
	AuthenticationDatabase        string
	AuthenticationMechanism       string
	TLS                           bool
	TLSCertificateKeyFile         string
	TLSCertificateKeyFilePassword string
	TLSCAFile                     string
	TLSAllowInvalidCertificates   bool
	TLSAllowInvalidHostnames      bool
	IPv6                          bool
	NoDB                          bool

	// Warnings collected during parsing, logged once the logger exists.
	Warnings []string
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Transport == "" {
		c.Transport = defaults.Transport
	}
	if c.Transport != TransportStdio && c.Transport != TransportHTTP {
		return trace.BadParameter("invalid transport %q, expected one of: stdio, http", c.Transport)
	}
	if c.Telemetry == "" {
		c.Telemetry = defaults.Telemetry
	}
	if c.Telemetry != TelemetryEnabled && c.Telemetry != TelemetryDisabled {
		return trace.BadParameter("invalid telemetry %q, expected one of: enabled, disabled", c.Telemetry)
	}
	if c.HTTPHost == "" {
		c.HTTPHost = defaults.HTTPHost
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return trace.BadParameter("invalid httpPort %d, expected 1-65535", c.HTTPPort)
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaults.APIBaseURL
	}
	if len(c.Loggers) == 0 {
		return trace.BadParameter("loggers may not be empty")
	}
	seen := make(map[string]struct{}, len(c.Loggers))
	for _, name := range c.Loggers {
		if name != logger.SinkStderr && name != logger.SinkDisk && name != logger.SinkMCP {
			return trace.BadParameter("invalid logger %q, expected one of: stderr, disk, mcp", name)
		}
		if _, dup := seen[name]; dup {
			return trace.BadParameter("duplicate logger %q", name)
		}
		seen[name] = struct{}{}
	}
	if c.LogPath == "" {
		c.LogPath = defaults.LogPath()
	}
	if c.ExportsPath == "" {
		c.ExportsPath = defaults.ExportsPath()
	}
	return nil
}

// IdleTimeout returns the HTTP session idle eviction timeout.
func (c *Config) IdleTimeout() time.Duration {
	if c.IdleTimeoutMs <= 0 {
		return defaults.IdleTimeout
	}
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// NotificationTimeout returns the pre-eviction warning timeout.
func (c *Config) NotificationTimeout() time.Duration {
	if c.NotificationTimeoutMs <= 0 {
		return defaults.NotificationTimeout
	}
	return time.Duration(c.NotificationTimeoutMs) * time.Millisecond
}

// ExportTimeout returns how long exports stay readable.
func (c *Config) ExportTimeout() time.Duration {
	if c.ExportTimeoutMs <= 0 {
		return defaults.ExportTimeout
	}
	return time.Duration(c.ExportTimeoutMs) * time.Millisecond
}

// ExportCleanupInterval returns the export sweep period.
func (c *Config) ExportCleanupInterval() time.Duration {
	if c.ExportCleanupIntervalMs <= 0 {
		return defaults.ExportCleanupInterval
	}
	return time.Duration(c.ExportCleanupIntervalMs) * time.Millisecond
}

// AtlasConfigured reports whether Atlas Admin API credentials are set.
func (c *Config) AtlasConfigured() bool {
	return c.APIClientID != "" && c.APIClientSecret != ""
}

// MCPLogSinkEnabled reports whether the mcp log sink was requested.
func (c *Config) MCPLogSinkEnabled() bool {
	return slices.Contains(c.Loggers, logger.SinkMCP)
}

// RegisterSecrets loads the known-sensitive fields into the keychain so
// log sinks can redact them.
func (c *Config) RegisterSecrets(kc *keychain.Keychain) {
	kc.Register(c.Password, keychain.KindPassword)
	kc.Register(c.APIClientSecret, keychain.KindPassword)
	kc.Register(c.TLSCertificateKeyFilePassword, keychain.KindPassword)
	kc.Register(c.Username, keychain.KindUser)
	kc.Register(c.ConnectionString, keychain.KindURL)
	kc.Register(c.TLSCertificateKeyFile, keychain.KindURL)
	kc.Register(c.TLSCAFile, keychain.KindURL)
}

// ParseOptions controls Parse; zero values suit production use.
type ParseOptions struct {
	// Args are the CLI arguments without the program name.
	Args []string
	// Stderr receives usage and error output. Defaults to os.Stderr.
	Stderr io.Writer
	// Terminate overrides the exit function used for --help and
	// --version. Defaults to os.Exit.
	Terminate func(int)
}

// Parse builds the configuration from CLI arguments and MDB_MCP_*
// environment variables, then validates it. Unknown flags fail with a
// near-miss suggestion when one exists.
func Parse(opts ParseOptions) (*Config, error) {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	cfg := &Config{}
	app := kingpin.New("mdbmcp", "MongoDB MCP Server - expose MongoDB and Atlas to MCP clients.")
	app.Version(mdbmcp.Version)
	app.HelpFlag.Short('h')
	app.UsageWriter(opts.Stderr)
	app.ErrorWriter(opts.Stderr)
	if opts.Terminate != nil {
		app.Terminate(opts.Terminate)
	}

	var positionalURI string
	var deprecatedURI string

	app.Arg("connection-string", "MongoDB connection string (mongodb:// or mongodb+srv://).").
		StringVar(&positionalURI)

	app.Flag("connectionString", "MongoDB connection string. Deprecated, pass it as the positional argument instead.").
		Envar(envName("connectionString")).StringVar(&deprecatedURI)
	app.Flag("transport", "MCP transport, one of: stdio, http.").
		Default(defaults.Transport).Envar(envName("transport")).StringVar(&cfg.Transport)
	app.Flag("httpHost", "Bind address of the http transport.").
		Default(defaults.HTTPHost).Envar(envName("httpHost")).StringVar(&cfg.HTTPHost)
	app.Flag("httpPort", "Port of the http transport.").
		Default(fmt.Sprintf("%d", defaults.HTTPPort)).Envar(envName("httpPort")).IntVar(&cfg.HTTPPort)
	app.Flag("httpHeaders", "Required request headers for the http transport, as name=value pairs.").
		Envar(envName("httpHeaders")).SetValue(newHeaderMapValue(&cfg.HTTPHeaders))
	app.Flag("idleTimeoutMs", "Close an http session after this many milliseconds without a request.").
		Envar(envName("idleTimeoutMs")).IntVar(&cfg.IdleTimeoutMs)
	app.Flag("notificationTimeoutMs", "Warn an http session this many milliseconds before idle eviction.").
		Envar(envName("notificationTimeoutMs")).IntVar(&cfg.NotificationTimeoutMs)

	app.Flag("apiBaseUrl", "Atlas Admin API base URL.").
		Default(defaults.APIBaseURL).Envar(envName("apiBaseUrl")).StringVar(&cfg.APIBaseURL)
	app.Flag("apiClientId", "Atlas Admin API client id.").
		Envar(envName("apiClientId")).StringVar(&cfg.APIClientID)
	app.Flag("apiClientSecret", "Atlas Admin API client secret.").
		Envar(envName("apiClientSecret")).StringVar(&cfg.APIClientSecret)

	app.Flag("logPath", "Directory for disk logs.").
		Envar(envName("logPath")).StringVar(&cfg.LogPath)
	app.Flag("exportsPath", "Directory for export files.").
		Envar(envName("exportsPath")).StringVar(&cfg.ExportsPath)
	app.Flag("exportTimeoutMs", "Expire exports after this many milliseconds.").
		Envar(envName("exportTimeoutMs")).IntVar(&cfg.ExportTimeoutMs)
	app.Flag("exportCleanupIntervalMs", "Sweep expired exports at this period in milliseconds.").
		Envar(envName("exportCleanupIntervalMs")).IntVar(&cfg.ExportCleanupIntervalMs)

	app.Flag("telemetry", "Anonymous usage telemetry, one of: enabled, disabled.").
		Default(defaults.Telemetry).Envar(envName("telemetry")).StringVar(&cfg.Telemetry)
	app.Flag("readOnly", "Register only tools that do not write.").
		Envar(envName("readOnly")).BoolVar(&cfg.ReadOnly)
	app.Flag("indexCheck", "Reject queries whose plan is a full collection scan.").
		Envar(envName("indexCheck")).BoolVar(&cfg.IndexCheck)
	app.Flag("disabledTools", "Tools, categories or operation types to hide.").
		Envar(envName("disabledTools")).SetValue(newCommaListValue(&cfg.DisabledTools))
	app.Flag("confirmationRequiredTools", "Tools that ask for confirmation before running.").
		Default("drop-database,drop-collection,delete-many,atlas-create-db-user,atlas-create-access-list").
		Envar(envName("confirmationRequiredTools")).SetValue(newCommaListValue(&cfg.ConfirmationRequiredTools))
	app.Flag("loggers", "Log sinks, drawn from: stderr, disk, mcp.").
		Default("disk,mcp").Envar(envName("loggers")).SetValue(newCommaListValue(&cfg.Loggers))

	app.Flag("browser", "Browser executable for OIDC auth-flow. \"none\" disables it.").
		Envar(envName("browser")).StringVar(&cfg.Browser)
	app.Flag("oidcRedirectUri", "Redirect URI of the OIDC auth-flow loopback listener.").
		Envar(envName("oidcRedirectUri")).StringVar(&cfg.OIDCRedirectURI)
	app.Flag("oidcFlows", "Allowed OIDC flows, drawn from: auth-flow, device-flow.").
		Envar(envName("oidcFlows")).SetValue(newCommaListValue(&cfg.OIDCFlows))

	app.Flag("username", "Username for authentication.").Short('u').
		Envar(envName("username")).StringVar(&cfg.Username)
	app.Flag("password", "Password for authentication.").Short('p').
		Envar(envName("password")).StringVar(&cfg.Password)
	app.Flag("authenticationDatabase", "Database holding the user's credentials.").
		Envar(envName("authenticationDatabase")).StringVar(&cfg.AuthenticationDatabase)
	app.Flag("authenticationMechanism", "Authentication mechanism to negotiate with the server.").
		Envar(envName("authenticationMechanism")).StringVar(&cfg.AuthenticationMechanism)
	app.Flag("tls", "Use TLS for all connections.").
		Envar(envName("tls")).BoolVar(&cfg.TLS)
	app.Flag("ssl", "Alias of --tls.").
		Envar(envName("ssl")).BoolVar(&cfg.TLS)
	app.Flag("tlsCertificateKeyFile", "Client certificate and key PEM file.").
		Envar(envName("tlsCertificateKeyFile")).StringVar(&cfg.TLSCertificateKeyFile)
	app.Flag("tlsCertificateKeyFilePassword", "Password of the client certificate key.").
		Envar(envName("tlsCertificateKeyFilePassword")).StringVar(&cfg.TLSCertificateKeyFilePassword)
	app.Flag("tlsCAFile", "Certificate authority PEM file.").
		Envar(envName("tlsCAFile")).StringVar(&cfg.TLSCAFile)
	app.Flag("tlsAllowInvalidCertificates", "Skip server certificate validation.").
		Envar(envName("tlsAllowInvalidCertificates")).BoolVar(&cfg.TLSAllowInvalidCertificates)
	app.Flag("tlsAllowInvalidHostnames", "Skip server hostname validation.").
		Envar(envName("tlsAllowInvalidHostnames")).BoolVar(&cfg.TLSAllowInvalidHostnames)
	app.Flag("ipv6", "Enable IPv6 support.").
		Envar(envName("ipv6")).BoolVar(&cfg.IPv6)
	app.Flag("nodb", "Do not connect on startup even when a connection string is configured.").
		Envar(envName("nodb")).BoolVar(&cfg.NoDB)

	if _, err := app.Parse(opts.Args); err != nil {
		return nil, trace.Wrap(suggestOnUnknownFlag(app, err))
	}

	flagWasPassed := slices.ContainsFunc(opts.Args, func(arg string) bool {
		return arg == "--connectionString" || strings.HasPrefix(arg, "--connectionString=")
	})
	switch {
	case positionalURI != "":
		if !isMongoDBURI(positionalURI) {
			return nil, trace.BadParameter(
				"invalid connection string %q, expected a mongodb:// or mongodb+srv:// URI", positionalURI)
		}
		cfg.ConnectionString = positionalURI
		if deprecatedURI != "" {
			cfg.Warnings = append(cfg.Warnings,
				"both a positional connection string and --connectionString were provided, using the positional one")
		}
	case deprecatedURI != "":
		cfg.ConnectionString = deprecatedURI
		if flagWasPassed {
			cfg.Warnings = append(cfg.Warnings,
				"--connectionString is deprecated, pass the connection string as the positional argument instead")
		}
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func isMongoDBURI(s string) bool {
	return strings.HasPrefix(s, "mongodb://") || strings.HasPrefix(s, "mongodb+srv://")
}
