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
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// DriverConfig carries the user-config driver options merged into every
// connection attempt. Options already present in the connection string
// win over these defaults.
type DriverConfig struct {
	// Username and Password authenticate when the string carries no
	// userinfo.
	Username string
	Password string
	// AuthenticationDatabase is the authSource default.
	AuthenticationDatabase string
	// AuthenticationMechanism overrides the string's authMechanism.
	AuthenticationMechanism string

	// TLS settings, mongosh-compatible.
	TLS                           bool
	TLSCAFile                     string
	TLSCertificateKeyFile         string
	TLSCertificateKeyFilePassword string
	TLSAllowInvalidCertificates   bool
	TLSAllowInvalidHostnames      bool

	// ConnectTimeout bounds dialing and the post-dial hello.
	ConnectTimeout time.Duration

	// MajorityConcern applies majority read and write concerns when no
	// concern is present in the string.
	MajorityConcern bool
}

// clientOptions resolves the driver options for one connection attempt:
// the connection string first, then config defaults for anything it
// left unset, then the OIDC callback when the auth type requires one.
func (m *Manager) clientOptions(connString string, authType AuthType, attempt uint64) (*options.ClientOptions, error) {
	cfg := m.cfg.Driver
	opts := options.Client().ApplyURI(connString)
	if err := opts.Validate(); err != nil {
		return nil, trace.BadParameter("invalid connection string: %v", err)
	}

	if opts.ConnectTimeout == nil {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if opts.ServerSelectionTimeout == nil {
		opts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}
	if cfg.MajorityConcern {
		if opts.ReadConcern == nil {
			opts.SetReadConcern(readconcern.Majority())
		}
		if opts.WriteConcern == nil {
			opts.SetWriteConcern(writeconcern.Majority())
		}
	}

	switch {
	case authType.IsOIDC():
		cred := options.Credential{
			AuthMechanism: "MONGODB-OIDC",
		}
		if opts.Auth != nil {
			cred.Username = opts.Auth.Username
			cred.AuthSource = opts.Auth.AuthSource
		}
		cred.OIDCHumanCallback = m.oidcHumanCallback(authType, attempt)
		opts.SetAuth(cred)
	case cfg.Username != "" && (opts.Auth == nil || opts.Auth.Username == ""):
		cred := options.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		}
		if cfg.AuthenticationDatabase != "" {
			cred.AuthSource = cfg.AuthenticationDatabase
		}
		if cfg.AuthenticationMechanism != "" {
			cred.AuthMechanism = cfg.AuthenticationMechanism
		}
		opts.SetAuth(cred)
	}

	tlsConfig, err := cfg.tlsConfig()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if tlsConfig != nil && opts.TLSConfig == nil {
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// tlsConfig builds a *tls.Config from the mongosh-style flags, or nil
// when none apply.
func (c DriverConfig) tlsConfig() (*tls.Config, error) {
	if !c.TLS && c.TLSCAFile == "" && c.TLSCertificateKeyFile == "" {
		return nil, nil
	}
	//nolint:gosec // InsecureSkipVerify is an explicit user opt-in.
	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.TLSAllowInvalidCertificates || c.TLSAllowInvalidHostnames,
	}
	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, trace.BadParameter("no certificates found in %s", c.TLSCAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if c.TLSCertificateKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertificateKeyFile, c.TLSCertificateKeyFile)
		if err != nil {
			return nil, trace.Wrap(err, "loading client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
