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

// Command mdbmcp runs the MongoDB MCP Server over stdio or streamable
// HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"golang.org/x/oauth2"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/atlas"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/config"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/srv"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Parse(config.ParseOptions{Args: args})
	if err != nil {
		return trace.Wrap(err)
	}

	kc := keychain.New()
	cfg.RegisterSecrets(kc)

	log, logHandler, err := logger.New(logger.Config{
		Sinks:    cfg.Loggers,
		LogDir:   cfg.LogPath,
		Keychain: kc,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	slog.SetDefault(log)
	for _, warning := range cfg.Warnings {
		log.Warn(warning,
			logger.ID(logger.LogIDConfigWarning),
			mdbmcp.ComponentKey, mdbmcp.ComponentConfig)
	}

	// Telemetry batches authenticate with the Atlas credentials when
	// they are configured; the dedicated client exists only to hand its
	// token source over.
	var tokenSource oauth2.TokenSource
	if cfg.AtlasConfigured() {
		tokenClient, err := atlas.NewClient(atlas.ClientConfig{
			BaseURL:      cfg.APIBaseURL,
			ClientID:     cfg.APIClientID,
			ClientSecret: cfg.APIClientSecret,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		defer tokenClient.Close()
		tokenSource = tokenClient.TokenSource()
	}

	emitter, err := telemetry.NewEmitter(telemetry.EmitterConfig{
		TokenSource: tokenSource,
		Disabled:    cfg.Telemetry == config.TelemetryDisabled,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer emitter.Close(context.Background())

	server, err := srv.New(srv.Config{
		Log:        log.With(mdbmcp.ComponentKey, mdbmcp.ComponentServer),
		Config:     cfg,
		Keychain:   kc,
		LogHandler: logHandler,
		Telemetry:  emitter,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	switch cfg.Transport {
	case config.TransportStdio:
		transport, err := srv.NewStdioTransport(srv.StdioConfig{Server: server})
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(transport.Run(ctx))
	case config.TransportHTTP:
		transport, err := srv.NewHTTPTransport(srv.HTTPConfig{Server: server, Config: cfg})
		if err != nil {
			return trace.Wrap(err)
		}
		err = transport.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		return trace.Wrap(err)
	default:
		return trace.BadParameter("unsupported transport %q", cfg.Transport)
	}
}
