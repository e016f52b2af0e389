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

// Package srv assembles the MCP server and its transports. Each client
// session gets its own MCP server instance, session aggregate and
// logger; the transports feed decoded JSON-RPC messages into the
// per-session handler and carry server-initiated traffic back.
package srv

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/atlas"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/config"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/connection"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/exports"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/mcputils"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/session"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/telemetry"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools"
	atlastools "github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools/atlas"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/tools/mongodb"
)

// Config is the config for a Server.
type Config struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Clock drives session timers and tool timing.
	Clock clockwork.Clock
	// Config is the resolved process configuration. Required.
	Config *config.Config
	// Keychain is the process-wide secret registry. Required.
	Keychain *keychain.Keychain
	// LogHandler is the composite process log handler; per-session mcp
	// sinks extend it. Optional, no mcp sink is attached without it.
	LogHandler *logger.Handler
	// Telemetry receives one event per tool invocation. Optional.
	Telemetry *telemetry.Emitter
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Config == nil {
		return trace.BadParameter("missing Config")
	}
	if c.Keychain == nil {
		return trace.BadParameter("missing Keychain")
	}
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentServer)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server builds per-session MCP server instances. It holds no session
// state itself; the transports own the session lifecycles.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metrics, err := NewMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, log: cfg.Log, metrics: metrics}, nil
}

// Metrics returns the server's Prometheus collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// SessionHandler is one client's MCP endpoint: the MCP server instance,
// the session aggregate and the message plumbing shared by both
// transports.
type SessionHandler struct {
	log      *slog.Logger
	srv      *server.MCPServer
	session  *session.Session
	exports  *exports.Manager
	logLevel *slog.LevelVar
	elicit   *elicitState
	// writer carries server-initiated traffic: log notifications,
	// resource-updated notifications and, on stdio, elicitation.
	writer mcputils.MessageWriter
}

// NewSessionHandler builds the full per-session stack. serverWriter
// receives server-initiated messages; for HTTP that is the standalone
// stream queue, for stdio the synchronized stdout writer.
func (s *Server) NewSessionHandler(serverWriter mcputils.MessageWriter) (*SessionHandler, error) {
	cfg := s.cfg.Config
	logLevel := new(slog.LevelVar)
	notifier := &serverNotifier{writer: serverWriter, log: s.log}

	sessionLog := s.log
	if cfg.MCPLogSinkEnabled() && s.cfg.LogHandler != nil && serverWriter != nil {
		sessionLog = slog.New(s.cfg.LogHandler.WithSink(logger.NewMCPSink(notifier, logLevel))).
			With(mdbmcp.ComponentKey, mdbmcp.ComponentServer)
	}

	var atlasClient *atlas.Client
	if cfg.AtlasConfigured() {
		var err error
		atlasClient, err = atlas.NewClient(atlas.ClientConfig{
			Log:          sessionLog.With(mdbmcp.ComponentKey, mdbmcp.ComponentAtlas),
			BaseURL:      cfg.APIBaseURL,
			ClientID:     cfg.APIClientID,
			ClientSecret: cfg.APIClientSecret,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	exportsMgr, err := exports.NewManager(exports.ManagerConfig{
		Log:             sessionLog.With(mdbmcp.ComponentKey, mdbmcp.ComponentExports),
		Clock:           s.cfg.Clock,
		ExportsPath:     cfg.ExportsPath,
		ExportTimeout:   cfg.ExportTimeout(),
		CleanupInterval: cfg.ExportCleanupInterval(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var deviceID string
	if s.cfg.Telemetry != nil {
		deviceID = s.cfg.Telemetry.DeviceID()
	}
	connMgr, err := connection.NewManager(connection.ManagerConfig{
		Log:      sessionLog.With(mdbmcp.ComponentKey, mdbmcp.ComponentConnection),
		Clock:    s.cfg.Clock,
		DeviceID: deviceID,
		Driver: connection.DriverConfig{
			Username:                      cfg.Username,
			Password:                      cfg.Password,
			AuthenticationDatabase:        cfg.AuthenticationDatabase,
			AuthenticationMechanism:       cfg.AuthenticationMechanism,
			TLS:                           cfg.TLS,
			TLSCAFile:                     cfg.TLSCAFile,
			TLSCertificateKeyFile:         cfg.TLSCertificateKeyFile,
			TLSCertificateKeyFilePassword: cfg.TLSCertificateKeyFilePassword,
			TLSAllowInvalidCertificates:   cfg.TLSAllowInvalidCertificates,
			TLSAllowInvalidHostnames:      cfg.TLSAllowInvalidHostnames,
		},
		OIDC: connection.OIDCConfig{
			AllowedFlows:  cfg.OIDCFlows,
			RedirectURI:   cfg.OIDCRedirectURI,
			Browser:       cfg.Browser,
			TransportType: cfg.Transport,
			HTTPHost:      cfg.HTTPHost,
		},
	})
	if err != nil {
		exportsMgr.Close()
		return nil, trace.Wrap(err)
	}

	connString := cfg.ConnectionString
	if cfg.NoDB {
		connString = ""
	}
	sess, err := session.New(session.Config{
		Log:              sessionLog.With(mdbmcp.ComponentKey, mdbmcp.ComponentSession),
		Keychain:         s.cfg.Keychain,
		Connection:       connMgr,
		Exports:          exportsMgr,
		Atlas:            atlasClient,
		ConnectionString: connString,
	})
	if err != nil {
		exportsMgr.Close()
		return nil, trace.Wrap(err)
	}

	mcpServer := server.NewMCPServer(mdbmcp.ServerName, mdbmcp.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithLogging(),
	)

	toolList := mongodb.NewTools(mongodb.Config{IndexCheck: cfg.IndexCheck})
	if atlasClient != nil {
		atlasTools, err := atlastools.NewTools(atlastools.Config{
			Log:      sessionLog.With(mdbmcp.ComponentKey, mdbmcp.ComponentAtlas),
			Clock:    s.cfg.Clock,
			ReadOnly: cfg.ReadOnly,
		})
		if err != nil {
			_ = sess.Close(context.Background())
			return nil, trace.Wrap(err)
		}
		toolList = append(toolList, atlasTools...)
	}

	dispatcher, err := tools.NewDispatcher(tools.DispatcherConfig{
		Log:                       sessionLog.With(mdbmcp.ComponentKey, mdbmcp.ComponentTools),
		Clock:                     s.cfg.Clock,
		Telemetry:                 s.cfg.Telemetry,
		ReadOnly:                  cfg.ReadOnly,
		DisabledTools:             cfg.DisabledTools,
		ConfirmationRequiredTools: cfg.ConfirmationRequiredTools,
		OnResult:                  s.metrics.ObserveTool,
	})
	if err != nil {
		_ = sess.Close(context.Background())
		return nil, trace.Wrap(err)
	}
	dispatcher.Register(mcpServer, toolList)

	handler := &SessionHandler{
		log:      sessionLog,
		srv:      mcpServer,
		session:  sess,
		exports:  exportsMgr,
		logLevel: logLevel,
		elicit:   newElicitState(),
		writer:   serverWriter,
	}

	mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(exports.URIScheme+"{exportName}", "Exported data",
			mcp.WithTemplateDescription("JSON files produced by the export tool"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		handler.readExportResource,
	)
	exportsMgr.SetNotifier(&resourceNotifier{handler: handler, notifier: notifier})

	return handler, nil
}

// Session returns the underlying session aggregate.
func (h *SessionHandler) Session() *session.Session {
	return h.session
}

// HandleRequest processes one client request and returns the response
// message. elicitWriter is where mid-call server-to-client requests go:
// the request-scoped stream on HTTP, stdout on stdio.
func (h *SessionHandler) HandleRequest(ctx context.Context, req *mcputils.JSONRPCRequest, elicitWriter mcputils.MessageWriter) mcp.JSONRPCMessage {
	switch req.Method {
	case mcputils.MethodInitialize:
		h.captureClientInfo(req.Params)
	case "logging/setLevel":
		return h.setLevel(req)
	}

	ctx = tools.WithSession(ctx, h.session)
	ctx = tools.WithElicitor(ctx, &elicitor{
		state:  h.elicit,
		writer: elicitWriter,
		log:    h.log,
	})

	raw, err := json.Marshal(req)
	if err != nil {
		return mcputils.NewErrorResponse(req.ID, -32603, "failed to encode request: "+err.Error())
	}
	return h.srv.HandleMessage(ctx, raw)
}

// HandleNotification processes one client notification.
func (h *SessionHandler) HandleNotification(ctx context.Context, notification *mcputils.JSONRPCNotification) {
	raw, err := json.Marshal(notification)
	if err != nil {
		h.log.DebugContext(ctx, "Dropping undecodable notification", "error", err)
		return
	}
	ctx = tools.WithSession(ctx, h.session)
	h.srv.HandleMessage(ctx, raw)
}

// HandleResponse routes a client response to the elicitation that is
// waiting for it. Unmatched responses, keep-alive pongs among them, are
// dropped.
func (h *SessionHandler) HandleResponse(ctx context.Context, resp *mcputils.JSONRPCResponse) {
	if h.elicit.resolve(resp) {
		return
	}
	h.log.DebugContext(ctx, "Dropping unmatched response", "id", resp.ID)
}

// Close releases the session.
func (h *SessionHandler) Close(ctx context.Context) error {
	return trace.Wrap(h.session.Close(ctx))
}

// captureClientInfo records the agent identity and its elicitation
// capability from the initialize params.
func (h *SessionHandler) captureClientInfo(raw json.RawMessage) {
	var params struct {
		Capabilities struct {
			Elicitation json.RawMessage `json:"elicitation"`
		} `json:"capabilities"`
		ClientInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			Title   string `json:"title"`
		} `json:"clientInfo"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			h.log.Debug("Ignoring undecodable initialize params", "error", err)
			return
		}
	}
	h.session.SetMCPClient(session.MCPClientInfo{
		Name:    params.ClientInfo.Name,
		Version: params.ClientInfo.Version,
		Title:   params.ClientInfo.Title,
	})
	h.elicit.setCapable(params.Capabilities.Elicitation != nil)
	h.log.Info("Session initialized",
		logger.ID(logger.LogIDServerInitialized),
		"session_id", h.session.ID,
		"client_name", h.session.MCPClient().Name,
		"client_version", h.session.MCPClient().Version)
}

// setLevel applies a logging/setLevel request to the session's mcp log
// sink.
func (h *SessionHandler) setLevel(req *mcputils.JSONRPCRequest) mcp.JSONRPCMessage {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Level == "" {
		return mcputils.NewErrorResponse(req.ID, -32602, "invalid logging/setLevel params")
	}
	h.logLevel.Set(logger.SlogLevel(params.Level))
	return &mcputils.JSONRPCResponse{
		JSONRPC: mcputils.JSONRPCVersion,
		ID:      req.ID,
		Result:  json.RawMessage(`{}`),
	}
}

// readExportResource serves exported-data:// reads. A still-running
// export answers with a pending notice instead of an error.
func (h *SessionHandler) readExportResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	data, err := h.exports.ReadResource(ctx, uri)
	if err != nil {
		if exports.IsPendingError(err) {
			return []mcp.ResourceContents{mcp.TextResourceContents{
				URI:      uri,
				MIMEType: "text/plain",
				Text:     "The export is still running. Retry shortly.",
			}}, nil
		}
		return nil, trace.Wrap(err)
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "application/json",
		Text:     string(data),
	}}, nil
}

// serverNotifier sends server-initiated notifications over the
// session's writer. It backs the mcp log sink and the resource-updated
// delivery; both are best effort.
type serverNotifier struct {
	writer mcputils.MessageWriter
	log    *slog.Logger
}

// SendLogMessage implements logger.MCPSender.
func (n *serverNotifier) SendLogMessage(ctx context.Context, params logger.LogMessageParams) error {
	if n.writer == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(n.writer.WriteMessage(ctx,
		mcputils.NewNotification(mcputils.MethodNotificationMessage, raw)))
}

// NotifyResourceUpdated sends a notifications/resources/updated frame.
func (n *serverNotifier) NotifyResourceUpdated(ctx context.Context, uri string) {
	if n.writer == nil {
		return
	}
	raw, err := json.Marshal(map[string]string{"uri": uri})
	if err != nil {
		return
	}
	if err := n.writer.WriteMessage(ctx,
		mcputils.NewNotification(mcputils.MethodNotificationResourceUpdated, raw)); err != nil {
		n.log.DebugContext(ctx, "Failed to deliver resource-updated notification",
			"uri", uri, "error", err)
	}
}

// resourceNotifier reacts to export terminal transitions: ready exports
// are published in the resource listing and the client is notified
// either way.
type resourceNotifier struct {
	handler  *SessionHandler
	notifier *serverNotifier
}

// NotifyResourceUpdated implements exports.Notifier.
func (n *resourceNotifier) NotifyResourceUpdated(ctx context.Context, uri string) {
	name := strings.TrimPrefix(uri, exports.URIScheme)
	if job, ok := n.handler.exports.Get(name); ok && job.Status == exports.StatusReady {
		resource := mcp.NewResource(uri, job.ExportName,
			mcp.WithResourceDescription(job.ExportTitle),
			mcp.WithMIMEType("application/json"))
		n.handler.srv.AddResource(resource, n.handler.readExportResource)
	}
	n.notifier.NotifyResourceUpdated(ctx, uri)
}
