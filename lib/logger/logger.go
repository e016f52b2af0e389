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

// Package logger fans log records out to the configured sinks, applying
// the keychain redaction policy each sink requires.
package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
)

// Sink names, also the accepted values of the loggers configuration.
const (
	SinkStderr = "stderr"
	SinkDisk   = "disk"
	SinkMCP    = "mcp"
)

// NoRedactionKey is the attribute key carrying the per-record redaction
// hint. Accepted values: true (redact nowhere), false (redact on every
// sink), a sink name or a list of sink names (redact everywhere else).
// Records without the attribute are redacted on every sink except mcp.
const NoRedactionKey = "no_redaction"

// NoRedaction marks a record as safe for every sink.
func NoRedaction() slog.Attr {
	return slog.Bool(NoRedactionKey, true)
}

// RedactEverywhere marks a record as sensitive on every sink, including
// the mcp sink.
func RedactEverywhere() slog.Attr {
	return slog.Bool(NoRedactionKey, false)
}

// NoRedactionFor marks a record as safe for the named sinks only.
func NoRedactionFor(sinks ...string) slog.Attr {
	if len(sinks) == 1 {
		return slog.String(NoRedactionKey, sinks[0])
	}
	return slog.Any(NoRedactionKey, sinks)
}

// Sink is one destination of the composite handler.
type Sink struct {
	// Name identifies the sink for redaction hints.
	Name string
	// Handler receives the (possibly redacted) records.
	Handler slog.Handler
}

// Handler multiplexes records to sinks. Each sink receives its own copy
// of the record with redaction applied per the record's hint.
type Handler struct {
	sinks    []Sink
	keychain *keychain.Keychain
}

// NewHandler creates a composite handler over sinks. kc may not be nil.
func NewHandler(kc *keychain.Keychain, sinks ...Sink) *Handler {
	return &Handler{sinks: sinks, keychain: kc}
}

// WithSink returns a copy of the handler with an additional sink. The
// receiver is unchanged; per-session loggers extend the process sinks
// with their own mcp sink this way.
func (h *Handler) WithSink(s Sink) *Handler {
	sinks := make([]Sink, 0, len(h.sinks)+1)
	sinks = append(sinks, h.sinks...)
	sinks = append(sinks, s)
	return &Handler{sinks: sinks, keychain: h.keychain}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if s.Handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	hint, attrs := splitHint(rec)
	var errs []error
	for _, s := range h.sinks {
		if !s.Handler.Enabled(ctx, rec.Level) {
			continue
		}
		out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
		if hint.redactOn(s.Name) {
			out.Message = h.keychain.Redact(out.Message)
			for _, a := range attrs {
				out.AddAttrs(h.redactAttr(a))
			}
		} else {
			out.AddAttrs(attrs...)
		}
		if err := s.Handler.Handle(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}

// WithAttrs implements slog.Handler. Attributes attached here flow to
// the sinks unredacted; secrets must be passed at Handle time.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sinks := make([]Sink, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = Sink{Name: s.Name, Handler: s.Handler.WithAttrs(attrs)}
	}
	return &Handler{sinks: sinks, keychain: h.keychain}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	sinks := make([]Sink, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = Sink{Name: s.Name, Handler: s.Handler.WithGroup(name)}
	}
	return &Handler{sinks: sinks, keychain: h.keychain}
}

func (h *Handler) redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.keychain.Redact(a.Value.String()))
	}
	return a
}

// redactionHint is the parsed no_redaction attribute of one record.
type redactionHint struct {
	present bool
	all     bool
	none    bool
	sinks   []string
}

func (r redactionHint) redactOn(sink string) bool {
	switch {
	case !r.present:
		return sink != SinkMCP
	case r.none:
		return false
	case r.all:
		return true
	default:
		for _, s := range r.sinks {
			if s == sink {
				return false
			}
		}
		return true
	}
}

func splitHint(rec slog.Record) (redactionHint, []slog.Attr) {
	var hint redactionHint
	attrs := make([]slog.Attr, 0, rec.NumAttrs())
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key != NoRedactionKey {
			attrs = append(attrs, a)
			return true
		}
		hint.present = true
		switch a.Value.Kind() {
		case slog.KindBool:
			hint.none = a.Value.Bool()
			hint.all = !hint.none
		case slog.KindString:
			hint.sinks = []string{a.Value.String()}
		default:
			if names, ok := a.Value.Any().([]string); ok {
				hint.sinks = names
			} else {
				// Unrecognized hint value, fall back to the default
				// policy.
				hint.present = false
			}
		}
		return true
	})
	return hint, attrs
}

// Config describes the process-level sinks.
type Config struct {
	// Sinks is the set of sink names to activate, drawn from
	// {stderr, disk}. The mcp sink is attached per session later.
	Sinks []string
	// LogDir is where the disk sink writes, created if missing.
	LogDir string
	// Keychain supplies redaction. Required.
	Keychain *keychain.Keychain
	// Level is the minimum level of the stderr and disk sinks.
	Level slog.Leveler
}

// New builds the process logger. The returned Handler can be extended
// with per-session mcp sinks via WithSink.
func New(cfg Config) (*slog.Logger, *Handler, error) {
	if cfg.Keychain == nil {
		return nil, nil, trace.BadParameter("missing Keychain")
	}
	if cfg.Level == nil {
		cfg.Level = slog.LevelInfo
	}
	var sinks []Sink
	for _, name := range cfg.Sinks {
		switch name {
		case SinkStderr:
			sinks = append(sinks, Sink{
				Name: SinkStderr,
				Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
					Level: cfg.Level,
				}),
			})
		case SinkDisk:
			if err := os.MkdirAll(cfg.LogDir, 0o700); err != nil {
				return nil, nil, trace.ConvertSystemError(err)
			}
			sinks = append(sinks, Sink{
				Name: SinkDisk,
				Handler: slog.NewJSONHandler(&lumberjack.Logger{
					Filename: filepath.Join(cfg.LogDir, "mdbmcp.log"),
					MaxSize:  defaults.LogMaxSizeMB,
					MaxAge:   defaults.LogMaxAgeDays,
					Compress: true,
				}, &slog.HandlerOptions{Level: cfg.Level}),
			})
		case SinkMCP:
			// Attached per session once a transport exists.
		default:
			return nil, nil, trace.BadParameter("unknown log sink %q", name)
		}
	}
	handler := NewHandler(cfg.Keychain, sinks...)
	return slog.New(handler), handler, nil
}
