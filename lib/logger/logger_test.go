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

package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/keychain"
)

// recordingHandler captures rendered messages for assertions.
type recordingHandler struct {
	messages *[]string
}

func newRecordingSink(name string) (Sink, *[]string) {
	messages := &[]string{}
	return Sink{Name: name, Handler: &recordingHandler{messages: messages}}, messages
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error {
	*h.messages = append(*h.messages, rec.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func TestDefaultRedactsEverywhereExceptMCP(t *testing.T) {
	kc := keychain.New()
	kc.Register("swordfish", keychain.KindPassword)
	stderrSink, stderrMsgs := newRecordingSink(SinkStderr)
	diskSink, diskMsgs := newRecordingSink(SinkDisk)
	mcpSink, mcpMsgs := newRecordingSink(SinkMCP)
	log := slog.New(NewHandler(kc, stderrSink, diskSink, mcpSink))

	log.Info("the password is swordfish")

	require.Equal(t, []string{"the password is <password>"}, *stderrMsgs)
	require.Equal(t, []string{"the password is <password>"}, *diskMsgs)
	require.Equal(t, []string{"the password is swordfish"}, *mcpMsgs)
}

func TestNoRedactionHintTrue(t *testing.T) {
	kc := keychain.New()
	kc.Register("swordfish", keychain.KindPassword)
	stderrSink, stderrMsgs := newRecordingSink(SinkStderr)
	log := slog.New(NewHandler(kc, stderrSink))

	log.Info("the password is swordfish", NoRedaction())

	require.Equal(t, []string{"the password is swordfish"}, *stderrMsgs)
}

func TestNoRedactionHintFalse(t *testing.T) {
	kc := keychain.New()
	kc.Register("swordfish", keychain.KindPassword)
	mcpSink, mcpMsgs := newRecordingSink(SinkMCP)
	log := slog.New(NewHandler(kc, mcpSink))

	log.Info("the password is swordfish", RedactEverywhere())

	require.Equal(t, []string{"the password is <password>"}, *mcpMsgs)
}

func TestNoRedactionHintSinkName(t *testing.T) {
	kc := keychain.New()
	kc.Register("swordfish", keychain.KindPassword)
	stderrSink, stderrMsgs := newRecordingSink(SinkStderr)
	diskSink, diskMsgs := newRecordingSink(SinkDisk)
	log := slog.New(NewHandler(kc, stderrSink, diskSink))

	log.Info("the password is swordfish", NoRedactionFor(SinkDisk))
	log.Info("second swordfish", NoRedactionFor(SinkStderr, SinkDisk))

	assert.Equal(t, []string{"the password is <password>", "second swordfish"}, *stderrMsgs)
	assert.Equal(t, []string{"the password is swordfish", "second swordfish"}, *diskMsgs)
}

func TestRedactsStringAttrs(t *testing.T) {
	kc := keychain.New()
	kc.Register("swordfish", keychain.KindPassword)

	var captured []slog.Attr
	sink := Sink{Name: SinkStderr, Handler: attrCaptureHandler{attrs: &captured}}
	log := slog.New(NewHandler(kc, sink))

	log.Info("connect failed", slog.String("uri", "user swordfish rejected"))

	require.Len(t, captured, 1)
	require.Equal(t, "user <password> rejected", captured[0].Value.String())
}

type attrCaptureHandler struct {
	attrs *[]slog.Attr
}

func (h attrCaptureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h attrCaptureHandler) Handle(_ context.Context, rec slog.Record) error {
	rec.Attrs(func(a slog.Attr) bool {
		*h.attrs = append(*h.attrs, a)
		return true
	})
	return nil
}

func (h attrCaptureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h attrCaptureHandler) WithGroup(string) slog.Handler      { return h }

func TestWithSinkDoesNotMutateBase(t *testing.T) {
	kc := keychain.New()
	stderrSink, stderrMsgs := newRecordingSink(SinkStderr)
	base := NewHandler(kc, stderrSink)

	mcpSink, mcpMsgs := newRecordingSink(SinkMCP)
	extended := base.WithSink(mcpSink)

	slog.New(base).Info("base only")
	slog.New(extended).Info("both")

	assert.Equal(t, []string{"base only", "both"}, *stderrMsgs)
	assert.Equal(t, []string{"both"}, *mcpMsgs)
}

type fakeSender struct {
	params []LogMessageParams
}

func (f *fakeSender) SendLogMessage(_ context.Context, p LogMessageParams) error {
	f.params = append(f.params, p)
	return nil
}

func TestMCPSink(t *testing.T) {
	kc := keychain.New()
	sender := &fakeSender{}
	level := &slog.LevelVar{}
	log := slog.New(NewHandler(kc, NewMCPSink(sender, level)))

	log = log.With(slog.String("component", "mcp:connection"))
	log.Info("connected", slog.String("host", "localhost"))
	log.Debug("suppressed at info level")

	level.Set(slog.LevelDebug)
	log.Debug("visible at debug level")

	require.Len(t, sender.params, 2)
	assert.Equal(t, "info", sender.params[0].Level)
	assert.Equal(t, "mcp:connection", sender.params[0].Logger)
	assert.Equal(t, "connected host=localhost", sender.params[0].Data)
	assert.Equal(t, "debug", sender.params[1].Level)
}

func TestLevelMapping(t *testing.T) {
	assert.Equal(t, "debug", MCPLevel(slog.LevelDebug))
	assert.Equal(t, "info", MCPLevel(slog.LevelInfo))
	assert.Equal(t, "warning", MCPLevel(slog.LevelWarn))
	assert.Equal(t, "error", MCPLevel(slog.LevelError))
	assert.Equal(t, "critical", MCPLevel(slog.LevelError+4))

	assert.Equal(t, slog.LevelWarn, SlogLevel("warning"))
	assert.Equal(t, slog.LevelInfo, SlogLevel("notice"))
	assert.Equal(t, slog.LevelInfo, SlogLevel("unknown"))
}
