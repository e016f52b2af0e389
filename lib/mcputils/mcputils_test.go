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

package mcputils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseJSONRPCMessage(t *testing.T) {
	tests := []struct {
		name           string
		payload        string
		isRequest      bool
		isNotification bool
		isResponse     bool
	}{
		{
			name:      "request",
			payload:   `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"find"}}`,
			isRequest: true,
		},
		{
			name:      "request with string id",
			payload:   `{"jsonrpc":"2.0","id":"abc","method":"initialize"}`,
			isRequest: true,
		},
		{
			name:           "notification",
			payload:        `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			isNotification: true,
		},
		{
			name:       "success response",
			payload:    `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
			isResponse: true,
		},
		{
			name:       "error response",
			payload:    `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`,
			isResponse: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var base BaseJSONRPCMessage
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &base))
			assert.Equal(t, tt.isRequest, base.IsRequest())
			assert.Equal(t, tt.isNotification, base.IsNotification())
			assert.Equal(t, tt.isResponse, base.IsResponse())
		})
	}
}

func TestBaseJSONRPCMessagePreservesExtendedJSON(t *testing.T) {
	payload := `{"jsonrpc":"2.0","id":7,"method":"tools/call",` +
		`"params":{"arguments":{"filter":{"_id":{"$oid":"662a4a1b9f1d2c0007e6d9a1"}}}}}`
	var base BaseJSONRPCMessage
	require.NoError(t, json.Unmarshal([]byte(payload), &base))
	require.True(t, base.IsRequest())

	req := base.MakeRequest()
	require.Contains(t, string(req.Params), `"$oid":"662a4a1b9f1d2c0007e6d9a1"`)
}

func TestMessageReaderDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	in, out := io.Pipe()
	t.Cleanup(func() {
		_ = in.Close()
		_ = out.Close()
	})

	var requests, notifications, responses, parseErrors atomic.Int32
	reader, err := NewMessageReader(MessageReaderConfig{
		Transport: NewStdioReader(in),
		Logger:    slog.Default(),
		OnParseError: func(ctx context.Context, parseError error) error {
			require.True(t, IsReaderParseError(parseError))
			parseErrors.Add(1)
			return nil
		},
		OnRequest: func(ctx context.Context, req *JSONRPCRequest) error {
			requests.Add(1)
			return nil
		},
		OnNotification: func(ctx context.Context, n *JSONRPCNotification) error {
			notifications.Add(1)
			return nil
		},
		OnResponse: func(ctx context.Context, resp *JSONRPCResponse) error {
			responses.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	readerClosed := make(chan struct{})
	go func() {
		reader.Run(ctx)
		close(readerClosed)
	}()

	lines := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"result":{}}`,
		`this is not json`,
		`{"jsonrpc":"1.0","id":3,"method":"nope"}`,
	}
	for _, line := range lines {
		_, err := fmt.Fprintln(out, line)
		require.NoError(t, err)
	}

	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		assert.Equal(collect, int32(1), requests.Load())
		assert.Equal(collect, int32(1), notifications.Load())
		assert.Equal(collect, int32(1), responses.Load())
		assert.Equal(collect, int32(2), parseErrors.Load())
	}, 2*time.Second, 10*time.Millisecond)

	// Closing the write end stops the reader.
	require.NoError(t, out.Close())
	select {
	case <-readerClosed:
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for reader to stop after stdin close")
	}
}

func TestMessageReaderStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	in, out := io.Pipe()
	t.Cleanup(func() {
		_ = in.Close()
		_ = out.Close()
	})

	reader, err := NewMessageReader(MessageReaderConfig{
		Transport:    NewStdioReader(in),
		Logger:       slog.Default(),
		OnParseError: LogAndIgnoreParseError(slog.Default()),
		OnRequest: func(context.Context, *JSONRPCRequest) error {
			return nil
		},
		OnNotification: func(context.Context, *JSONRPCNotification) error {
			return nil
		},
	})
	require.NoError(t, err)

	onCloseCalled := make(chan struct{})
	reader.cfg.OnClose = func(context.Context) { close(onCloseCalled) }

	readerClosed := make(chan struct{})
	go func() {
		reader.Run(ctx)
		close(readerClosed)
	}()

	cancel()
	select {
	case <-readerClosed:
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for reader to stop after cancel")
	}
	select {
	case <-onCloseCalled:
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for OnClose")
	}
}

func TestReplyParseError(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	writer := MessageWriterFunc(func(ctx context.Context, msg mcp.JSONRPCMessage) error {
		mu.Lock()
		defer mu.Unlock()
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	})

	handler := ReplyParseError(writer)
	require.NoError(t, handler(context.Background(), newReaderParseError(fmt.Errorf("bad json"))))

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, buf.String(), `-32700`)
	require.Contains(t, buf.String(), "bad json")
}

func TestSyncStdioMessageWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := NewSyncStdioMessageWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			notification := NewNotification("notifications/message",
				json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
			assert.NoError(t, writer.WriteMessage(context.Background(), notification))
		}(i)
	}
	wg.Wait()

	scanner := bufio.NewScanner(strings.NewReader(buf.String()))
	var count int
	for scanner.Scan() {
		var base BaseJSONRPCMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &base), "line must be whole JSON: %s", scanner.Text())
		require.True(t, base.IsNotification())
		count++
	}
	require.Equal(t, 20, count)
}

func TestMultiMessageWriter(t *testing.T) {
	var first, second atomic.Int32
	counter := func(c *atomic.Int32) MessageWriter {
		return MessageWriterFunc(func(context.Context, mcp.JSONRPCMessage) error {
			c.Add(1)
			return nil
		})
	}
	w := NewMultiMessageWriter(counter(&first), counter(&second))
	require.NoError(t, w.WriteMessage(context.Background(), NewNotification("ping", nil)))
	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(1), second.Load())
}
