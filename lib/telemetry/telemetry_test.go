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

package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testResolver(context.Context) (string, error) {
	return "device-123", nil
}

func TestEmitterFlush(t *testing.T) {
	var received atomic.Int32
	batches := make(chan []Event, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		received.Add(int32(len(batch)))
		batches <- batch
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	emitter, err := NewEmitter(EmitterConfig{
		BaseURL:         server.URL,
		resolveDeviceID: testResolver,
	})
	require.NoError(t, err)

	emitter.Emit(NewToolEvent("mongodb", "find", ResultSuccess, 12*time.Millisecond))
	emitter.Emit(NewToolEvent("mongodb", "count", ResultFailure, 3*time.Millisecond))

	select {
	case batch := <-batches:
		require.Len(t, batch, 2)
		assert.Equal(t, "mdbmcp", batch[0].Source)
		assert.Equal(t, "find", batch[0].Properties["command"])
		assert.Equal(t, "success", batch[0].Properties["result"])
		assert.Equal(t, "device-123", batch[0].Properties["device_id"])
		assert.EqualValues(t, 12, batch[0].Properties["duration_ms"])
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
	require.NoError(t, emitter.Close(context.Background()))
}

func TestEmitterRequeuesOnFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var batch []Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		require.Len(t, batch, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	emitter, err := NewEmitter(EmitterConfig{
		BaseURL:         server.URL,
		resolveDeviceID: testResolver,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = emitter.Close(context.Background()) })

	emitter.Emit(NewToolEvent("mongodb", "find", ResultSuccess, time.Millisecond))
	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 30*time.Second, 50*time.Millisecond)
}

func TestEmitterAuthFallbackOn401(t *testing.T) {
	var sawAuth, sawUnauth atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sawUnauth.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	emitter, err := NewEmitter(EmitterConfig{
		BaseURL: server.URL,
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: "tok",
			TokenType:   "Bearer",
		}),
		resolveDeviceID: testResolver,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = emitter.Close(context.Background()) })

	emitter.Emit(NewToolEvent("mongodb", "find", ResultSuccess, time.Millisecond))
	require.Eventually(t, func() bool {
		return sawAuth.Load() && sawUnauth.Load()
	}, 10*time.Second, 50*time.Millisecond)
}

func TestEmitterDisabledByEnv(t *testing.T) {
	t.Setenv("DO_NOT_TRACK", "1")
	emitter, err := NewEmitter(EmitterConfig{
		BaseURL:         "http://127.0.0.1:1",
		resolveDeviceID: testResolver,
	})
	require.NoError(t, err)
	emitter.Emit(NewToolEvent("mongodb", "find", ResultSuccess, time.Millisecond))
	require.NoError(t, emitter.Close(context.Background()))
}
