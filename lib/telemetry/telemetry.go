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

// Package telemetry buffers anonymous usage events and posts them in
// batches, resolving a stable device id once in the background.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
)

// Result marks a tool invocation outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Event is one telemetry record. Properties carry no PII beyond the
// declared common properties.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	Properties map[string]any `json:"properties"`
}

// NewToolEvent builds the per-invocation event the dispatcher emits.
func NewToolEvent(category, command string, result Result, duration time.Duration) Event {
	return Event{
		Source: mdbmcp.TelemetrySource,
		Properties: map[string]any{
			"component":   mdbmcp.ComponentTools,
			"category":    category,
			"command":     command,
			"result":      string(result),
			"duration_ms": duration.Milliseconds(),
		},
	}
}

// maxCachedEvents caps the in-memory buffer; the oldest events drop
// first when the endpoint is unreachable for long.
const maxCachedEvents = 1000

// flushInterval is the cadence of flush attempts while events are
// buffered.
const flushInterval = 5 * time.Second

// EmitterConfig is the config for an Emitter.
type EmitterConfig struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Clock drives the flush cadence.
	Clock clockwork.Clock
	// BaseURL is the endpoint events are posted to.
	BaseURL string
	// HTTPClient posts batches. Defaults to a retrying client.
	HTTPClient *http.Client
	// TokenSource authenticates batches when Atlas credentials are
	// configured. Nil posts unauthenticated.
	TokenSource oauth2.TokenSource
	// Disabled short-circuits every emit.
	Disabled bool
	// DeviceIDTimeout bounds device id resolution.
	DeviceIDTimeout time.Duration

	resolveDeviceID func(ctx context.Context) (string, error)
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *EmitterConfig) CheckAndSetDefaults() error {
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentTelemetry)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BaseURL == "" {
		c.BaseURL = defaults.TelemetryBaseURL
	}
	if c.HTTPClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.Logger = nil
		retryClient.RetryMax = 2
		c.HTTPClient = retryClient.StandardClient()
	}
	if c.DeviceIDTimeout <= 0 {
		c.DeviceIDTimeout = defaults.DeviceIDTimeout
	}
	if c.resolveDeviceID == nil {
		c.resolveDeviceID = resolveDeviceID
	}
	if os.Getenv(mdbmcp.DoNotTrackEnv) != "" {
		c.Disabled = true
	}
	return nil
}

// Emitter buffers events and flushes them in the background. Safe for
// concurrent use.
type Emitter struct {
	cfg EmitterConfig
	log *slog.Logger

	mu       sync.Mutex
	cache    []Event
	deviceID string

	deviceReady chan struct{}
	wake        chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEmitter creates an Emitter and starts device id resolution and the
// flush loop. A disabled emitter is inert but still safe to use.
func NewEmitter(cfg EmitterConfig) (*Emitter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		cfg:         cfg,
		log:         cfg.Log,
		deviceReady: make(chan struct{}),
		wake:        make(chan struct{}, 1),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if cfg.Disabled {
		cancel()
		close(e.done)
		close(e.deviceReady)
		e.log.Debug("Telemetry disabled", logger.ID(logger.LogIDTelemetryDisabled))
		return e, nil
	}
	go e.resolveDevice(ctx)
	go e.runFlushLoop(ctx)
	return e, nil
}

// DeviceID returns the resolved device id, or empty before resolution.
func (e *Emitter) DeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceID
}

// DeviceReady closes once the device id resolved or timed out.
func (e *Emitter) DeviceReady() <-chan struct{} {
	return e.deviceReady
}

// Emit appends an event to the cache. Never blocks.
func (e *Emitter) Emit(event Event) {
	if e.cfg.Disabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.cfg.Clock.Now()
	}
	if event.Source == "" {
		event.Source = mdbmcp.TelemetrySource
	}
	e.mu.Lock()
	e.cache = append(e.cache, event)
	if overflow := len(e.cache) - maxCachedEvents; overflow > 0 {
		e.cache = e.cache[overflow:]
	}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close stops the background loops after a final flush attempt.
func (e *Emitter) Close(ctx context.Context) error {
	if e.cfg.Disabled {
		return nil
	}
	e.flush(ctx)
	e.cancel()
	<-e.done
	return nil
}

func (e *Emitter) resolveDevice(ctx context.Context) {
	resolveCtx, cancel := context.WithTimeout(ctx, e.cfg.DeviceIDTimeout)
	defer cancel()
	id, err := e.cfg.resolveDeviceID(resolveCtx)
	if err != nil {
		e.log.Debug("Device id resolution failed",
			logger.ID(logger.LogIDTelemetryDeviceIDTimeout),
			"error", err)
		id = "unknown"
	}
	e.mu.Lock()
	e.deviceID = id
	e.mu.Unlock()
	close(e.deviceReady)
}

// runFlushLoop flushes buffered events on a tick, backing off after
// failures and resetting after a success.
func (e *Emitter) runFlushLoop(ctx context.Context) {
	defer close(e.done)

	// Events buffer until the device id settles.
	select {
	case <-e.deviceReady:
	case <-ctx.Done():
		return
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = flushInterval
	retry.MaxInterval = 2 * time.Minute
	retry.MaxElapsedTime = 0

	wait := flushInterval
	for {
		timer := e.cfg.Clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-e.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}
		if e.flush(ctx) {
			retry.Reset()
			wait = flushInterval
		} else {
			wait = retry.NextBackOff()
		}
	}
}

// flush posts the cached batch. Failed batches re-queue ahead of any
// newly emitted events.
func (e *Emitter) flush(ctx context.Context) bool {
	e.mu.Lock()
	batch := e.cache
	e.cache = nil
	deviceID := e.deviceID
	e.mu.Unlock()
	if len(batch) == 0 {
		return true
	}
	if deviceID == "" {
		deviceID = "unknown"
	}
	for i := range batch {
		batch[i].Properties["device_id"] = deviceID
	}

	err := e.post(ctx, batch, true)
	if err != nil {
		e.log.Debug("Telemetry flush failed",
			logger.ID(logger.LogIDTelemetryFlushFailure),
			"events", len(batch),
			"error", err)
		e.mu.Lock()
		e.cache = append(batch, e.cache...)
		if overflow := len(e.cache) - maxCachedEvents; overflow > 0 {
			e.cache = e.cache[overflow:]
		}
		e.mu.Unlock()
		return false
	}
	return true
}

// post sends one batch, authenticated when a token source is
// configured and falling back to unauthenticated on 401.
func (e *Emitter) post(ctx context.Context, batch []Event, authenticated bool) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authenticated && e.cfg.TokenSource != nil {
		token, err := e.cfg.TokenSource.Token()
		if err == nil {
			token.SetAuthHeader(req)
		}
	}
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "posting telemetry batch")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized && authenticated && e.cfg.TokenSource != nil {
		return trace.Wrap(e.post(ctx, batch, false))
	}
	if resp.StatusCode >= 300 {
		return trace.ConnectionProblem(nil, "telemetry endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
