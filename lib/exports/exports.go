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

// Package exports streams query cursors to JSON files in the
// background and exposes them as MCP resources with an expiry
// lifecycle.
package exports

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	mdbmcp "github.com/titus-civic/mongodb-mcp-server-sub000"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/defaults"
	"github.com/titus-civic/mongodb-mcp-server-sub000/lib/logger"
)

// URIScheme prefixes every export resource URI.
const URIScheme = "exported-data://"

// Status is the lifecycle state of one export.
type Status string

const (
	// StatusRunning means the background stream is still writing.
	StatusRunning Status = "running"
	// StatusReady means the cursor drained and the file is closed.
	StatusReady Status = "ready"
	// StatusFailed means a cursor or I/O error ended the stream.
	StatusFailed Status = "failed"
	// StatusExpired means the expiry passed; the sweep removes the
	// entry shortly after.
	StatusExpired Status = "expired"
)

// Format selects the extended JSON variant written to the file.
type Format string

const (
	// FormatRelaxed is readable but lossy extended JSON.
	FormatRelaxed Format = "relaxed"
	// FormatCanonical is lossless extended JSON.
	FormatCanonical Format = "canonical"
)

// Job is the public view of one export.
type Job struct {
	ExportID     string
	ExportName   string
	ExportTitle  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Status       Status
	AbsolutePath string
	ResourceURI  string
	BytesWritten int64
	// FailureReason is set when Status is failed.
	FailureReason string
}

// DocumentCursor is the slice of a driver cursor the export stream
// needs, extracted so tests can feed synthetic documents.
type DocumentCursor interface {
	Next(ctx context.Context) bool
	Current() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type driverCursor struct {
	*mongo.Cursor
}

func (c driverCursor) Current() bson.Raw {
	return c.Cursor.Current
}

// NewDriverCursor adapts a *mongo.Cursor to DocumentCursor.
func NewDriverCursor(cursor *mongo.Cursor) DocumentCursor {
	return driverCursor{Cursor: cursor}
}

// PendingError is returned when a resource read arrives while the
// export is still running.
type PendingError struct {
	// URI is the requested resource.
	URI string
}

// Error implements error.
func (e *PendingError) Error() string {
	return "export " + e.URI + " is still running, retry shortly"
}

// IsPendingError checks the error chain for a PendingError.
func IsPendingError(err error) bool {
	var pending *PendingError
	return errors.As(err, &pending)
}

// Notifier delivers resource-updated notifications to the agent.
// Implemented by the transports; best-effort.
type Notifier interface {
	NotifyResourceUpdated(ctx context.Context, uri string)
}

// ManagerConfig is the config for an exports Manager.
type ManagerConfig struct {
	// Log is the slog logger.
	Log *slog.Logger
	// Clock drives expiry and the cleanup sweep.
	Clock clockwork.Clock
	// ExportsPath is the directory export files are written to.
	ExportsPath string
	// ExportTimeout is how long an export stays readable.
	ExportTimeout time.Duration
	// CleanupInterval is the sweep period.
	CleanupInterval time.Duration
	// QueueSize bounds the per-export document queue between the
	// cursor reader and the file writer.
	QueueSize int
}

// CheckAndSetDefaults checks values and sets defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.ExportsPath == "" {
		return trace.BadParameter("missing ExportsPath")
	}
	if c.Log == nil {
		c.Log = slog.With(mdbmcp.ComponentKey, mdbmcp.ComponentExports)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaults.ExportTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaults.ExportCleanupInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.ExportQueueSize
	}
	return nil
}

type job struct {
	Job
	// done closes when the stream finishes, for tests and Close.
	done chan struct{}
}

// Manager runs export streams and the expiry sweep. Each export owns
// its own cursor and file handle; the manager's map is the only shared
// state.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*job
	notifier Notifier
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager and starts its cleanup sweep.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		log:    cfg.Log,
		jobs:   make(map[string]*job),
		cancel: cancel,
	}
	m.wg.Add(1)
	// Register the sweep ticker before the goroutine starts so the
	// sweep observes clock advances made as soon as NewManager returns.
	ticker := cfg.Clock.NewTicker(cfg.CleanupInterval)
	go m.runSweep(ctx, ticker)
	return m, nil
}

// SetNotifier attaches the transport-backed notifier once a session
// transport exists.
func (m *Manager) SetNotifier(notifier Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = notifier
}

// Close stops the sweep and waits for running streams to finish their
// terminal transition.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

// CreateParams is the input to CreateJSONExport.
type CreateParams struct {
	// Input is the cursor to drain. The export owns it from this point.
	Input DocumentCursor
	// ExportName is the file name, <db>.<coll>.<objectid>.json.
	ExportName string
	// ExportTitle is the human-readable resource title.
	ExportTitle string
	// Format selects relaxed or canonical extended JSON.
	Format Format
}

// CreateJSONExport registers an export and returns its resource URI and
// file path immediately; a background task streams the cursor to the
// file and emits one resource-updated notification on the terminal
// transition.
func (m *Manager) CreateJSONExport(ctx context.Context, params CreateParams) (exportURI, exportPath string, err error) {
	if params.Input == nil {
		return "", "", trace.BadParameter("missing Input cursor")
	}
	name := params.ExportName
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return "", "", trace.BadParameter("invalid export name %q", params.ExportName)
	}
	if params.Format == "" {
		params.Format = FormatRelaxed
	}
	if params.Format != FormatRelaxed && params.Format != FormatCanonical {
		return "", "", trace.BadParameter("invalid export format %q, expected one of: relaxed, canonical", params.Format)
	}
	if err := os.MkdirAll(m.cfg.ExportsPath, 0o700); err != nil {
		return "", "", trace.ConvertSystemError(err)
	}

	now := m.cfg.Clock.Now()
	j := &job{
		Job: Job{
			ExportID:     uuid.NewString(),
			ExportName:   name,
			ExportTitle:  params.ExportTitle,
			CreatedAt:    now,
			ExpiresAt:    now.Add(m.cfg.ExportTimeout),
			Status:       StatusRunning,
			AbsolutePath: filepath.Join(m.cfg.ExportsPath, name),
			ResourceURI:  URIScheme + name,
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", "", trace.Errorf("exports manager is closed")
	}
	m.jobs[j.ExportName] = j
	m.mu.Unlock()

	m.log.InfoContext(ctx, "Export started",
		logger.ID(logger.LogIDExportCreated),
		"export", j.ExportName)

	m.wg.Add(1)
	go m.stream(j, params.Input, params.Format)

	return j.ResourceURI, j.AbsolutePath, nil
}

// stream drains the cursor into the export file through a bounded
// queue, then records exactly one terminal transition.
func (m *Manager) stream(j *job, cursor DocumentCursor, format Format) {
	defer m.wg.Done()
	defer close(j.done)
	ctx := context.Background()

	bytesWritten, err := m.writeFile(ctx, j.AbsolutePath, cursor, format)
	closeErr := cursor.Close(ctx)

	m.mu.Lock()
	j.BytesWritten = bytesWritten
	if err != nil {
		j.Status = StatusFailed
		j.FailureReason = err.Error()
	} else {
		j.Status = StatusReady
		if closeErr != nil {
			m.log.Debug("Failed to close export cursor", "error", closeErr)
		}
	}
	notifier := m.notifier
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("Export failed",
			logger.ID(logger.LogIDExportFailed),
			"export", j.ExportName,
			"error", err)
	} else {
		m.log.Info("Export ready",
			logger.ID(logger.LogIDExportReady),
			"export", j.ExportName,
			"bytes", bytesWritten)
	}
	if notifier != nil {
		notifier.NotifyResourceUpdated(ctx, j.ResourceURI)
	}
}

func (m *Manager) writeFile(ctx context.Context, path string, cursor DocumentCursor, format Format) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}

	// The reader goroutine owns the cursor, the writer the file; the
	// bounded queue keeps memory flat when the disk is the bottleneck.
	docs := make(chan bson.Raw, m.cfg.QueueSize)
	readErr := make(chan error, 1)
	go func() {
		defer close(docs)
		for cursor.Next(ctx) {
			current := cursor.Current()
			doc := make(bson.Raw, len(current))
			copy(doc, current)
			docs <- doc
		}
		readErr <- cursor.Err()
	}()

	canonical := format == FormatCanonical
	var written int64
	var writeErr error
	count := 0
	write := func(b []byte) {
		if writeErr != nil {
			return
		}
		n, err := file.Write(b)
		written += int64(n)
		writeErr = err
	}

	write([]byte("["))
	for doc := range docs {
		extJSON, err := bson.MarshalExtJSON(doc, canonical, false)
		if err != nil {
			writeErr = err
			break
		}
		if count > 0 {
			write([]byte(",\n"))
		} else {
			write([]byte("\n"))
		}
		write(extJSON)
		count++
	}
	// Drain remaining docs if marshaling broke the loop early.
	for range docs {
	}
	if count > 0 {
		write([]byte("\n"))
	}
	write([]byte("]\n"))

	if err := <-readErr; err != nil && writeErr == nil {
		writeErr = err
	}
	if err := file.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return written, trace.Wrap(writeErr)
	}
	return written, nil
}

// Get returns the export registered under name, with expiry applied.
func (m *Manager) Get(name string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[name]
	if !ok {
		return Job{}, false
	}
	return m.snapshotLocked(j), true
}

// List returns all exports, expiry applied, for resources/list.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, m.snapshotLocked(j))
	}
	return jobs
}

func (m *Manager) snapshotLocked(j *job) Job {
	snapshot := j.Job
	if snapshot.Status == StatusReady && !m.cfg.Clock.Now().Before(snapshot.ExpiresAt) {
		snapshot.Status = StatusExpired
	}
	return snapshot
}

// ReadResource returns the file contents of the export behind uri. A
// running export returns a PendingError; an expired or unknown one
// returns a NotFound error.
func (m *Manager) ReadResource(ctx context.Context, uri string) ([]byte, error) {
	name := strings.TrimPrefix(uri, URIScheme)
	j, ok := m.Get(name)
	if !ok {
		return nil, trace.NotFound("export %q not found", uri)
	}
	switch j.Status {
	case StatusRunning:
		return nil, trace.Wrap(&PendingError{URI: uri})
	case StatusFailed:
		return nil, trace.Errorf("export %q failed: %s", uri, j.FailureReason)
	case StatusExpired:
		return nil, trace.NotFound("export %q has expired", uri)
	}
	data, err := os.ReadFile(j.AbsolutePath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return data, nil
}

// runSweep deletes expired export files and drops their entries.
func (m *Manager) runSweep(ctx context.Context, ticker clockwork.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.sweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	var expired []*job
	for name, j := range m.jobs {
		if j.Status == StatusRunning || now.Before(j.ExpiresAt) {
			continue
		}
		expired = append(expired, j)
		delete(m.jobs, name)
	}
	m.mu.Unlock()

	for _, j := range expired {
		if err := os.Remove(j.AbsolutePath); err != nil && !os.IsNotExist(err) {
			m.log.WarnContext(ctx, "Failed to delete expired export",
				logger.ID(logger.LogIDExportCleanupFailure),
				"export", j.ExportName,
				"error", err)
			continue
		}
		m.log.InfoContext(ctx, "Export expired",
			logger.ID(logger.LogIDExportExpired),
			"export", j.ExportName)
	}
}
