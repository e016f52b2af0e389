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

package exports

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type fakeCursor struct {
	docs   []bson.Raw
	index  int
	err    error
	closed atomic.Bool
}

func newFakeCursor(t *testing.T, docs ...any) *fakeCursor {
	t.Helper()
	cursor := &fakeCursor{}
	for _, doc := range docs {
		raw, err := bson.Marshal(doc)
		require.NoError(t, err)
		cursor.docs = append(cursor.docs, raw)
	}
	return cursor
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.index >= len(c.docs) {
		return false
	}
	c.index++
	return true
}

func (c *fakeCursor) Current() bson.Raw {
	return c.docs[c.index-1]
}

func (c *fakeCursor) Err() error { return c.err }

func (c *fakeCursor) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

type countingNotifier struct {
	count atomic.Int32
	uris  chan string
}

func newCountingNotifier() *countingNotifier {
	return &countingNotifier{uris: make(chan string, 8)}
}

func (n *countingNotifier) NotifyResourceUpdated(_ context.Context, uri string) {
	n.count.Add(1)
	n.uris <- uri
}

func newTestManager(t *testing.T, clock clockwork.Clock) (*Manager, *countingNotifier) {
	t.Helper()
	manager, err := NewManager(ManagerConfig{
		Clock:       clock,
		ExportsPath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, manager.Close()) })
	notifier := newCountingNotifier()
	manager.SetNotifier(notifier)
	return manager, notifier
}

func waitReady(t *testing.T, notifier *countingNotifier) string {
	t.Helper()
	select {
	case uri := <-notifier.uris:
		return uri
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resource-updated notification")
		return ""
	}
}

func TestCreateJSONExport(t *testing.T) {
	manager, notifier := newTestManager(t, clockwork.NewRealClock())

	cursor := newFakeCursor(t,
		bson.D{{Key: "name", Value: "first"}},
		bson.D{{Key: "name", Value: "second"}},
	)
	uri, path, err := manager.CreateJSONExport(context.Background(), CreateParams{
		Input:      cursor,
		ExportName: "db.foo.deadbeef.json",
		Format:     FormatRelaxed,
	})
	require.NoError(t, err)
	require.Equal(t, "exported-data://db.foo.deadbeef.json", uri)

	notifiedURI := waitReady(t, notifier)
	require.Equal(t, uri, notifiedURI)
	require.EqualValues(t, 1, notifier.count.Load())
	require.True(t, cursor.closed.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var parsed []map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Len(t, parsed, 2)
	assert.Equal(t, "first", parsed[0]["name"])
	assert.Equal(t, "second", parsed[1]["name"])

	job, ok := manager.Get("db.foo.deadbeef.json")
	require.True(t, ok)
	assert.Equal(t, StatusReady, job.Status)
	assert.Positive(t, job.BytesWritten)

	read, err := manager.ReadResource(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, data, read)
}

func TestCreateJSONExportCanonicalLong(t *testing.T) {
	manager, notifier := newTestManager(t, clockwork.NewRealClock())

	cursor := newFakeCursor(t, bson.D{{Key: "longNumber", Value: int64(1234)}})
	_, path, err := manager.CreateJSONExport(context.Background(), CreateParams{
		Input:      cursor,
		ExportName: "db.foo.1.json",
		Format:     FormatCanonical,
	})
	require.NoError(t, err)
	waitReady(t, notifier)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var parsed []map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Len(t, parsed, 1)
	require.Equal(t, map[string]any{"$numberLong": "1234"}, parsed[0]["longNumber"])
}

func TestExportCursorFailure(t *testing.T) {
	manager, notifier := newTestManager(t, clockwork.NewRealClock())

	cursor := newFakeCursor(t, bson.D{{Key: "a", Value: 1}})
	cursor.err = trace.ConnectionProblem(nil, "cursor died")
	uri, _, err := manager.CreateJSONExport(context.Background(), CreateParams{
		Input:      cursor,
		ExportName: "db.foo.2.json",
	})
	require.NoError(t, err)
	waitReady(t, notifier)
	require.EqualValues(t, 1, notifier.count.Load())

	job, ok := manager.Get("db.foo.2.json")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.FailureReason, "cursor died")

	_, err = manager.ReadResource(context.Background(), uri)
	require.Error(t, err)
}

func TestExportPendingRead(t *testing.T) {
	manager, _ := newTestManager(t, clockwork.NewRealClock())

	// A cursor that blocks until released keeps the export running.
	release := make(chan struct{})
	cursor := &blockingCursor{release: release}
	uri, _, err := manager.CreateJSONExport(context.Background(), CreateParams{
		Input:      cursor,
		ExportName: "db.foo.3.json",
	})
	require.NoError(t, err)

	_, err = manager.ReadResource(context.Background(), uri)
	require.True(t, IsPendingError(err))
	close(release)
}

type blockingCursor struct {
	release  chan struct{}
	released bool
}

func (c *blockingCursor) Next(context.Context) bool {
	if !c.released {
		<-c.release
		c.released = true
	}
	return false
}

func (c *blockingCursor) Current() bson.Raw        { return nil }
func (c *blockingCursor) Err() error               { return nil }
func (c *blockingCursor) Close(context.Context) error { return nil }

func TestExportExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	manager, err := NewManager(ManagerConfig{
		Clock:           clock,
		ExportsPath:     t.TempDir(),
		ExportTimeout:   time.Minute,
		CleanupInterval: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, manager.Close()) })
	notifier := newCountingNotifier()
	manager.SetNotifier(notifier)

	cursor := newFakeCursor(t, bson.D{{Key: "a", Value: 1}})
	uri, path, err := manager.CreateJSONExport(context.Background(), CreateParams{
		Input:      cursor,
		ExportName: "db.foo.4.json",
	})
	require.NoError(t, err)
	waitReady(t, notifier)

	// Past the expiry the job reads as expired even before the sweep.
	clock.Advance(2 * time.Minute)
	job, ok := manager.Get("db.foo.4.json")
	require.True(t, ok)
	require.Equal(t, StatusExpired, job.Status)
	_, err = manager.ReadResource(context.Background(), uri)
	require.True(t, trace.IsNotFound(err))

	// The sweep removes the entry and the file.
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		_, ok := manager.Get("db.foo.4.json")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	// Exactly one notification was emitted, on the ready transition.
	require.EqualValues(t, 1, notifier.count.Load())
}

func TestExportNameValidation(t *testing.T) {
	manager, _ := newTestManager(t, clockwork.NewRealClock())
	_, _, err := manager.CreateJSONExport(context.Background(), CreateParams{
		Input:      newFakeCursor(t),
		ExportName: "../../etc/passwd",
	})
	require.True(t, trace.IsBadParameter(err))

	_, _, err = manager.CreateJSONExport(context.Background(), CreateParams{
		Input:      newFakeCursor(t),
		ExportName: "db.foo.json",
		Format:     "yaml",
	})
	require.True(t, trace.IsBadParameter(err))
}
