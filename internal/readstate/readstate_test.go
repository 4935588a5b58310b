package readstate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func event(name string, at time.Time) storage.AlertEvent {
	return storage.AlertEvent{Type: storage.AlertCPU, ProcessName: name, HospitalCode: "10670", Timestamp: at}
}

func TestTracker_MarkAndUnread(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	port := &MemoryPort{}
	tr, err := Open(ctx, port, WithClock(c.now))
	require.NoError(t, err)

	a, b := event("a", c.t), event("b", c.t)
	require.NoError(t, tr.MarkRead(ctx, a))

	assert.True(t, tr.IsRead(a))
	assert.Equal(t, []storage.AlertEvent{b}, tr.Unread([]storage.AlertEvent{a, b}))
	assert.Equal(t, 1, port.Saves)

	require.NoError(t, tr.MarkRead(ctx, a))
	assert.Equal(t, 1, port.Saves, "no save when nothing changed")
}

func TestTracker_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "read.db")
	at := time.Now().UTC().Truncate(time.Second)

	port, err := OpenSQLitePort(path)
	require.NoError(t, err)
	tr, err := Open(ctx, port)
	require.NoError(t, err)
	require.NoError(t, tr.MarkRead(ctx, event("a", at), event("b", at)))
	require.NoError(t, port.Close())

	port, err = OpenSQLitePort(path)
	require.NoError(t, err)
	defer port.Close()
	reopened, err := Open(ctx, port)
	require.NoError(t, err)
	assert.True(t, reopened.IsRead(event("a", at)))
	assert.True(t, reopened.IsRead(event("b", at)))
	assert.Equal(t, 2, reopened.Len())
}

func TestTracker_RetentionPrunesOnLoadAndMark(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	port := &MemoryPort{}

	tr, err := Open(ctx, port, WithClock(c.now))
	require.NoError(t, err)
	old := event("old", c.t)
	require.NoError(t, tr.MarkRead(ctx, old))

	c.t = c.t.Add(8 * 24 * time.Hour)
	require.NoError(t, tr.MarkRead(ctx, event("new", c.t)))
	assert.False(t, tr.IsRead(old))
	assert.Equal(t, 1, tr.Len())

	// Expired entries written by an earlier run are dropped at load.
	require.NoError(t, port.Save(ctx, State{"stale": c.t.Add(-10 * 24 * time.Hour), "fresh": c.t}))
	again, err := Open(ctx, port, WithClock(c.now))
	require.NoError(t, err)
	assert.Equal(t, 1, again.Len())
}

func TestSQLitePort_NewDatabaseIsEmpty(t *testing.T) {
	port, err := OpenSQLitePort(filepath.Join(t.TempDir(), "none.db"))
	require.NoError(t, err)
	defer port.Close()
	st, err := port.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st)
}

func TestSQLitePort_SaveReplacesPrunedReceipts(t *testing.T) {
	ctx := context.Background()
	port, err := OpenSQLitePort(filepath.Join(t.TempDir(), "read.db"))
	require.NoError(t, err)
	defer port.Close()

	at := time.Date(2024, 3, 1, 8, 0, 0, 123, time.UTC)
	require.NoError(t, port.Save(ctx, State{"a": at, "b": at}))
	require.NoError(t, port.Save(ctx, State{"b": at}))

	st, err := port.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.True(t, st["b"].Equal(at))
}

func TestSQLitePort_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "read.db")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not a database ", 300)), 0o600))
	_, err := OpenSQLitePort(path)
	assert.Error(t, err)
}
