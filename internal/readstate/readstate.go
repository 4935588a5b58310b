// Package readstate tracks which alert events a viewer has acknowledged.
// Receipts are presentation state: they are local to one client, expire
// after a retention window, and never influence alert evaluation.
//
// The tracker loads its state once at construction and saves through the
// injected Port on every change.
package readstate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// DefaultRetention is how long a receipt is kept.
const DefaultRetention = 7 * 24 * time.Hour

// State maps an alert key string to the time it was marked read.
type State map[string]time.Time

// Port loads and saves receipt state.
type Port interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// Tracker holds receipts in memory. It is safe for concurrent use.
type Tracker struct {
	port      Port
	retention time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state State
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) { t.retention = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Open loads state from port and drops expired receipts.
func Open(ctx context.Context, port Port, opts ...Option) (*Tracker, error) {
	t := &Tracker{port: port, retention: DefaultRetention, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	st, err := port.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("readstate: load: %w", err)
	}
	if st == nil {
		st = State{}
	}
	t.state = st
	if t.prune() > 0 {
		if err := t.port.Save(ctx, t.snapshot()); err != nil {
			return nil, fmt.Errorf("readstate: save: %w", err)
		}
	}
	return t, nil
}

// IsRead reports whether the event has a live receipt.
func (t *Tracker) IsRead(evt storage.AlertEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.state[evt.Key().String()]
	return ok
}

// Unread returns the events of evts without a receipt, in order.
func (t *Tracker) Unread(evts []storage.AlertEvent) []storage.AlertEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []storage.AlertEvent
	for _, e := range evts {
		if _, ok := t.state[e.Key().String()]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// MarkRead records receipts for evts and saves when anything changed.
func (t *Tracker) MarkRead(ctx context.Context, evts ...storage.AlertEvent) error {
	t.mu.Lock()
	now := t.now()
	changed := t.prune() > 0
	for _, e := range evts {
		k := e.Key().String()
		if _, ok := t.state[k]; !ok {
			t.state[k] = now
			changed = true
		}
	}
	var snap State
	if changed {
		snap = t.snapshot()
	}
	t.mu.Unlock()

	if !changed {
		return nil
	}
	if err := t.port.Save(ctx, snap); err != nil {
		return fmt.Errorf("readstate: save: %w", err)
	}
	return nil
}

// Len returns the number of live receipts.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.state)
}

// prune drops receipts older than the retention window. Callers hold mu
// or own t exclusively.
func (t *Tracker) prune() int {
	cutoff := t.now().Add(-t.retention)
	n := 0
	for k, at := range t.state {
		if at.Before(cutoff) {
			delete(t.state, k)
			n++
		}
	}
	return n
}

func (t *Tracker) snapshot() State {
	out := make(State, len(t.state))
	for k, v := range t.state {
		out[k] = v
	}
	return out
}

// SQLitePort persists State in a local SQLite database, one row per
// receipt. Save replaces the stored set in a single transaction.
type SQLitePort struct {
	db *sql.DB
}

// OpenSQLitePort opens (or creates) the receipt database at path, creating
// its directory when needed.
func OpenSQLitePort(path string) (*SQLitePort, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("readstate: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("readstate: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS receipts (
			alert_key TEXT PRIMARY KEY,
			read_at   TEXT NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("readstate: open %q: %w", path, err)
		}
	}
	return &SQLitePort{db: db}, nil
}

// Load implements Port.
func (p *SQLitePort) Load(ctx context.Context) (State, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT alert_key, read_at FROM receipts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := State{}
	for rows.Next() {
		var k, at string
		if err := rows.Scan(&k, &at); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("receipt %q: %w", k, err)
		}
		st[k] = t
	}
	return st, rows.Err()
}

// Save implements Port.
func (p *SQLitePort) Save(ctx context.Context, s State) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM receipts`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO receipts (alert_key, read_at) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, at := range s {
		if _, err := stmt.ExecContext(ctx, k, at.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (p *SQLitePort) Close() error {
	return p.db.Close()
}

// MemoryPort keeps State in memory.
type MemoryPort struct {
	mu    sync.Mutex
	state State
	Saves int
}

// Load implements Port.
func (p *MemoryPort) Load(_ context.Context) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(State, len(p.state))
	for k, v := range p.state {
		out[k] = v
	}
	return out, nil
}

// Save implements Port.
func (p *MemoryPort) Save(_ context.Context, s State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	p.Saves++
	return nil
}
