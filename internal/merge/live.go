package merge

import (
	"context"
	"errors"
	"sync"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// ErrUnknownSession is returned by Put for a session that was never opened
// or has already been closed.
var ErrUnknownSession = errors.New("live session not open")

// LiveSnapshot is a point-in-time copy of every connected session's latest
// records.
type LiveSnapshot struct {
	Records []storage.ProcessRecord
	// Sites holds the hospital codes covered by at least one connected
	// session that has reported. Unassigned records do not define a site.
	Sites map[string]bool
}

// LiveSource supplies live records to the Engine.
type LiveSource interface {
	Snapshot(ctx context.Context) (LiveSnapshot, error)
}

type liveSession struct {
	records []storage.ProcessRecord
}

// LiveBuffer holds the latest snapshot of every connected agent session.
// A session's records are replaced wholesale on each Put and discarded on
// Close. It is safe for concurrent use.
type LiveBuffer struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// NewLiveBuffer returns an empty buffer.
func NewLiveBuffer() *LiveBuffer {
	return &LiveBuffer{sessions: make(map[string]*liveSession)}
}

// Open registers a live session.
func (b *LiveBuffer) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[sessionID]; !ok {
		b.sessions[sessionID] = &liveSession{}
	}
}

// Close drops a session and its records.
func (b *LiveBuffer) Close(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// Put replaces the records of an open session.
func (b *LiveBuffer) Put(sessionID string, recs []storage.ProcessRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	s.records = recs
	return nil
}

// Sessions returns the number of open sessions.
func (b *LiveBuffer) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Snapshot implements LiveSource. The returned records are copies.
func (b *LiveBuffer) Snapshot(_ context.Context) (LiveSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := LiveSnapshot{Sites: make(map[string]bool)}
	for _, s := range b.sessions {
		for _, r := range s.records {
			snap.Records = append(snap.Records, r.Clone())
			if r.HospitalCode != "" {
				snap.Sites[r.HospitalCode] = true
			}
		}
	}
	return snap, nil
}
