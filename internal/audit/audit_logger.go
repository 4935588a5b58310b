// Package audit records operator changes to the fleet (threshold edits,
// metadata edits, removals from monitoring) in a tamper-evident,
// append-only JSON-lines file whose entries are SHA-256 hash-chained.
//
// # Hash chain
//
// The hash of entry N is computed as:
//
//	SHA-256( JSON({seq, ts, event, prev_hash}) )
//
// The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero characters.
// Verify walks a file and reports the first entry whose hash or linkage does
// not match, which is where an edit or truncation happened.
//
// Logger is safe for concurrent use; a mutex serialises Record so the
// sequence and prev_hash stay consistent.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Action names an operator change.
type Action string

const (
	ActionThresholdsUpdate Action = "thresholds.update"
	ActionMetadataUpdate   Action = "process.metadata.update"
	ActionProcessRemove    Action = "process.remove"
)

// Event is one operator change. Target identifies the object changed, e.g.
// an identity key string; Detail carries the new values.
type Event struct {
	Action Action          `json:"action"`
	Actor  string          `json:"actor"`
	Target string          `json:"target,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Entry is one line of the log.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// hashed is the part of an Entry covered by EventHash.
type hashed struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
}

func (e *Entry) computeHash() string {
	raw, err := json.Marshal(hashed{Seq: e.Seq, Timestamp: e.Timestamp, Event: e.Event, PrevHash: e.PrevHash})
	if err != nil {
		// Event.Detail is validated JSON; unreachable.
		panic(fmt.Sprintf("audit: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ChainError locates a broken link.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Logger appends Events to a hash-chained log. Create one with Open.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens or creates the log at path. An existing log is verified first
// so that new entries continue its chain; a broken chain is an error.
func Open(path string) (*Logger, error) {
	l := &Logger{prevHash: GenesisHash, now: time.Now}

	if f, err := os.Open(path); err == nil {
		entries, err := readChain(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: existing log %q: %w", path, err)
		}
		if n := len(entries); n > 0 {
			l.seq = entries[n-1].Seq
			l.prevHash = entries[n-1].EventHash
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Record appends evt and returns the written entry.
func (l *Logger) Record(evt Event) (Entry, error) {
	if len(evt.Detail) > 0 && !json.Valid(evt.Detail) {
		return Entry{}, errors.New("audit: detail is not valid JSON")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Event:     evt,
		PrevHash:  l.prevHash,
	}
	e.EventHash = e.computeHash()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = e.Seq
	l.prevHash = e.EventHash
	return e, nil
}

// RecordDetail is Record with detail marshalled from v.
func (l *Logger) RecordDetail(action Action, actor, target string, v any) (Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal detail: %w", err)
	}
	return l.Record(Event{Action: action, Actor: actor, Target: target, Detail: raw})
}

// Close syncs and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path and checks every link of the chain. An empty
// file is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()
	return readChain(f)
}

// readChain decodes JSON lines from r, checking hashes and linkage.
func readChain(r io.Reader) ([]Entry, error) {
	var entries []Entry
	prev := GenesisHash
	want := int64(1)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, &ChainError{Seq: want, Reason: "malformed entry: " + err.Error()}
		}
		switch {
		case e.Seq != want:
			return nil, &ChainError{Seq: want, Reason: fmt.Sprintf("found seq %d", e.Seq)}
		case e.PrevHash != prev:
			return nil, &ChainError{Seq: e.Seq, Reason: "prev_hash does not match previous entry"}
		case e.computeHash() != e.EventHash:
			return nil, &ChainError{Seq: e.Seq, Reason: "event_hash does not match content"}
		}
		entries = append(entries, e)
		prev = e.EventHash
		want++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read: %w", err)
	}
	return entries, nil
}
