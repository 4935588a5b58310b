package alert

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// stateTTL is how long the tracker remembers a key that stopped appearing in
// evaluations.
const stateTTL = 24 * time.Hour

type procState struct {
	status         storage.ProcessStatus
	stoppedAt      time.Time // zero unless a running → stopped transition is pending
	stoppedAlerted bool
	pid            *int
	hosxpDB        storage.LinkStatus
	gatewayDB      storage.LinkStatus
	lastSeen       time.Time
}

// Tracker holds the per identity key state behind the edge-triggered rules.
// It is safe for concurrent use; each observation of a key is applied
// atomically, so concurrent evaluations cannot both report one transition.
type Tracker struct {
	mu     sync.Mutex
	states map[storage.IdentityKey]*procState
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[storage.IdentityKey]*procState)}
}

// Observe feeds one online record into the tracker and returns the
// transition events it caused. The first sighting of a key only records its
// state.
func (t *Tracker) Observe(rec *storage.ProcessRecord, now time.Time, rule storage.StoppedRule) []storage.AlertEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := rec.Key()
	st, ok := t.states[key]
	if !ok {
		st = &procState{
			status:    rec.Status,
			pid:       copyInt(rec.PID),
			hosxpDB:   storage.LinkUnknown,
			gatewayDB: storage.LinkUnknown,
			lastSeen:  now,
		}
		t.states[key] = st
		st.observeBMS(rec)
		return nil
	}
	st.lastSeen = now

	var out []storage.AlertEvent
	switch {
	case st.status == storage.StatusRunning && rec.Status == storage.StatusStopped:
		st.stoppedAt = now
		st.stoppedAlerted = false
	case st.status == storage.StatusStopped && rec.Status == storage.StatusRunning:
		st.stoppedAt = time.Time{}
		st.stoppedAlerted = false
		msg := fmt.Sprintf("Process %s started", rec.ProcessName)
		if rec.PID != nil {
			msg = fmt.Sprintf("Process %s (PID: %d) started", rec.ProcessName, *rec.PID)
		}
		out = append(out, newEvent(rec, storage.AlertProcessStarted, msg, 0, nil))
	}
	if rec.Status == storage.StatusRunning {
		st.pid = copyInt(rec.PID)
	}
	st.status = rec.Status

	if rule.Enabled && rec.Status == storage.StatusStopped && !st.stoppedAt.IsZero() && !st.stoppedAlerted {
		if stopped := now.Sub(st.stoppedAt); stopped >= rule.Grace() {
			st.stoppedAlerted = true
			grace := rule.Grace().Seconds()
			out = append(out, newEvent(rec, storage.AlertProcessStopped, stoppedMessage(rec.ProcessName, st.pid, stopped), stopped.Seconds(), &grace))
		}
	}

	out = append(out, st.observeBMS(rec)...)
	return out
}

// observeBMS records the database link states of rec and returns the
// connect/disconnect events. Unknown states are not recorded, so a
// transition out of unknown never fires.
func (st *procState) observeBMS(rec *storage.ProcessRecord) []storage.AlertEvent {
	if rec.BMSStatus == nil {
		return nil
	}
	type link struct {
		name string
		prev *storage.LinkStatus
		next storage.LinkStatus
		err  string
	}
	links := []link{
		{"HOSxP DB", &st.hosxpDB, rec.BMSStatus.HosxpDBStatus, rec.BMSStatus.HosxpDBLastError},
		{"Gateway DB", &st.gatewayDB, rec.BMSStatus.GatewayDBStatus, rec.BMSStatus.GatewayDBLastError},
	}

	var down, up, reasons []string
	for _, l := range links {
		next := storage.ParseLinkStatus(string(l.next))
		if next == storage.LinkUnknown {
			continue
		}
		prev := *l.prev
		*l.prev = next
		switch {
		case prev == storage.LinkConnected && next == storage.LinkDisconnected:
			down = append(down, l.name)
			if l.err != "" {
				reasons = append(reasons, l.name+": "+l.err)
			}
		case prev == storage.LinkDisconnected && next == storage.LinkConnected:
			up = append(up, l.name)
		}
	}

	// One event per direction: both links share the alert key of a cycle.
	var out []storage.AlertEvent
	if len(down) > 0 {
		msg := strings.Join(down, " and ") + " disconnected"
		if len(reasons) > 0 {
			msg += " (" + strings.Join(reasons, "; ") + ")"
		}
		out = append(out, newEvent(rec, storage.AlertBMSDBDisconnected, msg, float64(len(down)), nil))
	}
	if len(up) > 0 {
		out = append(out, newEvent(rec, storage.AlertBMSDBReconnected, strings.Join(up, " and ")+" reconnected", float64(len(up)), nil))
	}
	return out
}

// Prune drops keys not observed since before cutoff.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, st := range t.states {
		if st.lastSeen.Before(cutoff) {
			delete(t.states, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func stoppedMessage(name string, pid *int, d time.Duration) string {
	mins := int(d / time.Minute)
	secs := int((d % time.Minute) / time.Second)
	if pid != nil {
		return fmt.Sprintf("Process %s (PID: %d) has been stopped for %dm %ds", name, *pid, mins, secs)
	}
	return fmt.Sprintf("Process %s has been stopped for %dm %ds", name, mins, secs)
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
