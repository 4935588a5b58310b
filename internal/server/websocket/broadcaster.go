// Package websocket provides the Distribution Channel of the fleetwatch
// server: a broadcaster that pushes full-replace fleet views to dashboard
// sessions, the dashboard WebSocket handler, and the agent live-session
// handler.
//
// Design notes
//
//   - Each dashboard client has a dedicated buffered channel of encoded
//     frames. A non-blocking send is used so a slow or disconnected client
//     never stalls the scheduler goroutine that pushes updates; a push that
//     does not fit is dropped and the next tick sends a fresh full view.
//   - Clients are tracked in a sync.Map keyed by client ID so pushes range
//     over them without a global lock.
//   - Hospital-role sessions belong to the live class and receive updates on
//     the short tick; admin and company sessions belong to the polling class.
//   - A push projects the view once per distinct session and reuses the
//     encoded frame for every client sharing that session.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwatch/dashboard/internal/projector"
	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// Class is a push cadence.
type Class string

const (
	ClassLive    Class = "live"
	ClassPolling Class = "polling"
)

// ClassFor returns the push class of a session.
func ClassFor(s projector.Session) Class {
	if s.Role == projector.RoleHospital {
		return ClassLive
	}
	return ClassPolling
}

// UpdateData is the payload of an update frame.
type UpdateData struct {
	Processes        []projector.ProcessView `json:"processes"`
	Groups           []projector.Group       `json:"groups"`
	Companies        []projector.Company     `json:"companies,omitempty"`
	Totals           projector.Aggregates    `json:"totals"`
	Alerts           []storage.AlertEvent    `json:"alerts"`
	StoreUnavailable bool                    `json:"store_unavailable"`
	LiveUnavailable  bool                    `json:"live_unavailable"`
	ScopeViolation   bool                    `json:"scope_violation,omitempty"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// Update is the only frame type pushed to dashboards. It replaces the
// client's whole view.
type Update struct {
	Type string     `json:"type"` // always "update"
	Data UpdateData `json:"data"`
}

// Source builds the current update for a session.
type Source interface {
	Update(ctx context.Context, s projector.Session) (Update, error)
}

// Client is one connected dashboard. It is created by Broadcaster.Register
// and valid until Broadcaster.Unregister.
type Client struct {
	id      string
	session projector.Session
	class   Class
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Session returns the client's authenticated session.
func (c *Client) Session() projector.Session { return c.session }

// Class returns the client's push class.
func (c *Client) Class() Class { return c.class }

// Send returns the channel of encoded frames for this client. It is closed
// when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// offer enqueues raw without blocking and reports whether it fit.
func (c *Client) offer(raw []byte) bool {
	select {
	case c.send <- raw:
		return true
	default:
		c.Dropped.Add(1)
		return false
	}
}

// Broadcaster fans updates out to connected dashboard clients. It is safe
// for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	// mu orders Unregister/Close against sends so a frame is never offered
	// on a closed channel.
	mu sync.RWMutex

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client buffer
// depth in frames; 0 uses 8. Full views are large and superseded by the next
// tick, so a deep buffer only delays fresh data.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 8
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates and stores a client for session s. The caller must call
// Unregister(id) when the connection ends. On a closed broadcaster the
// returned client's Send channel is already closed.
func (b *Broadcaster) Register(id string, s projector.Session) *Client {
	c := &Client{
		id:      id,
		session: s,
		class:   ClassFor(s),
		send:    make(chan []byte, b.bufSize),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// a no-op.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// ClassCount returns the number of registered clients in class.
func (b *Broadcaster) ClassCount(class Class) int {
	n := 0
	b.clients.Range(func(_, v any) bool {
		if v.(*Client).class == class {
			n++
		}
		return true
	})
	return n
}

// Push sends a freshly built update to every client of class and returns the
// number of clients that received it. Errors building one session's view
// skip that session's clients.
func (b *Broadcaster) Push(ctx context.Context, class Class, src Source) int {
	if b.closed.Load() {
		return 0
	}

	frames := make(map[projector.Session][]byte)
	var targets []*Client
	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if c.class != class {
			return true
		}
		if _, ok := frames[c.session]; !ok {
			frames[c.session] = b.encode(ctx, src, c.session)
		}
		targets = append(targets, c)
		return true
	})

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, c := range targets {
		raw := frames[c.session]
		if raw == nil {
			continue
		}
		if _, live := b.clients.Load(c.id); !live {
			continue
		}
		if c.offer(raw) {
			delivered++
		} else {
			b.logger.Warn("websocket broadcaster: client buffer full, dropping update",
				slog.String("client_id", c.id),
				slog.String("class", string(class)),
			)
		}
	}
	return delivered
}

// SendNow builds and enqueues an update for a single client, used to give a
// new connection its first view without waiting for the next tick.
func (b *Broadcaster) SendNow(ctx context.Context, c *Client, src Source) bool {
	raw := b.encode(ctx, src, c.session)
	if raw == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, live := b.clients.Load(c.id); !live {
		return false
	}
	return c.offer(raw)
}

func (b *Broadcaster) encode(ctx context.Context, src Source, s projector.Session) []byte {
	upd, err := src.Update(ctx, s)
	if err != nil {
		b.logger.Error("websocket broadcaster: build update failed",
			slog.String("role", string(s.Role)),
			slog.Any("error", err),
		)
		return nil
	}
	upd.Type = "update"
	raw, err := json.Marshal(upd)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return nil
	}
	return raw
}

// Close unregisters every client. Afterwards Push is a no-op and Register
// returns closed clients.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
