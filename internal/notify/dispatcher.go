package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// ErrQueueFull is returned by Dispatcher.Notify when the event was dropped.
var ErrQueueFull = errors.New("notify: queue full, event dropped")

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 15 * time.Second
)

// DispatcherOptions tunes a Dispatcher. Zero values select defaults.
type DispatcherOptions struct {
	QueueSize   int
	SendTimeout time.Duration
	Location    *time.Location // for rendered times
}

// DispatcherStats counts dispatcher outcomes since start.
type DispatcherStats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

// Dispatcher decouples alert emission from delivery. Notify enqueues without
// blocking; Run drains the queue and sends each event through the sink with
// a bounded timeout. A full queue drops the event.
type Dispatcher struct {
	sink    Sink
	target  Target
	logger  *slog.Logger
	timeout time.Duration
	loc     *time.Location
	queue   chan storage.AlertEvent

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewDispatcher creates a Dispatcher sending to target through sink.
func NewDispatcher(sink Sink, target Target, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Dispatcher{
		sink:    sink,
		target:  target,
		logger:  logger,
		timeout: opts.SendTimeout,
		loc:     opts.Location,
		queue:   make(chan storage.AlertEvent, opts.QueueSize),
	}
}

// Notify enqueues evt for delivery. It never blocks.
func (d *Dispatcher) Notify(_ context.Context, evt storage.AlertEvent) error {
	select {
	case d.queue <- evt:
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Warn("notify: queue full, dropping event",
			slog.String("process", evt.ProcessName),
			slog.String("type", string(evt.Type)),
		)
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled. Events still queued at
// that point are counted as dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				d.dropped.Add(int64(n))
				d.logger.Warn("notify: shutting down with undelivered events", slog.Int("count", n))
			}
			return nil
		case evt := <-d.queue:
			d.deliver(ctx, evt)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt storage.AlertEvent) {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sink.Send(sctx, d.target, Format(evt, d.loc)); err != nil {
		d.failed.Add(1)
		d.logger.Error("notify: delivery failed",
			slog.String("key", evt.Key().String()),
			slog.String("sink", d.sink.Name()),
			slog.Any("error", err),
		)
		return
	}
	d.sent.Add(1)
	d.logger.Debug("notify: delivered", slog.String("key", evt.Key().String()))
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}
