// Package alert implements the Alert Engine. Each evaluation cycle runs the
// level-triggered metric rules and the edge-triggered transition rules over
// the merged fleet view, appends every new event to the alert log, and hands
// it to the notifier.
//
// The alert log is the source of truth: an event is notified only when this
// call inserted it, so two cycles racing on the same event key notify once.
// Delivery failures are logged per event and never roll back the log.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwatch/dashboard/internal/server/storage"
	"github.com/fleetwatch/dashboard/internal/staleness"
)

// DefaultRecentWindow is the number of notified event keys remembered to
// guard against double-sends.
const DefaultRecentWindow = 1000

// Store is the subset of storage.Store used by the Engine.
type Store interface {
	AppendAlert(ctx context.Context, evt storage.AlertEvent) (bool, error)
	LoadThresholds(ctx context.Context) (storage.ThresholdConfig, error)
}

// Notifier delivers an event. Implementations are expected to return
// quickly; notify.Dispatcher queues and sends asynchronously.
type Notifier interface {
	Notify(ctx context.Context, evt storage.AlertEvent) error
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	Detector     staleness.Detector
	Cooldown     time.Duration // per (identity key, type); 0 disables
	RecentWindow int
}

type cooldownKey struct {
	key storage.IdentityKey
	typ storage.AlertType
}

// Engine evaluates merged records. It is safe for concurrent use.
type Engine struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	detector staleness.Detector
	tracker  *Tracker
	cooldown time.Duration

	mu         sync.Mutex
	thresholds *storage.ThresholdConfig // last successfully loaded
	recent     *recentKeys
	lastSent   map[cooldownKey]time.Time
}

// NewEngine creates an Engine. notifier may be nil to disable delivery.
func NewEngine(store Store, notifier Notifier, logger *slog.Logger, opts Options) *Engine {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = DefaultRecentWindow
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		logger:   logger,
		detector: staleness.New(opts.Detector.Threshold),
		tracker:  NewTracker(),
		cooldown: opts.Cooldown,
		recent:   newRecentKeys(opts.RecentWindow),
		lastSent: make(map[cooldownKey]time.Time),
	}
}

// Evaluate runs one cycle over records at now and returns the events that
// were emitted. Every event of the cycle carries now as its timestamp.
//
// Offline records are skipped entirely: their status and metrics describe
// the past. Metric rules apply only to running records.
func (e *Engine) Evaluate(ctx context.Context, records []storage.ProcessRecord, now time.Time) []storage.AlertEvent {
	ts := now.UTC()
	cfg := e.loadThresholds(ctx)

	var candidates []storage.AlertEvent
	for i := range records {
		rec := &records[i]
		if e.detector.IsOffline(rec.RecordedAt, now) {
			continue
		}
		candidates = append(candidates, e.tracker.Observe(rec, now, cfg.ProcessStopped)...)
		if rec.Status == storage.StatusRunning {
			candidates = append(candidates, metricAlerts(rec, cfg)...)
		}
	}
	e.tracker.Prune(now.Add(-stateTTL))

	var emitted []storage.AlertEvent
	for _, evt := range candidates {
		evt.Timestamp = ts
		if e.emit(ctx, evt) {
			emitted = append(emitted, evt)
		}
	}
	if len(emitted) > 0 {
		e.logger.Info("alert: cycle emitted events",
			slog.Int("records", len(records)),
			slog.Int("events", len(emitted)),
		)
	}
	return emitted
}

// Tracker exposes the transition tracker for inspection.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// emit appends evt and notifies it. It reports whether evt is new.
func (e *Engine) emit(ctx context.Context, evt storage.AlertEvent) bool {
	key := evt.Key()
	inserted, err := e.store.AppendAlert(ctx, evt)
	if err != nil {
		// The log is unreachable; fall back to the in-memory window so an
		// outage does not silence alerts.
		e.logger.Error("alert: append failed, notifying from memory",
			slog.String("key", key.String()),
			slog.Any("error", err),
		)
		inserted = true
	}
	if !inserted || !e.remember(key) {
		return false
	}
	e.notify(ctx, evt)
	return true
}

// remember adds key to the recent window and reports whether it was absent.
func (e *Engine) remember(key storage.AlertKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recent.add(key)
}

func (e *Engine) notify(ctx context.Context, evt storage.AlertEvent) {
	if e.notifier == nil {
		return
	}
	if e.cooldown > 0 {
		ck := cooldownKey{key: storage.IdentityKey{Name: storage.NormalizeName(evt.ProcessName), HospitalCode: evt.HospitalCode}, typ: evt.Type}
		e.mu.Lock()
		last, ok := e.lastSent[ck]
		if ok && evt.Timestamp.Sub(last) < e.cooldown {
			e.mu.Unlock()
			e.logger.Debug("alert: notification suppressed by cooldown",
				slog.String("process", evt.ProcessName),
				slog.String("type", string(evt.Type)),
			)
			return
		}
		e.lastSent[ck] = evt.Timestamp
		e.mu.Unlock()
	}
	if err := e.notifier.Notify(ctx, evt); err != nil {
		e.logger.Warn("alert: notification failed",
			slog.String("process", evt.ProcessName),
			slog.String("type", string(evt.Type)),
			slog.Any("error", err),
		)
	}
}

// loadThresholds returns the stored configuration, the last one seen when
// the store is unreachable, or the defaults.
func (e *Engine) loadThresholds(ctx context.Context) storage.ThresholdConfig {
	cfg, err := e.store.LoadThresholds(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.logger.Warn("alert: load thresholds failed, using last known", slog.Any("error", err))
		if e.thresholds != nil {
			return *e.thresholds
		}
		return storage.DefaultThresholds()
	}
	e.thresholds = &cfg
	return cfg
}

// recentKeys is a bounded FIFO set of event keys.
type recentKeys struct {
	max   int
	order []storage.AlertKey
	set   map[storage.AlertKey]struct{}
}

func newRecentKeys(max int) *recentKeys {
	return &recentKeys{max: max, set: make(map[storage.AlertKey]struct{}, max)}
}

func (r *recentKeys) add(k storage.AlertKey) bool {
	if _, ok := r.set[k]; ok {
		return false
	}
	r.set[k] = struct{}{}
	r.order = append(r.order, k)
	if len(r.order) > r.max {
		drop := len(r.order) - r.max/2
		for _, old := range r.order[:drop] {
			delete(r.set, old)
		}
		r.order = append([]storage.AlertKey(nil), r.order[drop:]...)
	}
	return true
}
