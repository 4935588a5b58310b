// Package pipeline runs the server's periodic work: the evaluation cycle
// (merge, persist pending live records, evaluate alerts), the pushes to
// dashboard sessions, and history retention. It also serves as the update
// source for the dashboard broadcaster.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetwatch/dashboard/internal/merge"
	"github.com/fleetwatch/dashboard/internal/projector"
	"github.com/fleetwatch/dashboard/internal/server/storage"
	"github.com/fleetwatch/dashboard/internal/server/websocket"
	"github.com/fleetwatch/dashboard/internal/staleness"
)

// Store is the subset of storage.Store used by the pipeline.
type Store interface {
	UpsertRecord(ctx context.Context, rec storage.ProcessRecord) (storage.UpsertResult, error)
	RecentAlerts(ctx context.Context, q storage.AlertQuery) ([]storage.AlertEvent, error)
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// Merger produces the merged fleet view.
type Merger interface {
	Merge(ctx context.Context, q storage.RecordQuery) merge.Result
}

// Evaluator turns a merged snapshot into alert events.
type Evaluator interface {
	Evaluate(ctx context.Context, records []storage.ProcessRecord, now time.Time) []storage.AlertEvent
}

// Pusher delivers updates to one class of dashboard sessions.
type Pusher interface {
	Push(ctx context.Context, class websocket.Class, src websocket.Source) int
}

// Options configure a Pipeline. Zero durations take the defaults.
type Options struct {
	Evaluate     time.Duration // default 10s
	LivePush     time.Duration // default 2s
	AdminPush    time.Duration // default 10s
	Retention    time.Duration // history kept; default 30 days
	WriteTimeout time.Duration // per pending upsert; default 3s
	AlertLimit   int           // alerts per session in updates; default 200
	Offline      staleness.Detector
}

func (o *Options) defaults() {
	if o.Evaluate <= 0 {
		o.Evaluate = 10 * time.Second
	}
	if o.LivePush <= 0 {
		o.LivePush = 2 * time.Second
	}
	if o.AdminPush <= 0 {
		o.AdminPush = 10 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.AlertLimit <= 0 {
		o.AlertLimit = 200
	}
}

// snapshot is the cached outcome of the latest merge.
//
// scoped caches the recent alerts per session scope for the current cycle;
// it is keyed by the store query so each scope's limit applies to its own
// alerts. It is guarded by Pipeline.mu.
type snapshot struct {
	merged merge.Result
	fleet  []storage.AlertEvent
	scoped map[storage.AlertQuery][]storage.AlertEvent
	at     time.Time
}

// Pipeline schedules the periodic jobs and caches the latest merged fleet.
// It is safe for concurrent use.
type Pipeline struct {
	store  Store
	merger Merger
	alerts Evaluator
	pusher Pusher
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	mu     sync.RWMutex
	latest *snapshot
}

// New creates a Pipeline. pusher may be nil when no dashboards are served.
func New(store Store, merger Merger, alerts Evaluator, pusher Pusher, logger *slog.Logger, opts Options) *Pipeline {
	opts.defaults()
	return &Pipeline{
		store:  store,
		merger: merger,
		alerts: alerts,
		pusher: pusher,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// Run schedules the jobs and blocks until ctx is cancelled. An evaluation
// cycle runs immediately so the first dashboards see data without waiting a
// full interval. Jobs in flight are waited for before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{p.logger}),
		cron.SkipIfStillRunning(cronLogger{p.logger}),
	), cron.WithLogger(cronLogger{p.logger}))

	jobs := []struct {
		name  string
		every time.Duration
		fn    func(context.Context)
	}{
		{"evaluate", p.opts.Evaluate, p.evaluateJob},
		{"live_push", p.opts.LivePush, func(ctx context.Context) { p.pushJob(ctx, websocket.ClassLive) }},
		{"admin_push", p.opts.AdminPush, func(ctx context.Context) { p.pushJob(ctx, websocket.ClassPolling) }},
		{"prune", time.Hour, func(ctx context.Context) { _, _ = p.Prune(ctx) }},
	}
	for _, j := range jobs {
		fn := j.fn
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.every), func() { fn(ctx) }); err != nil {
			return fmt.Errorf("pipeline: schedule %s: %w", j.name, err)
		}
	}

	p.evaluateJob(ctx)
	c.Start()
	p.logger.Info("pipeline: started",
		slog.Duration("evaluate", p.opts.Evaluate),
		slog.Duration("live_push", p.opts.LivePush),
		slog.Duration("admin_push", p.opts.AdminPush),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	p.logger.Info("pipeline: stopped")
	return nil
}

func (p *Pipeline) evaluateJob(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	p.RunCycle(ctx)
	if p.pusher != nil {
		p.pusher.Push(ctx, websocket.ClassPolling, p)
	}
}

func (p *Pipeline) pushJob(ctx context.Context, class websocket.Class) {
	if ctx.Err() != nil || p.pusher == nil {
		return
	}
	p.Refresh(ctx)
	n := p.pusher.Push(ctx, class, p)
	p.logger.Debug("pipeline: pushed", slog.String("class", string(class)), slog.Int("clients", n))
}

// RunCycle performs one evaluation cycle: merge the whole fleet, persist live
// records that have no durable row yet, evaluate alerts and cache the result.
// It returns the events emitted in this cycle.
func (p *Pipeline) RunCycle(ctx context.Context) []storage.AlertEvent {
	now := p.now()
	res := p.merger.Merge(ctx, storage.RecordQuery{})
	p.persistPending(ctx, res.Pending)

	events := p.alerts.Evaluate(ctx, res.Records, now)

	fleetQ := storage.AlertQuery{Limit: p.opts.AlertLimit}
	recent, err := p.store.RecentAlerts(ctx, fleetQ)
	if err != nil {
		p.logger.Warn("pipeline: recent alerts unavailable, using cached list", slog.Any("error", err))
		recent = p.fallbackAlerts(events)
	}

	p.mu.Lock()
	p.latest = &snapshot{
		merged: res,
		fleet:  recent,
		scoped: map[storage.AlertQuery][]storage.AlertEvent{fleetQ: recent},
		at:     now,
	}
	p.mu.Unlock()

	p.logger.Debug("pipeline: cycle complete",
		slog.Int("records", len(res.Records)),
		slog.Int("pending", len(res.Pending)),
		slog.Int("events", len(events)),
		slog.Bool("store_unavailable", res.StoreUnavailable),
	)
	return events
}

// Refresh re-merges the fleet without evaluating alerts, so pushes between
// cycles carry current live data.
func (p *Pipeline) Refresh(ctx context.Context) {
	now := p.now()
	res := p.merger.Merge(ctx, storage.RecordQuery{})

	p.mu.Lock()
	defer p.mu.Unlock()
	next := &snapshot{merged: res, scoped: make(map[storage.AlertQuery][]storage.AlertEvent), at: now}
	if p.latest != nil {
		next.fleet = p.latest.fleet
		next.scoped = p.latest.scoped
	}
	p.latest = next
}

// Prune deletes history older than the retention window.
func (p *Pipeline) Prune(ctx context.Context) (int64, error) {
	n, err := p.store.PruneHistory(ctx, p.now().Add(-p.opts.Retention))
	if err != nil {
		p.logger.Warn("pipeline: prune history failed", slog.Any("error", err))
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pipeline: pruned history", slog.Int64("points", n))
	}
	return n, nil
}

// Update implements websocket.Source. It projects the cached fleet for s;
// before the first cycle it merges on demand.
func (p *Pipeline) Update(ctx context.Context, s projector.Session) (websocket.Update, error) {
	p.mu.RLock()
	snap := p.latest
	p.mu.RUnlock()
	if snap == nil {
		p.Refresh(ctx)
		p.mu.RLock()
		snap = p.latest
		p.mu.RUnlock()
	}

	view := projector.Project(snap.merged.Records, s, projector.Options{Now: p.now(), Offline: p.opts.Offline})
	alerts := p.alertsFor(ctx, snap, s)

	return websocket.Update{
		Type: "update",
		Data: websocket.UpdateData{
			Processes:        view.Processes,
			Groups:           view.Groups,
			Companies:        view.Companies,
			Totals:           view.Totals,
			Alerts:           alerts,
			StoreUnavailable: snap.merged.StoreUnavailable,
			LiveUnavailable:  snap.merged.LiveUnavailable,
			ScopeViolation:   view.ScopeViolation,
			GeneratedAt:      snap.at.UTC(),
		},
	}, nil
}

func (p *Pipeline) persistPending(ctx context.Context, pending []storage.ProcessRecord) {
	for _, rec := range pending {
		wctx, cancel := context.WithTimeout(ctx, p.opts.WriteTimeout)
		_, err := p.store.UpsertRecord(wctx, rec)
		cancel()
		if err != nil {
			p.logger.Warn("pipeline: persist pending record failed",
				slog.String("key", rec.Key().String()),
				slog.Any("error", err),
			)
			// The store is down; the rest would fail the same way.
			return
		}
	}
}

// alertsFor returns the recent alerts visible to s. Each scope is read from
// the store once per cycle with the limit applied after scoping, so a busy
// site cannot push another site's alerts out of its sessions' updates. When
// the store cannot be read, the cached fleet-wide list is scoped instead.
func (p *Pipeline) alertsFor(ctx context.Context, snap *snapshot, s projector.Session) []storage.AlertEvent {
	q, visible, err := projector.AlertQueryFor(s, projector.Filter{})
	if err != nil || !visible {
		return []storage.AlertEvent{}
	}
	q.Limit = p.opts.AlertLimit

	p.mu.RLock()
	cached, ok := snap.scoped[q]
	p.mu.RUnlock()
	if ok {
		return cached
	}

	alerts, err := p.store.RecentAlerts(ctx, q)
	if err != nil {
		p.logger.Debug("pipeline: scoped alerts unavailable, using cached list",
			slog.String("hospital_code", q.HospitalCode),
			slog.String("company", q.CompanyName),
			slog.Any("error", err),
		)
		alerts, _ = projector.ScopeAlerts(snap.fleet, s, projector.Filter{})
	}
	if alerts == nil {
		alerts = []storage.AlertEvent{}
	}

	p.mu.Lock()
	snap.scoped[q] = alerts
	p.mu.Unlock()
	return alerts
}

// fallbackAlerts prepends this cycle's events to the cached list.
func (p *Pipeline) fallbackAlerts(events []storage.AlertEvent) []storage.AlertEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]storage.AlertEvent, 0, len(events))
	out = append(out, events...)
	if p.latest != nil {
		out = append(out, p.latest.fleet...)
	}
	if len(out) > p.opts.AlertLimit {
		out = out[:p.opts.AlertLimit]
	}
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
