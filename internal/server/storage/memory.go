package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store used in development mode and by tests of
// the layers above storage. Data does not survive a restart.
type Memory struct {
	mu         sync.RWMutex
	records    map[IdentityKey]ProcessRecord
	history    []HistoryPoint
	alerts     []AlertEvent
	alertKeys  map[AlertKey]struct{}
	thresholds *ThresholdConfig
	subs       []PushSubscription
	closed     bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[IdentityKey]ProcessRecord),
		alertKeys: make(map[AlertKey]struct{}),
	}
}

func (m *Memory) check(op string) error {
	if m.closed {
		return unavailable(op, errClosed)
	}
	return nil
}

// UpsertRecord implements Store.
func (m *Memory) UpsertRecord(ctx context.Context, rec ProcessRecord) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, unavailable("upsert record", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert record"); err != nil {
		return UpsertResult{}, err
	}

	key := rec.Key()
	var prev *ProcessRecord
	if existing, ok := m.records[key]; ok {
		prev = &existing
	}
	merged, applied := ApplySnapshot(prev, rec)
	if applied {
		m.records[key] = merged
		m.history = append(m.history, historyPoint(merged))
	}
	return UpsertResult{Record: merged.Clone(), Created: prev == nil, Applied: applied}, nil
}

// ListRecords implements Store.
func (m *Memory) ListRecords(ctx context.Context, q RecordQuery) ([]ProcessRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list records", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list records"); err != nil {
		return nil, err
	}

	out := make([]ProcessRecord, 0, len(m.records))
	for _, r := range m.records {
		if q.HospitalCode != "" && r.HospitalCode != q.HospitalCode {
			continue
		}
		if q.CompanyName != "" && r.CompanyName != q.CompanyName {
			continue
		}
		out = append(out, r.Clone())
	}
	sortRecords(out)
	if limit := normalizeLimit(q.Limit, DefaultRecordLimit, DefaultRecordLimit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateMetadata implements Store.
func (m *Memory) UpdateMetadata(_ context.Context, key IdentityKey, u MetadataUpdate) (ProcessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update metadata"); err != nil {
		return ProcessRecord{}, err
	}
	rec, ok := m.records[key]
	if !ok {
		return ProcessRecord{}, ErrNotFound
	}
	to, moved, err := reassignment(key, u)
	if err != nil {
		return ProcessRecord{}, err
	}
	if moved {
		var target *ProcessRecord
		if existing, ok := m.records[to]; ok {
			target = &existing
		}
		rec = mergeAssigned(target, rec, to.HospitalCode)
		delete(m.records, key)
		for i := range m.history {
			p := &m.history[i]
			if p.HospitalCode == key.HospitalCode && NormalizeName(p.ProcessName) == key.Name {
				p.HospitalCode = to.HospitalCode
			}
		}
	}
	rec = ApplyMetadata(rec, u)
	m.records[to] = rec
	return rec.Clone(), nil
}

// ResolveHospitalCode implements Store.
func (m *Memory) ResolveHospitalCode(_ context.Context, host HostKey) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("resolve hospital code"); err != nil {
		return "", err
	}
	if host.Hostname == "" {
		return "", nil
	}
	var best *ProcessRecord
	for k, r := range m.records {
		if k.HospitalCode == "" || r.HostKey() != host {
			continue
		}
		if best == nil || r.RecordedAt.After(best.RecordedAt) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return "", nil
	}
	return best.HospitalCode, nil
}

// DeleteRecord implements Store.
func (m *Memory) DeleteRecord(_ context.Context, key IdentityKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete record"); err != nil {
		return false, err
	}
	_, ok := m.records[key]
	delete(m.records, key)
	return ok, nil
}

// QueryHistory implements Store.
func (m *Memory) QueryHistory(_ context.Context, q HistoryQuery) ([]HistoryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("query history"); err != nil {
		return nil, err
	}
	limit := normalizeLimit(q.Limit, defaultHistLimit, DefaultRecordLimit)
	var out []HistoryPoint
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.history[i]
		if NormalizeName(p.ProcessName) == q.Key.Name && p.HospitalCode == q.Key.HospitalCode {
			out = append(out, p)
		}
	}
	return out, nil
}

// PruneHistory implements Store.
func (m *Memory) PruneHistory(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("prune history"); err != nil {
		return 0, err
	}
	kept := m.history[:0]
	var n int64
	for _, p := range m.history {
		if p.RecordedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.history = kept
	return n, nil
}

// AppendAlert implements Store.
func (m *Memory) AppendAlert(_ context.Context, evt AlertEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("append alert"); err != nil {
		return false, err
	}
	k := evt.Key()
	if _, dup := m.alertKeys[k]; dup {
		return false, nil
	}
	m.alertKeys[k] = struct{}{}
	m.alerts = append(m.alerts, evt)
	return true, nil
}

// RecentAlerts implements Store.
func (m *Memory) RecentAlerts(_ context.Context, q AlertQuery) ([]AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("recent alerts"); err != nil {
		return nil, err
	}
	var out []AlertEvent
	for _, a := range m.alerts {
		if q.HospitalCode != "" && a.HospitalCode != q.HospitalCode {
			continue
		}
		if q.CompanyName != "" && a.CompanyName != q.CompanyName {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := normalizeLimit(q.Limit, defaultAlertLimit, maxAlertLimit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LoadThresholds implements Store.
func (m *Memory) LoadThresholds(_ context.Context) (ThresholdConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("load thresholds"); err != nil {
		return ThresholdConfig{}, err
	}
	if m.thresholds == nil {
		return DefaultThresholds(), nil
	}
	return *m.thresholds, nil
}

// SaveThresholds implements Store.
func (m *Memory) SaveThresholds(_ context.Context, cfg ThresholdConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save thresholds"); err != nil {
		return err
	}
	m.thresholds = &cfg
	return nil
}

// Ping implements Store.
func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("ping")
}

// Close implements Store. Subsequent calls fail with ErrStoreUnavailable,
// which makes Memory useful for exercising degraded paths in tests.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
