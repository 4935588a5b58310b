// Package merge produces one authoritative ProcessRecord per identity key by
// combining the durable records of the Fleet Record Store with the records
// currently held by connected agent sessions.
//
// Volatile fields come from the live record; metadata comes from the live
// record when set and otherwise from the durable one. A durable record with
// no live counterpart at a site that does have a connected session is shown
// as stopped with zeroed metrics, because the agent is reporting and this
// process is not in its report. At a site without a session the durable
// record is served as-is. Live records with no durable row are returned as
// Pending so the caller can persist them.
package merge

import (
	"context"
	"log/slog"
	"sort"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// RecordLister is the subset of storage.Store read by the Engine.
type RecordLister interface {
	ListRecords(ctx context.Context, q storage.RecordQuery) ([]storage.ProcessRecord, error)
}

// Result is the outcome of one merge. The degradation flags are set when a
// source could not be read; the records are then best-effort.
type Result struct {
	Records          []storage.ProcessRecord
	Pending          []storage.ProcessRecord
	StoreUnavailable bool
	LiveUnavailable  bool
}

// Engine reads both sources and combines them. It never writes.
type Engine struct {
	store  RecordLister
	live   LiveSource
	logger *slog.Logger
}

// NewEngine creates an Engine. live may be nil, in which case every merge is
// durable-only.
func NewEngine(store RecordLister, live LiveSource, logger *slog.Logger) *Engine {
	return &Engine{store: store, live: live, logger: logger}
}

// Merge returns the merged view for q. Failure to read either source is
// reported through the Result flags instead of an error.
func (e *Engine) Merge(ctx context.Context, q storage.RecordQuery) Result {
	var res Result

	durable, err := e.store.ListRecords(ctx, q)
	if err != nil {
		e.logger.Warn("merge: durable store unavailable, serving live records only", slog.Any("error", err))
		res.StoreUnavailable = true
		durable = nil
	}

	var live LiveSnapshot
	if e.live != nil {
		live, err = e.live.Snapshot(ctx)
		if err != nil {
			e.logger.Warn("merge: live sessions unavailable, serving durable records only", slog.Any("error", err))
			res.LiveUnavailable = true
			live = LiveSnapshot{}
		}
	}

	res.Records, res.Pending = Combine(durable, filterLive(AdoptCodes(durable, live.Records), q), live.Sites)
	return res
}

// filterLive applies the hospital and company filters of q to live records,
// which the buffer does not index.
func filterLive(recs []storage.ProcessRecord, q storage.RecordQuery) []storage.ProcessRecord {
	if q.HospitalCode == "" && q.CompanyName == "" {
		return recs
	}
	out := recs[:0:0]
	for _, r := range recs {
		if q.HospitalCode != "" && r.HospitalCode != q.HospitalCode {
			continue
		}
		if q.CompanyName != "" && r.CompanyName != q.CompanyName {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Combine merges durable and live records. liveSites names the hospital codes
// with a connected session. It is pure: the inputs are not modified and the
// same inputs always give the same output, sorted by hospital code, name and
// hostname.
func Combine(durable, live []storage.ProcessRecord, liveSites map[string]bool) (records, pending []storage.ProcessRecord) {
	durableByKey := Dedup(durable)
	liveByKey := Dedup(AdoptCodes(durable, live))

	index := make(map[storage.IdentityKey]storage.ProcessRecord, len(liveByKey))
	for _, l := range liveByKey {
		index[l.Key()] = l
	}

	seen := make(map[storage.IdentityKey]bool, len(durableByKey))
	for _, d := range durableByKey {
		key := d.Key()
		seen[key] = true
		if l, ok := index[key]; ok {
			records = append(records, overlay(d, l))
			continue
		}
		if liveSites[d.HospitalCode] {
			records = append(records, forceStopped(d))
			continue
		}
		records = append(records, d.Clone())
	}

	for _, l := range liveByKey {
		if seen[l.Key()] {
			continue
		}
		records = append(records, l.Clone())
		pending = append(pending, l.Clone())
	}

	SortRecords(records)
	SortRecords(pending)
	return records, pending
}

// AdoptCodes gives each live record that carries no hospital code the code
// of the durable record for the same program on the same host, so a session
// that omits metadata still lands on its site's row. When several durable
// records match, the most recently recorded one wins. Inputs are not
// modified; live is returned as-is when nothing needs adopting.
func AdoptCodes(durable, live []storage.ProcessRecord) []storage.ProcessRecord {
	var codes map[storage.HostKey]*storage.ProcessRecord
	for i := range durable {
		d := &durable[i]
		if d.HospitalCode == "" || d.Hostname == "" {
			continue
		}
		if codes == nil {
			codes = make(map[storage.HostKey]*storage.ProcessRecord)
		}
		hk := d.HostKey()
		if cur, ok := codes[hk]; !ok || newer(d, cur) {
			codes[hk] = d
		}
	}
	if codes == nil {
		return live
	}

	var out []storage.ProcessRecord
	for i := range live {
		if live[i].HospitalCode != "" {
			continue
		}
		d, ok := codes[live[i].HostKey()]
		if !ok {
			continue
		}
		if out == nil {
			out = make([]storage.ProcessRecord, len(live))
			copy(out, live)
		}
		out[i] = live[i].Clone()
		out[i].HospitalCode = d.HospitalCode
	}
	if out == nil {
		return live
	}
	return out
}

// Dedup keeps one record per identity key: the one with the latest
// RecordedAt. Remaining ties go to the lexically smallest hostname and then
// process name, so the choice never depends on input order.
func Dedup(recs []storage.ProcessRecord) []storage.ProcessRecord {
	best := make(map[storage.IdentityKey]int, len(recs))
	for i := range recs {
		key := recs[i].Key()
		j, ok := best[key]
		if !ok || newer(&recs[i], &recs[j]) {
			best[key] = i
		}
	}
	out := make([]storage.ProcessRecord, 0, len(best))
	for _, i := range best {
		out = append(out, recs[i].Clone())
	}
	SortRecords(out)
	return out
}

// newer reports whether a wins over b for the same identity key.
func newer(a, b *storage.ProcessRecord) bool {
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.After(b.RecordedAt)
	}
	if a.Hostname != b.Hostname {
		return a.Hostname < b.Hostname
	}
	return a.ProcessName < b.ProcessName
}

// overlay takes volatile fields from live and metadata from live when set,
// otherwise from durable.
func overlay(durable, live storage.ProcessRecord) storage.ProcessRecord {
	out := live.Clone()
	out.Hostname = fallback(live.Hostname, durable.Hostname)
	out.HospitalName = fallback(live.HospitalName, durable.HospitalName)
	out.CompanyName = fallback(live.CompanyName, durable.CompanyName)
	out.ProgramPath = fallback(live.ProgramPath, durable.ProgramPath)
	out.InstallDate = fallback(live.InstallDate, durable.InstallDate)
	out.WarrantyExpiryDate = fallback(live.WarrantyExpiryDate, durable.WarrantyExpiryDate)
	if out.LastStarted == nil && durable.LastStarted != nil {
		t := *durable.LastStarted
		out.LastStarted = &t
	}
	if out.LastStopped == nil && durable.LastStopped != nil {
		t := *durable.LastStopped
		out.LastStopped = &t
	}
	return out
}

// forceStopped marks a durable record as having no current signal.
func forceStopped(d storage.ProcessRecord) storage.ProcessRecord {
	out := d.Clone()
	out.Status = storage.StatusStopped
	out.PID = nil
	out.UptimeSeconds = nil
	out.CPUPercent = 0
	out.MemoryMB = 0
	out.MemoryPercent = 0
	out.DiskReadMBs = 0
	out.DiskWriteMBs = 0
	out.NetSentMBs = 0
	out.NetRecvMBs = 0
	return out
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// SortRecords orders records by hospital code, lowercased name and hostname.
func SortRecords(recs []storage.ProcessRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		ki, kj := recs[i].Key(), recs[j].Key()
		if ki.HospitalCode != kj.HospitalCode {
			return ki.HospitalCode < kj.HospitalCode
		}
		if ki.Name != kj.Name {
			return ki.Name < kj.Name
		}
		return recs[i].Hostname < recs[j].Hostname
	})
}
