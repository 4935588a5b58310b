// Package projector builds the read-side views of the fleet: it scopes the
// merged records to the viewing session, collapses duplicate identity keys,
// groups by hospital and computes the per-group tallies shown on the
// dashboard.
//
// Deduplication runs before scoping and grouping so that every tally counts
// an identity key once. Offline classification is evaluated against
// Options.Now at projection time and never stored.
package projector

import (
	"sort"
	"strings"
	"time"

	"github.com/fleetwatch/dashboard/internal/merge"
	"github.com/fleetwatch/dashboard/internal/server/storage"
	"github.com/fleetwatch/dashboard/internal/staleness"
)

// SortKey orders processes within the flat list and each group.
type SortKey string

const (
	SortDefault      SortKey = ""
	SortHospitalName SortKey = "hospital_name"
	SortStatus       SortKey = "status" // stopped first
	SortCPU          SortKey = "cpu"    // descending
	SortMemory       SortKey = "memory" // descending
	SortRecent       SortKey = "recent" // latest recorded_at first
)

// ParseSortKey validates a sort parameter.
func ParseSortKey(s string) (SortKey, bool) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case SortDefault, SortHospitalName, SortStatus, SortCPU, SortMemory, SortRecent:
		return k, true
	}
	return SortDefault, false
}

// warrantyWarnDays is the lead time before expiry that counts as a warning.
const warrantyWarnDays = 90

// Options control a projection.
type Options struct {
	Filter  Filter
	Sort    SortKey
	Now     time.Time
	Offline staleness.Detector
}

// ProcessView is a record with its derived offline flag.
type ProcessView struct {
	storage.ProcessRecord
	Offline bool `json:"offline"`
}

// Aggregates are the tallies of one group or of the whole view. Offline
// records count only as offline; CPU and memory totals sum online running
// records.
type Aggregates struct {
	Total           int     `json:"total"`
	Running         int     `json:"running"`
	Stopped         int     `json:"stopped"`
	Offline         int     `json:"offline"`
	TotalCPU        float64 `json:"total_cpu"`
	TotalMemoryMB   float64 `json:"total_memory_mb"`
	WarrantyExpired int     `json:"warranty_expired"`
	WarrantyWarning int     `json:"warranty_warning"`
}

// Group is every visible process of one hospital.
type Group struct {
	HospitalCode string        `json:"hospital_code"`
	HospitalName string        `json:"hospital_name,omitempty"`
	CompanyName  string        `json:"company_name,omitempty"`
	FullyOffline bool          `json:"fully_offline"`
	Stats        Aggregates    `json:"stats"`
	Processes    []ProcessView `json:"processes"`
}

// Company nests hospital groups under their company. Admin views only.
type Company struct {
	CompanyName string     `json:"company_name"`
	Stats       Aggregates `json:"stats"`
	Hospitals   []string   `json:"hospitals"` // hospital codes, group order
}

// View is the projection delivered to one session.
type View struct {
	Processes      []ProcessView `json:"processes"`
	Groups         []Group       `json:"groups"`
	Companies      []Company     `json:"companies,omitempty"`
	Totals         Aggregates    `json:"totals"`
	ScopeViolation bool          `json:"scope_violation,omitempty"`
}

// Project builds the view of records for session s. An unresolvable scope
// yields an empty view with ScopeViolation set.
func Project(records []storage.ProcessRecord, s Session, opts Options) View {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	det := staleness.New(opts.Offline.Threshold)

	visible, err := ScopeRecords(merge.Dedup(records), s, opts.Filter)
	if err != nil {
		return View{ScopeViolation: true, Processes: []ProcessView{}, Groups: []Group{}}
	}

	procs := make([]ProcessView, len(visible))
	for i := range visible {
		procs[i] = ProcessView{ProcessRecord: visible[i], Offline: det.IsOffline(visible[i].RecordedAt, opts.Now)}
	}
	sortViews(procs, opts.Sort)

	v := View{Processes: procs, Groups: []Group{}}
	index := make(map[string]int)
	for _, p := range procs {
		gi, ok := index[p.HospitalCode]
		if !ok {
			gi = len(v.Groups)
			index[p.HospitalCode] = gi
			v.Groups = append(v.Groups, Group{HospitalCode: p.HospitalCode})
		}
		g := &v.Groups[gi]
		if g.HospitalName == "" {
			g.HospitalName = p.HospitalName
		}
		if g.CompanyName == "" {
			g.CompanyName = p.CompanyName
		}
		g.Processes = append(g.Processes, p)
		g.Stats.add(p, opts.Now)
		v.Totals.add(p, opts.Now)
	}
	for i := range v.Groups {
		v.Groups[i].FullyOffline = v.Groups[i].Stats.Offline == v.Groups[i].Stats.Total
	}
	sortGroups(v.Groups, opts.Sort)

	if s.IsAdmin() {
		v.Companies = companies(v.Groups)
	}
	return v
}

func (a *Aggregates) add(p ProcessView, now time.Time) {
	a.Total++
	switch {
	case p.Offline:
		a.Offline++
	case p.Status == storage.StatusRunning:
		a.Running++
		a.TotalCPU += p.CPUPercent
		a.TotalMemoryMB += p.MemoryMB
	default:
		a.Stopped++
	}
	if days, ok := daysUntil(p.WarrantyExpiryDate, now); ok {
		switch {
		case days < 0:
			a.WarrantyExpired++
		case days < warrantyWarnDays:
			a.WarrantyWarning++
		}
	}
}

func (a *Aggregates) merge(b Aggregates) {
	a.Total += b.Total
	a.Running += b.Running
	a.Stopped += b.Stopped
	a.Offline += b.Offline
	a.TotalCPU += b.TotalCPU
	a.TotalMemoryMB += b.TotalMemoryMB
	a.WarrantyExpired += b.WarrantyExpired
	a.WarrantyWarning += b.WarrantyWarning
}

// daysUntil returns the whole days from now's calendar date to a
// YYYY-MM-DD date. Unparsable or empty dates report false.
func daysUntil(date string, now time.Time) (int, bool) {
	if date == "" {
		return 0, false
	}
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0, false
	}
	// Both dates are taken as UTC midnights so a DST shift in now's zone
	// cannot shorten a day.
	y, m, dd := now.Date()
	today := time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
	return int(d.Sub(today) / (24 * time.Hour)), true
}

func companies(groups []Group) []Company {
	var out []Company
	index := make(map[string]int)
	for _, g := range groups {
		ci, ok := index[g.CompanyName]
		if !ok {
			ci = len(out)
			index[g.CompanyName] = ci
			out = append(out, Company{CompanyName: g.CompanyName})
		}
		out[ci].Hospitals = append(out[ci].Hospitals, g.HospitalCode)
		out[ci].Stats.merge(g.Stats)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lessBlankLast(out[i].CompanyName, out[j].CompanyName)
	})
	return out
}

func sortViews(ps []ProcessView, key SortKey) {
	var less func(a, b *ProcessView) bool
	switch key {
	case SortHospitalName:
		less = func(a, b *ProcessView) bool {
			return lessBlankLast(strings.ToLower(a.HospitalName), strings.ToLower(b.HospitalName))
		}
	case SortStatus:
		less = func(a, b *ProcessView) bool { return statusRank(a) < statusRank(b) }
	case SortCPU:
		less = func(a, b *ProcessView) bool { return a.CPUPercent > b.CPUPercent }
	case SortMemory:
		less = func(a, b *ProcessView) bool { return a.MemoryMB > b.MemoryMB }
	case SortRecent:
		less = func(a, b *ProcessView) bool { return a.RecordedAt.After(b.RecordedAt) }
	default:
		return
	}
	sort.SliceStable(ps, func(i, j int) bool { return less(&ps[i], &ps[j]) })
}

// statusRank orders stopped, then offline, then running.
func statusRank(p *ProcessView) int {
	switch {
	case p.Status == storage.StatusStopped:
		return 0
	case p.Offline:
		return 1
	default:
		return 2
	}
}

// sortGroups orders groups by hospital name when requested and by hospital
// code otherwise. The unassigned group always comes last.
func sortGroups(gs []Group, key SortKey) {
	sort.SliceStable(gs, func(i, j int) bool {
		a, b := gs[i], gs[j]
		if (a.HospitalCode == "") != (b.HospitalCode == "") {
			return b.HospitalCode == ""
		}
		if key == SortHospitalName {
			an, bn := strings.ToLower(a.HospitalName), strings.ToLower(b.HospitalName)
			if an != bn {
				return lessBlankLast(an, bn)
			}
		}
		return a.HospitalCode < b.HospitalCode
	})
}

func lessBlankLast(a, b string) bool {
	if (a == "") != (b == "") {
		return b == ""
	}
	return a < b
}
