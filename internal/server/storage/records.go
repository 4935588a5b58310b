package storage

import (
	"strings"
	"time"
)

// ApplySnapshot computes the stored record that results from writing next
// over prev. Every backend funnels writes through it so the conflict rules
// are identical regardless of engine.
//
//   - Last write wins by RecordedAt, not arrival order. A snapshot older than
//     prev is not applied and prev is returned unchanged.
//   - Volatile fields (status, pid, metrics, uptime, window info, BMS status,
//     schedules) are replaced wholesale.
//   - Metadata (hostname, hospital name, company, program path, install and
//     warranty dates) is filled when absent and never overwritten.
//   - LastStarted is stamped on a transition to running and LastStopped on a
//     running → stopped transition; both are preserved otherwise.
func ApplySnapshot(prev *ProcessRecord, next ProcessRecord) (ProcessRecord, bool) {
	if prev == nil {
		out := next.Clone()
		if out.Status == StatusRunning && out.LastStarted == nil {
			out.LastStarted = timePtr(out.RecordedAt)
		}
		return out, true
	}
	if next.RecordedAt.Before(prev.RecordedAt) {
		return prev.Clone(), false
	}

	out := next.Clone()
	out.Hostname = keep(prev.Hostname, next.Hostname)
	out.HospitalName = keep(prev.HospitalName, next.HospitalName)
	out.CompanyName = keep(prev.CompanyName, next.CompanyName)
	out.ProgramPath = keep(prev.ProgramPath, next.ProgramPath)
	out.InstallDate = keep(prev.InstallDate, next.InstallDate)
	out.WarrantyExpiryDate = keep(prev.WarrantyExpiryDate, next.WarrantyExpiryDate)

	out.LastStarted = cloneTime(prev.LastStarted)
	out.LastStopped = cloneTime(prev.LastStopped)
	if prev.Status != next.Status {
		switch {
		case next.Status == StatusRunning:
			out.LastStarted = timePtr(next.RecordedAt)
		case prev.Status == StatusRunning && next.Status == StatusStopped:
			out.LastStopped = timePtr(next.RecordedAt)
		}
	}
	return out, true
}

// ApplyMetadata applies an explicit operator edit. Unlike ApplySnapshot it
// overwrites existing metadata.
func ApplyMetadata(rec ProcessRecord, u MetadataUpdate) ProcessRecord {
	out := rec.Clone()
	if u.HospitalName != nil {
		out.HospitalName = *u.HospitalName
	}
	if u.CompanyName != nil {
		out.CompanyName = *u.CompanyName
	}
	if u.ProgramPath != nil {
		out.ProgramPath = *u.ProgramPath
	}
	if u.InstallDate != nil {
		out.InstallDate = *u.InstallDate
	}
	if u.WarrantyExpiryDate != nil {
		out.WarrantyExpiryDate = *u.WarrantyExpiryDate
	}
	return out
}

// reassignment reports the key an UpdateMetadata call on key moves the record
// to. moved is false when u leaves the hospital code alone.
func reassignment(key IdentityKey, u MetadataUpdate) (to IdentityKey, moved bool, err error) {
	if u.HospitalCode == nil {
		return key, false, nil
	}
	code := strings.TrimSpace(*u.HospitalCode)
	if code == key.HospitalCode {
		return key, false, nil
	}
	if key.HospitalCode != "" {
		return key, false, ErrAlreadyAssigned
	}
	return IdentityKey{Name: key.Name, HospitalCode: code}, true, nil
}

// mergeAssigned folds an unassigned record into the record already stored
// under its new hospital code, if any. The newer observation supplies the
// volatile fields; metadata present on target is kept.
func mergeAssigned(target *ProcessRecord, moved ProcessRecord, code string) ProcessRecord {
	moved = moved.Clone()
	moved.HospitalCode = code
	if target == nil {
		return moved
	}
	if !moved.RecordedAt.Before(target.RecordedAt) {
		out, _ := ApplySnapshot(target, moved)
		return out
	}
	out := target.Clone()
	out.Hostname = keep(out.Hostname, moved.Hostname)
	out.HospitalName = keep(out.HospitalName, moved.HospitalName)
	out.CompanyName = keep(out.CompanyName, moved.CompanyName)
	out.ProgramPath = keep(out.ProgramPath, moved.ProgramPath)
	out.InstallDate = keep(out.InstallDate, moved.InstallDate)
	out.WarrantyExpiryDate = keep(out.WarrantyExpiryDate, moved.WarrantyExpiryDate)
	return out
}

func keep(existing, incoming string) string {
	if existing != "" {
		return existing
	}
	return incoming
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
