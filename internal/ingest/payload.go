package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// maxPayloadBytes bounds a single snapshot body.
const maxPayloadBytes = 4 << 20

// Snapshot is one host's report. Host-level metadata fields are defaults for
// every process in the snapshot that leaves them empty.
type Snapshot struct {
	Hostname     string           `json:"hostname"`
	HospitalCode string           `json:"hospital_code,omitempty"`
	HospitalName string           `json:"hospital_name,omitempty"`
	CompanyName  string           `json:"company_name,omitempty"`
	RecordedAt   string           `json:"recorded_at,omitempty"`
	Processes    []ProcessPayload `json:"processes"`
}

// ProcessPayload is the wire form of one process entry. Nested blocks are
// kept raw so that a malformed block can be dropped without failing the
// record.
type ProcessPayload struct {
	ProcessName   string   `json:"process_name"`
	Name          string   `json:"name,omitempty"`
	Hostname      string   `json:"hostname,omitempty"`
	PID           *int     `json:"pid,omitempty"`
	Status        string   `json:"status"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryMB      float64  `json:"memory_mb"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskReadMBs   float64  `json:"disk_read_mb_s"`
	DiskWriteMBs  float64  `json:"disk_write_mb_s"`
	NetSentMBs    float64  `json:"net_sent_mb_s"`
	NetRecvMBs    float64  `json:"net_recv_mb_s"`
	UptimeSeconds *float64 `json:"uptime_seconds,omitempty"`

	HospitalCode       string `json:"hospital_code,omitempty"`
	HospitalName       string `json:"hospital_name,omitempty"`
	CompanyName        string `json:"company_name,omitempty"`
	ProgramPath        string `json:"program_path,omitempty"`
	InstallDate        string `json:"install_date,omitempty"`
	WarrantyExpiryDate string `json:"warranty_expiry_date,omitempty"`

	WindowInfo        json.RawMessage `json:"window_info,omitempty"`
	BMSStatus         json.RawMessage `json:"bms_status,omitempty"`
	RestartSchedule   json.RawMessage `json:"restart_schedule,omitempty"`
	AutoStartSchedule json.RawMessage `json:"auto_start_schedule,omitempty"`

	RecordedAt string `json:"recorded_at,omitempty"`
}

// ValidationError reports why a snapshot was rejected. Nothing from a
// rejected snapshot is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid snapshot: %s: %s", e.Field, e.Reason)
}

// Decode reads one JSON snapshot from r. Syntax errors and oversized bodies
// are reported as *ValidationError.
func Decode(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(io.LimitReader(r, maxPayloadBytes+1))
	if err := dec.Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{}, &ValidationError{Field: "body", Reason: "empty"}
		}
		return Snapshot{}, &ValidationError{Field: "body", Reason: err.Error()}
	}
	return snap, nil
}

// DecodeBytes is Decode for an in-memory frame.
func DecodeBytes(b []byte) (Snapshot, error) {
	if len(b) > maxPayloadBytes {
		return Snapshot{}, &ValidationError{Field: "body", Reason: "too large"}
	}
	return Decode(bytes.NewReader(b))
}

// timeLayouts are tried in order. Agents written against naive local clocks
// send timestamps without a zone; those are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseRecordedAt(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Normalize validates snap and converts it into store records. received
// stamps records whose snapshot carries no recorded_at. Warnings describe
// dropped optional blocks.
func Normalize(snap Snapshot, received time.Time) ([]storage.ProcessRecord, []string, error) {
	hostAt := received.UTC()
	if snap.RecordedAt != "" {
		t, ok := parseRecordedAt(snap.RecordedAt)
		if !ok {
			return nil, nil, &ValidationError{Field: "recorded_at", Reason: fmt.Sprintf("unparsable %q", snap.RecordedAt)}
		}
		hostAt = t
	}

	recs := make([]storage.ProcessRecord, 0, len(snap.Processes))
	var warnings []string
	for i, p := range snap.Processes {
		field := func(name string) string { return fmt.Sprintf("processes[%d].%s", i, name) }

		name := strings.TrimSpace(p.ProcessName)
		if name == "" {
			name = strings.TrimSpace(p.Name)
		}
		if name == "" {
			return nil, nil, &ValidationError{Field: field("process_name"), Reason: "required"}
		}

		var status storage.ProcessStatus
		switch storage.ProcessStatus(strings.ToLower(strings.TrimSpace(p.Status))) {
		case storage.StatusRunning:
			status = storage.StatusRunning
		case storage.StatusStopped:
			status = storage.StatusStopped
		default:
			return nil, nil, &ValidationError{Field: field("status"), Reason: fmt.Sprintf("must be running or stopped, got %q", p.Status)}
		}

		metrics := []metric{
			{"cpu_percent", p.CPUPercent},
			{"memory_mb", p.MemoryMB},
			{"memory_percent", p.MemoryPercent},
			{"disk_read_mb_s", p.DiskReadMBs},
			{"disk_write_mb_s", p.DiskWriteMBs},
			{"net_sent_mb_s", p.NetSentMBs},
			{"net_recv_mb_s", p.NetRecvMBs},
		}
		if p.UptimeSeconds != nil {
			metrics = append(metrics, metric{"uptime_seconds", *p.UptimeSeconds})
		}
		for _, m := range metrics {
			if math.IsNaN(m.v) || math.IsInf(m.v, 0) || m.v < 0 {
				return nil, nil, &ValidationError{Field: field(m.name), Reason: fmt.Sprintf("must be a finite non-negative number, got %v", m.v)}
			}
		}

		at := hostAt
		if p.RecordedAt != "" {
			t, ok := parseRecordedAt(p.RecordedAt)
			if !ok {
				return nil, nil, &ValidationError{Field: field("recorded_at"), Reason: fmt.Sprintf("unparsable %q", p.RecordedAt)}
			}
			at = t
		}

		rec := storage.ProcessRecord{
			ProcessName:        name,
			Hostname:           firstNonEmpty(p.Hostname, snap.Hostname),
			PID:                p.PID,
			Status:             status,
			CPUPercent:         p.CPUPercent,
			MemoryMB:           p.MemoryMB,
			MemoryPercent:      p.MemoryPercent,
			DiskReadMBs:        p.DiskReadMBs,
			DiskWriteMBs:       p.DiskWriteMBs,
			NetSentMBs:         p.NetSentMBs,
			NetRecvMBs:         p.NetRecvMBs,
			UptimeSeconds:      p.UptimeSeconds,
			HospitalCode:       strings.TrimSpace(firstNonEmpty(p.HospitalCode, snap.HospitalCode)),
			HospitalName:       firstNonEmpty(p.HospitalName, snap.HospitalName),
			CompanyName:        firstNonEmpty(p.CompanyName, snap.CompanyName),
			ProgramPath:        p.ProgramPath,
			InstallDate:        p.InstallDate,
			WarrantyExpiryDate: p.WarrantyExpiryDate,
			RecordedAt:         at,
		}
		if status == storage.StatusStopped {
			rec.PID = nil
			rec.UptimeSeconds = nil
		}

		var warn string
		if rec.WindowInfo, warn = optionalBlock[storage.WindowInfo](p.WindowInfo, field("window_info")); warn != "" {
			warnings = append(warnings, warn)
		}
		if rec.BMSStatus, warn = optionalBMS(p.BMSStatus, field("bms_status")); warn != "" {
			warnings = append(warnings, warn)
		}
		if rec.RestartSchedule, warn = optionalBlock[storage.Schedule](p.RestartSchedule, field("restart_schedule")); warn != "" {
			warnings = append(warnings, warn)
		}
		if rec.AutoStartSchedule, warn = optionalBlock[storage.Schedule](p.AutoStartSchedule, field("auto_start_schedule")); warn != "" {
			warnings = append(warnings, warn)
		}

		recs = append(recs, rec)
	}
	return recs, warnings, nil
}

// optionalBlock decodes an optional nested block. A malformed block yields
// nil and a warning.
func optionalBlock[T any](raw json.RawMessage, field string) (*T, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ""
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Sprintf("%s dropped: %v", field, err)
	}
	return &v, ""
}

// optionalBMS decodes bms_status and folds unrecognised link states into
// unknown.
func optionalBMS(raw json.RawMessage, field string) (*storage.BMSStatus, string) {
	b, warn := optionalBlock[storage.BMSStatus](raw, field)
	if b == nil {
		return nil, warn
	}
	b.GatewayStatus = storage.ParseLinkStatus(string(b.GatewayStatus))
	b.HosxpDBStatus = storage.ParseLinkStatus(string(b.HosxpDBStatus))
	b.GatewayDBStatus = storage.ParseLinkStatus(string(b.GatewayDBStatus))
	return b, ""
}

type metric struct {
	name string
	v    float64
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
