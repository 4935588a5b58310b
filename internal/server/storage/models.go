// Package storage provides the domain model and the durable Fleet Record
// Store for the fleetwatch dashboard server. It exposes typed model structs
// for process records, alert events and threshold configuration, the write
// rules that every backend shares, and three Store backends: an in-memory
// store for development, a SQLite store, and a PostgreSQL store.
package storage

import (
	"strings"
	"time"
)

// ProcessStatus is the running state reported by an agent.
type ProcessStatus string

const (
	StatusRunning ProcessStatus = "running"
	StatusStopped ProcessStatus = "stopped"
)

// LinkStatus is the health of one BMS gateway or database link.
type LinkStatus string

const (
	LinkConnected    LinkStatus = "connected"
	LinkDisconnected LinkStatus = "disconnected"
	LinkUnknown      LinkStatus = "unknown"
)

// ParseLinkStatus maps any reported value onto the three known states.
// Unrecognised values become LinkUnknown.
func ParseLinkStatus(s string) LinkStatus {
	switch LinkStatus(strings.ToLower(strings.TrimSpace(s))) {
	case LinkConnected:
		return LinkConnected
	case LinkDisconnected:
		return LinkDisconnected
	default:
		return LinkUnknown
	}
}

// AlertType is the rule that produced an AlertEvent.
type AlertType string

const (
	AlertCPU               AlertType = "cpu"
	AlertRAM               AlertType = "ram"
	AlertDiskIO            AlertType = "disk_io"
	AlertNetwork           AlertType = "network"
	AlertProcessStopped    AlertType = "process_stopped"
	AlertProcessStarted    AlertType = "process_started"
	AlertBMSDBDisconnected AlertType = "bms_db_disconnected"
	AlertBMSDBReconnected  AlertType = "bms_db_reconnected"
)

// UnassignedHospital is the group label for records that have not yet been
// enriched with a hospital code.
const UnassignedHospital = "unassigned"

// WindowInfo is the metadata parsed from a BMS program's window title.
type WindowInfo struct {
	Version      string `json:"version,omitempty"`
	HospitalCode string `json:"hospital_code,omitempty"`
	HospitalName string `json:"hospital_name,omitempty"`
	Company      string `json:"company,omitempty"`
	WindowTitle  string `json:"window_title,omitempty"`
}

// BMSStatus is the gateway and database health block reported for BMS
// programs.
type BMSStatus struct {
	GatewayStatus      LinkStatus `json:"gateway_status"`
	HosxpDBStatus      LinkStatus `json:"hosxp_db_status"`
	GatewayDBStatus    LinkStatus `json:"gateway_db_status"`
	HosxpDBLastError   string     `json:"hosxp_db_last_error,omitempty"`
	GatewayDBLastError string     `json:"gateway_db_last_error,omitempty"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatStale     bool       `json:"heartbeat_stale,omitempty"`
}

// Schedule describes an agent-side restart or auto-start schedule. Schedules
// are reported by agents and treated as volatile state.
type Schedule struct {
	Type            string `json:"type"` // none | interval | daily
	IntervalMinutes *int   `json:"interval_minutes,omitempty"`
	IntervalSeconds *int   `json:"interval_seconds,omitempty"`
	DailyTime       string `json:"daily_time,omitempty"` // HH:mm
	Enabled         bool   `json:"enabled"`
}

// ProcessRecord is one reporting unit's observed state at a point in time.
//
// Empty strings stand in for SQL NULL on the nullable text columns. PID and
// UptimeSeconds are nil when the process is stopped. InstallDate and
// WarrantyExpiryDate use the YYYY-MM-DD layout.
type ProcessRecord struct {
	ProcessName   string        `json:"process_name"`
	Hostname      string        `json:"hostname"`
	PID           *int          `json:"pid"`
	Status        ProcessStatus `json:"status"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryMB      float64       `json:"memory_mb"`
	MemoryPercent float64       `json:"memory_percent"`
	DiskReadMBs   float64       `json:"disk_read_mb_s"`
	DiskWriteMBs  float64       `json:"disk_write_mb_s"`
	NetSentMBs    float64       `json:"net_sent_mb_s"`
	NetRecvMBs    float64       `json:"net_recv_mb_s"`
	UptimeSeconds *float64      `json:"uptime_seconds"`

	HospitalCode       string `json:"hospital_code"`
	HospitalName       string `json:"hospital_name,omitempty"`
	CompanyName        string `json:"company_name,omitempty"`
	ProgramPath        string `json:"program_path,omitempty"`
	InstallDate        string `json:"install_date,omitempty"`
	WarrantyExpiryDate string `json:"warranty_expiry_date,omitempty"`

	WindowInfo        *WindowInfo `json:"window_info,omitempty"`
	BMSStatus         *BMSStatus  `json:"bms_status,omitempty"`
	RestartSchedule   *Schedule   `json:"restart_schedule,omitempty"`
	AutoStartSchedule *Schedule   `json:"auto_start_schedule,omitempty"`

	RecordedAt  time.Time  `json:"recorded_at"`
	LastStarted *time.Time `json:"last_started,omitempty"`
	LastStopped *time.Time `json:"last_stopped,omitempty"`
}

// IdentityKey is the fleet-wide deduplication and merge key.
type IdentityKey struct {
	Name         string `json:"name"` // lowercased process name
	HospitalCode string `json:"hospital_code"`
}

// String renders the key as "name@code" for logs.
func (k IdentityKey) String() string {
	code := k.HospitalCode
	if code == "" {
		code = UnassignedHospital
	}
	return k.Name + "@" + code
}

// HostKey disambiguates machines reporting the same program within one site.
type HostKey struct {
	Name     string
	Hostname string
}

// NormalizeName returns the canonical comparison form of a process name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Key returns the record's identity key.
func (r *ProcessRecord) Key() IdentityKey {
	return IdentityKey{Name: NormalizeName(r.ProcessName), HospitalCode: r.HospitalCode}
}

// HostKey returns the record's within-site key.
func (r *ProcessRecord) HostKey() HostKey {
	return HostKey{Name: NormalizeName(r.ProcessName), Hostname: strings.ToLower(r.Hostname)}
}

// DiskIO returns combined read+write throughput in MB/s.
func (r *ProcessRecord) DiskIO() float64 { return r.DiskReadMBs + r.DiskWriteMBs }

// NetworkIO returns combined sent+received throughput in MB/s.
func (r *ProcessRecord) NetworkIO() float64 { return r.NetSentMBs + r.NetRecvMBs }

// Clone returns a deep copy of r so callers may mutate the result without
// aliasing pointer fields shared with a store or buffer.
func (r ProcessRecord) Clone() ProcessRecord {
	out := r
	if r.PID != nil {
		v := *r.PID
		out.PID = &v
	}
	if r.UptimeSeconds != nil {
		v := *r.UptimeSeconds
		out.UptimeSeconds = &v
	}
	if r.WindowInfo != nil {
		v := *r.WindowInfo
		out.WindowInfo = &v
	}
	if r.BMSStatus != nil {
		v := *r.BMSStatus
		if r.BMSStatus.LastHeartbeat != nil {
			hb := *r.BMSStatus.LastHeartbeat
			v.LastHeartbeat = &hb
		}
		out.BMSStatus = &v
	}
	out.RestartSchedule = cloneSchedule(r.RestartSchedule)
	out.AutoStartSchedule = cloneSchedule(r.AutoStartSchedule)
	out.LastStarted = cloneTime(r.LastStarted)
	out.LastStopped = cloneTime(r.LastStopped)
	return out
}

func cloneSchedule(s *Schedule) *Schedule {
	if s == nil {
		return nil
	}
	v := *s
	if s.IntervalMinutes != nil {
		m := *s.IntervalMinutes
		v.IntervalMinutes = &m
	}
	if s.IntervalSeconds != nil {
		sec := *s.IntervalSeconds
		v.IntervalSeconds = &sec
	}
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AlertEvent is an immutable alert fact. The triple (Timestamp, ProcessName,
// Type), scoped to the hospital it concerns, is its idempotency key.
//
// Threshold is nil for alert types that have no numeric limit.
type AlertEvent struct {
	Type         AlertType `json:"alert_type"`
	ProcessName  string    `json:"process_name"`
	HospitalCode string    `json:"hospital_code,omitempty"`
	HospitalName string    `json:"hospital_name,omitempty"`
	CompanyName  string    `json:"company_name,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	Message      string    `json:"message"`
	Value        float64   `json:"value"`
	Threshold    *float64  `json:"threshold,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AlertKey is the natural idempotency key of an AlertEvent. Fleet-wide
// evaluation stamps every event of a cycle with the same timestamp, so the
// same program at two hospitals is told apart by HospitalCode.
type AlertKey struct {
	Timestamp    time.Time
	ProcessName  string
	Type         AlertType
	HospitalCode string
}

// Key returns the event's idempotency key. The timestamp is normalised to UTC
// so keys compare equal across time zones.
func (e *AlertEvent) Key() AlertKey {
	return AlertKey{
		Timestamp:    e.Timestamp.UTC(),
		ProcessName:  e.ProcessName,
		Type:         e.Type,
		HospitalCode: e.HospitalCode,
	}
}

// String renders the key in the "<timestamp>_<process>_<type>" form used as
// the read-receipt identifier, suffixed with "_<hospital_code>" when the
// event belongs to a hospital.
func (k AlertKey) String() string {
	s := k.Timestamp.Format(time.RFC3339Nano) + "_" + k.ProcessName + "_" + string(k.Type)
	if k.HospitalCode != "" {
		s += "_" + k.HospitalCode
	}
	return s
}

// MetricRule enables one metric threshold. Threshold comparisons are strict.
type MetricRule struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// StoppedRule configures the process_stopped grace period.
type StoppedRule struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Minutes int  `json:"minutes" yaml:"minutes"`
	Seconds int  `json:"seconds" yaml:"seconds"`
}

// Grace returns the configured grace duration.
func (r StoppedRule) Grace() time.Duration {
	return time.Duration(r.Minutes)*time.Minute + time.Duration(r.Seconds)*time.Second
}

// ThresholdConfig is the deployment-wide alert configuration.
type ThresholdConfig struct {
	CPU            MetricRule  `json:"cpu" yaml:"cpu"`
	RAM            MetricRule  `json:"ram" yaml:"ram"`
	DiskIO         MetricRule  `json:"disk_io" yaml:"disk_io"`
	Network        MetricRule  `json:"network" yaml:"network"`
	ProcessStopped StoppedRule `json:"process_stopped" yaml:"process_stopped"`
}

// DefaultThresholds returns the factory configuration.
func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{
		CPU:            MetricRule{Enabled: true, Threshold: 80},
		RAM:            MetricRule{Enabled: true, Threshold: 80},
		DiskIO:         MetricRule{Enabled: true, Threshold: 100},
		Network:        MetricRule{Enabled: true, Threshold: 50},
		ProcessStopped: StoppedRule{Enabled: false, Minutes: 5},
	}
}

// MetadataUpdate is an explicit operator edit. Nil fields are left unchanged;
// a non-nil empty string clears the field.
//
// HospitalCode assigns an unassigned record to a hospital, which moves it to
// the new identity key. It cannot change or clear an existing assignment.
type MetadataUpdate struct {
	HospitalCode       *string `json:"hospital_code,omitempty"`
	HospitalName       *string `json:"hospital_name,omitempty"`
	CompanyName        *string `json:"company_name,omitempty"`
	ProgramPath        *string `json:"program_path,omitempty"`
	InstallDate        *string `json:"install_date,omitempty"`
	WarrantyExpiryDate *string `json:"warranty_expiry_date,omitempty"`
}

// UpsertResult reports the outcome of UpsertRecord.
//
// Applied is false when the incoming snapshot was older than the stored
// record; Record then holds the unchanged stored value.
type UpsertResult struct {
	Record  ProcessRecord
	Created bool
	Applied bool
}

// HistoryPoint is one charting sample retained per applied snapshot.
type HistoryPoint struct {
	ProcessName   string        `json:"process_name"`
	HospitalCode  string        `json:"hospital_code"`
	Hostname      string        `json:"hostname"`
	Status        ProcessStatus `json:"status"`
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryMB      float64       `json:"memory_mb"`
	MemoryPercent float64       `json:"memory_percent"`
	DiskReadMBs   float64       `json:"disk_read_mb_s"`
	DiskWriteMBs  float64       `json:"disk_write_mb_s"`
	NetSentMBs    float64       `json:"net_sent_mb_s"`
	NetRecvMBs    float64       `json:"net_recv_mb_s"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// historyPoint derives the charting sample for r.
func historyPoint(r ProcessRecord) HistoryPoint {
	return HistoryPoint{
		ProcessName:   r.ProcessName,
		HospitalCode:  r.HospitalCode,
		Hostname:      r.Hostname,
		Status:        r.Status,
		CPUPercent:    r.CPUPercent,
		MemoryMB:      r.MemoryMB,
		MemoryPercent: r.MemoryPercent,
		DiskReadMBs:   r.DiskReadMBs,
		DiskWriteMBs:  r.DiskWriteMBs,
		NetSentMBs:    r.NetSentMBs,
		NetRecvMBs:    r.NetRecvMBs,
		RecordedAt:    r.RecordedAt,
	}
}

// RecordQuery filters ListRecords. Empty fields match everything. Limit
// defaults to DefaultRecordLimit when ≤ 0.
type RecordQuery struct {
	HospitalCode string
	CompanyName  string
	Limit        int
}

// AlertQuery filters RecentAlerts. Empty fields match everything; the limit
// applies after filtering. Limit defaults to 50 when ≤ 0.
type AlertQuery struct {
	HospitalCode string
	CompanyName  string
	Limit        int
}

// PushSubscription is a browser's Web Push registration. Endpoint is unique;
// saving an existing endpoint replaces its keys. A non-empty HospitalCode
// limits the subscription to that site's alerts.
type PushSubscription struct {
	Endpoint     string    `json:"endpoint"`
	P256dh       string    `json:"p256dh"`
	Auth         string    `json:"auth"`
	UserAgent    string    `json:"user_agent,omitempty"`
	HospitalCode string    `json:"hospital_code,omitempty"`
	CompanyName  string    `json:"company_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryQuery selects history points for one identity key, newest first.
// Limit defaults to 60 when ≤ 0.
type HistoryQuery struct {
	Key   IdentityKey
	Limit int
}

const (
	// DefaultRecordLimit caps ListRecords when the query does not.
	DefaultRecordLimit = 5000
	defaultAlertLimit  = 50
	maxAlertLimit      = 1000
	defaultHistLimit   = 60
)

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
