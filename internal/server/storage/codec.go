package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// recordColumns is the column order shared by the SQL backends for the
// process_records table. recordArgs and the scan helpers follow it exactly.
var recordColumns = []string{
	"name_key", "hospital_code", "process_name", "hostname", "pid", "status",
	"cpu_percent", "memory_mb", "memory_percent",
	"disk_read_mb_s", "disk_write_mb_s", "net_sent_mb_s", "net_recv_mb_s",
	"uptime_seconds",
	"hospital_name", "company_name", "program_path", "install_date", "warranty_expiry_date",
	"window_info", "bms_status", "restart_schedule", "auto_start_schedule",
	"recorded_at", "last_started", "last_stopped",
}

// upsertRecordSQL builds the INSERT … ON CONFLICT DO UPDATE statement for
// process_records using ph to render the i-th (1-based) placeholder. Both
// SQLite and PostgreSQL accept the excluded.<col> form.
func upsertRecordSQL(ph func(i int) string) string {
	var cols, vals, sets []string
	for i, c := range recordColumns {
		cols = append(cols, c)
		vals = append(vals, ph(i+1))
		if c != "name_key" && c != "hospital_code" {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO process_records (%s) VALUES (%s) ON CONFLICT (name_key, hospital_code) DO UPDATE SET %s",
		strings.Join(cols, ", "), strings.Join(vals, ", "), strings.Join(sets, ", "),
	)
}

func selectRecordSQL() string {
	return "SELECT " + strings.Join(recordColumns, ", ") + " FROM process_records"
}

// recordBlocks holds the JSON-encoded nested blocks of a record. A nil slice
// means the block is absent and is stored as SQL NULL.
type recordBlocks struct {
	window, bms, restart, autoStart []byte
}

func encodeBlocks(r *ProcessRecord) (recordBlocks, error) {
	var b recordBlocks
	var err error
	if b.window, err = encodeBlock(r.WindowInfo); err != nil {
		return b, fmt.Errorf("encode window_info: %w", err)
	}
	if b.bms, err = encodeBlock(r.BMSStatus); err != nil {
		return b, fmt.Errorf("encode bms_status: %w", err)
	}
	if b.restart, err = encodeBlock(r.RestartSchedule); err != nil {
		return b, fmt.Errorf("encode restart_schedule: %w", err)
	}
	if b.autoStart, err = encodeBlock(r.AutoStartSchedule); err != nil {
		return b, fmt.Errorf("encode auto_start_schedule: %w", err)
	}
	return b, nil
}

func (b recordBlocks) decodeInto(r *ProcessRecord) {
	r.WindowInfo = decodeBlock[WindowInfo](b.window)
	r.BMSStatus = decodeBlock[BMSStatus](b.bms)
	r.RestartSchedule = decodeBlock[Schedule](b.restart)
	r.AutoStartSchedule = decodeBlock[Schedule](b.autoStart)
}

func encodeBlock[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// decodeBlock returns nil for an absent or malformed block; one corrupt
// column must not make the whole record unreadable.
func decodeBlock[T any](raw []byte) *T {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

// sqliteTimeLayout is fixed-width so that TEXT comparison orders timestamps
// correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullableStr converts an empty string to a nil pointer, which both drivers
// store as SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(v *int64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func int64Ptr(v *int) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}
