package storage

// The SQLite backend is opened in WAL mode so dashboard reads proceed while
// agents write. SQLite allows a single writer; the pool is limited to one
// connection and every write runs in a transaction on it, which serialises
// writes (and therefore writes per identity key) inside the database.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLite is a WAL-mode SQLite-backed Store. It is safe for concurrent use.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when closed.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS process_records (
    name_key             TEXT    NOT NULL,
    hospital_code        TEXT    NOT NULL DEFAULT '',
    process_name         TEXT    NOT NULL,
    hostname             TEXT,
    pid                  INTEGER,
    status               TEXT    NOT NULL,
    cpu_percent          REAL    NOT NULL DEFAULT 0,
    memory_mb            REAL    NOT NULL DEFAULT 0,
    memory_percent       REAL    NOT NULL DEFAULT 0,
    disk_read_mb_s       REAL    NOT NULL DEFAULT 0,
    disk_write_mb_s      REAL    NOT NULL DEFAULT 0,
    net_sent_mb_s        REAL    NOT NULL DEFAULT 0,
    net_recv_mb_s        REAL    NOT NULL DEFAULT 0,
    uptime_seconds       REAL,
    hospital_name        TEXT,
    company_name         TEXT,
    program_path         TEXT,
    install_date         TEXT,
    warranty_expiry_date TEXT,
    window_info          TEXT,
    bms_status           TEXT,
    restart_schedule     TEXT,
    auto_start_schedule  TEXT,
    recorded_at          TEXT    NOT NULL,
    last_started         TEXT,
    last_stopped         TEXT,
    PRIMARY KEY (name_key, hospital_code)
);
CREATE INDEX IF NOT EXISTS idx_process_records_company ON process_records (company_name);

CREATE TABLE IF NOT EXISTS process_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    name_key        TEXT NOT NULL,
    hospital_code   TEXT NOT NULL DEFAULT '',
    process_name    TEXT NOT NULL,
    hostname        TEXT,
    status          TEXT NOT NULL,
    cpu_percent     REAL NOT NULL,
    memory_mb       REAL NOT NULL,
    memory_percent  REAL NOT NULL,
    disk_read_mb_s  REAL NOT NULL,
    disk_write_mb_s REAL NOT NULL,
    net_sent_mb_s   REAL NOT NULL,
    net_recv_mb_s   REAL NOT NULL,
    recorded_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_history_key
    ON process_history (name_key, hospital_code, recorded_at);

CREATE TABLE IF NOT EXISTS alert_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    ts            TEXT NOT NULL,
    process_name  TEXT NOT NULL,
    alert_type    TEXT NOT NULL,
    hospital_code TEXT NOT NULL DEFAULT '',
    hospital_name TEXT,
    company_name  TEXT,
    hostname      TEXT,
    message       TEXT NOT NULL,
    value         REAL NOT NULL,
    threshold     REAL,
    UNIQUE (ts, process_name, alert_type, hospital_code)
);
CREATE INDEX IF NOT EXISTS idx_alert_events_hospital ON alert_events (hospital_code, ts);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
    endpoint      TEXT PRIMARY KEY,
    p256dh        TEXT NOT NULL,
    auth          TEXT NOT NULL,
    user_agent    TEXT NOT NULL DEFAULT '',
    hospital_code TEXT NOT NULL DEFAULT '',
    company_name  TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL
);
`

const thresholdsKey = "thresholds"

// UpsertRecord implements Store.
func (s *SQLite) UpsertRecord(ctx context.Context, rec ProcessRecord) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, unavailable("upsert record", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := rec.Key()
	prev, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		selectRecordSQL()+` WHERE name_key = ? AND hospital_code = ?`, key.Name, key.HospitalCode))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prev = nil
	case err != nil:
		return UpsertResult{}, unavailable("upsert record: select", err)
	}

	merged, applied := ApplySnapshot(prev, rec)
	res := UpsertResult{Record: merged, Created: prev == nil, Applied: applied}
	if !applied {
		return res, nil
	}

	args, err := sqliteRecordArgs(merged)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertRecordSQL(func(int) string { return "?" }), args...); err != nil {
		return UpsertResult{}, unavailable("upsert record: write", err)
	}

	p := historyPoint(merged)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO process_history
			(name_key, hospital_code, process_name, hostname, status,
			 cpu_percent, memory_mb, memory_percent,
			 disk_read_mb_s, disk_write_mb_s, net_sent_mb_s, net_recv_mb_s, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Name, key.HospitalCode, p.ProcessName, nullableStr(p.Hostname), string(p.Status),
		p.CPUPercent, p.MemoryMB, p.MemoryPercent,
		p.DiskReadMBs, p.DiskWriteMBs, p.NetSentMBs, p.NetRecvMBs, formatTime(p.RecordedAt),
	); err != nil {
		return UpsertResult{}, unavailable("upsert record: history", err)
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, unavailable("upsert record: commit", err)
	}
	return res, nil
}

// ListRecords implements Store.
func (s *SQLite) ListRecords(ctx context.Context, q RecordQuery) ([]ProcessRecord, error) {
	query := selectRecordSQL() + ` WHERE 1 = 1`
	var args []any
	if q.HospitalCode != "" {
		query += ` AND hospital_code = ?`
		args = append(args, q.HospitalCode)
	}
	if q.CompanyName != "" {
		query += ` AND company_name = ?`
		args = append(args, q.CompanyName)
	}
	query += ` ORDER BY hospital_code, name_key, hostname LIMIT ?`
	args = append(args, normalizeLimit(q.Limit, DefaultRecordLimit, DefaultRecordLimit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list records", err)
	}
	defer rows.Close()

	var out []ProcessRecord
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, unavailable("list records: scan", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list records", err)
	}
	return out, nil
}

// UpdateMetadata implements Store.
func (s *SQLite) UpdateMetadata(ctx context.Context, key IdentityKey, u MetadataUpdate) (ProcessRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProcessRecord{}, unavailable("update metadata", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		selectRecordSQL()+` WHERE name_key = ? AND hospital_code = ?`, key.Name, key.HospitalCode))
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessRecord{}, ErrNotFound
	}
	if err != nil {
		return ProcessRecord{}, unavailable("update metadata: select", err)
	}
	to, moved, err := reassignment(key, u)
	if err != nil {
		return ProcessRecord{}, err
	}

	rec := *prev
	if moved {
		target, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
			selectRecordSQL()+` WHERE name_key = ? AND hospital_code = ?`, to.Name, to.HospitalCode))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			target = nil
		case err != nil:
			return ProcessRecord{}, unavailable("update metadata: select target", err)
		}
		rec = mergeAssigned(target, rec, to.HospitalCode)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM process_records WHERE name_key = ? AND hospital_code = ?`, key.Name, key.HospitalCode); err != nil {
			return ProcessRecord{}, unavailable("update metadata: move", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE process_history SET hospital_code = ? WHERE name_key = ? AND hospital_code = ?`,
			to.HospitalCode, key.Name, key.HospitalCode); err != nil {
			return ProcessRecord{}, unavailable("update metadata: move history", err)
		}
	}
	rec = ApplyMetadata(rec, u)

	args, err := sqliteRecordArgs(rec)
	if err != nil {
		return ProcessRecord{}, fmt.Errorf("update metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertRecordSQL(func(int) string { return "?" }), args...); err != nil {
		return ProcessRecord{}, unavailable("update metadata: write", err)
	}
	if err := tx.Commit(); err != nil {
		return ProcessRecord{}, unavailable("update metadata: commit", err)
	}
	return rec, nil
}

// ResolveHospitalCode implements Store.
func (s *SQLite) ResolveHospitalCode(ctx context.Context, host HostKey) (string, error) {
	if host.Hostname == "" {
		return "", nil
	}
	var code string
	err := s.db.QueryRowContext(ctx, `
		SELECT hospital_code FROM process_records
		WHERE  name_key = ? AND lower(hostname) = ? AND hospital_code <> ''
		ORDER  BY recorded_at DESC
		LIMIT  1`, host.Name, host.Hostname).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("resolve hospital code", err)
	}
	return code, nil
}

// DeleteRecord implements Store. History points are kept.
func (s *SQLite) DeleteRecord(ctx context.Context, key IdentityKey) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM process_records WHERE name_key = ? AND hospital_code = ?`, key.Name, key.HospitalCode)
	if err != nil {
		return false, unavailable("delete record", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// QueryHistory implements Store.
func (s *SQLite) QueryHistory(ctx context.Context, q HistoryQuery) ([]HistoryPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_name, hospital_code, hostname, status,
		       cpu_percent, memory_mb, memory_percent,
		       disk_read_mb_s, disk_write_mb_s, net_sent_mb_s, net_recv_mb_s, recorded_at
		FROM   process_history
		WHERE  name_key = ? AND hospital_code = ?
		ORDER  BY recorded_at DESC, id DESC
		LIMIT  ?`,
		q.Key.Name, q.Key.HospitalCode, normalizeLimit(q.Limit, defaultHistLimit, DefaultRecordLimit))
	if err != nil {
		return nil, unavailable("query history", err)
	}
	defer rows.Close()

	var out []HistoryPoint
	for rows.Next() {
		var (
			p        HistoryPoint
			hostname *string
			status   string
			ts       string
		)
		if err := rows.Scan(&p.ProcessName, &p.HospitalCode, &hostname, &status,
			&p.CPUPercent, &p.MemoryMB, &p.MemoryPercent,
			&p.DiskReadMBs, &p.DiskWriteMBs, &p.NetSentMBs, &p.NetRecvMBs, &ts); err != nil {
			return nil, unavailable("query history: scan", err)
		}
		p.Hostname = deref(hostname)
		p.Status = ProcessStatus(status)
		p.RecordedAt = parseTime(ts)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query history", err)
	}
	return out, nil
}

// PruneHistory implements Store.
func (s *SQLite) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_history WHERE recorded_at < ?`, formatTime(before))
	if err != nil {
		return 0, unavailable("prune history", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AppendAlert implements Store. The UNIQUE constraint on (ts, process_name,
// alert_type, hospital_code) makes concurrent appends of the same event
// race-free.
func (s *SQLite) AppendAlert(ctx context.Context, evt AlertEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alert_events
			(ts, process_name, alert_type, hospital_code, hospital_name, company_name,
			 hostname, message, value, threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(evt.Timestamp), evt.ProcessName, string(evt.Type),
		evt.HospitalCode, nullableStr(evt.HospitalName), nullableStr(evt.CompanyName),
		nullableStr(evt.Hostname), evt.Message, evt.Value, evt.Threshold,
	)
	if err != nil {
		return false, unavailable("append alert", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecentAlerts implements Store.
func (s *SQLite) RecentAlerts(ctx context.Context, q AlertQuery) ([]AlertEvent, error) {
	query := `
		SELECT ts, process_name, alert_type, hospital_code, hospital_name, company_name,
		       hostname, message, value, threshold
		FROM   alert_events`
	query += ` WHERE 1 = 1`
	var args []any
	if q.HospitalCode != "" {
		query += ` AND hospital_code = ?`
		args = append(args, q.HospitalCode)
	}
	if q.CompanyName != "" {
		query += ` AND company_name = ?`
		args = append(args, q.CompanyName)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(q.Limit, defaultAlertLimit, maxAlertLimit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("recent alerts", err)
	}
	defer rows.Close()

	var out []AlertEvent
	for rows.Next() {
		var (
			a                       AlertEvent
			ts, typ                 string
			name, company, hostname *string
		)
		if err := rows.Scan(&ts, &a.ProcessName, &typ, &a.HospitalCode, &name, &company,
			&hostname, &a.Message, &a.Value, &a.Threshold); err != nil {
			return nil, unavailable("recent alerts: scan", err)
		}
		a.Timestamp = parseTime(ts)
		a.Type = AlertType(typ)
		a.HospitalName = deref(name)
		a.CompanyName, a.Hostname = deref(company), deref(hostname)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent alerts", err)
	}
	return out, nil
}

// LoadThresholds implements Store.
func (s *SQLite) LoadThresholds(ctx context.Context) (ThresholdConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, thresholdsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultThresholds(), nil
	}
	if err != nil {
		return ThresholdConfig{}, unavailable("load thresholds", err)
	}
	cfg := DefaultThresholds()
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ThresholdConfig{}, fmt.Errorf("load thresholds: decode: %w", err)
	}
	return cfg, nil
}

// SaveThresholds implements Store.
func (s *SQLite) SaveThresholds(ctx context.Context, cfg ThresholdConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("save thresholds: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, thresholdsKey, string(raw))
	return unavailable("save thresholds", err)
}

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// --- internal helpers ---

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteRecordArgs(r ProcessRecord) ([]any, error) {
	b, err := encodeBlocks(&r)
	if err != nil {
		return nil, err
	}
	text := func(raw []byte) any {
		if raw == nil {
			return nil
		}
		return string(raw)
	}
	key := r.Key()
	return []any{
		key.Name, key.HospitalCode, r.ProcessName, nullableStr(r.Hostname), int64Ptr(r.PID), string(r.Status),
		r.CPUPercent, r.MemoryMB, r.MemoryPercent,
		r.DiskReadMBs, r.DiskWriteMBs, r.NetSentMBs, r.NetRecvMBs,
		r.UptimeSeconds,
		nullableStr(r.HospitalName), nullableStr(r.CompanyName), nullableStr(r.ProgramPath),
		nullableStr(r.InstallDate), nullableStr(r.WarrantyExpiryDate),
		text(b.window), text(b.bms), text(b.restart), text(b.autoStart),
		formatTime(r.RecordedAt), formatTimePtr(r.LastStarted), formatTimePtr(r.LastStopped),
	}, nil
}

func scanSQLiteRecord(s rowScanner) (*ProcessRecord, error) {
	var (
		r                                 ProcessRecord
		nameKey, status, recordedAt       string
		hostname, hospName, company, path *string
		installDate, warranty             *string
		window, bms, restart, autoStart   *string
		lastStarted, lastStopped          *string
		pid                               *int64
	)
	err := s.Scan(
		&nameKey, &r.HospitalCode, &r.ProcessName, &hostname, &pid, &status,
		&r.CPUPercent, &r.MemoryMB, &r.MemoryPercent,
		&r.DiskReadMBs, &r.DiskWriteMBs, &r.NetSentMBs, &r.NetRecvMBs,
		&r.UptimeSeconds,
		&hospName, &company, &path, &installDate, &warranty,
		&window, &bms, &restart, &autoStart,
		&recordedAt, &lastStarted, &lastStopped,
	)
	if err != nil {
		return nil, err
	}
	r.Hostname = deref(hostname)
	r.PID = intPtr(pid)
	r.Status = ProcessStatus(status)
	r.HospitalName, r.CompanyName, r.ProgramPath = deref(hospName), deref(company), deref(path)
	r.InstallDate, r.WarrantyExpiryDate = deref(installDate), deref(warranty)
	recordBlocks{
		window:    bytesOf(window),
		bms:       bytesOf(bms),
		restart:   bytesOf(restart),
		autoStart: bytesOf(autoStart),
	}.decodeInto(&r)
	r.RecordedAt = parseTime(recordedAt)
	r.LastStarted = parseTimePtr(lastStarted)
	r.LastStopped = parseTimePtr(lastStopped)
	return &r, nil
}

func bytesOf(s *string) []byte {
	if s == nil {
		return nil
	}
	return []byte(*s)
}
