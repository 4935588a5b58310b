package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of history rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending history rows even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = time.Second
)

// Postgres is the PostgreSQL-backed Store.
//
// Record upserts take a row lock on the identity key (SELECT … FOR UPDATE),
// so concurrent writers to the same key serialise while writers to different
// keys proceed in parallel. History points are not on the hot path: they are
// buffered and flushed in a single pgx.Batch round-trip either when the
// buffer reaches batchSize or when the background ticker fires.
type Postgres struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []HistoryPoint
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// OpenPostgres opens a pgxpool connection to connStr, pings the database,
// applies the schema, and starts the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func OpenPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Postgres, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Postgres{
		pool:          pool,
		batch:         make([]HistoryPoint, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS process_records (
    name_key             TEXT             NOT NULL,
    hospital_code        TEXT             NOT NULL DEFAULT '',
    process_name         TEXT             NOT NULL,
    hostname             TEXT,
    pid                  BIGINT,
    status               TEXT             NOT NULL,
    cpu_percent          DOUBLE PRECISION NOT NULL DEFAULT 0,
    memory_mb            DOUBLE PRECISION NOT NULL DEFAULT 0,
    memory_percent       DOUBLE PRECISION NOT NULL DEFAULT 0,
    disk_read_mb_s       DOUBLE PRECISION NOT NULL DEFAULT 0,
    disk_write_mb_s      DOUBLE PRECISION NOT NULL DEFAULT 0,
    net_sent_mb_s        DOUBLE PRECISION NOT NULL DEFAULT 0,
    net_recv_mb_s        DOUBLE PRECISION NOT NULL DEFAULT 0,
    uptime_seconds       DOUBLE PRECISION,
    hospital_name        TEXT,
    company_name         TEXT,
    program_path         TEXT,
    install_date         TEXT,
    warranty_expiry_date TEXT,
    window_info          JSONB,
    bms_status           JSONB,
    restart_schedule     JSONB,
    auto_start_schedule  JSONB,
    recorded_at          TIMESTAMPTZ      NOT NULL,
    last_started         TIMESTAMPTZ,
    last_stopped         TIMESTAMPTZ,
    PRIMARY KEY (name_key, hospital_code)
);
CREATE INDEX IF NOT EXISTS idx_process_records_company ON process_records (company_name);

CREATE TABLE IF NOT EXISTS process_history (
    id              BIGSERIAL PRIMARY KEY,
    name_key        TEXT             NOT NULL,
    hospital_code   TEXT             NOT NULL DEFAULT '',
    process_name    TEXT             NOT NULL,
    hostname        TEXT,
    status          TEXT             NOT NULL,
    cpu_percent     DOUBLE PRECISION NOT NULL,
    memory_mb       DOUBLE PRECISION NOT NULL,
    memory_percent  DOUBLE PRECISION NOT NULL,
    disk_read_mb_s  DOUBLE PRECISION NOT NULL,
    disk_write_mb_s DOUBLE PRECISION NOT NULL,
    net_sent_mb_s   DOUBLE PRECISION NOT NULL,
    net_recv_mb_s   DOUBLE PRECISION NOT NULL,
    recorded_at     TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_history_key
    ON process_history (name_key, hospital_code, recorded_at DESC);

CREATE TABLE IF NOT EXISTS alert_events (
    id            BIGSERIAL PRIMARY KEY,
    ts            TIMESTAMPTZ      NOT NULL,
    process_name  TEXT             NOT NULL,
    alert_type    TEXT             NOT NULL,
    hospital_code TEXT             NOT NULL DEFAULT '',
    hospital_name TEXT,
    company_name  TEXT,
    hostname      TEXT,
    message       TEXT             NOT NULL,
    value         DOUBLE PRECISION NOT NULL,
    threshold     DOUBLE PRECISION,
    UNIQUE (ts, process_name, alert_type, hospital_code)
);
CREATE INDEX IF NOT EXISTS idx_alert_events_hospital ON alert_events (hospital_code, ts DESC);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
    endpoint      TEXT PRIMARY KEY,
    p256dh        TEXT NOT NULL,
    auth          TEXT NOT NULL,
    user_agent    TEXT NOT NULL DEFAULT '',
    hospital_code TEXT NOT NULL DEFAULT '',
    company_name  TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL
);
`

// Close stops the background flush goroutine, flushes any remaining buffered
// history rows, and closes the connection pool. It is safe to call Close more
// than once; subsequent calls are no-ops.
func (s *Postgres) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.Flush(ctx)
		cancel()
		s.pool.Close()
	})
	return nil
}

// flushLoop is the background goroutine that ticks on flushInterval and calls
// Flush. It exits when stopCh is closed.
func (s *Postgres) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// enqueueHistory buffers p for deferred batch insertion. When the buffer
// reaches batchSize, Flush runs synchronously so the caller observes
// back-pressure rather than unbounded memory growth.
func (s *Postgres) enqueueHistory(ctx context.Context, p HistoryPoint) error {
	s.mu.Lock()
	s.batch = append(s.batch, p)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current history buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip.
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer.
func (s *Postgres) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]HistoryPoint, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO process_history
			(name_key, hospital_code, process_name, hostname, status,
			 cpu_percent, memory_mb, memory_percent,
			 disk_read_mb_s, disk_write_mb_s, net_sent_mb_s, net_recv_mb_s, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	b := &pgx.Batch{}
	for i := range toInsert {
		p := &toInsert[i]
		b.Queue(query,
			NormalizeName(p.ProcessName), p.HospitalCode, p.ProcessName, nullableStr(p.Hostname), string(p.Status),
			p.CPUPercent, p.MemoryMB, p.MemoryPercent,
			p.DiskReadMBs, p.DiskWriteMBs, p.NetSentMBs, p.NetRecvMBs, p.RecordedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return unavailable("batch exec history", err)
		}
	}
	return nil
}

// UpsertRecord implements Store.
func (s *Postgres) UpsertRecord(ctx context.Context, rec ProcessRecord) (UpsertResult, error) {
	key := rec.Key()
	var res UpsertResult

	// A first write for a key races with other first writes; the loser of
	// the INSERT ... ON CONFLICT DO NOTHING retries against the winner's row.
	for attempt := 0; attempt < 2; attempt++ {
		done := false
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			prev, err := scanPostgresRecord(tx.QueryRow(ctx,
				selectRecordSQL()+` WHERE name_key = $1 AND hospital_code = $2 FOR UPDATE`,
				key.Name, key.HospitalCode))
			if errors.Is(err, pgx.ErrNoRows) {
				prev = nil
			} else if err != nil {
				return fmt.Errorf("select: %w", err)
			}

			merged, applied := ApplySnapshot(prev, rec)
			res = UpsertResult{Record: merged, Created: prev == nil, Applied: applied}
			if !applied {
				done = true
				return nil
			}

			args, err := postgresRecordArgs(merged)
			if err != nil {
				return err
			}
			sql := upsertRecordSQL(func(i int) string { return fmt.Sprintf("$%d", i) })
			if prev == nil {
				sql = insertOnlySQL(sql)
			}
			tag, err := tx.Exec(ctx, sql, args...)
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
			done = tag.RowsAffected() == 1
			return nil
		})
		if err != nil {
			return UpsertResult{}, unavailable("upsert record", err)
		}
		if done {
			break
		}
	}

	if res.Applied {
		if err := s.enqueueHistory(ctx, historyPoint(res.Record)); err != nil {
			return res, err
		}
	}
	return res, nil
}

// insertOnlySQL turns the shared upsert statement into an insert that yields
// to a concurrent first writer.
func insertOnlySQL(upsert string) string {
	if head, _, ok := strings.Cut(upsert, " DO UPDATE SET "); ok {
		return head + " DO NOTHING"
	}
	return upsert
}

// ListRecords implements Store.
func (s *Postgres) ListRecords(ctx context.Context, q RecordQuery) ([]ProcessRecord, error) {
	args := []any{normalizeLimit(q.Limit, DefaultRecordLimit, DefaultRecordLimit)}
	where := "WHERE TRUE"
	argIdx := 2

	if q.HospitalCode != "" {
		where += fmt.Sprintf(" AND hospital_code = $%d", argIdx)
		args = append(args, q.HospitalCode)
		argIdx++
	}
	if q.CompanyName != "" {
		where += fmt.Sprintf(" AND company_name = $%d", argIdx)
		args = append(args, q.CompanyName)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`%s
		%s
		ORDER  BY hospital_code, name_key, hostname
		LIMIT  $1`, selectRecordSQL(), where), args...)
	if err != nil {
		return nil, unavailable("list records", err)
	}
	defer rows.Close()

	var out []ProcessRecord
	for rows.Next() {
		r, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, unavailable("scan record", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list records", err)
	}
	return out, nil
}

// UpdateMetadata implements Store.
func (s *Postgres) UpdateMetadata(ctx context.Context, key IdentityKey, u MetadataUpdate) (ProcessRecord, error) {
	if err := s.Flush(ctx); err != nil {
		return ProcessRecord{}, err
	}
	var rec ProcessRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		prev, err := scanPostgresRecord(tx.QueryRow(ctx,
			selectRecordSQL()+` WHERE name_key = $1 AND hospital_code = $2 FOR UPDATE`,
			key.Name, key.HospitalCode))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		to, moved, err := reassignment(key, u)
		if err != nil {
			return err
		}

		rec = *prev
		if moved {
			target, err := scanPostgresRecord(tx.QueryRow(ctx,
				selectRecordSQL()+` WHERE name_key = $1 AND hospital_code = $2 FOR UPDATE`,
				to.Name, to.HospitalCode))
			if errors.Is(err, pgx.ErrNoRows) {
				target = nil
			} else if err != nil {
				return fmt.Errorf("select target: %w", err)
			}
			rec = mergeAssigned(target, rec, to.HospitalCode)
			if _, err := tx.Exec(ctx,
				`DELETE FROM process_records WHERE name_key = $1 AND hospital_code = $2`,
				key.Name, key.HospitalCode); err != nil {
				return fmt.Errorf("move: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE process_history SET hospital_code = $3 WHERE name_key = $1 AND hospital_code = $2`,
				key.Name, key.HospitalCode, to.HospitalCode); err != nil {
				return fmt.Errorf("move history: %w", err)
			}
		}
		rec = ApplyMetadata(rec, u)

		args, err := postgresRecordArgs(rec)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, upsertRecordSQL(func(i int) string { return fmt.Sprintf("$%d", i) }), args...)
		return err
	})
	if err != nil {
		return ProcessRecord{}, unavailable(fmt.Sprintf("update metadata %s", key), err)
	}
	return rec, nil
}

// ResolveHospitalCode implements Store.
func (s *Postgres) ResolveHospitalCode(ctx context.Context, host HostKey) (string, error) {
	if host.Hostname == "" {
		return "", nil
	}
	var code string
	err := s.pool.QueryRow(ctx, `
		SELECT hospital_code FROM process_records
		WHERE  name_key = $1 AND lower(hostname) = $2 AND hospital_code <> ''
		ORDER  BY recorded_at DESC
		LIMIT  1`, host.Name, host.Hostname).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("resolve hospital code", err)
	}
	return code, nil
}

// DeleteRecord implements Store. History points are kept.
func (s *Postgres) DeleteRecord(ctx context.Context, key IdentityKey) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM process_records WHERE name_key = $1 AND hospital_code = $2`, key.Name, key.HospitalCode)
	if err != nil {
		return false, unavailable(fmt.Sprintf("delete record %s", key), err)
	}
	return tag.RowsAffected() > 0, nil
}

// QueryHistory implements Store. Buffered points are flushed first so that a
// chart requested right after a write includes it.
func (s *Postgres) QueryHistory(ctx context.Context, q HistoryQuery) ([]HistoryPoint, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT process_name, hospital_code, hostname, status,
		       cpu_percent, memory_mb, memory_percent,
		       disk_read_mb_s, disk_write_mb_s, net_sent_mb_s, net_recv_mb_s, recorded_at
		FROM   process_history
		WHERE  name_key = $1 AND hospital_code = $2
		ORDER  BY recorded_at DESC, id DESC
		LIMIT  $3`,
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
		)
		if err := rows.Scan(&p.ProcessName, &p.HospitalCode, &hostname, &status,
			&p.CPUPercent, &p.MemoryMB, &p.MemoryPercent,
			&p.DiskReadMBs, &p.DiskWriteMBs, &p.NetSentMBs, &p.NetRecvMBs, &p.RecordedAt); err != nil {
			return nil, unavailable("scan history", err)
		}
		p.Hostname = deref(hostname)
		p.Status = ProcessStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query history", err)
	}
	return out, nil
}

// PruneHistory implements Store.
func (s *Postgres) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM process_history WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, unavailable("prune history", err)
	}
	return tag.RowsAffected(), nil
}

// AppendAlert implements Store. ON CONFLICT DO NOTHING on the unique
// (ts, process_name, alert_type, hospital_code) constraint makes the append
// idempotent and race-free across concurrent evaluation cycles.
func (s *Postgres) AppendAlert(ctx context.Context, evt AlertEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO alert_events
			(ts, process_name, alert_type, hospital_code, hospital_name, company_name,
			 hostname, message, value, threshold)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		evt.Timestamp.UTC(), evt.ProcessName, string(evt.Type),
		evt.HospitalCode, nullableStr(evt.HospitalName), nullableStr(evt.CompanyName),
		nullableStr(evt.Hostname), evt.Message, evt.Value, evt.Threshold,
	)
	if err != nil {
		return false, unavailable("append alert", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecentAlerts implements Store.
func (s *Postgres) RecentAlerts(ctx context.Context, q AlertQuery) ([]AlertEvent, error) {
	args := []any{normalizeLimit(q.Limit, defaultAlertLimit, maxAlertLimit)}
	where := "WHERE TRUE"
	if q.HospitalCode != "" {
		args = append(args, q.HospitalCode)
		where += fmt.Sprintf(" AND hospital_code = $%d", len(args))
	}
	if q.CompanyName != "" {
		args = append(args, q.CompanyName)
		where += fmt.Sprintf(" AND company_name = $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT ts, process_name, alert_type, hospital_code, hospital_name, company_name,
		       hostname, message, value, threshold
		FROM   alert_events
		%s
		ORDER  BY ts DESC, id DESC
		LIMIT  $1`, where), args...)
	if err != nil {
		return nil, unavailable("recent alerts", err)
	}
	defer rows.Close()

	var out []AlertEvent
	for rows.Next() {
		var (
			a                       AlertEvent
			typ                     string
			name, company, hostname *string
		)
		if err := rows.Scan(&a.Timestamp, &a.ProcessName, &typ, &a.HospitalCode, &name, &company,
			&hostname, &a.Message, &a.Value, &a.Threshold); err != nil {
			return nil, unavailable("scan alert", err)
		}
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
func (s *Postgres) LoadThresholds(ctx context.Context) (ThresholdConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, thresholdsKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultThresholds(), nil
	}
	if err != nil {
		return ThresholdConfig{}, unavailable("load thresholds", err)
	}
	cfg := DefaultThresholds()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ThresholdConfig{}, fmt.Errorf("load thresholds: decode: %w", err)
	}
	return cfg, nil
}

// SaveThresholds implements Store.
func (s *Postgres) SaveThresholds(ctx context.Context, cfg ThresholdConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("save thresholds: encode: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, thresholdsKey, raw)
	return unavailable("save thresholds", err)
}

// Ping implements Store.
func (s *Postgres) Ping(ctx context.Context) error {
	return unavailable("ping", s.pool.Ping(ctx))
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func postgresRecordArgs(r ProcessRecord) ([]any, error) {
	b, err := encodeBlocks(&r)
	if err != nil {
		return nil, err
	}
	jsonb := func(raw []byte) any {
		if raw == nil {
			return nil
		}
		return raw
	}
	key := r.Key()
	return []any{
		key.Name, key.HospitalCode, r.ProcessName, nullableStr(r.Hostname), int64Ptr(r.PID), string(r.Status),
		r.CPUPercent, r.MemoryMB, r.MemoryPercent,
		r.DiskReadMBs, r.DiskWriteMBs, r.NetSentMBs, r.NetRecvMBs,
		r.UptimeSeconds,
		nullableStr(r.HospitalName), nullableStr(r.CompanyName), nullableStr(r.ProgramPath),
		nullableStr(r.InstallDate), nullableStr(r.WarrantyExpiryDate),
		jsonb(b.window), jsonb(b.bms), jsonb(b.restart), jsonb(b.autoStart),
		r.RecordedAt.UTC(), r.LastStarted, r.LastStopped,
	}, nil
}

// scanPostgresRecord reads one process_records row in recordColumns order.
func scanPostgresRecord(s scanner) (*ProcessRecord, error) {
	var (
		r                                 ProcessRecord
		nameKey, status                   string
		hostname, hospName, company, path *string
		installDate, warranty             *string
		b                                 recordBlocks
		pid                               *int64
	)
	err := s.Scan(
		&nameKey, &r.HospitalCode, &r.ProcessName, &hostname, &pid, &status,
		&r.CPUPercent, &r.MemoryMB, &r.MemoryPercent,
		&r.DiskReadMBs, &r.DiskWriteMBs, &r.NetSentMBs, &r.NetRecvMBs,
		&r.UptimeSeconds,
		&hospName, &company, &path, &installDate, &warranty,
		&b.window, &b.bms, &b.restart, &b.autoStart,
		&r.RecordedAt, &r.LastStarted, &r.LastStopped,
	)
	if err != nil {
		return nil, err
	}
	r.Hostname = deref(hostname)
	r.PID = intPtr(pid)
	r.Status = ProcessStatus(status)
	r.HospitalName, r.CompanyName, r.ProgramPath = deref(hospName), deref(company), deref(path)
	r.InstallDate, r.WarrantyExpiryDate = deref(installDate), deref(warranty)
	b.decodeInto(&r)
	return &r, nil
}
