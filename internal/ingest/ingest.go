// Package ingest implements the Snapshot Ingestor: it validates a host's
// process snapshot, upserts every record into the Fleet Record Store under a
// bounded timeout, and hands records from live agent sessions to the live
// buffer used by the merge engine.
//
// Validation is all-or-nothing: a snapshot with one invalid process is
// rejected before anything is written. There is no server-side retry; a
// caller that receives a StoreUnavailable error simply reports again on its
// next tick.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// DefaultWriteTimeout bounds the store writes of one snapshot.
const DefaultWriteTimeout = 3 * time.Second

// Store is the subset of storage.Store used by the Ingestor.
type Store interface {
	UpsertRecord(ctx context.Context, rec storage.ProcessRecord) (storage.UpsertResult, error)
	ResolveHospitalCode(ctx context.Context, host storage.HostKey) (string, error)
}

// LiveSink receives records reported over a live agent session.
type LiveSink interface {
	Put(sessionID string, recs []storage.ProcessRecord) error
}

// Result summarises an accepted snapshot.
type Result struct {
	Accepted int      `json:"accepted"`
	Created  int      `json:"created"`
	Outdated int      `json:"outdated"`
	Warnings []string `json:"warnings,omitempty"`
}

// Ingestor validates and persists snapshots.
type Ingestor struct {
	store        Store
	live         LiveSink
	logger       *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

// New creates an Ingestor. live may be nil when no live sessions are served.
// writeTimeout ≤ 0 uses DefaultWriteTimeout.
func New(store Store, live LiveSink, logger *slog.Logger, writeTimeout time.Duration) *Ingestor {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Ingestor{
		store:        store,
		live:         live,
		logger:       logger,
		writeTimeout: writeTimeout,
		now:          time.Now,
	}
}

// Ingest validates snap and upserts its records. A record reported without a
// hospital code takes the code already on record for the same program on the
// same host, so agents that send metadata only on their first ping keep
// updating one record.
//
// It returns a *ValidationError when the snapshot is rejected, and an error
// matching storage.ErrStoreUnavailable when a write failed or did not finish
// within the write timeout. Records written before a store failure stay
// written.
func (i *Ingestor) Ingest(ctx context.Context, snap Snapshot) (Result, error) {
	recs, warnings, err := Normalize(snap, i.now())
	if err != nil {
		i.logger.Warn("ingest: snapshot rejected",
			slog.String("hostname", snap.Hostname),
			slog.String("reason", err.Error()),
		)
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, i.writeTimeout)
	defer cancel()
	if err := i.resolveCodes(ctx, recs); err != nil {
		i.logger.Error("ingest: hospital code lookup failed",
			slog.String("hostname", snap.Hostname),
			slog.Any("error", err),
		)
		return Result{}, err
	}
	return i.write(ctx, snap.Hostname, recs, warnings)
}

// IngestLive is Ingest for a frame received on a live agent session. Valid
// records are placed in the live buffer before the durable write, so a store
// outage still leaves them visible to the merge engine.
func (i *Ingestor) IngestLive(ctx context.Context, sessionID string, snap Snapshot) (Result, error) {
	recs, warnings, err := Normalize(snap, i.now())
	if err != nil {
		i.logger.Warn("ingest: live snapshot rejected",
			slog.String("session_id", sessionID),
			slog.String("hostname", snap.Hostname),
			slog.String("reason", err.Error()),
		)
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, i.writeTimeout)
	defer cancel()
	if err := i.resolveCodes(ctx, recs); err != nil {
		// The live buffer still takes the records; the write below reports
		// the outage.
		i.logger.Warn("ingest: hospital code lookup failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
	}
	if i.live != nil {
		live := make([]storage.ProcessRecord, len(recs))
		for n := range recs {
			live[n] = recs[n].Clone()
		}
		if err := i.live.Put(sessionID, live); err != nil {
			return Result{}, fmt.Errorf("ingest: live buffer: %w", err)
		}
	}
	return i.write(ctx, snap.Hostname, recs, warnings)
}

func (i *Ingestor) write(ctx context.Context, hostname string, recs []storage.ProcessRecord, warnings []string) (Result, error) {
	for _, w := range warnings {
		i.logger.Warn("ingest: optional block dropped",
			slog.String("hostname", hostname),
			slog.String("detail", w),
		)
	}

	res := Result{Warnings: warnings}
	for _, rec := range recs {
		out, err := i.store.UpsertRecord(ctx, rec)
		if err != nil {
			i.logger.Error("ingest: upsert failed",
				slog.String("hostname", hostname),
				slog.String("key", rec.Key().String()),
				slog.Bool("timeout", storage.IsTimeout(err)),
				slog.Any("error", err),
			)
			return res, err
		}
		res.Accepted++
		if out.Created {
			res.Created++
		}
		if !out.Applied {
			res.Outdated++
		}
	}

	i.logger.Debug("ingest: snapshot stored",
		slog.String("hostname", hostname),
		slog.Int("accepted", res.Accepted),
		slog.Int("created", res.Created),
		slog.Int("outdated", res.Outdated),
	)
	return res, nil
}

// resolveCodes fills in missing hospital codes from the store, one lookup per
// host key.
func (i *Ingestor) resolveCodes(ctx context.Context, recs []storage.ProcessRecord) error {
	var cache map[storage.HostKey]string
	for n := range recs {
		if recs[n].HospitalCode != "" {
			continue
		}
		hk := recs[n].HostKey()
		code, ok := cache[hk]
		if !ok {
			var err error
			if code, err = i.store.ResolveHospitalCode(ctx, hk); err != nil {
				return err
			}
			if cache == nil {
				cache = make(map[storage.HostKey]string)
			}
			cache[hk] = code
		}
		recs[n].HospitalCode = code
	}
	return nil
}
