package storage

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Store is the Fleet Record Store contract. It holds the latest record per
// identity key, the per-key history used for charting, the append-only alert
// log and the threshold configuration.
//
// Implementations serialise writes per identity key (last write wins by
// RecordedAt) and wrap backend failures so that errors.Is(err,
// ErrStoreUnavailable) holds.
type Store interface {
	UpsertRecord(ctx context.Context, rec ProcessRecord) (UpsertResult, error)
	ListRecords(ctx context.Context, q RecordQuery) ([]ProcessRecord, error)
	UpdateMetadata(ctx context.Context, key IdentityKey, u MetadataUpdate) (ProcessRecord, error)
	DeleteRecord(ctx context.Context, key IdentityKey) (bool, error)

	// ResolveHospitalCode returns the hospital code of the most recently
	// recorded assigned record for host, or "" when there is none.
	ResolveHospitalCode(ctx context.Context, host HostKey) (string, error)

	QueryHistory(ctx context.Context, q HistoryQuery) ([]HistoryPoint, error)
	PruneHistory(ctx context.Context, before time.Time) (int64, error)

	// AppendAlert inserts evt unless an event with the same idempotency key
	// already exists. inserted reports whether this call created the row.
	AppendAlert(ctx context.Context, evt AlertEvent) (inserted bool, err error)
	RecentAlerts(ctx context.Context, q AlertQuery) ([]AlertEvent, error)

	// LoadThresholds returns the stored configuration, or DefaultThresholds
	// when none has been saved.
	LoadThresholds(ctx context.Context) (ThresholdConfig, error)
	SaveThresholds(ctx context.Context, cfg ThresholdConfig) error

	// SavePushSubscription inserts sub or replaces the one with the same
	// endpoint. ListPushSubscriptions returns them oldest first.
	SavePushSubscription(ctx context.Context, sub PushSubscription) error
	ListPushSubscriptions(ctx context.Context) ([]PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open constructs the backend named by driver. path is used by sqlite and
// dsn by postgres; memory ignores both.
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(path)
	case "postgres":
		return OpenPostgres(ctx, dsn, 0, 0)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}

// sortRecords orders records by identity key and then hostname, which is the
// stable order every backend returns from ListRecords.
func sortRecords(recs []ProcessRecord) {
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
