package rest

import (
	"context"

	"github.com/fleetwatch/dashboard/internal/audit"
	"github.com/fleetwatch/dashboard/internal/ingest"
	"github.com/fleetwatch/dashboard/internal/merge"
	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with storage.Memory or a
// failing double without a database.
type Store interface {
	UpdateMetadata(ctx context.Context, key storage.IdentityKey, u storage.MetadataUpdate) (storage.ProcessRecord, error)
	DeleteRecord(ctx context.Context, key storage.IdentityKey) (bool, error)
	QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]storage.HistoryPoint, error)
	RecentAlerts(ctx context.Context, q storage.AlertQuery) ([]storage.AlertEvent, error)
	LoadThresholds(ctx context.Context) (storage.ThresholdConfig, error)
	SaveThresholds(ctx context.Context, cfg storage.ThresholdConfig) error
	SavePushSubscription(ctx context.Context, sub storage.PushSubscription) error
	DeletePushSubscription(ctx context.Context, endpoint string) (bool, error)
	Ping(ctx context.Context) error
}

// Ingestor persists an agent snapshot.
type Ingestor interface {
	Ingest(ctx context.Context, snap ingest.Snapshot) (ingest.Result, error)
}

// Merger produces the merged fleet view for a query.
type Merger interface {
	Merge(ctx context.Context, q storage.RecordQuery) merge.Result
}

// Auditor records operator changes.
type Auditor interface {
	RecordDetail(action audit.Action, actor, target string, v any) (audit.Entry, error)
}
