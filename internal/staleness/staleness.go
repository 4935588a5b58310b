// Package staleness classifies merged records as online or offline from the
// age of their recorded_at. The classification is derived at query time and
// never stored; a record reporting status running is still offline when its
// host has stopped reporting.
package staleness

import (
	"time"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// DefaultThreshold is the age after which a record is offline.
const DefaultThreshold = 60 * time.Second

// Detector applies a fixed offline threshold.
type Detector struct {
	Threshold time.Duration
}

// New returns a Detector. threshold ≤ 0 uses DefaultThreshold.
func New(threshold time.Duration) Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Detector{Threshold: threshold}
}

// IsOffline reports whether a record last seen at recordedAt is offline at
// now. A zero recordedAt is treated as maximally stale.
func (d Detector) IsOffline(recordedAt, now time.Time) bool {
	if recordedAt.IsZero() {
		return true
	}
	return now.Sub(recordedAt) > d.threshold()
}

// Classify returns the offline flag of each record, index-aligned with recs.
func (d Detector) Classify(recs []storage.ProcessRecord, now time.Time) []bool {
	out := make([]bool, len(recs))
	for i := range recs {
		out[i] = d.IsOffline(recs[i].RecordedAt, now)
	}
	return out
}

// SiteFullyOffline reports whether every record is offline. An empty site is
// not fully offline; there is nothing to be offline.
func (d Detector) SiteFullyOffline(recs []storage.ProcessRecord, now time.Time) bool {
	if len(recs) == 0 {
		return false
	}
	for i := range recs {
		if !d.IsOffline(recs[i].RecordedAt, now) {
			return false
		}
	}
	return true
}

func (d Detector) threshold() time.Duration {
	if d.Threshold <= 0 {
		return DefaultThreshold
	}
	return d.Threshold
}
