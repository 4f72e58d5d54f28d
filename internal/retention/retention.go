// Package retention ages archives into active/warm/cold buckets and
// deletes cold ones — but only after the L1 distill marker is present and
// at least a day old. Ledger entries are never removed; they remain as
// tombstones.
package retention

import (
	"fmt"
	"os"

	"github.com/stellarlinkco/moond/internal/audit"
	"github.com/stellarlinkco/moond/internal/clock"
	"github.com/stellarlinkco/moond/internal/config"
	"github.com/stellarlinkco/moond/internal/ledger"
	"github.com/stellarlinkco/moond/internal/state"
)

const secondsPerDay = 86_400

// markerMinAgeSecs keeps a freshly distilled archive around for a day so
// a concurrent reader of the daily memory file can still follow the
// archive reference.
const markerMinAgeSecs = secondsPerDay

type Reaper struct {
	Log *audit.Logger
	Now func() int64
}

func NewReaper(log *audit.Logger) *Reaper {
	return &Reaper{Log: log, Now: clock.NowEpoch}
}

// Summary counts one sweep.
type Summary struct {
	Active         int
	Warm           int
	ColdCandidates int
	Removed        int
	Retained       int
	Failed         int
}

func (s Summary) String() string {
	return fmt.Sprintf("active=%d warm=%d cold_candidates=%d removed=%d retained=%d failed=%d",
		s.Active, s.Warm, s.ColdCandidates, s.Removed, s.Retained, s.Failed)
}

// Bucket classifies an archive age in days.
func Bucket(ageDays int64, cfg config.RetentionConfig) string {
	switch {
	case ageDays <= cfg.ActiveDays:
		return state.BucketActive
	case ageDays <= cfg.WarmDays && ageDays < cfg.ColdDays:
		return state.BucketWarm
	default:
		return state.BucketCold
	}
}

// Sweep walks every live archive, refreshes its bucket marker, and
// deletes eligible cold candidates in projection → raw → state order.
func (r *Reaper) Sweep(idx *ledger.Index, st *state.State, cfg config.RetentionConfig) Summary {
	now := r.Now()
	var sum Summary

	for _, rec := range idx.Chrono {
		marks := st.Archives[rec.ArchivePath]
		if marks == nil {
			// Never staged; nothing to age yet.
			continue
		}

		ageDays := (now - rec.CreatedAtEpochSecs) / secondsPerDay
		bucket := Bucket(ageDays, cfg)
		marks.RetentionBucket = bucket

		switch bucket {
		case state.BucketActive:
			sum.Active++
			continue
		case state.BucketWarm:
			sum.Warm++
			continue
		}

		sum.ColdCandidates++
		if !marks.L1Distilled {
			sum.Retained++
			continue
		}
		if marks.L1DistilledAtSecs > 0 && now-marks.L1DistilledAtSecs < markerMinAgeSecs {
			sum.Retained++
			continue
		}

		if !r.deleteArchive(rec) {
			sum.Failed++
			continue
		}
		delete(st.Archives, rec.ArchivePath)
		delete(st.EmbeddedProjections, rec.ProjectionPath)
		sum.Removed++
	}

	st.LastRetentionEpochSecs = now
	return sum
}

// deleteArchive removes the projection first, then the raw file. A
// failure at either step leaves the archive intact for the next sweep.
func (r *Reaper) deleteArchive(rec ledger.Record) bool {
	if err := os.Remove(rec.ProjectionPath); err != nil && !os.IsNotExist(err) {
		r.Log.Warn(audit.Warning{
			Code:    audit.CodeRetentionDeleteFailed,
			Stage:   "archive-retention",
			Action:  "delete-projection",
			Session: rec.SessionID,
			Archive: rec.ArchivePath,
			Source:  rec.ProjectionPath,
			Retry:   "retry-next-cycle",
			Reason:  "remove-projection-file-failed",
			Err:     err.Error(),
		})
		return false
	}
	if err := os.Remove(rec.ArchivePath); err != nil && !os.IsNotExist(err) {
		r.Log.Warn(audit.Warning{
			Code:    audit.CodeRetentionDeleteFailed,
			Stage:   "archive-retention",
			Action:  "delete-archive",
			Session: rec.SessionID,
			Archive: rec.ArchivePath,
			Retry:   "retry-next-cycle",
			Reason:  "remove-file-failed",
			Err:     err.Error(),
		})
		return false
	}
	return true
}
