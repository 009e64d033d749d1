// Package history keeps a durable, queryable record of every conflict
// episode, whether it was auto-resolved or settled by hand.
package history

import (
	"time"

	"github.com/adalundhe/flowsync/core/document"
	"github.com/adalundhe/flowsync/core/merge"
)

// ConflictReason classifies why a conflict episode happened.
type ConflictReason string

const (
	// ReasonConcurrentEdit is two sides editing the same fields.
	ReasonConcurrentEdit ConflictReason = "concurrent_edit"

	// ReasonDeleteVersusEdit is one side deleting what the other edited.
	ReasonDeleteVersusEdit ConflictReason = "delete_vs_edit"

	// ReasonVersionSkew is a remote snapshot arriving with an unexpected
	// version relative to the local base.
	ReasonVersionSkew ConflictReason = "version_skew"
)

// ResolutionStrategy records how a conflict episode was settled.
type ResolutionStrategy string

const (
	StrategyPreferLocal  ResolutionStrategy = "prefer_local"
	StrategyPreferRemote ResolutionStrategy = "prefer_remote"
	StrategyNewestWins   ResolutionStrategy = "newest_wins"
	StrategyManual       ResolutionStrategy = "manual"
)

// StrategyForPolicy maps an auto-merge policy onto its strategy label.
func StrategyForPolicy(p merge.ResolutionPolicy) ResolutionStrategy {
	switch p {
	case merge.PolicyPreferRemote:
		return StrategyPreferRemote
	case merge.PolicyNewestWins:
		return StrategyNewestWins
	default:
		return StrategyPreferLocal
	}
}

// ConflictHistoryRecord is the durable log entry for one conflict episode.
// Snapshots are deep copies taken at record time, so history stays stable
// even when the live documents keep changing.
type ConflictHistoryRecord struct {
	ID                  string                  `json:"id"`
	UserID              string                  `json:"user_id"`
	ProjectID           string                  `json:"project_id"`
	DeviceID            string                  `json:"device_id,omitempty"`
	ConflictedAt        time.Time               `json:"conflicted_at"`
	ResolvedAt          *time.Time              `json:"resolved_at,omitempty"`
	Reason              ConflictReason          `json:"reason"`
	LocalVersion        int64                   `json:"local_version"`
	RemoteVersion       int64                   `json:"remote_version"`
	LocalSnapshot       *document.Snapshot      `json:"local_snapshot"`
	RemoteSnapshot      *document.Snapshot      `json:"remote_snapshot"`
	ResolvedSnapshot    *document.Snapshot      `json:"resolved_snapshot,omitempty"`
	ResolutionStrategy  ResolutionStrategy      `json:"resolution_strategy,omitempty"`
	ConflictedEntityIDs []string                `json:"conflicted_entity_ids"`
	ConflictedFields    []merge.ConflictedField `json:"conflicted_fields"`
	Archived            bool                    `json:"archived"`
}

// Resolved reports whether the episode has been settled.
func (r *ConflictHistoryRecord) Resolved() bool {
	return r.ResolvedAt != nil
}

// Clone returns a deep copy safe to hand to callers.
func (r *ConflictHistoryRecord) Clone() *ConflictHistoryRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	c.LocalSnapshot = r.LocalSnapshot.Clone()
	c.RemoteSnapshot = r.RemoteSnapshot.Clone()
	c.ResolvedSnapshot = r.ResolvedSnapshot.Clone()
	c.ConflictedEntityIDs = append([]string(nil), r.ConflictedEntityIDs...)
	c.ConflictedFields = append([]merge.ConflictedField(nil), r.ConflictedFields...)
	return &c
}

// Cost estimates the record's memory footprint for the hot cache.
func (r *ConflictHistoryRecord) Cost() int64 {
	cost := int64(512)
	cost += snapshotCost(r.LocalSnapshot)
	cost += snapshotCost(r.RemoteSnapshot)
	cost += snapshotCost(r.ResolvedSnapshot)
	cost += int64(len(r.ConflictedFields)) * 128
	for _, id := range r.ConflictedEntityIDs {
		cost += int64(len(id))
	}
	return cost
}

func snapshotCost(s *document.Snapshot) int64 {
	if s == nil {
		return 0
	}
	return int64(256 + len(s.Tasks)*192 + len(s.Connections)*128)
}

// HistoryStats aggregates conflict episodes for a dashboard.
type HistoryStats struct {
	Total      int                        `json:"total"`
	Resolved   int                        `json:"resolved"`
	Unresolved int                        `json:"unresolved"`
	Archived   int                        `json:"archived"`
	ByReason   map[ConflictReason]int     `json:"by_reason"`
	ByStrategy map[ResolutionStrategy]int `json:"by_strategy"`
}
