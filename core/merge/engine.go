package merge

import (
	"time"

	"github.com/adalundhe/flowsync/core/document"
)

// Engine performs three-way merges between a common ancestor snapshot and
// two divergent descendants. It holds no state besides the resolution
// policy, so a single Engine is safe to share across goroutines and the
// same inputs always produce the same result.
type Engine struct {
	policy ResolutionPolicy
}

func NewEngine(policy ResolutionPolicy) *Engine {
	return &Engine{policy: policy}
}

func (e *Engine) Policy() ResolutionPolicy {
	return e.policy
}

// Merge combines local and remote against base. Inputs are never mutated;
// the returned snapshot shares no pointers with them. A nil base is treated
// as an empty ancestor, and if only one side exists the other is returned
// as the merged document with no conflicts.
func (e *Engine) Merge(base, local, remote *document.Snapshot) *MergeResult {
	result := &MergeResult{}

	switch {
	case local == nil && remote == nil:
		return result
	case local == nil:
		result.Merged = remote.Clone()
		return result
	case remote == nil:
		result.Merged = local.Clone()
		return result
	}
	if base == nil {
		base = &document.Snapshot{ProjectID: local.ProjectID}
	}

	m := &merger{policy: e.policy, result: result}

	merged := &document.Snapshot{
		ProjectID: local.ProjectID,
		Version:   maxVersion(local.Version, remote.Version),
		UpdatedAt: laterTime(local.UpdatedAt, remote.UpdatedAt),
	}

	remoteNewer := remote.UpdatedAt.After(local.UpdatedAt)
	merged.Name = m.pickString(local.ProjectID, "name", base.Name, local.Name, remote.Name, remoteNewer)
	merged.Description = m.pickString(local.ProjectID, "description", base.Description, local.Description, remote.Description, remoteNewer)
	merged.Status = m.pickString(local.ProjectID, "status", base.Status, local.Status, remote.Status, remoteNewer)
	merged.DeletedAt = m.pickTimePtr(local.ProjectID, "deleted_at", base.DeletedAt, local.DeletedAt, remote.DeletedAt, remoteNewer)

	merged.Tasks = m.reconcileTasks(base, local, remote)
	merged.Connections = m.reconcileConnections(base, local, remote)

	result.Merged = merged
	return result
}

// NeedsMerge is a cheap pre-check: merging is only required when both sides
// diverged from base. It compares versions, timestamps and entity counts
// rather than content, so it can report true for snapshots a full Merge
// would reconcile without conflicts.
func (e *Engine) NeedsMerge(base, local, remote *document.Snapshot) bool {
	if local == nil || remote == nil {
		return false
	}
	if base == nil {
		base = &document.Snapshot{}
	}
	return diverged(base, local) && diverged(base, remote)
}

// CanAutoMerge reports whether a merge of the given snapshots resolves
// without any genuine field conflicts.
func (e *Engine) CanAutoMerge(base, local, remote *document.Snapshot) bool {
	return !e.Merge(base, local, remote).HasRealConflicts
}

func diverged(base, side *document.Snapshot) bool {
	return side.Version != base.Version ||
		!side.UpdatedAt.Equal(base.UpdatedAt) ||
		len(side.Tasks) != len(base.Tasks) ||
		len(side.Connections) != len(base.Connections)
}

// merger accumulates conflicts and stats for a single Merge call.
type merger struct {
	policy ResolutionPolicy
	result *MergeResult
}

// pickString applies the per-field rule: an unchanged side yields to the
// changed one, identical edits converge, and only a genuine two-sided
// disagreement is recorded as a conflict and settled by policy.
func (m *merger) pickString(entityID, field, base, local, remote string, remoteNewer bool) string {
	localChanged := local != base
	remoteChanged := remote != base

	switch {
	case !localChanged:
		return remote
	case !remoteChanged:
		return local
	case local == remote:
		return local
	}

	resolved := local
	if m.remoteWins(remoteNewer) {
		resolved = remote
	}
	m.recordConflict(entityID, field, base, local, remote, resolved)
	return resolved
}

func (m *merger) pickFloat(entityID, field string, base, local, remote float64, remoteNewer bool) float64 {
	localChanged := local != base
	remoteChanged := remote != base

	switch {
	case !localChanged:
		return remote
	case !remoteChanged:
		return local
	case local == remote:
		return local
	}

	resolved := local
	if m.remoteWins(remoteNewer) {
		resolved = remote
	}
	m.recordConflict(entityID, field, base, local, remote, resolved)
	return resolved
}

func (m *merger) pickTimePtr(entityID, field string, base, local, remote *time.Time, remoteNewer bool) *time.Time {
	localChanged := !document.TimePtrEqual(local, base)
	remoteChanged := !document.TimePtrEqual(remote, base)

	switch {
	case !localChanged:
		return copyTimePtr(remote)
	case !remoteChanged:
		return copyTimePtr(local)
	case document.TimePtrEqual(local, remote):
		return copyTimePtr(local)
	}

	resolved := local
	if m.remoteWins(remoteNewer) {
		resolved = remote
	}
	m.recordConflict(entityID, field, base, local, remote, resolved)
	return copyTimePtr(resolved)
}

func (m *merger) remoteWins(remoteNewer bool) bool {
	switch m.policy {
	case PolicyPreferRemote:
		return true
	case PolicyNewestWins:
		return remoteNewer
	default:
		return false
	}
}

func (m *merger) recordConflict(entityID, field string, base, local, remote, resolved any) {
	m.result.Conflicts = append(m.result.Conflicts, ConflictedField{
		EntityID:      entityID,
		Field:         field,
		BaseValue:     base,
		LocalValue:    local,
		RemoteValue:   remote,
		ResolvedValue: resolved,
	})
	m.result.Stats.FieldConflicts++
	m.result.HasRealConflicts = true
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
