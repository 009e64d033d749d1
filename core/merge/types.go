package merge

import (
	"github.com/adalundhe/flowsync/core/document"
)

// ConflictedField is one field where local and remote genuinely diverge from
// base. Conflicts are data, not errors: the merge always completes and the
// resolved value records which side the policy picked.
type ConflictedField struct {
	EntityID      string `json:"entity_id"`
	Field         string `json:"field"`
	BaseValue     any    `json:"base_value"`
	LocalValue    any    `json:"local_value"`
	RemoteValue   any    `json:"remote_value"`
	ResolvedValue any    `json:"resolved_value"`
}

// MergeStats counts what each side did relative to base.
type MergeStats struct {
	LocalAddedTasks     int `json:"local_added_tasks"`
	RemoteAddedTasks    int `json:"remote_added_tasks"`
	LocalDeletedTasks   int `json:"local_deleted_tasks"`
	RemoteDeletedTasks  int `json:"remote_deleted_tasks"`
	LocalModifiedTasks  int `json:"local_modified_tasks"`
	RemoteModifiedTasks int `json:"remote_modified_tasks"`

	LocalAddedConnections     int `json:"local_added_connections"`
	RemoteAddedConnections    int `json:"remote_added_connections"`
	LocalDeletedConnections   int `json:"local_deleted_connections"`
	RemoteDeletedConnections  int `json:"remote_deleted_connections"`
	LocalModifiedConnections  int `json:"local_modified_connections"`
	RemoteModifiedConnections int `json:"remote_modified_connections"`

	FieldConflicts int `json:"field_conflicts"`
}

// MergeResult is the outcome of one three-way merge.
type MergeResult struct {
	Merged           *document.Snapshot `json:"merged"`
	Conflicts        []ConflictedField  `json:"conflicts"`
	Stats            MergeStats         `json:"stats"`
	HasRealConflicts bool               `json:"has_real_conflicts"`
}
