package history

import (
	"github.com/adalundhe/flowsync/core/document"
)

// FieldPresence marks a diff where an entity exists on only one side.
const FieldPresence = "presence"

// FieldDiff is one field-level difference between two snapshots of the same
// project.
type FieldDiff struct {
	EntityType  document.EntityType `json:"entity_type"`
	EntityID    string              `json:"entity_id"`
	Field       string              `json:"field"`
	LocalValue  any                 `json:"local_value"`
	RemoteValue any                 `json:"remote_value"`
}

// CompareProjects returns the field-level differences between two project
// snapshots. It is a plain diff, independent of the merge engine, for
// showing a user what actually diverged.
func CompareProjects(local, remote *document.Snapshot) []FieldDiff {
	switch {
	case local == nil && remote == nil:
		return nil
	case local == nil:
		return []FieldDiff{{
			EntityType: document.EntityProject, EntityID: remote.ProjectID,
			Field: FieldPresence, LocalValue: false, RemoteValue: true,
		}}
	case remote == nil:
		return []FieldDiff{{
			EntityType: document.EntityProject, EntityID: local.ProjectID,
			Field: FieldPresence, LocalValue: true, RemoteValue: false,
		}}
	}

	var diffs []FieldDiff

	project := func(field string, localValue, remoteValue any) {
		diffs = append(diffs, FieldDiff{
			EntityType: document.EntityProject, EntityID: local.ProjectID,
			Field: field, LocalValue: localValue, RemoteValue: remoteValue,
		})
	}
	if local.Name != remote.Name {
		project("name", local.Name, remote.Name)
	}
	if local.Description != remote.Description {
		project("description", local.Description, remote.Description)
	}
	if local.Status != remote.Status {
		project("status", local.Status, remote.Status)
	}
	if !document.TimePtrEqual(local.DeletedAt, remote.DeletedAt) {
		project("deleted_at", local.DeletedAt, remote.DeletedAt)
	}

	diffs = append(diffs, compareTasks(local.Tasks, remote.Tasks)...)
	diffs = append(diffs, compareConnections(local.Connections, remote.Connections)...)
	return diffs
}

func compareTasks(local, remote []document.Task) []FieldDiff {
	remoteIdx := document.TaskIndex(remote)
	localIdx := document.TaskIndex(local)

	var diffs []FieldDiff
	add := func(id, field string, localValue, remoteValue any) {
		diffs = append(diffs, FieldDiff{
			EntityType: document.EntityTask, EntityID: id,
			Field: field, LocalValue: localValue, RemoteValue: remoteValue,
		})
	}

	for _, lt := range local {
		rt, ok := remoteIdx[lt.ID]
		if !ok {
			add(lt.ID, FieldPresence, true, false)
			continue
		}
		if lt.Name != rt.Name {
			add(lt.ID, "name", lt.Name, rt.Name)
		}
		if lt.Description != rt.Description {
			add(lt.ID, "description", lt.Description, rt.Description)
		}
		if lt.Status != rt.Status {
			add(lt.ID, "status", lt.Status, rt.Status)
		}
		if lt.X != rt.X {
			add(lt.ID, "x", lt.X, rt.X)
		}
		if lt.Y != rt.Y {
			add(lt.ID, "y", lt.Y, rt.Y)
		}
		if !document.TimePtrEqual(lt.DeletedAt, rt.DeletedAt) {
			add(lt.ID, "deleted_at", lt.DeletedAt, rt.DeletedAt)
		}
	}
	for _, rt := range remote {
		if _, ok := localIdx[rt.ID]; !ok {
			add(rt.ID, FieldPresence, false, true)
		}
	}
	return diffs
}

func compareConnections(local, remote []document.Connection) []FieldDiff {
	remoteIdx := document.ConnectionIndex(remote)
	localIdx := document.ConnectionIndex(local)

	var diffs []FieldDiff
	add := func(id, field string, localValue, remoteValue any) {
		diffs = append(diffs, FieldDiff{
			EntityType: document.EntityConnection, EntityID: id,
			Field: field, LocalValue: localValue, RemoteValue: remoteValue,
		})
	}

	for _, lc := range local {
		rc, ok := remoteIdx[lc.ID]
		if !ok {
			add(lc.ID, FieldPresence, true, false)
			continue
		}
		if lc.FromTaskID != rc.FromTaskID {
			add(lc.ID, "from_task_id", lc.FromTaskID, rc.FromTaskID)
		}
		if lc.ToTaskID != rc.ToTaskID {
			add(lc.ID, "to_task_id", lc.ToTaskID, rc.ToTaskID)
		}
		if lc.Label != rc.Label {
			add(lc.ID, "label", lc.Label, rc.Label)
		}
		if lc.Kind != rc.Kind {
			add(lc.ID, "kind", lc.Kind, rc.Kind)
		}
		if !document.TimePtrEqual(lc.DeletedAt, rc.DeletedAt) {
			add(lc.ID, "deleted_at", lc.DeletedAt, rc.DeletedAt)
		}
	}
	for _, rc := range remote {
		if _, ok := localIdx[rc.ID]; !ok {
			add(rc.ID, FieldPresence, false, true)
		}
	}
	return diffs
}
