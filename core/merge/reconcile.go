package merge

import (
	"github.com/adalundhe/flowsync/core/document"
)

type side int

const (
	localSide side = iota
	remoteSide
)

func (s side) other() side {
	if s == localSide {
		return remoteSide
	}
	return localSide
}

// reconcileTasks merges the task sets of local and remote against base.
// Output order is deterministic: tasks in base order first, then tasks
// added locally, then tasks added remotely.
func (m *merger) reconcileTasks(base, local, remote *document.Snapshot) []document.Task {
	baseIdx := document.TaskIndex(base.Tasks)
	localIdx := document.TaskIndex(local.Tasks)
	remoteIdx := document.TaskIndex(remote.Tasks)

	var merged []document.Task

	for _, bt := range base.Tasks {
		lt, inLocal := localIdx[bt.ID]
		rt, inRemote := remoteIdx[bt.ID]

		switch {
		case inLocal && inRemote:
			if t, keep := m.mergeTask(bt, lt, rt); keep {
				merged = append(merged, t)
			}
		case !inLocal && !inRemote:
			m.countTaskDeleted(localSide)
			m.countTaskDeleted(remoteSide)
		case !inLocal:
			if t, keep := m.resolveRemovedTask(bt, rt, localSide); keep {
				merged = append(merged, t)
			}
		default:
			if t, keep := m.resolveRemovedTask(bt, lt, remoteSide); keep {
				merged = append(merged, t)
			}
		}
	}

	for _, lt := range local.Tasks {
		if _, ok := baseIdx[lt.ID]; ok {
			continue
		}
		m.countTaskAdded(localSide)
		if rt, ok := remoteIdx[lt.ID]; ok {
			// Both sides created the same id independently; merge the
			// copies field by field against a zero ancestor.
			m.countTaskAdded(remoteSide)
			merged = append(merged, m.mergeTaskFields(document.Task{ID: lt.ID}, lt, rt))
			continue
		}
		merged = append(merged, lt.Clone())
	}

	for _, rt := range remote.Tasks {
		if _, ok := baseIdx[rt.ID]; ok {
			continue
		}
		if _, ok := localIdx[rt.ID]; ok {
			continue
		}
		m.countTaskAdded(remoteSide)
		merged = append(merged, rt.Clone())
	}

	return merged
}

// mergeTask reconciles a task both sides still carry. New soft deletes are
// arbitrated against the other side's edits before any per-field merge.
func (m *merger) mergeTask(base, local, remote document.Task) (document.Task, bool) {
	localDeleted := local.DeletedAt != nil && base.DeletedAt == nil
	remoteDeleted := remote.DeletedAt != nil && base.DeletedAt == nil

	switch {
	case localDeleted && remoteDeleted:
		m.countTaskDeleted(localSide)
		m.countTaskDeleted(remoteSide)
		return local.Clone(), true
	case localDeleted:
		return m.arbitrateTaskDelete(base, local, remote, localSide), true
	case remoteDeleted:
		return m.arbitrateTaskDelete(base, remote, local, remoteSide), true
	}

	if !local.ContentEquals(base) || !document.TimePtrEqual(local.DeletedAt, base.DeletedAt) {
		m.countTaskModified(localSide)
	}
	if !remote.ContentEquals(base) || !document.TimePtrEqual(remote.DeletedAt, base.DeletedAt) {
		m.countTaskModified(remoteSide)
	}
	return m.mergeTaskFields(base, local, remote), true
}

// arbitrateTaskDelete decides between one side's soft delete and the other
// side's surviving copy. An edit by the keeper revives the task, unless the
// deleter also changed its content before deleting; then the delete is
// taken as deliberate and stands.
func (m *merger) arbitrateTaskDelete(base, deleter, keeper document.Task, deletedBy side) document.Task {
	keeperEdited := !keeper.ContentEquals(base)
	deleterEdited := !deleter.ContentEquals(base)

	if keeperEdited && !deleterEdited {
		m.countTaskModified(deletedBy.other())
		return keeper.Clone()
	}
	m.countTaskDeleted(deletedBy)
	return deleter.Clone()
}

// resolveRemovedTask arbitrates a task one side removed outright while the
// other still carries it. A soft delete on the surviving side converges
// with the removal, an edit there revives the task, and an untouched copy
// lets the removal stand.
func (m *merger) resolveRemovedTask(base, kept document.Task, removedBy side) (document.Task, bool) {
	switch {
	case kept.DeletedAt != nil:
		m.countTaskDeleted(removedBy)
		if base.DeletedAt == nil {
			m.countTaskDeleted(removedBy.other())
		}
		return kept.Clone(), true
	case !kept.ContentEquals(base) || !document.TimePtrEqual(kept.DeletedAt, base.DeletedAt):
		m.countTaskModified(removedBy.other())
		return kept.Clone(), true
	default:
		m.countTaskDeleted(removedBy)
		return document.Task{}, false
	}
}

func (m *merger) mergeTaskFields(base, local, remote document.Task) document.Task {
	remoteNewer := remote.UpdatedAt.After(local.UpdatedAt)
	return document.Task{
		ID:          local.ID,
		Name:        m.pickString(local.ID, "name", base.Name, local.Name, remote.Name, remoteNewer),
		Description: m.pickString(local.ID, "description", base.Description, local.Description, remote.Description, remoteNewer),
		Status:      m.pickString(local.ID, "status", base.Status, local.Status, remote.Status, remoteNewer),
		X:           m.pickFloat(local.ID, "x", base.X, local.X, remote.X, remoteNewer),
		Y:           m.pickFloat(local.ID, "y", base.Y, local.Y, remote.Y, remoteNewer),
		UpdatedAt:   laterTime(local.UpdatedAt, remote.UpdatedAt),
		DeletedAt:   m.pickTimePtr(local.ID, "deleted_at", base.DeletedAt, local.DeletedAt, remote.DeletedAt, remoteNewer),
	}
}

// reconcileConnections mirrors reconcileTasks for the connection set.
func (m *merger) reconcileConnections(base, local, remote *document.Snapshot) []document.Connection {
	baseIdx := document.ConnectionIndex(base.Connections)
	localIdx := document.ConnectionIndex(local.Connections)
	remoteIdx := document.ConnectionIndex(remote.Connections)

	var merged []document.Connection

	for _, bc := range base.Connections {
		lc, inLocal := localIdx[bc.ID]
		rc, inRemote := remoteIdx[bc.ID]

		switch {
		case inLocal && inRemote:
			if c, keep := m.mergeConnection(bc, lc, rc); keep {
				merged = append(merged, c)
			}
		case !inLocal && !inRemote:
			m.countConnectionDeleted(localSide)
			m.countConnectionDeleted(remoteSide)
		case !inLocal:
			if c, keep := m.resolveRemovedConnection(bc, rc, localSide); keep {
				merged = append(merged, c)
			}
		default:
			if c, keep := m.resolveRemovedConnection(bc, lc, remoteSide); keep {
				merged = append(merged, c)
			}
		}
	}

	for _, lc := range local.Connections {
		if _, ok := baseIdx[lc.ID]; ok {
			continue
		}
		m.countConnectionAdded(localSide)
		if rc, ok := remoteIdx[lc.ID]; ok {
			m.countConnectionAdded(remoteSide)
			merged = append(merged, m.mergeConnectionFields(document.Connection{ID: lc.ID}, lc, rc))
			continue
		}
		merged = append(merged, lc.Clone())
	}

	for _, rc := range remote.Connections {
		if _, ok := baseIdx[rc.ID]; ok {
			continue
		}
		if _, ok := localIdx[rc.ID]; ok {
			continue
		}
		m.countConnectionAdded(remoteSide)
		merged = append(merged, rc.Clone())
	}

	return merged
}

func (m *merger) mergeConnection(base, local, remote document.Connection) (document.Connection, bool) {
	localDeleted := local.DeletedAt != nil && base.DeletedAt == nil
	remoteDeleted := remote.DeletedAt != nil && base.DeletedAt == nil

	switch {
	case localDeleted && remoteDeleted:
		m.countConnectionDeleted(localSide)
		m.countConnectionDeleted(remoteSide)
		return local.Clone(), true
	case localDeleted:
		return m.arbitrateConnectionDelete(base, local, remote, localSide), true
	case remoteDeleted:
		return m.arbitrateConnectionDelete(base, remote, local, remoteSide), true
	}

	if !local.ContentEquals(base) || !document.TimePtrEqual(local.DeletedAt, base.DeletedAt) {
		m.countConnectionModified(localSide)
	}
	if !remote.ContentEquals(base) || !document.TimePtrEqual(remote.DeletedAt, base.DeletedAt) {
		m.countConnectionModified(remoteSide)
	}
	return m.mergeConnectionFields(base, local, remote), true
}

func (m *merger) arbitrateConnectionDelete(base, deleter, keeper document.Connection, deletedBy side) document.Connection {
	keeperEdited := !keeper.ContentEquals(base)
	deleterEdited := !deleter.ContentEquals(base)

	if keeperEdited && !deleterEdited {
		m.countConnectionModified(deletedBy.other())
		return keeper.Clone()
	}
	m.countConnectionDeleted(deletedBy)
	return deleter.Clone()
}

func (m *merger) resolveRemovedConnection(base, kept document.Connection, removedBy side) (document.Connection, bool) {
	switch {
	case kept.DeletedAt != nil:
		m.countConnectionDeleted(removedBy)
		if base.DeletedAt == nil {
			m.countConnectionDeleted(removedBy.other())
		}
		return kept.Clone(), true
	case !kept.ContentEquals(base) || !document.TimePtrEqual(kept.DeletedAt, base.DeletedAt):
		m.countConnectionModified(removedBy.other())
		return kept.Clone(), true
	default:
		m.countConnectionDeleted(removedBy)
		return document.Connection{}, false
	}
}

func (m *merger) mergeConnectionFields(base, local, remote document.Connection) document.Connection {
	remoteNewer := remote.UpdatedAt.After(local.UpdatedAt)
	return document.Connection{
		ID:         local.ID,
		FromTaskID: m.pickString(local.ID, "from_task_id", base.FromTaskID, local.FromTaskID, remote.FromTaskID, remoteNewer),
		ToTaskID:   m.pickString(local.ID, "to_task_id", base.ToTaskID, local.ToTaskID, remote.ToTaskID, remoteNewer),
		Label:      m.pickString(local.ID, "label", base.Label, local.Label, remote.Label, remoteNewer),
		Kind:       m.pickString(local.ID, "kind", base.Kind, local.Kind, remote.Kind, remoteNewer),
		UpdatedAt:  laterTime(local.UpdatedAt, remote.UpdatedAt),
		DeletedAt:  m.pickTimePtr(local.ID, "deleted_at", base.DeletedAt, local.DeletedAt, remote.DeletedAt, remoteNewer),
	}
}

func (m *merger) countTaskAdded(s side) {
	if s == localSide {
		m.result.Stats.LocalAddedTasks++
	} else {
		m.result.Stats.RemoteAddedTasks++
	}
}

func (m *merger) countTaskDeleted(s side) {
	if s == localSide {
		m.result.Stats.LocalDeletedTasks++
	} else {
		m.result.Stats.RemoteDeletedTasks++
	}
}

func (m *merger) countTaskModified(s side) {
	if s == localSide {
		m.result.Stats.LocalModifiedTasks++
	} else {
		m.result.Stats.RemoteModifiedTasks++
	}
}

func (m *merger) countConnectionAdded(s side) {
	if s == localSide {
		m.result.Stats.LocalAddedConnections++
	} else {
		m.result.Stats.RemoteAddedConnections++
	}
}

func (m *merger) countConnectionDeleted(s side) {
	if s == localSide {
		m.result.Stats.LocalDeletedConnections++
	} else {
		m.result.Stats.RemoteDeletedConnections++
	}
}

func (m *merger) countConnectionModified(s side) {
	if s == localSide {
		m.result.Stats.LocalModifiedConnections++
	} else {
		m.result.Stats.RemoteModifiedConnections++
	}
}
