// Package document defines the task/flowchart document model shared by the
// sync subsystems: a project snapshot together with its tasks and
// connections, plus the entity taxonomy used to address parts of it.
package document

import "time"

// EntityType identifies which kind of document entity a mutation targets.
type EntityType string

const (
	EntityProject    EntityType = "project"
	EntityTask       EntityType = "task"
	EntityConnection EntityType = "connection"
	EntityPreference EntityType = "preference"
)

var entityTypes = map[EntityType]struct{}{
	EntityProject:    {},
	EntityTask:       {},
	EntityConnection: {},
	EntityPreference: {},
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := entityTypes[t]
	return ok
}

func (t EntityType) String() string {
	return string(t)
}

// Snapshot is one complete version of a project document. Snapshots are
// treated as immutable inputs to a merge: callers clone before mutating.
type Snapshot struct {
	ProjectID   string       `json:"project_id"`
	Version     int64        `json:"version"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Status      string       `json:"status"`
	UpdatedAt   time.Time    `json:"updated_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	Tasks       []Task       `json:"tasks"`
	Connections []Connection `json:"connections"`
}

// Task is one node of the flowchart.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	X           float64    `json:"x"`
	Y           float64    `json:"y"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Connection is one directed edge between two tasks.
type Connection struct {
	ID         string     `json:"id"`
	FromTaskID string     `json:"from_task_id"`
	ToTaskID   string     `json:"to_task_id"`
	Label      string     `json:"label"`
	Kind       string     `json:"kind"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Preference is a user setting synced alongside documents. Preferences are
// not part of a Snapshot and never participate in three-way merges.
type Preference struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskIndex builds an id-keyed lookup over a task slice.
func TaskIndex(tasks []Task) map[string]Task {
	index := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		index[t.ID] = t
	}
	return index
}

// ConnectionIndex builds an id-keyed lookup over a connection slice.
func ConnectionIndex(conns []Connection) map[string]Connection {
	index := make(map[string]Connection, len(conns))
	for _, c := range conns {
		index[c.ID] = c
	}
	return index
}
