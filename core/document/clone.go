package document

import "time"

// Clone returns a deep copy of the snapshot. The copy shares no mutable
// state with the original.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := Snapshot{
		ProjectID:   s.ProjectID,
		Version:     s.Version,
		Name:        s.Name,
		Description: s.Description,
		Status:      s.Status,
		UpdatedAt:   s.UpdatedAt,
		DeletedAt:   cloneTime(s.DeletedAt),
	}
	if s.Tasks != nil {
		out.Tasks = make([]Task, len(s.Tasks))
		for i := range s.Tasks {
			out.Tasks[i] = s.Tasks[i].Clone()
		}
	}
	if s.Connections != nil {
		out.Connections = make([]Connection, len(s.Connections))
		for i := range s.Connections {
			out.Connections[i] = s.Connections[i].Clone()
		}
	}
	return &out
}

// Clone returns a copy of the task with its own deletion timestamp.
func (t Task) Clone() Task {
	out := t
	out.DeletedAt = cloneTime(t.DeletedAt)
	return out
}

// Clone returns a copy of the connection with its own deletion timestamp.
func (c Connection) Clone() Connection {
	out := c
	out.DeletedAt = cloneTime(c.DeletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

// TimePtrEqual compares two optional timestamps by value.
func TimePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ContentEquals reports whether two tasks carry the same user-visible
// content. Deletion and update timestamps are metadata and excluded.
func (t Task) ContentEquals(o Task) bool {
	return t.Name == o.Name &&
		t.Description == o.Description &&
		t.Status == o.Status &&
		t.X == o.X &&
		t.Y == o.Y
}

// ContentEquals reports whether two connections carry the same user-visible
// content, excluding timestamps.
func (c Connection) ContentEquals(o Connection) bool {
	return c.FromTaskID == o.FromTaskID &&
		c.ToTaskID == o.ToTaskID &&
		c.Label == o.Label &&
		c.Kind == o.Kind
}
