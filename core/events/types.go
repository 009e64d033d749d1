package events

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EventType
// =============================================================================

// EventType names a sync-core event. Types are dot-namespaced by the
// component that emits them so subscribers can match whole families with a
// glob pattern ("queue.*").
type EventType string

const (
	// Queue events
	EventQueueEnqueued        EventType = "queue.enqueued"
	EventQueueCoalesced       EventType = "queue.coalesced"
	EventQueueDispatched      EventType = "queue.dispatched"
	EventQueueRetryScheduled  EventType = "queue.retry_scheduled"
	EventQueueDeadLetter      EventType = "queue.dead_letter"
	EventQueueOverflow        EventType = "queue.overflow"
	EventQueueStorageDegraded EventType = "queue.storage_degraded"

	// Merge events
	EventMergeCompleted EventType = "merge.completed"
	EventMergeConflict  EventType = "merge.conflict"

	// Conflict history events
	EventHistoryRecorded EventType = "history.recorded"
	EventHistoryResolved EventType = "history.resolved"

	// Tab coordination events
	EventTabProjectAlsoOpen EventType = "tabs.project_also_open"
	EventTabConcurrentEdit  EventType = "tabs.concurrent_edit"
	EventTabDataSynced      EventType = "tabs.data_synced"
	EventTabPeerLost        EventType = "tabs.peer_lost"

	// EventTabEnvelope carries raw tab protocol frames for the loopback
	// transport. It rides a dedicated undebounced bus, never the app bus.
	EventTabEnvelope EventType = "tabs.envelope"

	// Engine events
	EventSyncApplied     EventType = "sync.applied"
	EventSyncSkippedEcho EventType = "sync.skipped_echo"
)

func (t EventType) String() string {
	return string(t)
}

// =============================================================================
// Event
// =============================================================================

// Event is one notification flowing through the bus. Events are signals for
// dashboards and sibling components, not commands: losing one under pressure
// is acceptable, which is why Publish never blocks.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	TabID      string         `json:"tab_id,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent creates an Event with a fresh id and timestamp.
func NewEvent(eventType EventType, projectID string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		ProjectID: projectID,
		Data:      make(map[string]any),
	}
}
