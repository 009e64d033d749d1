package events

import (
	"errors"
	"fmt"
	"time"
)

// ErrNilBus is returned when a publisher has no bus to publish to.
var ErrNilBus = errors.New("event bus is nil")

// =============================================================================
// QueuePublisher
// =============================================================================

// QueuePublisher publishes action-queue lifecycle events.
type QueuePublisher struct {
	bus *Bus
}

// NewQueuePublisher creates a QueuePublisher.
func NewQueuePublisher(bus *Bus) *QueuePublisher {
	return &QueuePublisher{bus: bus}
}

// PublishEnqueued signals a newly accepted action.
func (p *QueuePublisher) PublishEnqueued(actionID, projectID, entityType, entityID, op string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventQueueEnqueued, projectID)
	event.EntityType = entityType
	event.EntityID = entityID
	event.Data["action_id"] = actionID
	event.Data["op"] = op

	p.bus.Publish(event)
	return nil
}

// PublishCoalesced signals that a new intent folded into an existing action.
func (p *QueuePublisher) PublishCoalesced(projectID, entityType, entityID, outcome string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventQueueCoalesced, projectID)
	event.EntityType = entityType
	event.EntityID = entityID
	event.Data["outcome"] = outcome

	p.bus.Publish(event)
	return nil
}

// PublishDispatched signals a successful handler dispatch.
func (p *QueuePublisher) PublishDispatched(actionID, projectID, entityType, entityID string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventQueueDispatched, projectID)
	event.EntityType = entityType
	event.EntityID = entityID
	event.Data["action_id"] = actionID

	p.bus.Publish(event)
	return nil
}

// PublishRetryScheduled signals a retry with its class and attempt number.
func (p *QueuePublisher) PublishRetryScheduled(actionID, projectID, class string, attempt int) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventQueueRetryScheduled, projectID)
	event.Message = fmt.Sprintf("retry %d scheduled (%s)", attempt, class)
	event.Data["action_id"] = actionID
	event.Data["class"] = class
	event.Data["attempt"] = attempt

	p.bus.Publish(event)
	return nil
}

// PublishDeadLetter signals an action moved to the dead-letter store.
func (p *QueuePublisher) PublishDeadLetter(actionID, projectID, reason string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventQueueDeadLetter, projectID)
	event.Message = reason
	event.Data["action_id"] = actionID

	p.bus.Publish(event)
	return nil
}

// PublishOverflow signals the queue passed its soft size cap.
func (p *QueuePublisher) PublishOverflow(size, softCap int) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventQueueOverflow, "")
	event.Message = fmt.Sprintf("queue size %d exceeds soft cap %d", size, softCap)
	event.Data["size"] = size
	event.Data["soft_cap"] = softCap

	p.bus.Publish(event)
	return nil
}

// PublishStorageDegraded signals fallback to the in-memory provider. Emitted
// once per degradation, not per write.
func (p *QueuePublisher) PublishStorageDegraded(cause string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventQueueStorageDegraded, "")
	event.Message = "durable storage unavailable, holding writes in memory: " + cause

	p.bus.Publish(event)
	return nil
}

// =============================================================================
// SyncPublisher
// =============================================================================

// SyncPublisher publishes merge and engine events.
type SyncPublisher struct {
	bus *Bus
}

// NewSyncPublisher creates a SyncPublisher.
func NewSyncPublisher(bus *Bus) *SyncPublisher {
	return &SyncPublisher{bus: bus}
}

// PublishMergeCompleted signals a finished merge with its conflict count.
func (p *SyncPublisher) PublishMergeCompleted(projectID string, conflicts int, autoMerged bool) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventMergeCompleted, projectID)
	event.Data["conflicts"] = conflicts
	event.Data["auto_merged"] = autoMerged

	p.bus.Publish(event)
	return nil
}

// PublishMergeConflict signals a merge that produced real conflicts.
func (p *SyncPublisher) PublishMergeConflict(projectID, recordID string, conflicts int) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventMergeConflict, projectID)
	event.Message = fmt.Sprintf("%d conflicted fields", conflicts)
	event.Data["record_id"] = recordID
	event.Data["conflicts"] = conflicts

	p.bus.Publish(event)
	return nil
}

// PublishApplied signals a remote snapshot was reconciled and applied.
func (p *SyncPublisher) PublishApplied(projectID string, version int64) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventSyncApplied, projectID)
	event.Data["version"] = version

	p.bus.Publish(event)
	return nil
}

// PublishSkippedEcho signals a remote update ignored as an echo of a local
// in-flight edit.
func (p *SyncPublisher) PublishSkippedEcho(projectID, entityType, entityID string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventSyncSkippedEcho, projectID)
	event.EntityType = entityType
	event.EntityID = entityID

	p.bus.Publish(event)
	return nil
}

// =============================================================================
// TabsPublisher
// =============================================================================

// TabsPublisher publishes cross-tab coordination events.
type TabsPublisher struct {
	bus   *Bus
	tabID string
}

// NewTabsPublisher creates a TabsPublisher for one tab session.
func NewTabsPublisher(bus *Bus, tabID string) *TabsPublisher {
	return &TabsPublisher{bus: bus, tabID: tabID}
}

// PublishProjectAlsoOpen signals the project is open in another tab.
func (p *TabsPublisher) PublishProjectAlsoOpen(projectID, otherTabID string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventTabProjectAlsoOpen, projectID)
	event.TabID = p.tabID
	event.Message = "project is also open in another tab"
	event.Data["other_tab_id"] = otherTabID

	p.bus.Publish(event)
	return nil
}

// PublishConcurrentEdit signals another tab holds a live lock on the same field.
func (p *TabsPublisher) PublishConcurrentEdit(entityID, field, otherTabID, policy string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventTabConcurrentEdit, "")
	event.TabID = p.tabID
	event.EntityID = entityID
	event.Message = fmt.Sprintf("field %q is being edited in another tab", field)
	event.Data["field"] = field
	event.Data["other_tab_id"] = otherTabID
	event.Data["policy"] = policy

	p.bus.Publish(event)
	return nil
}

// PublishDataSynced signals sibling tabs should refresh from local storage.
// The updatedAt stamp lets subscribers skip a reload they already have.
func (p *TabsPublisher) PublishDataSynced(projectID string, updatedAt time.Time) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventTabDataSynced, projectID)
	event.TabID = p.tabID
	if !updatedAt.IsZero() {
		event.Data["updated_at"] = updatedAt
	}

	p.bus.Publish(event)
	return nil
}

// PublishPeerLost signals a tab was purged after missing heartbeats.
func (p *TabsPublisher) PublishPeerLost(lostTabID string) error {
	if p.bus == nil {
		return ErrNilBus
	}

	event := NewEvent(EventTabPeerLost, "")
	event.TabID = p.tabID
	event.Data["lost_tab_id"] = lostTabID

	p.bus.Publish(event)
	return nil
}
