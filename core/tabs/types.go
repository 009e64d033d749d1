package tabs

import (
	"time"
)

// =============================================================================
// MessageType
// =============================================================================

// MessageType names a broadcast frame in the cross-tab protocol. Every frame
// is sent to all peers; receivers drop frames carrying their own tab id.
type MessageType string

const (
	MessageProjectOpened MessageType = "project-opened"
	MessageProjectClosed MessageType = "project-closed"
	MessageHeartbeat     MessageType = "heartbeat"
	MessageDataSynced    MessageType = "data-synced"
	MessageEditLock      MessageType = "edit-lock"
	MessageEditUnlock    MessageType = "edit-unlock"
)

// Valid reports whether the message type is part of the protocol.
func (t MessageType) Valid() bool {
	switch t {
	case MessageProjectOpened, MessageProjectClosed, MessageHeartbeat,
		MessageDataSynced, MessageEditLock, MessageEditUnlock:
		return true
	}
	return false
}

// =============================================================================
// Envelope
// =============================================================================

// Envelope is one cross-tab broadcast frame. Fields beyond Type, TabID and
// SentAt are populated per message type: project frames and heartbeats carry
// ProjectID, data-synced adds UpdatedAt, lock frames carry EntityID and Field
// with ExpiresAt set on edit-lock.
type Envelope struct {
	Type      MessageType `json:"type"`
	TabID     string      `json:"tab_id"`
	ProjectID string      `json:"project_id,omitempty"`
	EntityID  string      `json:"entity_id,omitempty"`
	Field     string      `json:"field,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	SentAt    time.Time   `json:"sent_at"`
}

// =============================================================================
// TabEditLock
// =============================================================================

// TabEditLock is an advisory claim that one tab is editing one field of one
// entity. It never prevents a write; it only drives the concurrent-edit
// warning. Locks expire at ExpiresAt unless the owning tab refreshes them.
type TabEditLock struct {
	EntityID  string    `json:"entity_id"`
	TabID     string    `json:"tab_id"`
	Field     string    `json:"field"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the lock has not yet expired at the given instant.
func (l TabEditLock) Live(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// Edit policies controlling what happens when a lock acquisition collides
// with a live remote lock. The values mirror config.TabsConfig.EditPolicy.
const (
	PolicyWarn  = "warn"
	PolicyBlock = "block"
)

// Peer is the observed state of one sibling tab, refreshed by every frame
// received from it.
type Peer struct {
	TabID    string    `json:"tab_id"`
	Project  string    `json:"project,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}
