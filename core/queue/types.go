package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adalundhe/flowsync/core/document"
)

// =============================================================================
// Operations and priorities
// =============================================================================

// Op is the mutation kind a queued action carries to the remote side.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether the op is one of the known mutation kinds.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Priority is the drain lane an action is dispatched from. Lanes drain in
// declaration order; entries within a lane keep FIFO order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// laneRank orders priorities for draining, lowest first.
func (p Priority) laneRank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// PriorityForEntity maps an entity type to its drain lane. Project structure
// ships before its contents; preference churn never delays either.
func PriorityForEntity(entityType document.EntityType) Priority {
	switch entityType {
	case document.EntityProject:
		return PriorityCritical
	case document.EntityTask, document.EntityConnection:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// =============================================================================
// Payloads
// =============================================================================

// Payload carries the entity data for a queued mutation. Each entity type has
// one concrete payload; delete actions carry a nil Payload. The serialized
// form is a JSON envelope with a kind discriminator so durable actions
// round-trip through storage.
type Payload interface {
	Kind() string
}

// ProjectPayload carries a full project snapshot for project-level mutations.
type ProjectPayload struct {
	Snapshot document.Snapshot `json:"snapshot"`
}

func (ProjectPayload) Kind() string { return "project" }

// TaskPayload carries one task.
type TaskPayload struct {
	Task document.Task `json:"task"`
}

func (TaskPayload) Kind() string { return "task" }

// ConnectionPayload carries one connection.
type ConnectionPayload struct {
	Connection document.Connection `json:"connection"`
}

func (ConnectionPayload) Kind() string { return "connection" }

// PreferencePayload carries one preference entry.
type PreferencePayload struct {
	Preference document.Preference `json:"preference"`
}

func (PreferencePayload) Kind() string { return "preference" }

// payloadEnvelope is the wire form of a Payload. The kind discriminator picks
// the concrete type when reading back from storage.
type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func marshalPayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

func unmarshalPayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("queue: decode payload envelope: %w", err)
	}

	switch env.Kind {
	case "project":
		var p ProjectPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("queue: decode project payload: %w", err)
		}
		return p, nil
	case "task":
		var p TaskPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("queue: decode task payload: %w", err)
		}
		return p, nil
	case "connection":
		var p ConnectionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("queue: decode connection payload: %w", err)
		}
		return p, nil
	case "preference":
		var p PreferencePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("queue: decode preference payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("queue: unknown payload kind %q", env.Kind)
	}
}

// =============================================================================
// QueuedAction
// =============================================================================

// QueuedAction is one pending outbound mutation. Actions are created from
// intents, mutated by coalescing and retry handling, and removed on
// successful dispatch, cancellation, or dead-lettering.
type QueuedAction struct {
	ID         string
	Op         Op
	EntityType document.EntityType
	EntityID   string
	ProjectID  string
	Payload    Payload
	Priority   Priority
	EnqueuedAt time.Time

	// Retry state, zero until the first handler failure.
	RetryCount     int
	NextAttemptAt  time.Time
	LastErrorClass string
	LastError      string

	// rev increments on every coalesce so an in-flight dispatch can tell
	// whether the payload it sent is still the latest. Not serialized.
	rev uint64
}

// HandlerKey is the registry key this action dispatches under.
func (a QueuedAction) HandlerKey() string {
	return string(a.EntityType) + ":" + string(a.Op)
}

// actionJSON is the storage form of a QueuedAction. The payload is flattened
// through its kind envelope.
type actionJSON struct {
	ID             string              `json:"id"`
	Op             Op                  `json:"op"`
	EntityType     document.EntityType `json:"entity_type"`
	EntityID       string              `json:"entity_id"`
	ProjectID      string              `json:"project_id,omitempty"`
	Payload        json.RawMessage     `json:"payload,omitempty"`
	Priority       Priority            `json:"priority"`
	EnqueuedAt     time.Time           `json:"enqueued_at"`
	RetryCount     int                 `json:"retry_count,omitempty"`
	NextAttemptAt  time.Time           `json:"next_attempt_at"`
	LastErrorClass string              `json:"last_error_class,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a QueuedAction) MarshalJSON() ([]byte, error) {
	payload, err := marshalPayload(a.Payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(actionJSON{
		ID:             a.ID,
		Op:             a.Op,
		EntityType:     a.EntityType,
		EntityID:       a.EntityID,
		ProjectID:      a.ProjectID,
		Payload:        payload,
		Priority:       a.Priority,
		EnqueuedAt:     a.EnqueuedAt,
		RetryCount:     a.RetryCount,
		NextAttemptAt:  a.NextAttemptAt,
		LastErrorClass: a.LastErrorClass,
		LastError:      a.LastError,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *QueuedAction) UnmarshalJSON(data []byte) error {
	var aux actionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	payload, err := unmarshalPayload(aux.Payload)
	if err != nil {
		return err
	}

	*a = QueuedAction{
		ID:             aux.ID,
		Op:             aux.Op,
		EntityType:     aux.EntityType,
		EntityID:       aux.EntityID,
		ProjectID:      aux.ProjectID,
		Payload:        payload,
		Priority:       aux.Priority,
		EnqueuedAt:     aux.EnqueuedAt,
		RetryCount:     aux.RetryCount,
		NextAttemptAt:  aux.NextAttemptAt,
		LastErrorClass: aux.LastErrorClass,
		LastError:      aux.LastError,
	}
	return nil
}

// =============================================================================
// Dead letters
// =============================================================================

// DeadLetterItem is an action that exhausted its retry budget or failed with
// a non-retryable class. Items survive restart and are retained until an
// operator clears or requeues them.
type DeadLetterItem struct {
	Action        QueuedAction `json:"action"`
	FailureReason string       `json:"failure_reason"`
	MovedAt       time.Time    `json:"moved_at"`
}

// =============================================================================
// Intent
// =============================================================================

// Intent is a local mutation awaiting transmission. The queue owns identity
// and priority; callers describe only what changed.
type Intent struct {
	Op         Op
	EntityType document.EntityType
	EntityID   string
	ProjectID  string
	Payload    Payload
}

func (i Intent) validate() error {
	if !i.Op.Valid() {
		return fmt.Errorf("queue: invalid op %q", i.Op)
	}
	if !i.EntityType.Valid() {
		return fmt.Errorf("queue: invalid entity type %q", i.EntityType)
	}
	if i.EntityID == "" {
		return fmt.Errorf("queue: entity id is required")
	}
	switch i.EntityType {
	case document.EntityTask, document.EntityConnection:
		if i.ProjectID == "" {
			return fmt.Errorf("queue: project id is required for %s intents", i.EntityType)
		}
	}
	if i.Payload != nil && i.Payload.Kind() != string(i.EntityType) {
		return fmt.Errorf("queue: %s payload on %s intent", i.Payload.Kind(), i.EntityType)
	}
	if i.Op != OpDelete && i.Payload == nil {
		return fmt.Errorf("queue: %s intent requires a payload", i.Op)
	}
	return nil
}
