package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/flowsync/core/document"
	coreerrors "github.com/adalundhe/flowsync/core/errors"
	"github.com/adalundhe/flowsync/core/events"
	"github.com/adalundhe/flowsync/core/storage"
)

// =============================================================================
// Test helpers
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// quotaProvider delegates to a MemoryProvider until its write budget runs
// out, then reports quota exhaustion on every further Set.
type quotaProvider struct {
	*storage.MemoryProvider
	mu     sync.Mutex
	budget int
}

func (p *quotaProvider) Set(ctx context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.budget <= 0 {
		return storage.ErrQuotaExceeded
	}
	p.budget--
	return p.MemoryProvider.Set(ctx, key, value)
}

// eventRecorder collects bus events for assertion.
type eventRecorder struct {
	id    string
	types []events.EventType
	mu    sync.Mutex
	got   []*events.Event
}

func (r *eventRecorder) ID() string                    { return r.id }
func (r *eventRecorder) EventTypes() []events.EventType { return r.types }

func (r *eventRecorder) OnEvent(event *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, event)
	return nil
}

func (r *eventRecorder) count(eventType events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.got {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *fakeClock) {
	t.Helper()

	clock := newFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	if cfg.Provider == nil {
		cfg.Provider = storage.NewMemoryProvider()
	}
	cfg.Now = clock.Now

	q, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, clock
}

func projectIntent(op Op, projectID, name string) Intent {
	intent := Intent{Op: op, EntityType: document.EntityProject, EntityID: projectID, ProjectID: projectID}
	if op != OpDelete {
		intent.Payload = ProjectPayload{Snapshot: document.Snapshot{ProjectID: projectID, Name: name}}
	}
	return intent
}

func taskIntent(op Op, projectID, taskID, name string) Intent {
	intent := Intent{Op: op, EntityType: document.EntityTask, EntityID: taskID, ProjectID: projectID}
	if op != OpDelete {
		intent.Payload = TaskPayload{Task: document.Task{ID: taskID, Name: name}}
	}
	return intent
}

func preferenceIntent(key, value string) Intent {
	return Intent{
		Op:         OpUpdate,
		EntityType: document.EntityPreference,
		EntityID:   key,
		Payload:    PreferencePayload{Preference: document.Preference{Key: key, Value: value}},
	}
}

func taskName(t *testing.T, action QueuedAction) string {
	t.Helper()
	payload, ok := action.Payload.(TaskPayload)
	require.True(t, ok, "expected a task payload, got %T", action.Payload)
	return payload.Task.Name
}

// =============================================================================
// Enqueue and coalescing
// =============================================================================

func TestPriorityForEntity(t *testing.T) {
	tests := []struct {
		entityType document.EntityType
		want       Priority
	}{
		{document.EntityProject, PriorityCritical},
		{document.EntityTask, PriorityNormal},
		{document.EntityConnection, PriorityNormal},
		{document.EntityPreference, PriorityLow},
	}

	for _, tt := range tests {
		t.Run(string(tt.entityType), func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityForEntity(tt.entityType))
		})
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		intent Intent
	}{
		{"invalid op", Intent{Op: "upsert", EntityType: document.EntityTask, EntityID: "t1", ProjectID: "p1"}},
		{"invalid entity type", Intent{Op: OpUpdate, EntityType: "widget", EntityID: "w1"}},
		{"missing entity id", Intent{Op: OpUpdate, EntityType: document.EntityTask, ProjectID: "p1"}},
		{"missing project id", Intent{Op: OpCreate, EntityType: document.EntityTask, EntityID: "t1", Payload: TaskPayload{}}},
		{"payload kind mismatch", Intent{Op: OpUpdate, EntityType: document.EntityTask, EntityID: "t1", ProjectID: "p1", Payload: ProjectPayload{}}},
		{"update without payload", Intent{Op: OpUpdate, EntityType: document.EntityTask, EntityID: "t1", ProjectID: "p1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.intent)
			assert.Error(t, err)
		})
	}

	assert.Equal(t, 0, q.Size())
}

func TestEnqueueCoalescing(t *testing.T) {
	ctx := context.Background()

	t.Run("create then delete cancels both", func(t *testing.T) {
		provider := storage.NewMemoryProvider()
		q, _ := newTestQueue(t, Config{Provider: provider})

		id, err := q.Enqueue(ctx, taskIntent(OpCreate, "p1", "t1", "Dig beds"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		id2, err := q.Enqueue(ctx, taskIntent(OpDelete, "p1", "t1", ""))
		require.NoError(t, err)
		assert.Empty(t, id2)
		assert.Equal(t, 0, q.Size())

		keys, err := provider.Keys(ctx, actionKeyPrefix)
		require.NoError(t, err)
		assert.Empty(t, keys, "cancelled create should leave no durable record")
	})

	t.Run("create then update folds into create", func(t *testing.T) {
		q, _ := newTestQueue(t, Config{})

		id, err := q.Enqueue(ctx, taskIntent(OpCreate, "p1", "t1", "Dig beds"))
		require.NoError(t, err)

		id2, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Dig north beds"))
		require.NoError(t, err)
		assert.Equal(t, id, id2)
		assert.Equal(t, 1, q.Size())

		actions := q.ActionsForEntity(document.EntityTask, "t1")
		require.Len(t, actions, 1)
		assert.Equal(t, OpCreate, actions[0].Op)
		assert.Equal(t, "Dig north beds", taskName(t, actions[0]))
		assert.Equal(t, int64(1), q.Stats().TotalCoalesced)
	})

	t.Run("update then update replaces payload", func(t *testing.T) {
		q, _ := newTestQueue(t, Config{})

		id, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
		require.NoError(t, err)

		id2, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order more seeds"))
		require.NoError(t, err)
		assert.Equal(t, id, id2)
		assert.Equal(t, 1, q.Size())

		actions := q.ActionsForEntity(document.EntityTask, "t1")
		require.Len(t, actions, 1)
		assert.Equal(t, "Order more seeds", taskName(t, actions[0]))
	})

	t.Run("delete then update is ignored", func(t *testing.T) {
		q, _ := newTestQueue(t, Config{})

		_, err := q.Enqueue(ctx, taskIntent(OpDelete, "p1", "t1", ""))
		require.NoError(t, err)

		id, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Too late"))
		require.NoError(t, err)
		assert.Empty(t, id)
		assert.Equal(t, 1, q.Size())

		actions := q.ActionsForEntity(document.EntityTask, "t1")
		require.Len(t, actions, 1)
		assert.Equal(t, OpDelete, actions[0].Op)
	})

	t.Run("update then delete becomes the delete", func(t *testing.T) {
		q, _ := newTestQueue(t, Config{})

		id, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
		require.NoError(t, err)

		id2, err := q.Enqueue(ctx, taskIntent(OpDelete, "p1", "t1", ""))
		require.NoError(t, err)
		assert.Equal(t, id, id2)
		assert.Equal(t, 1, q.Size())

		actions := q.ActionsForEntity(document.EntityTask, "t1")
		require.Len(t, actions, 1)
		assert.Equal(t, OpDelete, actions[0].Op)
		assert.Nil(t, actions[0].Payload)
	})
}

// =============================================================================
// Draining
// =============================================================================

func TestProcessQueueDrainsInPriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var order []string
	err := q.RegisterHandlerPattern("*", func(ctx context.Context, action QueuedAction) error {
		order = append(order, string(action.EntityType)+":"+action.EntityID)
		return nil
	})
	require.NoError(t, err)

	// Enqueued lowest priority first; tasks live in a project with no
	// pending create so nothing blocks.
	_, err = q.Enqueue(ctx, preferenceIntent("theme", "dark"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskIntent(OpUpdate, "p2", "t1", "First task"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskIntent(OpUpdate, "p2", "t2", "Second task"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, projectIntent(OpCreate, "p1", "Garden"))
	require.NoError(t, err)

	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Dispatched)
	assert.Equal(t, []string{"project:p1", "task:t1", "task:t2", "preference:theme"}, order)
	assert.Equal(t, 0, q.Size())
}

func TestProcessQueueDependencyBlocking(t *testing.T) {
	q, clock := newTestQueue(t, Config{})
	ctx := context.Background()

	var order []string
	projectAttempts := 0
	q.RegisterHandler("project:create", func(ctx context.Context, action QueuedAction) error {
		projectAttempts++
		if projectAttempts == 1 {
			return errors.New("connection refused")
		}
		order = append(order, "project:"+action.EntityID)
		return nil
	})
	err := q.RegisterHandlerPattern("task:*", func(ctx context.Context, action QueuedAction) error {
		order = append(order, "task:"+action.EntityID)
		return nil
	})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, projectIntent(OpCreate, "p1", "Garden"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskIntent(OpCreate, "p1", "t1", "Dig beds"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskIntent(OpCreate, "p9", "t9", "Elsewhere"))
	require.NoError(t, err)

	// First pass: the project create fails and schedules a retry, so its
	// child stays blocked. The unrelated project's task is free to go.
	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 1, result.Blocked)
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, []string{"task:t9"}, order)

	blocked := q.BlockedActions()
	require.Len(t, blocked, 1)
	assert.Equal(t, "t1", blocked[0].EntityID)

	// Second pass after the backoff: the project create completes, which
	// unblocks its child within the same pass.
	clock.Advance(time.Minute)
	order = nil

	result, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Dispatched)
	assert.Equal(t, []string{"project:p1", "task:t1"}, order)
	assert.Equal(t, 0, q.Size())
	assert.Empty(t, q.BlockedActions())
}

func TestProcessQueueRetryClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantDead  bool
		wantClass string
	}{
		{"network errors retry", errors.New("connection refused"), false, "network"},
		{"timeout errors retry", errors.New("request timed out"), false, "timeout"},
		{"unknown errors retry", errors.New("splines unreticulated"), false, "unknown"},
		{"permission errors dead-letter", coreerrors.ErrPermissionDenied, true, "permission"},
		{"business errors dead-letter", errors.New("validation rejected by server"), true, "business"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, clock := newTestQueue(t, Config{})
			ctx := context.Background()

			q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
				return tt.err
			})

			_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
			require.NoError(t, err)

			result, err := q.ProcessQueue(ctx)
			require.NoError(t, err)

			if tt.wantDead {
				assert.Equal(t, 1, result.DeadLettered)
				assert.Equal(t, 0, q.Size())
				require.Equal(t, 1, q.DeadLetterSize())

				item := q.DeadLetters()[0]
				assert.Equal(t, tt.wantClass, item.Action.LastErrorClass)
				assert.Contains(t, item.FailureReason, tt.wantClass)
				return
			}

			assert.Equal(t, 1, result.Retried)
			assert.Equal(t, 1, q.Size())
			assert.Equal(t, 0, q.DeadLetterSize())

			actions := q.ActionsForEntity(document.EntityTask, "t1")
			require.Len(t, actions, 1)
			assert.Equal(t, 1, actions[0].RetryCount)
			assert.Equal(t, tt.wantClass, actions[0].LastErrorClass)
			assert.True(t, actions[0].NextAttemptAt.After(clock.Now()))
		})
	}
}

func TestProcessQueueRetryBudgetExhaustion(t *testing.T) {
	q, clock := newTestQueue(t, Config{MaxRetries: 2})
	ctx := context.Background()

	attempts := 0
	q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
		attempts++
		return errors.New("connection refused")
	})

	_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := q.ProcessQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Retried, "pass %d", i+1)
		clock.Advance(time.Minute)
	}

	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, q.Size())

	require.Equal(t, 1, q.DeadLetterSize())
	item := q.DeadLetters()[0]
	assert.Contains(t, item.FailureReason, "exhausted")
	assert.Equal(t, "network", item.Action.LastErrorClass)
}

func TestProcessQueueDefersUntilNextAttempt(t *testing.T) {
	q, clock := newTestQueue(t, Config{})
	ctx := context.Background()

	calls := 0
	q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	})

	_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
	require.NoError(t, err)

	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	// The retry is scheduled in the future; an immediate pass must not
	// re-dispatch.
	result, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, 1, calls)

	clock.Advance(time.Minute)
	result, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, q.Size())
}

func TestHandlerExactKeyWinsOverPattern(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	exactCalls, patternCalls := 0, 0
	err := q.RegisterHandlerPattern("task:*", func(ctx context.Context, action QueuedAction) error {
		patternCalls++
		return nil
	})
	require.NoError(t, err)
	q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
		exactCalls++
		return nil
	})

	_, err = q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskIntent(OpCreate, "p1", "t2", "Dig beds"))
	require.NoError(t, err)

	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, exactCalls, "task:update should use the exact handler")
	assert.Equal(t, 1, patternCalls, "task:create should fall through to the pattern")
}

func TestRegisterHandlerPatternInvalid(t *testing.T) {
	q, _ := newTestQueue(t, Config{})

	err := q.RegisterHandlerPattern("task:[", func(ctx context.Context, action QueuedAction) error {
		return nil
	})
	assert.Error(t, err)
}

func TestUnhandledActionsStayPending(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
	require.NoError(t, err)

	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unhandled)
	assert.Equal(t, 1, q.Size())
}

func TestCoalesceDuringDispatchKeepsLatestPayload(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	calls := 0
	q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
		calls++
		if calls == 1 {
			// A user edit lands while the previous payload is in flight.
			_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Newer"))
			require.NoError(t, err)
		}
		return nil
	})

	_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Older"))
	require.NoError(t, err)

	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)

	// The stale dispatch succeeded but the action must survive to carry the
	// newer payload out.
	require.Equal(t, 1, q.Size())
	actions := q.ActionsForEntity(document.EntityTask, "t1")
	require.Len(t, actions, 1)
	assert.Equal(t, "Newer", taskName(t, actions[0]))
	assert.Equal(t, 0, actions[0].RetryCount)

	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(1), q.Stats().TotalDispatched)
}

// =============================================================================
// Durability
// =============================================================================

func TestQueueRestoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemoryProvider()
	clock := newFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	q1, err := New(ctx, Config{Provider: provider, Now: clock.Now})
	require.NoError(t, err)

	createID, err := q1.Enqueue(ctx, projectIntent(OpCreate, "p1", "Garden"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	updateID, err := q1.Enqueue(ctx, taskIntent(OpUpdate, "p2", "t1", "Order seeds"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	_, err = q1.Enqueue(ctx, taskIntent(OpDelete, "p2", "t3", ""))
	require.NoError(t, err)
	clock.Advance(time.Second)

	// Dead-letter one action so the dead store has something to restore.
	q1.RegisterHandler("task:create", func(ctx context.Context, action QueuedAction) error {
		return coreerrors.ErrPermissionDenied
	})
	deadID, err := q1.Enqueue(ctx, taskIntent(OpCreate, "p2", "t4", "Doomed"))
	require.NoError(t, err)
	_, err = q1.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, q1.DeadLetterSize())
	require.NoError(t, q1.Close())

	q2, err := New(ctx, Config{Provider: provider, Now: clock.Now})
	require.NoError(t, err)
	defer func() { _ = q2.Close() }()

	assert.Equal(t, 3, q2.Size())
	require.Equal(t, 1, q2.DeadLetterSize())
	assert.Equal(t, deadID, q2.DeadLetters()[0].Action.ID)

	// Drain order and identities survive the restart.
	pendingIDs := make([]string, 0, 3)
	for _, action := range q2.PendingActions() {
		pendingIDs = append(pendingIDs, action.ID)
	}
	assert.Equal(t, createID, pendingIDs[0], "critical lane stays first")

	restored := q2.ActionsForEntity(document.EntityTask, "t1")
	require.Len(t, restored, 1)
	assert.Equal(t, updateID, restored[0].ID)
	assert.Equal(t, "Order seeds", taskName(t, restored[0]))

	deleted := q2.ActionsForEntity(document.EntityTask, "t3")
	require.Len(t, deleted, 1)
	assert.Equal(t, OpDelete, deleted[0].Op)
	assert.Nil(t, deleted[0].Payload)

	// Coalescing still recognizes restored actions.
	id, err := q2.Enqueue(ctx, taskIntent(OpUpdate, "p2", "t1", "Order more seeds"))
	require.NoError(t, err)
	assert.Equal(t, updateID, id)
	assert.Equal(t, 3, q2.Size())
}

func TestQuotaFallbackDegradesOnce(t *testing.T) {
	ctx := context.Background()

	bus := events.NewBus(events.BusConfig{NoDebounce: true})
	bus.Start()
	t.Cleanup(bus.Close)

	rec := &eventRecorder{id: "degrade-watcher", types: []events.EventType{events.EventQueueStorageDegraded}}
	bus.Subscribe(rec)

	durable := &quotaProvider{MemoryProvider: storage.NewMemoryProvider(), budget: 1}
	q, _ := newTestQueue(t, Config{Provider: durable, Publisher: events.NewQueuePublisher(bus)})

	_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Fits"))
	require.NoError(t, err)
	assert.False(t, q.Degraded())

	// These writes exceed the durable budget; they must still be accepted.
	_, err = q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t2", "Held in memory"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t3", "Also held"))
	require.NoError(t, err)

	assert.Equal(t, 3, q.Size())
	assert.True(t, q.Degraded())

	require.Eventually(t, func() bool {
		return rec.count(events.EventQueueStorageDegraded) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(events.EventQueueStorageDegraded), "degradation warning fires once, not per write")

	// The queue keeps working end to end while degraded.
	err = q.RegisterHandlerPattern("*", func(ctx context.Context, action QueuedAction) error {
		return nil
	})
	require.NoError(t, err)

	result, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Dispatched)
	assert.Equal(t, 0, q.Size())
}

func TestOverflowEventOncePerCrossing(t *testing.T) {
	ctx := context.Background()

	bus := events.NewBus(events.BusConfig{NoDebounce: true})
	bus.Start()
	t.Cleanup(bus.Close)

	rec := &eventRecorder{id: "overflow-watcher", types: []events.EventType{events.EventQueueOverflow}}
	bus.Subscribe(rec)

	q, _ := newTestQueue(t, Config{SoftCap: 2, Publisher: events.NewQueuePublisher(bus)})
	err := q.RegisterHandlerPattern("*", func(ctx context.Context, action QueuedAction) error {
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", fmt.Sprintf("t%d", i), "Task"))
		require.NoError(t, err)
	}
	assert.Equal(t, 4, q.Size(), "writes past the soft cap are never dropped")

	require.Eventually(t, func() bool {
		return rec.count(events.EventQueueOverflow) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(events.EventQueueOverflow), "overflow fires once per crossing")

	// Drain below the cap, then cross it again: the warning re-arms.
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, q.Size())

	for i := 4; i < 8; i++ {
		_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", fmt.Sprintf("t%d", i), "Task"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return rec.count(events.EventQueueOverflow) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Dead letters
// =============================================================================

func TestDeadLetterRequeueAndClear(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemoryProvider()
	q, _ := newTestQueue(t, Config{Provider: provider})

	q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
		return coreerrors.ErrPermissionDenied
	})

	deadID, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
	require.NoError(t, err)
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, q.DeadLetterSize())
	require.Equal(t, 0, q.Size())

	_, err = q.RequeueDeadLetter(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)

	// A fresh pending action for the same entity makes requeueing ambiguous.
	_, err = q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Conflicting edit"))
	require.NoError(t, err)
	_, err = q.RequeueDeadLetter(ctx, deadID)
	assert.ErrorIs(t, err, ErrRequeueConflict)

	// Drain the conflict, then requeue with a fresh retry budget.
	q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
		return nil
	})
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, q.Size())

	id, err := q.RequeueDeadLetter(ctx, deadID)
	require.NoError(t, err)
	assert.Equal(t, deadID, id)
	assert.Equal(t, 0, q.DeadLetterSize())
	require.Equal(t, 1, q.Size())

	requeued := q.ActionsForEntity(document.EntityTask, "t1")
	require.Len(t, requeued, 1)
	assert.Equal(t, 0, requeued[0].RetryCount)
	assert.Empty(t, requeued[0].LastError)
	assert.Empty(t, requeued[0].LastErrorClass)

	// Clearing drops both memory and durable copies.
	q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
		return coreerrors.ErrValidationRejected
	})
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	require.True(t, q.HasDeadLetters())

	require.NoError(t, q.ClearDeadLetters(ctx))
	assert.Equal(t, 0, q.DeadLetterSize())
	assert.False(t, q.HasDeadLetters())

	keys, err := provider.Keys(ctx, deadKeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDeadLetterCapDropsOldest(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxDeadLetters: 2})
	ctx := context.Background()

	q.RegisterHandler("task:update", func(ctx context.Context, action QueuedAction) error {
		return coreerrors.ErrPermissionDenied
	})

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", fmt.Sprintf("t%d", i), "Task"))
		require.NoError(t, err)
		ids = append(ids, id)

		_, err = q.ProcessQueue(ctx)
		require.NoError(t, err)
	}

	require.Equal(t, 2, q.DeadLetterSize())
	letters := q.DeadLetters()
	assert.Equal(t, ids[1], letters[0].Action.ID)
	assert.Equal(t, ids[2], letters[1].Action.ID)
}

// =============================================================================
// Observability
// =============================================================================

func TestPendingActionLookups(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, projectIntent(OpCreate, "p1", "Garden"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskIntent(OpCreate, "p1", "t1", "Dig beds"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, taskIntent(OpUpdate, "p2", "tz", "Elsewhere"))
	require.NoError(t, err)

	forProject := q.PendingActionsForProject("p1")
	assert.Len(t, forProject, 2, "project plus its child task")

	forEntity := q.ActionsForEntity(document.EntityTask, "t1")
	require.Len(t, forEntity, 1)
	assert.Equal(t, "t1", forEntity[0].EntityID)

	assert.Nil(t, q.ActionsForEntity(document.EntityTask, "missing"))

	stats := q.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 1, stats.ByPriority[PriorityCritical])
	assert.Equal(t, 2, stats.ByPriority[PriorityNormal])
	assert.Equal(t, 1, stats.Blocked, "t1 create waits on the p1 create")
	assert.Equal(t, int64(3), stats.TotalEnqueued)
	assert.False(t, stats.Degraded)
}

func TestQueueClosed(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Close())

	_, err := q.Enqueue(ctx, taskIntent(OpUpdate, "p1", "t1", "Order seeds"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = q.ProcessQueue(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, q.ClearDeadLetters(ctx), ErrClosed)

	_, err = q.RequeueDeadLetter(ctx, "any")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestActionPayloadEnvelope(t *testing.T) {
	raw := []byte(`{"id":"a1","op":"update","entity_type":"task","entity_id":"t1","priority":"normal","enqueued_at":"2024-05-01T09:00:00Z","next_attempt_at":"0001-01-01T00:00:00Z","payload":{"kind":"gizmo","data":{}}}`)

	var action QueuedAction
	err := json.Unmarshal(raw, &action)
	assert.ErrorContains(t, err, "unknown payload kind")
}
