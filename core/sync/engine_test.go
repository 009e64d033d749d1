package sync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/flowsync/core/config"
	"github.com/adalundhe/flowsync/core/document"
	"github.com/adalundhe/flowsync/core/events"
	"github.com/adalundhe/flowsync/core/history"
	"github.com/adalundhe/flowsync/core/merge"
	"github.com/adalundhe/flowsync/core/queue"
	"github.com/adalundhe/flowsync/core/storage"
	"github.com/adalundhe/flowsync/core/tabs"
	"github.com/adalundhe/flowsync/core/tracker"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	settle  = 150 * time.Millisecond
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

type eventRecorder struct {
	id string
	mu sync.Mutex

	got []*events.Event
}

func (r *eventRecorder) ID() string { return r.id }

func (r *eventRecorder) EventTypes() []events.EventType { return nil }

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

func (r *eventRecorder) ofType(eventType events.EventType) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, event := range r.got {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type engineFixture struct {
	engine  *Engine
	queue   *queue.Queue
	tracker *tracker.Tracker
	history *history.Store
	clock   *fakeClock
	rec     *eventRecorder
	bus     *events.Bus
}

// newFixture assembles an engine over real subsystems: a memory-backed
// queue, a temp-file history store, a ristretto tracker on a fake clock,
// and an undebounced bus with a wildcard recorder.
func newFixture(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()

	clock := newFakeClock(time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC))

	bus := events.NewBus(events.BusConfig{NoDebounce: true})
	bus.Start()
	t.Cleanup(func() { bus.Close() })

	rec := &eventRecorder{id: "recorder"}
	bus.Subscribe(rec)

	q, err := queue.New(context.Background(), queue.Config{
		Provider: storage.NewMemoryProvider(),
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	trk, err := tracker.New(tracker.Config{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { trk.Close() })

	hist, err := history.NewStore(history.Config{
		DBPath:   filepath.Join(t.TempDir(), "history.db"),
		DeviceID: "dev-test",
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	cfg := Config{
		Queue:   q,
		Merger:  merge.NewEngine(merge.PolicyNewestWins),
		History: hist,
		Tracker: trk,
		Bus:     bus,
		UserID:  "user-1",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop() })

	return &engineFixture{
		engine:  engine,
		queue:   q,
		tracker: trk,
		history: hist,
		clock:   clock,
		rec:     rec,
		bus:     bus,
	}
}

func ts(sec int) time.Time {
	return time.Date(2025, 4, 2, 10, 0, sec, 0, time.UTC)
}

func projectSnapshot(projectID string, version int64, updatedAt time.Time) *document.Snapshot {
	return &document.Snapshot{
		ProjectID: projectID,
		Version:   version,
		Name:      "Planting schedule",
		Status:    "active",
		UpdatedAt: updatedAt,
		Tasks: []document.Task{
			{ID: "t1", Name: "Prep soil", Status: "todo", UpdatedAt: updatedAt},
		},
	}
}

func projectIntent(op queue.Op, projectID string) queue.Intent {
	intent := queue.Intent{
		Op:         op,
		EntityType: document.EntityProject,
		EntityID:   projectID,
		ProjectID:  projectID,
	}
	if op != queue.OpDelete {
		intent.Payload = queue.ProjectPayload{
			Snapshot: document.Snapshot{ProjectID: projectID, Name: "Planting schedule"},
		}
	}
	return intent
}

func taskIntent(op queue.Op, projectID, taskID string) queue.Intent {
	intent := queue.Intent{
		Op:         op,
		EntityType: document.EntityTask,
		EntityID:   taskID,
		ProjectID:  projectID,
	}
	if op != queue.OpDelete {
		intent.Payload = queue.TaskPayload{Task: document.Task{ID: taskID, Name: "Prep soil"}}
	}
	return intent
}

// =============================================================================
// Construction
// =============================================================================

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	q, err := queue.New(context.Background(), queue.Config{Provider: storage.NewMemoryProvider()})
	require.NoError(t, err)
	defer q.Close()

	trk, err := tracker.New(tracker.Config{})
	require.NoError(t, err)
	defer trk.Close()

	hist, err := history.NewStore(history.Config{DBPath: filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	defer hist.Close()

	merger := merge.NewEngine(merge.PolicyPreferLocal)

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"missing queue", Config{Merger: merger, History: hist, Tracker: trk}, ErrNilQueue},
		{"missing merger", Config{Queue: q, History: hist, Tracker: trk}, ErrNilMerger},
		{"missing history", Config{Queue: q, Merger: merger, Tracker: trk}, ErrNilHistory},
		{"missing tracker", Config{Queue: q, Merger: merger, History: hist}, ErrNilTracker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	engine, err := NewEngine(Config{Queue: q, Merger: merger, History: hist, Tracker: trk})
	require.NoError(t, err)
	assert.NotNil(t, engine.Queue())
	assert.NotNil(t, engine.History())
	assert.NotNil(t, engine.Tracker())
	assert.Nil(t, engine.Tabs())
}

// =============================================================================
// LocalEdit
// =============================================================================

func TestLocalEditTracksAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.engine.LocalEdit(ctx, projectIntent(queue.OpUpdate, "p1"), "name")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, f.queue.Size())

	record, found := f.tracker.GetPendingChange("p1", document.EntityProject, "p1", 0)
	require.True(t, found)
	assert.Equal(t, []string{"name"}, record.Fields)
	assert.Equal(t, f.clock.Now(), record.WrittenAt)
}

func TestLocalEditNormalizesProjectID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	intent := projectIntent(queue.OpCreate, "p1")
	intent.ProjectID = ""

	id, err := f.engine.LocalEdit(context.Background(), intent)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// The tracker record lands under the project's own id even when the
	// intent left ProjectID blank.
	_, found := f.tracker.GetPendingChange("p1", document.EntityProject, "p1", 0)
	assert.True(t, found)
}

func TestLocalEditCoalescedAwayReturnsEmptyID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.engine.LocalEdit(ctx, taskIntent(queue.OpCreate, "p1", "t9"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Deleting a never-synced create cancels both actions.
	id, err = f.engine.LocalEdit(ctx, taskIntent(queue.OpDelete, "p1", "t9"))
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, 0, f.queue.Size())
}

func TestLocalEditRejectsInvalidIntent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	_, err := f.engine.LocalEdit(context.Background(), queue.Intent{Op: "describe"})
	assert.Error(t, err)
}

// =============================================================================
// ApplyRemote
// =============================================================================

func TestApplyRemoteRequiresRemote(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	_, err := f.engine.ApplyRemote(context.Background(), nil, projectSnapshot("p1", 1, ts(0)), nil)
	assert.Error(t, err)
}

func TestApplyRemoteSkipsOwnEcho(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.LocalEdit(ctx, projectIntent(queue.OpUpdate, "p1"), "name")
	require.NoError(t, err)

	// The server reflects our write back: same stamp as the tracked edit.
	local := projectSnapshot("p1", 4, f.clock.Now())
	remote := projectSnapshot("p1", 4, f.clock.Now())

	result, err := f.engine.ApplyRemote(ctx, nil, local, remote)
	require.NoError(t, err)
	assert.True(t, result.SkippedEcho)
	assert.Same(t, local, result.Snapshot)
	assert.Empty(t, result.Conflicts)

	require.Eventually(t, func() bool {
		return f.rec.count(events.EventSyncSkippedEcho) == 1
	}, waitFor, tick)

	skipped := f.rec.ofType(events.EventSyncSkippedEcho)[0]
	assert.Equal(t, "p1", skipped.ProjectID)

	time.Sleep(settle)
	assert.Zero(t, f.rec.count(events.EventSyncApplied), "an echo must not count as an apply")
}

func TestApplyRemoteAppliesGenuinelyNewerUpdate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.LocalEdit(ctx, projectIntent(queue.OpUpdate, "p1"), "name")
	require.NoError(t, err)

	// A remote stamp past the tracked write is someone else's edit, not an
	// echo, even while our own change is still pending.
	base := projectSnapshot("p1", 4, f.clock.Now())
	local := projectSnapshot("p1", 4, f.clock.Now())
	remote := projectSnapshot("p1", 5, f.clock.Now().Add(2*time.Second))
	remote.Name = "Harvest schedule"

	result, err := f.engine.ApplyRemote(ctx, base, local, remote)
	require.NoError(t, err)
	assert.False(t, result.SkippedEcho)
	assert.Empty(t, result.Conflicts)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, "Harvest schedule", result.Snapshot.Name)
	assert.Equal(t, int64(5), result.Snapshot.Version)

	require.Eventually(t, func() bool {
		return f.rec.count(events.EventSyncApplied) == 1
	}, waitFor, tick)

	applied := f.rec.ofType(events.EventSyncApplied)[0]
	assert.Equal(t, "p1", applied.ProjectID)
	assert.Equal(t, int64(5), applied.Data["version"])

	completed := f.rec.ofType(events.EventMergeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, true, completed[0].Data["auto_merged"])
	assert.Equal(t, 0, completed[0].Data["conflicts"])
}

func TestApplyRemoteFirstPullHasNoLocalState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	remote := projectSnapshot("p1", 1, ts(0))
	result, err := f.engine.ApplyRemote(context.Background(), nil, nil, remote)
	require.NoError(t, err)
	assert.False(t, result.SkippedEcho)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, remote.Name, result.Snapshot.Name)
	assert.NotSame(t, remote, result.Snapshot)
}

func TestApplyRemoteRecordsAndResolvesConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	base := projectSnapshot("p1", 4, ts(0))
	local := projectSnapshot("p1", 4, ts(10))
	local.Tasks[0].Name = "Prep beds"
	local.Tasks[0].UpdatedAt = ts(10)
	remote := projectSnapshot("p1", 5, ts(20))
	remote.Tasks[0].Name = "Prep rows"
	remote.Tasks[0].UpdatedAt = ts(20)

	result, err := f.engine.ApplyRemote(ctx, base, local, remote)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "t1", result.Conflicts[0].EntityID)
	assert.Equal(t, "name", result.Conflicts[0].Field)
	require.NotEmpty(t, result.RecordID)

	// Newest-wins: the remote edit carries the later stamp.
	merged := result.Snapshot
	require.Len(t, merged.Tasks, 1)
	assert.Equal(t, "Prep rows", merged.Tasks[0].Name)

	record, err := f.history.Get(result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", record.UserID)
	assert.Equal(t, "p1", record.ProjectID)
	assert.Equal(t, history.ReasonConcurrentEdit, record.Reason)
	assert.True(t, record.Resolved())
	assert.Equal(t, history.StrategyNewestWins, record.ResolutionStrategy)
	require.NotNil(t, record.ResolvedSnapshot)
	assert.Equal(t, "Prep rows", record.ResolvedSnapshot.Tasks[0].Name)

	require.Eventually(t, func() bool {
		return f.rec.count(events.EventMergeConflict) == 1
	}, waitFor, tick)

	conflict := f.rec.ofType(events.EventMergeConflict)[0]
	assert.Equal(t, result.RecordID, conflict.Data["record_id"])
	assert.Equal(t, 1, conflict.Data["conflicts"])

	completed := f.rec.ofType(events.EventMergeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, false, completed[0].Data["auto_merged"])
}

func TestApplyRemoteClassifiesDeleteVersusEdit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	base := projectSnapshot("p1", 4, ts(0))
	local := projectSnapshot("p1", 4, ts(10))
	remote := projectSnapshot("p1", 5, ts(20))

	// Both sides tombstoned the project at different instants.
	localDel, remoteDel := ts(10), ts(20)
	local.DeletedAt = &localDel
	local.UpdatedAt = ts(10)
	remote.DeletedAt = &remoteDel
	remote.UpdatedAt = ts(20)

	result, err := f.engine.ApplyRemote(context.Background(), base, local, remote)
	require.NoError(t, err)
	require.NotEmpty(t, result.RecordID)

	record, err := f.history.Get(result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, history.ReasonDeleteVersusEdit, record.Reason)
}

func TestApplyRemoteClassifiesVersionSkew(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	// The remote jumped three versions past the shared base while we also
	// edited: intermediate updates were missed.
	base := projectSnapshot("p1", 4, ts(0))
	local := projectSnapshot("p1", 4, ts(10))
	local.Name = "Planting schedule v2"
	remote := projectSnapshot("p1", 7, ts(20))
	remote.Name = "Harvest schedule"

	result, err := f.engine.ApplyRemote(context.Background(), base, local, remote)
	require.NoError(t, err)
	require.NotEmpty(t, result.RecordID)

	record, err := f.history.Get(result.RecordID)
	require.NoError(t, err)
	assert.Equal(t, history.ReasonVersionSkew, record.Reason)
}

func TestApplyRemoteNotifiesSiblingTabs(t *testing.T) {
	t.Parallel()

	protocol := events.NewBus(events.BusConfig{NoDebounce: true})
	protocol.Start()
	t.Cleanup(func() { protocol.Close() })

	fastTabs := config.TabsConfig{
		HeartbeatInterval: "25ms",
		StaleAfter:        "250ms",
		LockTTL:           "150ms",
		EditPolicy:        "warn",
	}

	// Sibling tab listening on its own app bus.
	siblingBus := events.NewBus(events.BusConfig{NoDebounce: true})
	siblingBus.Start()
	t.Cleanup(func() { siblingBus.Close() })

	siblingRec := &eventRecorder{id: "sibling-recorder"}
	siblingBus.Subscribe(siblingRec)

	sibling, err := tabs.NewCoordinator(tabs.Config{
		Transport: tabs.NewLoopbackTransport(protocol, "tab-sibling"),
		Bus:       siblingBus,
		Tabs:      fastTabs,
		TabID:     "tab-sibling",
	})
	require.NoError(t, err)
	require.NoError(t, sibling.Start(context.Background()))
	t.Cleanup(func() { _ = sibling.Stop() })

	coordinator, err := tabs.NewCoordinator(tabs.Config{
		Transport: tabs.NewLoopbackTransport(protocol, "tab-engine"),
		Tabs:      fastTabs,
		TabID:     "tab-engine",
	})
	require.NoError(t, err)

	f := newFixture(t, func(cfg *Config) {
		cfg.Tabs = coordinator
	})

	require.NoError(t, f.engine.Start(context.Background()))

	remote := projectSnapshot("p1", 2, ts(30))
	_, err = f.engine.ApplyRemote(context.Background(), nil, nil, remote)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return siblingRec.count(events.EventTabDataSynced) >= 1
	}, waitFor, tick)

	synced := siblingRec.ofType(events.EventTabDataSynced)[0]
	assert.Equal(t, "p1", synced.ProjectID)

	require.NoError(t, f.engine.Stop())
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	require.NoError(t, f.engine.Start(ctx))

	require.NoError(t, f.engine.Stop())
	require.NoError(t, f.engine.Stop())

	_, err := f.engine.LocalEdit(ctx, projectIntent(queue.OpCreate, "p1"))
	assert.ErrorIs(t, err, ErrEngineClosed)

	_, err = f.engine.ApplyRemote(ctx, nil, nil, projectSnapshot("p1", 1, ts(0)))
	assert.ErrorIs(t, err, ErrEngineClosed)

	_, err = f.engine.DrainNow(ctx)
	assert.ErrorIs(t, err, ErrEngineClosed)

	assert.ErrorIs(t, f.engine.Start(ctx), ErrEngineClosed)
}

func TestDrainLoopDispatchesQueuedActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *Config) {
		cfg.DrainEvery = 20 * time.Millisecond
	})

	var mu sync.Mutex
	dispatched := 0
	f.queue.RegisterHandler("project:create", func(ctx context.Context, action queue.QueuedAction) error {
		mu.Lock()
		dispatched++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	_, err := f.engine.LocalEdit(ctx, projectIntent(queue.OpCreate, "p1"))
	require.NoError(t, err)
	require.Equal(t, 1, f.queue.Size())

	require.NoError(t, f.engine.Start(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dispatched == 1 && f.queue.Size() == 0
	}, waitFor, tick)

	require.NoError(t, f.engine.Stop())
}

func TestDrainNowRunsWithoutStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	var mu sync.Mutex
	dispatched := 0
	f.queue.RegisterHandler("task:create", func(ctx context.Context, action queue.QueuedAction) error {
		mu.Lock()
		dispatched++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	_, err := f.engine.LocalEdit(ctx, taskIntent(queue.OpCreate, "p1", "t1"))
	require.NoError(t, err)

	result, err := f.engine.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dispatched)

	mu.Lock()
	assert.Equal(t, 1, dispatched)
	mu.Unlock()
	assert.Equal(t, 0, f.queue.Size())
}
