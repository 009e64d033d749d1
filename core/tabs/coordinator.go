// Package tabs gives same-device tabs mutual awareness without a central
// lock manager. Tabs exchange broadcast frames over a Transport: presence
// and project state ride on heartbeats, advisory edit locks warn about
// concurrent edits before they become merge conflicts, and data-synced
// frames let siblings reload from local storage instead of re-fetching.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/adalundhe/flowsync/core/config"
	"github.com/adalundhe/flowsync/core/events"
)

var (
	// ErrCoordinatorClosed is returned by operations after Stop.
	ErrCoordinatorClosed = errors.New("tabs: coordinator closed")

	// ErrFieldLocked is returned by AcquireEditLock under the block policy
	// when another tab holds a live lock on the same field.
	ErrFieldLocked = errors.New("tabs: field is being edited in another tab")

	// ErrNilTransport is returned by NewCoordinator without a transport.
	ErrNilTransport = errors.New("tabs: transport is required")
)

// Config configures a Coordinator.
type Config struct {
	// Transport carries protocol frames to sibling tabs. Required.
	Transport Transport

	// Bus receives the UI-facing coordination events (also-open notices,
	// concurrent-edit warnings, peer-lost, data-synced). Optional.
	Bus *events.Bus

	// Tabs holds timing and policy knobs. The zero value selects the
	// documented defaults.
	Tabs config.TabsConfig

	// TabID overrides the generated session id. Tests only.
	TabID string

	// Now overrides the clock used for lock lifetimes. Tests only.
	Now func() time.Time
}

type lockKey struct {
	entityID string
	field    string
}

// heldLock pairs a locally-held lock with the set of remote tabs already
// warned about it. An entry lives while both locks stay held: refresh frames
// from a tab already in the set are silent, and the entry clears when that
// tab's lock goes away so a fresh collision warns again.
type heldLock struct {
	lock   TabEditLock
	warned map[string]bool
}

// Coordinator is one tab's endpoint in the cross-tab protocol. It tracks
// sibling tabs by their frames, holds this tab's advisory edit locks, and
// mirrors the locks observed from everyone else.
//
// Peer liveness is delegated to an expiring registry: any frame from a tab
// resets its TTL, and a tab silent past the stale age is evicted, which
// drops its remote locks and emits a peer-lost event. Lock expiry is swept
// on the heartbeat cadence.
type Coordinator struct {
	id        string
	transport Transport
	publisher *events.TabsPublisher
	cfg       config.TabsConfig
	now       func() time.Time

	peers *expirable.LRU[string, Peer]

	mu           sync.Mutex
	project      string
	held         map[lockKey]*heldLock
	remoteLocks  map[lockKey]map[string]TabEditLock
	alsoOpenSeen map[string]string

	closed  atomic.Bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator creates a Coordinator with a fresh session id. The
// coordinator is inert until Start.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, ErrNilTransport
	}

	id := cfg.TabID
	if id == "" {
		id = uuid.NewString()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		id:           id,
		transport:    cfg.Transport,
		publisher:    events.NewTabsPublisher(cfg.Bus, id),
		cfg:          cfg.Tabs,
		now:          now,
		held:         make(map[lockKey]*heldLock),
		remoteLocks:  make(map[lockKey]map[string]TabEditLock),
		alsoOpenSeen: make(map[string]string),
	}
	c.peers = expirable.NewLRU[string, Peer](0, c.onPeerEvicted, cfg.Tabs.StaleAge())
	return c, nil
}

// ID returns the tab session id.
func (c *Coordinator) ID() string {
	return c.id
}

// Start wires the transport and launches the heartbeat and lock refresh
// loops. It announces this tab to peers immediately. Calling Start twice is
// a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.transport.Receive(c.handleEnvelope)
	_ = c.sendEnvelope(runCtx, Envelope{Type: MessageHeartbeat, ProjectID: c.Project()})

	c.wg.Add(2)
	go c.heartbeatLoop(runCtx)
	go c.lockRefreshLoop(runCtx)
	return nil
}

// Stop halts the loops, broadcasts unlocks for held locks plus a project
// close, and closes the transport. A stopped coordinator cannot be reused.
func (c *Coordinator) Stop() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	held := make([]TabEditLock, 0, len(c.held))
	for _, h := range c.held {
		held = append(held, h.lock)
	}
	project := c.project
	c.held = make(map[lockKey]*heldLock)
	c.project = ""
	c.mu.Unlock()

	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, lock := range held {
		env := Envelope{Type: MessageEditUnlock, EntityID: lock.EntityID, Field: lock.Field, TabID: c.id, SentAt: c.now()}
		_ = c.transport.Send(ctx, env)
	}
	if project != "" {
		env := Envelope{Type: MessageProjectClosed, ProjectID: project, TabID: c.id, SentAt: c.now()}
		_ = c.transport.Send(ctx, env)
	}

	return c.transport.Close()
}

// =============================================================================
// Project presence
// =============================================================================

// NotifyProjectOpen records the project as open in this tab and broadcasts
// it. If any known peer already has the same project open, an also-open
// notice fires for each; peers fire their own notice when the frame lands.
func (c *Coordinator) NotifyProjectOpen(ctx context.Context, projectID string) error {
	if projectID == "" {
		return fmt.Errorf("tabs: project id is required")
	}
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}

	c.mu.Lock()
	c.project = projectID
	c.alsoOpenSeen = make(map[string]string)
	c.mu.Unlock()

	for _, peer := range c.peers.Values() {
		c.maybeSignalAlsoOpen(peer)
	}

	return c.sendEnvelope(ctx, Envelope{Type: MessageProjectOpened, ProjectID: projectID})
}

// NotifyProjectClosed clears the open project and broadcasts the close.
// Without an open project it is a no-op.
func (c *Coordinator) NotifyProjectClosed(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}

	c.mu.Lock()
	project := c.project
	c.project = ""
	c.mu.Unlock()

	if project == "" {
		return nil
	}
	return c.sendEnvelope(ctx, Envelope{Type: MessageProjectClosed, ProjectID: project})
}

// NotifyDataSynced tells sibling tabs fresh data for the project landed in
// local storage, so they can reload without their own network fetch.
func (c *Coordinator) NotifyDataSynced(ctx context.Context, projectID string, updatedAt time.Time) error {
	if projectID == "" {
		return fmt.Errorf("tabs: project id is required")
	}
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	return c.sendEnvelope(ctx, Envelope{Type: MessageDataSynced, ProjectID: projectID, UpdatedAt: updatedAt})
}

// Project returns the project currently open in this tab, or "".
func (c *Coordinator) Project() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project
}

// Peers returns the sibling tabs currently considered live.
func (c *Coordinator) Peers() []Peer {
	if c.closed.Load() {
		return nil
	}
	return c.peers.Values()
}

// =============================================================================
// Edit locks
// =============================================================================

// AcquireEditLock claims an advisory lock on one field of one entity and
// broadcasts it. If another tab holds a live lock on the same field this is
// a concurrent edit: under the warn policy the event fires and the local
// lock is still granted, under the block policy the event fires and
// ErrFieldLocked is returned.
//
// Re-acquiring a held lock extends its expiry without re-firing the event.
// The periodic refresh keeps long edits alive past the lock TTL.
func (c *Coordinator) AcquireEditLock(ctx context.Context, entityID, field string) (TabEditLock, error) {
	if entityID == "" || field == "" {
		return TabEditLock{}, fmt.Errorf("tabs: entity id and field are required")
	}
	if c.closed.Load() {
		return TabEditLock{}, ErrCoordinatorClosed
	}

	key := lockKey{entityID: entityID, field: field}
	now := c.now()
	policy := c.policy()

	c.mu.Lock()
	remotes := c.liveRemotesLocked(key, now)
	held, already := c.held[key]

	if len(remotes) > 0 && !already && policy == PolicyBlock {
		other := remotes[0].TabID
		c.mu.Unlock()
		_ = c.publisher.PublishConcurrentEdit(entityID, field, other, PolicyBlock)
		return TabEditLock{}, fmt.Errorf("%w: %s %s held by tab %s", ErrFieldLocked, entityID, field, other)
	}

	if !already {
		held = &heldLock{
			lock: TabEditLock{
				EntityID: entityID,
				TabID:    c.id,
				Field:    field,
				LockedAt: now,
			},
			warned: make(map[string]bool),
		}
		c.held[key] = held
	}
	held.lock.ExpiresAt = now.Add(c.cfg.LockLifetime())

	var fire []string
	for _, remote := range remotes {
		if !held.warned[remote.TabID] {
			held.warned[remote.TabID] = true
			fire = append(fire, remote.TabID)
		}
	}
	lock := held.lock
	c.mu.Unlock()

	for _, other := range fire {
		_ = c.publisher.PublishConcurrentEdit(entityID, field, other, policy)
	}

	err := c.sendEnvelope(ctx, Envelope{
		Type:      MessageEditLock,
		EntityID:  entityID,
		Field:     field,
		ExpiresAt: lock.ExpiresAt,
	})
	return lock, err
}

// ReleaseEditLock drops a held lock and broadcasts the unlock. Releasing a
// lock this tab does not hold is a no-op.
func (c *Coordinator) ReleaseEditLock(ctx context.Context, entityID, field string) error {
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}

	key := lockKey{entityID: entityID, field: field}
	c.mu.Lock()
	_, ok := c.held[key]
	delete(c.held, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.sendEnvelope(ctx, Envelope{Type: MessageEditUnlock, EntityID: entityID, Field: field})
}

// IsBeingEditedByOtherTab reports whether another tab holds a live lock on
// the field.
func (c *Coordinator) IsBeingEditedByOtherTab(entityID, field string) bool {
	key := lockKey{entityID: entityID, field: field}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lock := range c.remoteLocks[key] {
		if lock.Live(now) {
			return true
		}
	}
	return false
}

// HeldLocks returns the locks this tab currently holds.
func (c *Coordinator) HeldLocks() []TabEditLock {
	c.mu.Lock()
	defer c.mu.Unlock()

	locks := make([]TabEditLock, 0, len(c.held))
	for _, h := range c.held {
		locks = append(locks, h.lock)
	}
	return locks
}

// RemoteLocks returns the live locks observed from other tabs.
func (c *Coordinator) RemoteLocks() []TabEditLock {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var locks []TabEditLock
	for _, owners := range c.remoteLocks {
		for _, lock := range owners {
			if lock.Live(now) {
				locks = append(locks, lock)
			}
		}
	}
	return locks
}

// =============================================================================
// Incoming frames
// =============================================================================

func (c *Coordinator) handleEnvelope(env Envelope) {
	if env.TabID == "" || env.TabID == c.id || !env.Type.Valid() {
		return
	}
	if c.closed.Load() {
		return
	}

	peer := c.notePeer(env)

	switch env.Type {
	case MessageProjectOpened:
		c.maybeSignalAlsoOpen(peer)
		// An immediate heartbeat tells the opener we have the project open
		// too, so its own notice does not wait for the next cadence tick.
		if peer.Project != "" && peer.Project == c.Project() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = c.sendEnvelope(ctx, Envelope{Type: MessageHeartbeat, ProjectID: c.Project()})
			cancel()
		}
	case MessageProjectClosed:
		c.mu.Lock()
		delete(c.alsoOpenSeen, env.TabID)
		c.mu.Unlock()
	case MessageHeartbeat:
		c.maybeSignalAlsoOpen(peer)
	case MessageDataSynced:
		_ = c.publisher.PublishDataSynced(env.ProjectID, env.UpdatedAt)
	case MessageEditLock:
		c.handleEditLock(env)
	case MessageEditUnlock:
		c.handleEditUnlock(env)
	}
}

// notePeer refreshes the sender's liveness and mirrors its project state.
// Every frame counts as a heartbeat for staleness purposes.
func (c *Coordinator) notePeer(env Envelope) Peer {
	peer, ok := c.peers.Get(env.TabID)
	if !ok {
		peer = Peer{TabID: env.TabID}
	}

	switch env.Type {
	case MessageProjectOpened, MessageHeartbeat:
		peer.Project = env.ProjectID
	case MessageProjectClosed:
		peer.Project = ""
	}
	peer.LastSeen = c.now()

	c.peers.Add(env.TabID, peer)
	return peer
}

// maybeSignalAlsoOpen fires the also-open notice when a peer has this tab's
// project open, at most once per peer until either side moves off the
// project.
func (c *Coordinator) maybeSignalAlsoOpen(peer Peer) {
	c.mu.Lock()
	fire := c.project != "" && peer.Project == c.project && c.alsoOpenSeen[peer.TabID] != c.project
	if fire {
		c.alsoOpenSeen[peer.TabID] = c.project
	}
	project := c.project
	c.mu.Unlock()

	if fire {
		_ = c.publisher.PublishProjectAlsoOpen(project, peer.TabID)
	}
}

func (c *Coordinator) handleEditLock(env Envelope) {
	if env.EntityID == "" || env.Field == "" {
		return
	}

	key := lockKey{entityID: env.EntityID, field: env.Field}
	lock := TabEditLock{
		EntityID:  env.EntityID,
		TabID:     env.TabID,
		Field:     env.Field,
		LockedAt:  env.SentAt,
		ExpiresAt: env.ExpiresAt,
	}

	c.mu.Lock()
	owners, ok := c.remoteLocks[key]
	if !ok {
		owners = make(map[string]TabEditLock)
		c.remoteLocks[key] = owners
	}
	owners[env.TabID] = lock

	fire := false
	policy := c.policy()
	if held, holding := c.held[key]; holding && !held.warned[env.TabID] {
		held.warned[env.TabID] = true
		fire = true
	}
	c.mu.Unlock()

	if fire {
		_ = c.publisher.PublishConcurrentEdit(env.EntityID, env.Field, env.TabID, policy)
	}
}

func (c *Coordinator) handleEditUnlock(env Envelope) {
	key := lockKey{entityID: env.EntityID, field: env.Field}

	c.mu.Lock()
	if owners, ok := c.remoteLocks[key]; ok {
		delete(owners, env.TabID)
		if len(owners) == 0 {
			delete(c.remoteLocks, key)
		}
	}
	// The collision is over, so a later lock from the same tab warns again.
	if held, ok := c.held[key]; ok {
		delete(held.warned, env.TabID)
	}
	c.mu.Unlock()
}

// onPeerEvicted runs when a tab goes silent past the stale age. Its locks
// are dropped so they stop blocking or warning, and a peer-lost event fires.
func (c *Coordinator) onPeerEvicted(tabID string, _ Peer) {
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	for key, owners := range c.remoteLocks {
		if _, ok := owners[tabID]; ok {
			delete(owners, tabID)
			if len(owners) == 0 {
				delete(c.remoteLocks, key)
			}
		}
	}
	for _, held := range c.held {
		delete(held.warned, tabID)
	}
	delete(c.alsoOpenSeen, tabID)
	c.mu.Unlock()

	_ = c.publisher.PublishPeerLost(tabID)
}

// =============================================================================
// Loops
// =============================================================================

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatEvery())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.sendEnvelope(ctx, Envelope{Type: MessageHeartbeat, ProjectID: c.Project()})
			c.sweepRemoteLocks()
		}
	}
}

func (c *Coordinator) lockRefreshLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.LockRefreshEvery())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshHeldLocks(ctx)
		}
	}
}

// refreshHeldLocks extends every held lock and rebroadcasts it so peers
// keep seeing it as live through long edits.
func (c *Coordinator) refreshHeldLocks(ctx context.Context) {
	expiry := c.now().Add(c.cfg.LockLifetime())

	c.mu.Lock()
	locks := make([]TabEditLock, 0, len(c.held))
	for _, h := range c.held {
		h.lock.ExpiresAt = expiry
		locks = append(locks, h.lock)
	}
	c.mu.Unlock()

	for _, lock := range locks {
		_ = c.sendEnvelope(ctx, Envelope{
			Type:      MessageEditLock,
			EntityID:  lock.EntityID,
			Field:     lock.Field,
			ExpiresAt: lock.ExpiresAt,
		})
	}
}

// sweepRemoteLocks drops remote locks past their expiry. Peer staleness is
// handled by the registry's own TTL.
func (c *Coordinator) sweepRemoteLocks() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, owners := range c.remoteLocks {
		for tabID, lock := range owners {
			if !lock.Live(now) {
				delete(owners, tabID)
				if held, ok := c.held[key]; ok {
					delete(held.warned, tabID)
				}
			}
		}
		if len(owners) == 0 {
			delete(c.remoteLocks, key)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Coordinator) sendEnvelope(ctx context.Context, env Envelope) error {
	env.TabID = c.id
	env.SentAt = c.now()
	return c.transport.Send(ctx, env)
}

func (c *Coordinator) liveRemotesLocked(key lockKey, now time.Time) []TabEditLock {
	var live []TabEditLock
	for _, lock := range c.remoteLocks[key] {
		if lock.Live(now) {
			live = append(live, lock)
		}
	}
	return live
}

func (c *Coordinator) policy() string {
	if c.cfg.EditPolicy == PolicyBlock {
		return PolicyBlock
	}
	return PolicyWarn
}
