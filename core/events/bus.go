package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// =============================================================================
// Subscriber
// =============================================================================

// Subscriber receives events from the bus.
type Subscriber interface {
	// ID returns the unique subscriber identifier.
	ID() string

	// EventTypes returns the event types this subscriber is interested in.
	// Empty slice means all events (wildcard subscription).
	EventTypes() []EventType

	// OnEvent is called on the dispatch goroutine when a subscribed event
	// occurs. Implementations must not block.
	OnEvent(event *Event) error
}

// =============================================================================
// Debouncer
// =============================================================================

// Debouncer suppresses duplicate events within a time window. Events are
// identified by a signature over type, project, entity and tab.
type Debouncer struct {
	window time.Duration
	seen   map[string]time.Time
	mu     sync.RWMutex
}

// NewDebouncer creates a Debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Debouncer{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// ShouldSkip reports whether a duplicate of the event was seen within the
// debounce window, recording it otherwise.
func (d *Debouncer) ShouldSkip(event *Event) bool {
	signature := d.signature(event)

	d.mu.RLock()
	lastSeen, exists := d.seen[signature]
	d.mu.RUnlock()

	if exists && time.Since(lastSeen) <= d.window {
		return true
	}

	d.mu.Lock()
	d.seen[signature] = time.Now()
	d.mu.Unlock()
	return false
}

func (d *Debouncer) signature(event *Event) string {
	return fmt.Sprintf("%s:%s:%s:%s", event.Type, event.ProjectID, event.EntityID, event.TabID)
}

// Cleanup drops expired entries. Call periodically to bound memory.
func (d *Debouncer) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.window)
	for sig, lastSeen := range d.seen {
		if lastSeen.Before(cutoff) {
			delete(d.seen, sig)
		}
	}
}

// =============================================================================
// Bus
// =============================================================================

// BusConfig configures the event bus.
type BusConfig struct {
	// BufferSize is the capacity of the publish buffer (default 1000).
	BufferSize int

	// DebounceWindow is the duplicate-suppression window (default 100ms).
	DebounceWindow time.Duration

	// NoDebounce disables duplicate suppression entirely.
	NoDebounce bool
}

type patternSubscription struct {
	pattern  string
	compiled glob.Glob
	sub      Subscriber
}

// Bus delivers events to subscribers from a single dispatch goroutine.
// Publishing is non-blocking: when the buffer is full the event is dropped
// and counted.
type Bus struct {
	subscribers         map[EventType][]Subscriber
	patternSubscribers  []patternSubscription
	wildcardSubscribers []Subscriber

	buffer    chan *Event
	debouncer *Debouncer
	dropped   atomic.Int64

	mu         sync.RWMutex
	dispatchMu sync.Mutex
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewBus creates a bus from the config. A zero config selects defaults.
func NewBus(cfg BusConfig) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	bus := &Bus{
		subscribers: make(map[EventType][]Subscriber),
		buffer:      make(chan *Event, cfg.BufferSize),
		done:        make(chan struct{}),
	}
	if !cfg.NoDebounce {
		bus.debouncer = NewDebouncer(cfg.DebounceWindow)
	}
	return bus
}

// Publish enqueues an event for delivery. Never blocks.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	if b.debouncer != nil && b.debouncer.ShouldSkip(event) {
		return
	}

	select {
	case b.buffer <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped due to a full buffer.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe registers a subscriber for the event types it declares.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	eventTypes := sub.EventTypes()
	if len(eventTypes) == 0 {
		b.wildcardSubscribers = append(b.wildcardSubscribers, sub)
		return
	}

	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	}
}

// SubscribePattern registers a subscriber for every event type matching a
// glob pattern, e.g. "queue.*". The subscriber's own EventTypes are ignored.
func (b *Bus) SubscribePattern(pattern string, sub Subscriber) error {
	compiled, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid event pattern %q: %w", pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.patternSubscribers = append(b.patternSubscribers, patternSubscription{
		pattern:  pattern,
		compiled: compiled,
		sub:      sub,
	})
	return nil
}

// Unsubscribe removes a subscriber from all registrations.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcardSubscribers = filterSubs(b.wildcardSubscribers, subscriberID)
	for eventType, subs := range b.subscribers {
		b.subscribers[eventType] = filterSubs(subs, subscriberID)
	}

	patterns := make([]patternSubscription, 0, len(b.patternSubscribers))
	for _, ps := range b.patternSubscribers {
		if ps.sub.ID() != subscriberID {
			patterns = append(patterns, ps)
		}
	}
	b.patternSubscribers = patterns
}

func filterSubs(subs []Subscriber, id string) []Subscriber {
	filtered := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.ID() != id {
			filtered = append(filtered, sub)
		}
	}
	return filtered
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	if b.closed {
		return
	}

	b.wg.Add(1)
	go b.dispatch()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.wildcardSubscribers {
		_ = sub.OnEvent(event)
	}

	for _, ps := range b.patternSubscribers {
		if ps.compiled.Match(string(event.Type)) {
			_ = ps.sub.OnEvent(event)
		}
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			_ = sub.OnEvent(event)
		}
	}
}

// Close shuts down the bus and waits for the dispatch goroutine. Events left
// in the buffer are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}
