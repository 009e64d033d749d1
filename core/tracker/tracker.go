// Package tracker remembers recent local edits so the sync engine can tell
// its own changes apart from genuinely remote ones when they echo back.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/adalundhe/flowsync/core/document"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 1e6
	defaultBufferItems = 64

	defaultMaxWindow     = 30 * time.Second
	defaultChangeWindow  = 5 * time.Second
	recordBaseCost       = 64
	recordPerFieldFactor = 16
)

// PendingChangeRecord marks one local edit. A remote update that matches an
// in-window record is an echo of our own write, not new data.
type PendingChangeRecord struct {
	ProjectID  string
	EntityType document.EntityType
	EntityID   string
	Fields     []string
	WrittenAt  time.Time
}

// Config configures a Tracker. Zero values fall back to defaults.
type Config struct {
	// MaxWindow is the hard upper bound on how long a record stays
	// queryable. It caps both the cache TTL and per-call windows.
	MaxWindow time.Duration

	// DefaultWindow applies when a caller passes a window <= 0.
	DefaultWindow time.Duration

	NumCounters int64
	MaxCost     int64
	BufferItems int64

	// Now is the clock source, replaceable in tests.
	Now func() time.Time
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = defaultMaxWindow
	}
	if cfg.DefaultWindow <= 0 || cfg.DefaultWindow > cfg.MaxWindow {
		cfg.DefaultWindow = defaultChangeWindow
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = defaultNumCounters
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = defaultMaxCost
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = defaultBufferItems
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Tracker is the echo guard. Records live in a ristretto cache under a key
// that includes a per-project generation counter, so clearing a project is
// a counter bump and superseded entries simply age out via TTL.
type Tracker struct {
	cache *ristretto.Cache
	cfg   Config

	mu     sync.Mutex
	gens   map[string]uint64
	closed bool
}

func New(cfg Config) (*Tracker, error) {
	cfg = applyDefaults(cfg)

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("creating change cache: %w", err)
	}

	return &Tracker{
		cache: cache,
		cfg:   cfg,
		gens:  make(map[string]uint64),
	}, nil
}

// TrackChange records a local edit to the given entity, stamped now.
func (t *Tracker) TrackChange(projectID string, entityType document.EntityType, entityID string, fields []string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	gen := t.gens[projectID]
	t.mu.Unlock()

	record := PendingChangeRecord{
		ProjectID:  projectID,
		EntityType: entityType,
		EntityID:   entityID,
		Fields:     append([]string(nil), fields...),
		WrittenAt:  t.cfg.Now(),
	}

	cost := int64(recordBaseCost + recordPerFieldFactor*len(record.Fields))
	t.cache.SetWithTTL(t.key(projectID, gen, entityType, entityID), record, cost, t.cfg.MaxWindow)
	// Ristretto applies sets asynchronously; the record must be visible to
	// an ApplyRemote that races in right after the local write.
	t.cache.Wait()
}

// GetPendingChange returns the record for the entity if it was written
// within the given window. A window <= 0 uses the default, and windows are
// capped at MaxWindow.
func (t *Tracker) GetPendingChange(projectID string, entityType document.EntityType, entityID string, window time.Duration) (PendingChangeRecord, bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return PendingChangeRecord{}, false
	}
	gen := t.gens[projectID]
	t.mu.Unlock()

	if window <= 0 {
		window = t.cfg.DefaultWindow
	}
	if window > t.cfg.MaxWindow {
		window = t.cfg.MaxWindow
	}

	value, found := t.cache.Get(t.key(projectID, gen, entityType, entityID))
	if !found {
		return PendingChangeRecord{}, false
	}
	record, ok := value.(PendingChangeRecord)
	if !ok {
		return PendingChangeRecord{}, false
	}
	if t.cfg.Now().Sub(record.WrittenAt) > window {
		return PendingChangeRecord{}, false
	}

	record.Fields = append([]string(nil), record.Fields...)
	return record, true
}

// ClearProjectChanges forgets all pending records for a project. The
// generation bump makes existing keys unreachable; their entries expire on
// their own.
func (t *Tracker) ClearProjectChanges(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.gens[projectID]++
}

// MaxWindow reports the hard cap on echo windows.
func (t *Tracker) MaxWindow() time.Duration {
	return t.cfg.MaxWindow
}

func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.cache.Close()
}

func (t *Tracker) key(projectID string, gen uint64, entityType document.EntityType, entityID string) string {
	return fmt.Sprintf("%s#%d:%s:%s", projectID, gen, entityType, entityID)
}
