package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/adalundhe/flowsync/core/document"
	"github.com/adalundhe/flowsync/core/merge"
)

// =============================================================================
// Conflict History Store - Tiered Conflict Episode Storage
// =============================================================================
//
// The store keeps conflict episodes in two tiers:
// - Hot (L1): ristretto cache for fast lookups of recent episodes
// - Cold (L2): SQLite, the authoritative tier for queries, stats,
//   archiving, and cap eviction
//
// A bleve in-memory index over the cold tier supports free-text search for
// the history CLI; it is rebuilt from SQLite when the store opens.

var (
	ErrRecordNotFound = errors.New("history: record not found")
	ErrStoreClosed    = errors.New("history: store closed")
)

const (
	// DefaultDBPath is the fallback SQLite location when no path is given.
	DefaultDBPath = ".flowsync/conflict_history.db"

	defaultMaxRecords   = 200
	defaultArchiveAfter = 30 * 24 * time.Hour

	defaultNumCounters = 1e5
	defaultMaxCost     = 32 << 20
	defaultBufferItems = 64
)

// Config configures the store. Zero values fall back to defaults.
type Config struct {
	// DBPath is the SQLite database location (empty = DefaultDBPath).
	DBPath string

	// DeviceID is stamped onto every record this store creates.
	DeviceID string

	// MaxRecords is the hard cap; Cleanup evicts beyond it, preferring
	// archived records oldest first.
	MaxRecords int

	// ArchiveAfter flags resolved records older than this as archived.
	ArchiveAfter time.Duration

	NumCounters int64
	MaxCost     int64
	BufferItems int64

	// Now is the clock source, replaceable in tests.
	Now func() time.Time
}

func applyDefaults(cfg Config) Config {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = defaultArchiveAfter
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

// CleanupResult reports what one Cleanup pass did.
type CleanupResult struct {
	Archived int64 `json:"archived"`
	Evicted  int64 `json:"evicted"`
}

// Store is the tiered conflict history store.
type Store struct {
	cache *ristretto.Cache
	db    *sql.DB
	path  string
	index searchIndex
	cfg   Config

	mu     sync.Mutex
	closed bool
}

// NewStore opens (or creates) the store at cfg.DBPath and rebuilds the
// search index from cold storage.
func NewStore(cfg Config) (*Store, error) {
	cfg = applyDefaults(cfg)

	store := &Store{cfg: cfg}

	if err := store.initSQLite(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("initializing history storage: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		store.db.Close()
		return nil, fmt.Errorf("initializing history cache: %w", err)
	}
	store.cache = cache

	index, err := newSearchIndex()
	if err != nil {
		store.cache.Close()
		store.db.Close()
		return nil, fmt.Errorf("initializing history search index: %w", err)
	}
	store.index = index

	if err := store.rebuildIndex(); err != nil {
		store.Close()
		return nil, fmt.Errorf("rebuilding history search index: %w", err)
	}

	return store, nil
}

func (s *Store) initSQLite(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("enabling WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS conflict_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		device_id TEXT,
		conflicted_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		reason TEXT NOT NULL,
		local_version INTEGER NOT NULL,
		remote_version INTEGER NOT NULL,
		local_snapshot BLOB NOT NULL,
		remote_snapshot BLOB NOT NULL,
		resolved_snapshot BLOB,
		resolution_strategy TEXT,
		conflicted_entity_ids TEXT NOT NULL,
		conflicted_fields TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_history_project ON conflict_history(project_id);
	CREATE INDEX IF NOT EXISTS idx_history_user ON conflict_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_history_conflicted ON conflict_history(conflicted_at);
	CREATE INDEX IF NOT EXISTS idx_history_archived ON conflict_history(archived);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	s.db = db
	s.path = path
	return nil
}

// =============================================================================
// Public API
// =============================================================================

// RecordConflict logs a new conflict episode. Both snapshots are deep-copied
// at record time.
func (s *Store) RecordConflict(userID, projectID string, local, remote *document.Snapshot, reason ConflictReason, conflictedFields []merge.ConflictedField) (*ConflictHistoryRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	record := &ConflictHistoryRecord{
		ID:                  uuid.NewString(),
		UserID:              userID,
		ProjectID:           projectID,
		DeviceID:            s.cfg.DeviceID,
		ConflictedAt:        s.cfg.Now().UTC(),
		Reason:              reason,
		LocalVersion:        versionOf(local),
		RemoteVersion:       versionOf(remote),
		LocalSnapshot:       local.Clone(),
		RemoteSnapshot:      remote.Clone(),
		ConflictedEntityIDs: entityIDs(conflictedFields),
		ConflictedFields:    append([]merge.ConflictedField(nil), conflictedFields...),
	}

	if err := s.persistRecord(record); err != nil {
		return nil, fmt.Errorf("persisting conflict record: %w", err)
	}

	s.cache.Set(record.ID, record, record.Cost())
	s.indexRecord(record)

	return record.Clone(), nil
}

// MarkResolved stamps resolution time and strategy onto an episode.
func (s *Store) MarkResolved(id string, resolved *document.Snapshot, strategy ResolutionStrategy) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	resolvedBlob, err := encodeSnapshot(resolved)
	if err != nil {
		return fmt.Errorf("encoding resolved snapshot: %w", err)
	}

	var strategyArg any
	if strategy != "" {
		strategyArg = string(strategy)
	}

	now := s.cfg.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE conflict_history
		SET resolved_at = ?, resolved_snapshot = ?, resolution_strategy = ?
		WHERE id = ?
	`, now, resolvedBlob, strategyArg, id)
	if err != nil {
		return fmt.Errorf("updating conflict record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}

	// Cold storage is authoritative; refresh the hot copy and the index
	// from it so strategy becomes searchable.
	record, err := s.getFromCold(id)
	if err != nil {
		return err
	}
	s.cache.Set(record.ID, record, record.Cost())
	s.indexRecord(record)
	return nil
}

// Get retrieves one episode by id, hot tier first.
func (s *Store) Get(id string) (*ConflictHistoryRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if val, ok := s.cache.Get(id); ok {
		if record, ok := val.(*ConflictHistoryRecord); ok {
			return record.Clone(), nil
		}
	}

	record, err := s.getFromCold(id)
	if err != nil {
		return nil, err
	}

	// Promote back to the hot tier.
	s.cache.Set(record.ID, record, record.Cost())
	return record.Clone(), nil
}

// GetProjectHistory returns a project's unarchived episodes, newest first.
func (s *Store) GetProjectHistory(projectID string) ([]*ConflictHistoryRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT `+recordColumns+`
		FROM conflict_history
		WHERE project_id = ? AND archived = 0
		ORDER BY conflicted_at DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying project history: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// GetStats aggregates a user's episodes by reason and resolution strategy.
func (s *Store) GetStats(userID string) (*HistoryStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &HistoryStats{
		ByReason:   make(map[ConflictReason]int),
		ByStrategy: make(map[ResolutionStrategy]int),
	}

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN resolved_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(archived), 0)
		FROM conflict_history WHERE user_id = ?
	`, userID).Scan(&stats.Total, &stats.Resolved, &stats.Archived)
	if err != nil {
		return nil, fmt.Errorf("querying totals: %w", err)
	}
	stats.Unresolved = stats.Total - stats.Resolved

	rows, err := s.db.Query(`
		SELECT reason, COUNT(*) FROM conflict_history
		WHERE user_id = ? GROUP BY reason
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying reasons: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, err
		}
		stats.ByReason[ConflictReason(reason)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	strategyRows, err := s.db.Query(`
		SELECT resolution_strategy, COUNT(*) FROM conflict_history
		WHERE user_id = ? AND resolved_at IS NOT NULL
		GROUP BY resolution_strategy
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying strategies: %w", err)
	}
	defer strategyRows.Close()
	for strategyRows.Next() {
		var strategy sql.NullString
		var count int
		if err := strategyRows.Scan(&strategy, &count); err != nil {
			return nil, err
		}
		if strategy.Valid {
			stats.ByStrategy[ResolutionStrategy(strategy.String)] = count
		}
	}
	return stats, strategyRows.Err()
}

// Cleanup applies the retention rules: resolved episodes older than
// ArchiveAfter are flagged archived, and the record count is forced under
// MaxRecords by evicting archived-oldest first, then oldest.
func (s *Store) Cleanup() (CleanupResult, error) {
	if err := s.checkOpen(); err != nil {
		return CleanupResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result CleanupResult
	cutoff := s.cfg.Now().UTC().Add(-s.cfg.ArchiveAfter)

	archivedIDs, err := s.collectIDs(`
		SELECT id FROM conflict_history
		WHERE archived = 0 AND resolved_at IS NOT NULL AND conflicted_at < ?
	`, cutoff)
	if err != nil {
		return result, fmt.Errorf("selecting archivable records: %w", err)
	}

	if len(archivedIDs) > 0 {
		res, err := s.db.Exec(`
			UPDATE conflict_history SET archived = 1
			WHERE archived = 0 AND resolved_at IS NOT NULL AND conflicted_at < ?
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("archiving records: %w", err)
		}
		result.Archived, _ = res.RowsAffected()

		// Drop stale hot copies; the next Get promotes the archived row.
		for _, id := range archivedIDs {
			s.cache.Del(id)
		}
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conflict_history`).Scan(&total); err != nil {
		return result, fmt.Errorf("counting records: %w", err)
	}
	if total <= s.cfg.MaxRecords {
		return result, nil
	}

	evictIDs, err := s.collectIDs(`
		SELECT id FROM conflict_history
		ORDER BY archived DESC, conflicted_at ASC, id ASC
		LIMIT ?
	`, total-s.cfg.MaxRecords)
	if err != nil {
		return result, fmt.Errorf("selecting evictable records: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	for _, id := range evictIDs {
		if _, err := tx.Exec(`DELETE FROM conflict_history WHERE id = ?`, id); err != nil {
			return result, fmt.Errorf("evicting record %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return result, err
	}

	for _, id := range evictIDs {
		s.cache.Del(id)
		s.deindexRecord(id)
	}
	result.Evicted = int64(len(evictIDs))
	return result, nil
}

// Close releases the cache, the search index, and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cache.Close()
	var errs []error
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Path returns the cold tier's database path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// =============================================================================
// Cold tier helpers
// =============================================================================

const recordColumns = `id, user_id, project_id, device_id, conflicted_at, resolved_at,
       reason, local_version, remote_version, local_snapshot, remote_snapshot,
       resolved_snapshot, resolution_strategy, conflicted_entity_ids,
       conflicted_fields, archived`

func (s *Store) persistRecord(record *ConflictHistoryRecord) error {
	localBlob, err := encodeSnapshot(record.LocalSnapshot)
	if err != nil {
		return err
	}
	remoteBlob, err := encodeSnapshot(record.RemoteSnapshot)
	if err != nil {
		return err
	}
	resolvedBlob, err := encodeSnapshot(record.ResolvedSnapshot)
	if err != nil {
		return err
	}
	entityIDsJSON, err := json.Marshal(record.ConflictedEntityIDs)
	if err != nil {
		return err
	}
	fieldsJSON, err := json.Marshal(record.ConflictedFields)
	if err != nil {
		return err
	}

	var strategy any
	if record.ResolutionStrategy != "" {
		strategy = string(record.ResolutionStrategy)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO conflict_history
		(id, user_id, project_id, device_id, conflicted_at, resolved_at,
		 reason, local_version, remote_version, local_snapshot, remote_snapshot,
		 resolved_snapshot, resolution_strategy, conflicted_entity_ids,
		 conflicted_fields, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID, record.UserID, record.ProjectID, record.DeviceID,
		record.ConflictedAt, record.ResolvedAt, string(record.Reason),
		record.LocalVersion, record.RemoteVersion, localBlob, remoteBlob,
		resolvedBlob, strategy, string(entityIDsJSON), string(fieldsJSON),
		boolToInt(record.Archived),
	)
	return err
}

func (s *Store) getFromCold(id string) (*ConflictHistoryRecord, error) {
	row := s.db.QueryRow(`
		SELECT `+recordColumns+`
		FROM conflict_history WHERE id = ?
	`, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return record, err
}

func (s *Store) collectIDs(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ConflictHistoryRecord, error) {
	var record ConflictHistoryRecord
	var deviceID, strategy sql.NullString
	var resolvedAt sql.NullTime
	var localBlob, remoteBlob, resolvedBlob []byte
	var entityIDsJSON, fieldsJSON string
	var archived int

	err := row.Scan(
		&record.ID, &record.UserID, &record.ProjectID, &deviceID,
		&record.ConflictedAt, &resolvedAt, &record.Reason,
		&record.LocalVersion, &record.RemoteVersion, &localBlob, &remoteBlob,
		&resolvedBlob, &strategy, &entityIDsJSON, &fieldsJSON, &archived,
	)
	if err != nil {
		return nil, err
	}

	if deviceID.Valid {
		record.DeviceID = deviceID.String
	}
	if resolvedAt.Valid {
		record.ResolvedAt = &resolvedAt.Time
	}
	if strategy.Valid {
		record.ResolutionStrategy = ResolutionStrategy(strategy.String)
	}
	record.Archived = archived != 0

	if record.LocalSnapshot, err = decodeSnapshot(localBlob); err != nil {
		return nil, fmt.Errorf("decoding local snapshot: %w", err)
	}
	if record.RemoteSnapshot, err = decodeSnapshot(remoteBlob); err != nil {
		return nil, fmt.Errorf("decoding remote snapshot: %w", err)
	}
	if record.ResolvedSnapshot, err = decodeSnapshot(resolvedBlob); err != nil {
		return nil, fmt.Errorf("decoding resolved snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(entityIDsJSON), &record.ConflictedEntityIDs); err != nil {
		return nil, fmt.Errorf("decoding entity ids: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &record.ConflictedFields); err != nil {
		return nil, fmt.Errorf("decoding conflicted fields: %w", err)
	}

	return &record, nil
}

func collectRecords(rows *sql.Rows) ([]*ConflictHistoryRecord, error) {
	var records []*ConflictHistoryRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func encodeSnapshot(snapshot *document.Snapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, nil
	}
	return json.Marshal(snapshot)
}

func decodeSnapshot(blob []byte) (*document.Snapshot, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var snapshot document.Snapshot
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func versionOf(snapshot *document.Snapshot) int64 {
	if snapshot == nil {
		return 0
	}
	return snapshot.Version
}

func entityIDs(fields []merge.ConflictedField) []string {
	seen := make(map[string]struct{}, len(fields))
	var ids []string
	for _, f := range fields {
		if _, ok := seen[f.EntityID]; ok {
			continue
		}
		seen[f.EntityID] = struct{}{}
		ids = append(ids, f.EntityID)
	}
	sort.Strings(ids)
	return ids
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
