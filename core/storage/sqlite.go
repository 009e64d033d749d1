package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adalundhe/flowsync/core/database"
	"github.com/adalundhe/flowsync/core/database/migrations"
)

// SQLiteProvider is the durable Provider over a pooled SQLite database.
// An optional MaxBytes soft quota makes quota-degradation paths testable:
// a Set that would push the stored payload past the quota fails with
// ErrQuotaExceeded and writes nothing.
type SQLiteProvider struct {
	pool     *database.Pool
	maxBytes int64

	mu   sync.Mutex
	used int64
}

// NewSQLiteProvider opens the records table on pool, applying embedded
// migrations. maxBytes <= 0 disables the quota.
func NewSQLiteProvider(pool *database.Pool, maxBytes int64) (*SQLiteProvider, error) {
	if err := migrations.Up(pool.DB()); err != nil {
		return nil, fmt.Errorf("migrate records schema: %w", err)
	}

	p := &SQLiteProvider{
		pool:     pool,
		maxBytes: maxBytes,
	}

	if err := p.loadUsage(); err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}

	return p, nil
}

func (p *SQLiteProvider) loadUsage() error {
	row := p.pool.QueryRow(context.Background(),
		"SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) FROM records")
	return row.Scan(&p.used)
}

func (p *SQLiteProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, "SELECT value FROM records WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (p *SQLiteProvider) Set(ctx context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var oldSize int64
	err := p.pool.QueryRow(ctx,
		"SELECT LENGTH(key) + LENGTH(value) FROM records WHERE key = ?", key).Scan(&oldSize)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("size %q: %w", key, err)
	}

	newSize := int64(len(key) + len(value))
	projected := p.used - oldSize + newSize
	if p.maxBytes > 0 && projected > p.maxBytes {
		return ErrQuotaExceeded
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	p.used = projected
	return nil
}

func (p *SQLiteProvider) Remove(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var size int64
	err := p.pool.QueryRow(ctx,
		"SELECT LENGTH(key) + LENGTH(value) FROM records WHERE key = ?", key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("size %q: %w", key, err)
	}

	if _, err := p.pool.Exec(ctx, "DELETE FROM records WHERE key = ?", key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}

	p.used -= size
	return nil
}

func (p *SQLiteProvider) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM records WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *SQLiteProvider) Close() error {
	return p.pool.Close()
}

// UsedBytes reports the approximate stored payload size.
func (p *SQLiteProvider) UsedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
