package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func TestManagerOpenClose(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("test", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if pool.DB() == nil {
		t.Error("DB should not be nil")
	}

	pool2, ok := mgr.Get("test")
	if !ok || pool2 != pool {
		t.Error("Get should return same pool")
	}

	_, ok = mgr.Get("nonexistent")
	if ok {
		t.Error("Get should return false for nonexistent pool")
	}

	if err := mgr.Close("test"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, ok = mgr.Get("test")
	if ok {
		t.Error("Pool should be removed after close")
	}
}

func TestManagerOpenIsIdempotent(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	first, err := mgr.Open("same", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	second, err := mgr.Open("same", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}

	if first != second {
		t.Error("Open with the same name should return the same pool")
	}
}

func TestPoolBasicOperations(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("ops", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx := context.Background()

	_, err = pool.Exec(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)")
	if err != nil {
		t.Fatalf("CREATE TABLE failed: %v", err)
	}

	_, err = pool.Exec(ctx, "INSERT INTO test (value) VALUES (?)", "hello")
	if err != nil {
		t.Fatalf("INSERT failed: %v", err)
	}

	var value string
	err = pool.QueryRow(ctx, "SELECT value FROM test WHERE id = ?", 1).Scan(&value)
	if err != nil {
		t.Fatalf("SELECT failed: %v", err)
	}
	if value != "hello" {
		t.Errorf("value = %q, want %q", value, "hello")
	}

	rows, err := pool.Query(ctx, "SELECT value FROM test")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	count := 0
	for rows.Next() {
		count++
	}
	rows.Close()
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestPoolTransactionRollback(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("tx", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx := context.Background()

	if _, err := pool.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("CREATE TABLE failed: %v", err)
	}

	wantErr := errors.New("abort")
	err = pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (id) VALUES (1)"); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Transaction error = %v, want %v", err, wantErr)
	}

	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		t.Fatalf("SELECT failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count after rollback = %d, want 0", count)
	}
}

func TestPoolIntegrityCheck(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.CloseAll()

	pool, err := mgr.Open("integrity", DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := pool.IntegrityCheck(); err != nil {
		t.Errorf("IntegrityCheck failed: %v", err)
	}
}

func TestManagerResolvePath(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir)

	if got, want := mgr.resolvePath("queue"), filepath.Join(dir, "queue.db"); got != want {
		t.Errorf("resolvePath(queue) = %q, want %q", got, want)
	}

	abs := filepath.Join(dir, "explicit.db")
	if got := mgr.resolvePath(abs); got != abs {
		t.Errorf("resolvePath(abs) = %q, want %q", got, abs)
	}
}

func TestAdvisoryLockTryAcquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := NewAdvisoryLock(dir, "hub")
	if err != nil {
		t.Fatalf("NewAdvisoryLock failed: %v", err)
	}

	acquired, err := lock.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("first TryAcquire should succeed")
	}
	if !lock.IsHeld() {
		t.Error("IsHeld should be true after acquire")
	}

	other, err := NewAdvisoryLock(dir, "hub")
	if err != nil {
		t.Fatalf("NewAdvisoryLock failed: %v", err)
	}

	acquired, err = other.TryAcquire()
	if err != nil {
		t.Fatalf("second TryAcquire failed: %v", err)
	}
	if acquired {
		t.Error("second TryAcquire should fail while lock is held")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if lock.IsHeld() {
		t.Error("IsHeld should be false after release")
	}

	acquired, err = other.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire after release failed: %v", err)
	}
	if !acquired {
		t.Error("TryAcquire should succeed after release")
	}
	_ = other.Release()
}
