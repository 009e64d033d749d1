package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of fsnotify events an editor save
// produces into one reload.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the config when its file changes, until ctx is cancelled or
// the manager is closed. The parent directory is watched rather than the
// file so atomic rename-into-place saves keep working.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := m.Path()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go m.processWatchEvents(ctx, watcher, filepath.Base(path))
	return nil
}

func (m *Manager) processWatchEvents(ctx context.Context, watcher *fsnotify.Watcher, filename string) {
	defer watcher.Close()

	var mu sync.Mutex
	var pending *time.Timer

	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()

		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(watchDebounce, func() {
			if err := m.Reload(); err != nil {
				m.reloadError(err)
			}
		})
	}

	stopPending := func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil {
			pending.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopPending()
			return
		case <-m.stopWatch:
			stopPending()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				stopPending()
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				scheduleReload()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				stopPending()
				return
			}
		}
	}
}
