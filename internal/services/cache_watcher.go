// internal/services/cache_watcher.go
package services

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/storage"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// CacheWatcher follows the cache directory and pulls records written by
// other processes into the memory tier. Removed records are ignored; memory
// keeps what it already had.
type CacheWatcher struct {
	cache   *ScriptCache
	dir     string
	watcher *fsnotify.Watcher
	logger  *utils.Logger

	// reloaded is notified with the key after every adopted record (tests)
	reloaded func(groupKey string)
}

// NewCacheWatcher starts watching dir
func NewCacheWatcher(cache *ScriptCache, dir string) (*CacheWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperrors.NewStorageError("failed to create file watcher", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, apperrors.NewStorageError("failed to watch cache directory", err)
	}
	return &CacheWatcher{
		cache:   cache,
		dir:     dir,
		watcher: w,
		logger:  utils.GetLogger(),
	}, nil
}

// Run processes events until ctx is cancelled or the watcher is closed.
func (w *CacheWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	w.logger.Info("watching cache directory", map[string]interface{}{"path": w.dir})

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("cache watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *CacheWatcher) handleEvent(event fsnotify.Event) {
	// atomic writes land as *.tmp first and then get renamed into place
	if strings.HasSuffix(event.Name, ".tmp") {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	key, ok := storage.KeyFromRecordName(filepath.Base(event.Name))
	if !ok {
		return
	}
	if w.cache.Reload(key) {
		w.logger.Debug("adopted external cache record", map[string]interface{}{"group_key": key})
		if w.reloaded != nil {
			w.reloaded(key)
		}
	}
}
