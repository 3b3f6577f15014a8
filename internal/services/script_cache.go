// internal/services/script_cache.go
package services

import (
	"context"
	"sync"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/models"
	"github.com/Corphon/VillagerBridge/internal/remote"
	"github.com/Corphon/VillagerBridge/internal/storage"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// DefaultRefreshParallelism bounds concurrent per-key checks in RefreshAll.
const DefaultRefreshParallelism = 8

// ScriptObserver is told about every script written to the cache.
type ScriptObserver interface {
	RecordPut(groupKey string, script *models.ConversationScript)
}

// ScriptCacheOptions configures ScriptCache
type ScriptCacheOptions struct {
	RefreshParallelism int
	Observer           ScriptObserver
	Metrics            *utils.MetricsCollector
}

// CacheStats is a point-in-time view of the cache
type CacheStats struct {
	MemoryEntries  int `json:"memoryEntries"`
	DurableEntries int `json:"durableEntries"`
}

// RefreshReport summarises one RefreshAll pass
type RefreshReport struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// ScriptCache stores scripts in memory in front of one durable record per
// group key. Scripts handed out are shared and must not be modified.
type ScriptCache struct {
	store       *storage.FileStorage
	locks       *LockManager
	observer    ScriptObserver
	parallelism int
	metrics     *utils.MetricsCollector
	logger      *utils.Logger

	mu     sync.RWMutex
	memory map[string]*models.ConversationScript
}

// NewScriptCache creates a cache on top of store
func NewScriptCache(store *storage.FileStorage, opts ScriptCacheOptions) *ScriptCache {
	c := &ScriptCache{
		store:       store,
		locks:       NewLockManager(),
		observer:    opts.Observer,
		parallelism: opts.RefreshParallelism,
		metrics:     opts.Metrics,
		logger:      utils.GetLogger(),
		memory:      make(map[string]*models.ConversationScript),
	}
	if c.parallelism <= 0 {
		c.parallelism = DefaultRefreshParallelism
	}
	if c.metrics == nil {
		c.metrics = utils.GetMetricsCollector()
	}
	return c
}

// Close releases background resources
func (c *ScriptCache) Close() {
	c.locks.Stop()
}

// Get returns the script for groupKey from memory, falling back to its
// durable record. Unreadable records are logged and reported as absent.
func (c *ScriptCache) Get(groupKey string) (*models.ConversationScript, bool) {
	c.mu.RLock()
	script, ok := c.memory[groupKey]
	c.mu.RUnlock()
	if ok {
		c.metrics.IncrementCounter(utils.MetricCacheHits)
		return script, true
	}

	loaded, err := c.loadDurable(groupKey)
	if err != nil || loaded == nil {
		c.metrics.IncrementCounter(utils.MetricCacheMisses)
		return nil, false
	}

	c.mu.Lock()
	// a concurrent Put wins over what was read from disk
	if current, exists := c.memory[groupKey]; exists {
		loaded = current
	} else {
		c.memory[groupKey] = loaded
	}
	c.mu.Unlock()

	c.metrics.IncrementCounter(utils.MetricCacheHits)
	return loaded, true
}

func (c *ScriptCache) loadDurable(groupKey string) (*models.ConversationScript, error) {
	c.metrics.IncrementCounter(utils.MetricCacheDiskReads)

	var script models.ConversationScript
	if err := c.store.LoadJSON(groupKey, &script); err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, nil
		}
		c.metrics.IncrementCounter(utils.MetricCacheCorrupt)
		c.logger.Warn("unreadable cache record treated as miss", map[string]interface{}{
			"group_key": groupKey,
			"error":     err.Error(),
		})
		return nil, err
	}
	return &script, nil
}

// Put stores script under groupKey in memory and on disk, replacing whatever
// was there. The memory tier is updated even when the disk write fails.
func (c *ScriptCache) Put(groupKey string, script *models.ConversationScript) error {
	if groupKey == "" {
		return apperrors.NewValidationError("empty group key", nil)
	}
	if script == nil {
		return apperrors.NewContractError("nil script", nil)
	}
	return c.locks.ExecuteWithLock(groupKey, func() error {
		return c.putLocked(groupKey, script)
	})
}

func (c *ScriptCache) putLocked(groupKey string, script *models.ConversationScript) error {
	c.mu.Lock()
	c.memory[groupKey] = script
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.RecordPut(groupKey, script)
	}

	if err := c.store.SaveJSON(groupKey, script); err != nil {
		c.metrics.IncrementCounter(utils.MetricCacheWriteErrors)
		c.logger.Error("failed to persist script", map[string]interface{}{
			"group_key": groupKey,
			"script_id": script.ScriptID,
			"version":   script.Version,
			"error":     err.Error(),
		})
		return err
	}
	c.metrics.IncrementCounter(utils.MetricCacheWrites)
	return nil
}

// PutIfNewer stores script only when nothing is cached for groupKey or the
// cached version is strictly lower. It returns the script the cache holds
// afterwards and whether script was stored.
func (c *ScriptCache) PutIfNewer(groupKey string, script *models.ConversationScript) (*models.ConversationScript, bool, error) {
	if groupKey == "" {
		return nil, false, apperrors.NewValidationError("empty group key", nil)
	}
	if script == nil {
		return nil, false, apperrors.NewContractError("nil script", nil)
	}

	var (
		held   *models.ConversationScript
		stored bool
	)
	err := c.locks.ExecuteWithLock(groupKey, func() error {
		if current, ok := c.Get(groupKey); ok && current.Version >= script.Version {
			held = current
			return nil
		}
		held, stored = script, true
		return c.putLocked(groupKey, script)
	})
	return held, stored, err
}

// Reload re-reads groupKey's durable record and adopts it when it is newer
// than the memory copy. It reports whether memory changed.
func (c *ScriptCache) Reload(groupKey string) bool {
	changed := false
	_ = c.locks.ExecuteWithLock(groupKey, func() error {
		loaded, err := c.loadDurable(groupKey)
		if err != nil || loaded == nil {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if current, ok := c.memory[groupKey]; ok && current.Version >= loaded.Version {
			return nil
		}
		c.memory[groupKey] = loaded
		changed = true
		return nil
	})
	return changed
}

// NeedsUpdate reports whether groupKey should be (re)fetched. Unknown keys
// always need a fetch. Remote failures and a remote without a record both
// count as "no update" so a present cached script keeps being used.
func (c *ScriptCache) NeedsUpdate(ctx context.Context, authority remote.Authority, groupKey string) bool {
	cached, ok := c.Get(groupKey)
	if !ok {
		return true
	}

	meta, err := authority.Metadata(ctx, groupKey)
	if err != nil {
		c.logger.Warn("update check failed, keeping cached script", map[string]interface{}{
			"group_key": groupKey,
			"error":     err.Error(),
		})
		return false
	}
	if meta == nil {
		return false
	}
	return meta.Version > cached.Version
}

// RefreshAll checks every durable key against the authority and re-fetches
// stale scripts with their original parameters. It returns once every key
// has settled; one key failing does not stop the others.
func (c *ScriptCache) RefreshAll(ctx context.Context, authority remote.Authority) RefreshReport {
	var report RefreshReport

	keys, err := c.store.ListKeys()
	if err != nil {
		c.logger.Error("failed to enumerate cached scripts", map[string]interface{}{"error": err.Error()})
		return report
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.parallelism)
	)
	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			updated, failed := c.refreshOne(ctx, authority, key)
			mu.Lock()
			report.Checked++
			if updated {
				report.Updated++
			}
			if failed {
				report.Failed++
			}
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	c.logger.Info("cache refresh finished", map[string]interface{}{
		"checked": report.Checked,
		"updated": report.Updated,
		"failed":  report.Failed,
	})
	return report
}

func (c *ScriptCache) refreshOne(ctx context.Context, authority remote.Authority, key string) (updated, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("refresh panicked", map[string]interface{}{"group_key": key, "panic": r})
			updated, failed = false, true
		}
	}()

	if !c.NeedsUpdate(ctx, authority, key) {
		return false, false
	}
	cached, ok := c.Get(key)
	if !ok {
		// unreadable record; nothing to derive fetch parameters from
		return false, true
	}

	fresh, err := authority.FetchScript(ctx, remote.FetchRequest{
		ParticipantIDs: cached.ParticipantIDs(key),
		Location:       cached.Location,
		ContextHint:    cached.ContextHint,
		GroupKey:       key,
		ForceNew:       true,
	})
	if err != nil {
		c.logger.Warn("refresh fetch failed", map[string]interface{}{"group_key": key, "error": err.Error()})
		return false, true
	}
	if fresh == nil || len(fresh.Lines) == 0 {
		// keep the playable version rather than caching one nothing can play
		c.logger.Warn("refresh returned an empty script", map[string]interface{}{"group_key": key})
		return false, true
	}
	_, stored, err := c.PutIfNewer(key, fresh)
	return stored, err != nil
}

// Keys lists every durably cached group key
func (c *ScriptCache) Keys() ([]string, error) {
	return c.store.ListKeys()
}

// Stats reports the size of both tiers
func (c *ScriptCache) Stats() CacheStats {
	c.mu.RLock()
	stats := CacheStats{MemoryEntries: len(c.memory)}
	c.mu.RUnlock()

	if keys, err := c.store.ListKeys(); err == nil {
		stats.DurableEntries = len(keys)
	}
	return stats
}
