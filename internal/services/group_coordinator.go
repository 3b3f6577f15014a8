// internal/services/group_coordinator.go
package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/models"
	"github.com/Corphon/VillagerBridge/internal/remote"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// StartOutcome says what StartConversation did
type StartOutcome string

const (
	OutcomeStarted       StartOutcome = "started"
	OutcomeAlreadyActive StartOutcome = "already_active"
	OutcomeInProgress    StartOutcome = "in_progress"
	OutcomeFailed        StartOutcome = "failed"
)

// StartRequest is what the group detector knows about a group
type StartRequest struct {
	GroupKey       string   `json:"groupKey"`
	ParticipantIDs []string `json:"participantIds"`
	Location       string   `json:"location"`
	ContextHint    string   `json:"contextHint"`
	// ForceNew skips the cached script and asks the authority for a new one
	ForceNew bool `json:"forceNew"`
}

// StartResult describes a StartConversation call
type StartResult struct {
	Outcome   StartOutcome `json:"outcome"`
	GroupKey  string       `json:"groupKey"`
	ScriptID  string       `json:"scriptId,omitempty"`
	Version   int          `json:"version,omitempty"`
	FromCache bool         `json:"fromCache"`
	Reason    string       `json:"reason,omitempty"`
}

// ActiveGroup is a snapshot of one running conversation
type ActiveGroup struct {
	GroupKey       string    `json:"groupKey"`
	ScriptID       string    `json:"scriptId"`
	Version        int       `json:"version"`
	Topic          string    `json:"topic"`
	State          string    `json:"state"`
	Loops          int       `json:"loops"`
	LinesDisplayed int64     `json:"linesDisplayed"`
	StartedAt      time.Time `json:"startedAt"`
}

// pendingStart marks a start that is resolving its script
type pendingStart struct {
	cancelled bool
}

// GroupCoordinator keeps at most one running player per group key.
type GroupCoordinator struct {
	cache     *ScriptCache
	authority remote.Authority
	deps      PlayerDeps
	metrics   *utils.MetricsCollector
	logger    *utils.Logger

	mu      sync.Mutex
	active  map[string]*ScriptPlayer
	pending map[string]*pendingStart
	closed  bool
}

// NewGroupCoordinator wires a coordinator; deps is shared by every player it creates.
func NewGroupCoordinator(cache *ScriptCache, authority remote.Authority, deps PlayerDeps) *GroupCoordinator {
	if deps.Metrics == nil {
		deps.Metrics = utils.GetMetricsCollector()
	}
	return &GroupCoordinator{
		cache:     cache,
		authority: authority,
		deps:      deps,
		metrics:   deps.Metrics,
		logger:    utils.GetLogger(),
		active:    make(map[string]*ScriptPlayer),
		pending:   make(map[string]*pendingStart),
	}
}

// StartConversation resolves a script for the group and starts playing it.
// Remote and storage failures are reported as OutcomeFailed, never as an
// error; the group can simply be retried later. An error is returned only
// for requests that identify no group at all.
func (c *GroupCoordinator) StartConversation(ctx context.Context, req StartRequest) (StartResult, error) {
	key := strings.TrimSpace(req.GroupKey)
	if key == "" {
		key = models.GroupKeyOf(req.ParticipantIDs)
	}
	if key == "" {
		return StartResult{Outcome: OutcomeFailed}, apperrors.NewValidationError("group key or participant ids required", nil)
	}
	result := StartResult{GroupKey: key}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		result.Outcome, result.Reason = OutcomeFailed, "shutting down"
		return result, nil
	}
	if c.liveLocked(key) {
		c.mu.Unlock()
		result.Outcome = OutcomeAlreadyActive
		return result, nil
	}
	if _, ok := c.pending[key]; ok {
		c.mu.Unlock()
		result.Outcome = OutcomeInProgress
		return result, nil
	}
	marker := &pendingStart{}
	c.pending[key] = marker
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending[key] == marker {
			delete(c.pending, key)
		}
		c.mu.Unlock()
	}()

	script, fromCache, reason := c.resolveScript(ctx, key, req)
	if script == nil {
		result.Outcome, result.Reason = OutcomeFailed, reason
		return result, nil
	}
	result.ScriptID, result.Version, result.FromCache = script.ScriptID, script.Version, fromCache

	player, err := NewScriptPlayer(key, script, c.deps)
	if err != nil {
		c.logger.Warn("script is not playable", map[string]interface{}{
			"group_key": key,
			"script_id": script.ScriptID,
			"error":     err.Error(),
		})
		result.Outcome, result.Reason = OutcomeFailed, "script is not playable"
		return result, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || marker.cancelled {
		result.Outcome, result.Reason = OutcomeFailed, "stopped while starting"
		return result, nil
	}
	if err := player.Start(); err != nil {
		result.Outcome, result.Reason = OutcomeFailed, "player could not start"
		return result, nil
	}
	c.active[key] = player
	c.metrics.IncrementCounter(utils.MetricConversationStarts)
	c.metrics.SetGauge(utils.MetricActivePlayers, int64(len(c.active)))

	c.logger.Info("conversation started", map[string]interface{}{
		"group_key":  key,
		"script_id":  script.ScriptID,
		"version":    script.Version,
		"lines":      script.TotalLines(),
		"from_cache": fromCache,
	})
	result.Outcome = OutcomeStarted
	return result, nil
}

// resolveScript returns the script to play, whether it came from the cache,
// and a reason when there is none.
func (c *GroupCoordinator) resolveScript(ctx context.Context, key string, req StartRequest) (*models.ConversationScript, bool, string) {
	cached, hit := c.cache.Get(key)
	if hit && !req.ForceNew && !c.cache.NeedsUpdate(ctx, c.authority, key) {
		return cached, true, ""
	}

	participants := req.ParticipantIDs
	if len(participants) == 0 {
		participants = models.ParseGroupKey(key)
	}
	fetched, err := c.authority.FetchScript(ctx, remote.FetchRequest{
		ParticipantIDs: participants,
		Location:       req.Location,
		ContextHint:    req.ContextHint,
		GroupKey:       key,
		ForceNew:       hit || req.ForceNew,
	})
	if err != nil {
		c.logger.Warn("script fetch failed", map[string]interface{}{
			"group_key": key,
			"error":     err.Error(),
		})
		return nil, false, "script fetch failed"
	}
	if fetched == nil || len(fetched.Lines) == 0 {
		c.logger.Warn("authority returned an empty script", map[string]interface{}{"group_key": key})
		return nil, false, "empty script"
	}

	held, stored, err := c.cache.PutIfNewer(key, fetched)
	if err != nil && held == nil {
		return nil, false, "cache write failed"
	}
	if !stored && held != nil {
		return held, true, ""
	}
	return fetched, false, ""
}

// StopConversation stops the group's player, or cancels a start still in
// flight. It reports whether anything was stopped.
func (c *GroupCoordinator) StopConversation(groupKey string) bool {
	c.mu.Lock()
	marker, starting := c.pending[groupKey]
	if starting && !marker.cancelled {
		marker.cancelled = true
	} else {
		starting = false
	}
	player, ok := c.active[groupKey]
	if ok {
		delete(c.active, groupKey)
		c.metrics.SetGauge(utils.MetricActivePlayers, int64(len(c.active)))
	}
	c.mu.Unlock()

	if !ok {
		if starting {
			c.logger.Info("pending conversation start cancelled", map[string]interface{}{"group_key": groupKey})
		}
		return starting
	}
	player.Stop()
	c.metrics.IncrementCounter(utils.MetricConversationStops)
	c.logger.Info("conversation stopped", map[string]interface{}{"group_key": groupKey})
	return true
}

// liveLocked reports whether key has a player that is still playing. A player
// that went idle on its own (its next step was refused during shutdown) is
// forgotten so the group can be started again.
func (c *GroupCoordinator) liveLocked(key string) bool {
	p, ok := c.active[key]
	if !ok {
		return false
	}
	if p.State() != PlayerIdle {
		return true
	}
	delete(c.active, key)
	c.metrics.SetGauge(utils.MetricActivePlayers, int64(len(c.active)))
	c.logger.Warn("dropping stalled player", map[string]interface{}{"group_key": key})
	return false
}

func (c *GroupCoordinator) reapIdleLocked() {
	for key := range c.active {
		c.liveLocked(key)
	}
}

// ActiveCount returns the number of running players
func (c *GroupCoordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapIdleLocked()
	return len(c.active)
}

// IsActive reports whether groupKey has a running player
func (c *GroupCoordinator) IsActive(groupKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(groupKey)
}

// ActiveGroups lists running conversations ordered by group key
func (c *GroupCoordinator) ActiveGroups() []ActiveGroup {
	c.mu.Lock()
	c.reapIdleLocked()
	players := make([]*ScriptPlayer, 0, len(c.active))
	for _, p := range c.active {
		players = append(players, p)
	}
	c.mu.Unlock()

	out := make([]ActiveGroup, 0, len(players))
	for _, p := range players {
		s := p.Script()
		out = append(out, ActiveGroup{
			GroupKey:       p.GroupKey(),
			ScriptID:       s.ScriptID,
			Version:        s.Version,
			Topic:          s.Topic,
			State:          p.State().String(),
			Loops:          p.Loops(),
			LinesDisplayed: p.LinesDisplayed(),
			StartedAt:      p.StartedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupKey < out[j].GroupKey })
	return out
}

// StopAll stops and forgets every player and cancels starts in flight.
func (c *GroupCoordinator) StopAll() int {
	c.mu.Lock()
	players := c.active
	c.active = make(map[string]*ScriptPlayer)
	for _, marker := range c.pending {
		marker.cancelled = true
	}
	c.metrics.SetGauge(utils.MetricActivePlayers, 0)
	c.mu.Unlock()

	for _, p := range players {
		p.Stop()
	}
	if len(players) > 0 {
		c.metrics.AddCounter(utils.MetricConversationStops, int64(len(players)))
		c.logger.Info("stopped all conversations", map[string]interface{}{"count": len(players)})
	}
	return len(players)
}

// Close refuses new starts and stops everything running.
func (c *GroupCoordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.StopAll()
}
