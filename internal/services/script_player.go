// internal/services/script_player.go
package services

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/models"
	"github.com/Corphon/VillagerBridge/internal/scheduler"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// PlayerState is the lifecycle state of a ScriptPlayer
type PlayerState int32

const (
	PlayerIdle PlayerState = iota
	PlayerPlaying
	PlayerLooping
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerPlaying:
		return "playing"
	case PlayerLooping:
		return "looping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PlayerDeps are the shared collaborators every player needs
type PlayerDeps struct {
	Scheduler *scheduler.Scheduler
	Executor  *scheduler.Executor
	Sink      DisplaySink
	// DefaultTiming applies to scripts that carry no timing of their own
	DefaultTiming models.TimingConfig
	Metrics       *utils.MetricsCollector
	// Random returns a value in [0,1); rand.Float64 when nil
	Random func() float64
}

// ScriptPlayer plays one script's lines in order, pausing between lines and
// looping forever until stopped. Timer callbacks only hand work to the
// executor; the sink runs there.
type ScriptPlayer struct {
	groupKey string
	script   *models.ConversationScript
	timing   models.TimingConfig
	deps     PlayerDeps
	logger   *utils.Logger

	mu         sync.Mutex
	state      PlayerState
	generation uint64
	index      int
	prevPhase  string
	hasPrev    bool
	pending    *scheduler.Task
	loops      int
	displayed  int64
	startedAt  time.Time
}

// NewScriptPlayer validates script and prepares an idle player.
func NewScriptPlayer(groupKey string, script *models.ConversationScript, deps PlayerDeps) (*ScriptPlayer, error) {
	if script == nil || len(script.Lines) == 0 {
		return nil, apperrors.NewContractError("cannot play an empty script", nil)
	}
	if deps.Scheduler == nil || deps.Executor == nil || deps.Sink == nil {
		return nil, apperrors.NewContractError("player requires a scheduler, an executor and a sink", nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = utils.GetMetricsCollector()
	}
	if deps.Random == nil {
		deps.Random = rand.Float64
	}
	return &ScriptPlayer{
		groupKey: groupKey,
		script:   script,
		timing:   script.EffectiveTiming(deps.DefaultTiming),
		deps:     deps,
		logger:   utils.GetLogger(),
	}, nil
}

// Start begins playback from the first line. Starting a running player does nothing.
func (p *ScriptPlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PlayerIdle {
		return nil
	}
	p.generation++
	p.resetLocked()
	p.state = PlayerPlaying
	p.startedAt = time.Now()
	return p.scheduleLocked(0)
}

// Stop cancels pending work. Once it returns the sink is not called again by
// this player, even if a timer was already firing.
func (p *ScriptPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == PlayerIdle {
		return
	}
	p.generation++
	p.state = PlayerIdle
	if p.pending != nil {
		p.pending.Cancel()
		p.pending = nil
	}
}

// State returns the current lifecycle state
func (p *ScriptPlayer) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Loops returns how many times playback wrapped around to the first line
func (p *ScriptPlayer) Loops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loops
}

// LinesDisplayed counts sink invocations, failed ones included
func (p *ScriptPlayer) LinesDisplayed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayed
}

// StartedAt is the time of the last Start
func (p *ScriptPlayer) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Script returns the script being played
func (p *ScriptPlayer) Script() *models.ConversationScript { return p.script }

// GroupKey returns the group this player belongs to
func (p *ScriptPlayer) GroupKey() string { return p.groupKey }

func (p *ScriptPlayer) resetLocked() {
	p.index = 0
	p.prevPhase = ""
	p.hasPrev = false
}

func (p *ScriptPlayer) scheduleLocked(delay time.Duration) error {
	gen := p.generation
	task, err := p.deps.Scheduler.Schedule(delay, func() { p.fire(gen) })
	if err != nil {
		p.state = PlayerIdle
		p.pending = nil
		p.logger.Warn("player could not schedule next step", map[string]interface{}{
			"group_key": p.groupKey,
			"error":     err.Error(),
		})
		return err
	}
	p.pending = task
	return nil
}

// fire runs on a scheduler worker and only hands off to the executor.
func (p *ScriptPlayer) fire(gen uint64) {
	if err := p.deps.Executor.Submit(func() { p.step(gen) }); err != nil {
		p.mu.Lock()
		if p.generation == gen {
			p.state = PlayerIdle
			p.pending = nil
		}
		p.mu.Unlock()
	}
}

// step runs on the executor. The lock is held across the sink call so that a
// concurrent Stop waits for an in-flight display to finish.
func (p *ScriptPlayer) step(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation || p.state == PlayerIdle {
		return
	}
	p.pending = nil

	if p.state == PlayerLooping {
		p.resetLocked()
		p.loops++
		p.state = PlayerPlaying
		p.deps.Metrics.IncrementCounter(utils.MetricLoops)
	}

	line := p.script.Lines[p.index]
	p.display(line)
	p.prevPhase = line.Phase
	p.hasPrev = true
	p.index++

	if p.index >= len(p.script.Lines) {
		p.state = PlayerLooping
		_ = p.scheduleLocked(seconds(p.timing.LoopDelaySeconds))
		return
	}
	_ = p.scheduleLocked(p.nextDelayLocked(p.script.Lines[p.index]))
}

func (p *ScriptPlayer) nextDelayLocked(next models.DialogueLine) time.Duration {
	lo, hi := p.timing.MinDelaySeconds, p.timing.MaxDelaySeconds
	delay := lo + p.deps.Random()*(hi-lo)
	if p.hasPrev && next.Phase != p.prevPhase {
		delay += p.timing.PhaseChangePauseSeconds
	}
	return seconds(delay)
}

func (p *ScriptPlayer) display(line models.DialogueLine) {
	p.displayed++
	p.deps.Metrics.IncrementCounter(utils.MetricLinesDisplayed)

	defer func() {
		if r := recover(); r != nil {
			p.deps.Metrics.IncrementCounter(utils.MetricSinkErrors)
			p.logger.Error("display sink panicked", map[string]interface{}{
				"group_key": p.groupKey,
				"line":      p.index,
				"panic":     r,
			})
		}
	}()

	err := p.deps.Sink.Display(DisplayLine{
		GroupKey:    p.groupKey,
		ScriptID:    p.script.ScriptID,
		Version:     p.script.Version,
		SpeakerID:   line.SpeakerID,
		SpeakerName: line.SpeakerName,
		Message:     line.Message,
		Phase:       line.Phase,
		LineNumber:  line.LineNumber,
		Loop:        p.loops,
		Timestamp:   time.Now(),
	})
	if err != nil {
		p.deps.Metrics.IncrementCounter(utils.MetricSinkErrors)
		p.logger.Warn("display sink failed", map[string]interface{}{
			"group_key": p.groupKey,
			"line":      p.index,
			"error":     err.Error(),
		})
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
