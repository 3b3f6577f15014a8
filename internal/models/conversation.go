// internal/models/conversation.go
package models

import (
	"math"
	"sort"
	"strings"
	"time"
)

// GroupKeySeparator joins sorted participant IDs into a GroupKey.
const GroupKeySeparator = "_"

// Conversation phases emitted by the script authority.
const (
	PhaseGreeting          = "greeting"
	PhaseTopicIntroduction = "topic_introduction"
	PhaseDevelopment       = "development"
	PhaseConclusion        = "conclusion"
	PhaseFarewell          = "farewell"
)

// ConversationScript is one versioned dialogue for one group. It is never
// mutated after it has been fetched; a newer version replaces it wholesale.
type ConversationScript struct {
	ScriptID     string         `json:"scriptId"`
	Version      int            `json:"version"`
	Participants []string       `json:"participants,omitempty"`
	Topic        string         `json:"topic"`
	Location     string         `json:"location"`
	ContextHint  string         `json:"contextHint,omitempty"`
	Lines        []DialogueLine `json:"lines"`
	Timing       *ScriptTiming  `json:"timing,omitempty"`
	CreatedAt    *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
	GeneratedBy  string         `json:"generatedBy,omitempty"`
}

// DialogueLine is one utterance. Ordering comes from the slice position;
// LineNumber is informational.
type DialogueLine struct {
	SpeakerID   string `json:"agentId"`
	SpeakerName string `json:"agentName"`
	Message     string `json:"message"`
	Phase       string `json:"phase"`
	LineNumber  int    `json:"lineNumber"`
}

// TimingConfig controls playback pacing, in seconds.
type TimingConfig struct {
	MinDelaySeconds         float64 `json:"minDelaySeconds" yaml:"min_delay_seconds"`
	MaxDelaySeconds         float64 `json:"maxDelaySeconds" yaml:"max_delay_seconds"`
	PhaseChangePauseSeconds float64 `json:"phaseChangePauseSeconds" yaml:"phase_change_pause_seconds"`
	LoopDelaySeconds        float64 `json:"loopDelaySeconds" yaml:"loop_delay_seconds"`
}

// ScriptTiming is the timing block as sent by the authority. Any field may
// be left out; missing fields take the configured default.
type ScriptTiming struct {
	MinDelaySeconds         *float64 `json:"minDelaySeconds,omitempty"`
	MaxDelaySeconds         *float64 `json:"maxDelaySeconds,omitempty"`
	PhaseChangePauseSeconds *float64 `json:"phaseChangePauseSeconds,omitempty"`
	LoopDelaySeconds        *float64 `json:"loopDelaySeconds,omitempty"`
}

// Resolve fills the fields t leaves out from fallback.
func (t *ScriptTiming) Resolve(fallback TimingConfig) TimingConfig {
	if t == nil {
		return fallback
	}
	pick := func(v *float64, def float64) float64 {
		if v == nil {
			return def
		}
		return *v
	}
	return TimingConfig{
		MinDelaySeconds:         pick(t.MinDelaySeconds, fallback.MinDelaySeconds),
		MaxDelaySeconds:         pick(t.MaxDelaySeconds, fallback.MaxDelaySeconds),
		PhaseChangePauseSeconds: pick(t.PhaseChangePauseSeconds, fallback.PhaseChangePauseSeconds),
		LoopDelaySeconds:        pick(t.LoopDelaySeconds, fallback.LoopDelaySeconds),
	}
}

// ScriptTiming returns t with every field set explicitly.
func (t TimingConfig) ScriptTiming() *ScriptTiming {
	lo, hi, pause, loop := t.MinDelaySeconds, t.MaxDelaySeconds, t.PhaseChangePauseSeconds, t.LoopDelaySeconds
	return &ScriptTiming{
		MinDelaySeconds:         &lo,
		MaxDelaySeconds:         &hi,
		PhaseChangePauseSeconds: &pause,
		LoopDelaySeconds:        &loop,
	}
}

// ScriptMetadata is the authority's lightweight projection of a script,
// used to check for a newer version without downloading the lines.
type ScriptMetadata struct {
	ScriptID  string     `json:"scriptId"`
	GroupKey  string     `json:"groupHash"`
	Version   int        `json:"version"`
	Topic     string     `json:"topic,omitempty"`
	Location  string     `json:"location,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// DefaultTiming is used when neither the script nor the configuration supplies one.
func DefaultTiming() TimingConfig {
	return TimingConfig{
		MinDelaySeconds:         3,
		MaxDelaySeconds:         5,
		PhaseChangePauseSeconds: 2,
		LoopDelaySeconds:        30,
	}
}

// Normalized clamps negative and non-finite values to zero and orders min <= max.
func (t TimingConfig) Normalized() TimingConfig {
	clamp := func(v float64) float64 {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	out := TimingConfig{
		MinDelaySeconds:         clamp(t.MinDelaySeconds),
		MaxDelaySeconds:         clamp(t.MaxDelaySeconds),
		PhaseChangePauseSeconds: clamp(t.PhaseChangePauseSeconds),
		LoopDelaySeconds:        clamp(t.LoopDelaySeconds),
	}
	if out.MinDelaySeconds > out.MaxDelaySeconds {
		out.MinDelaySeconds, out.MaxDelaySeconds = out.MaxDelaySeconds, out.MinDelaySeconds
	}
	return out
}

// EffectiveTiming merges the script's timing over fallback, field by field.
func (s *ConversationScript) EffectiveTiming(fallback TimingConfig) TimingConfig {
	return s.Timing.Resolve(fallback).Normalized()
}

// TotalLines returns the number of lines in the script
func (s *ConversationScript) TotalLines() int {
	return len(s.Lines)
}

// ParticipantIDs returns the script's participants, falling back to the IDs encoded in groupKey.
func (s *ConversationScript) ParticipantIDs(groupKey string) []string {
	if len(s.Participants) > 0 {
		out := make([]string, len(s.Participants))
		copy(out, s.Participants)
		return out
	}
	return ParseGroupKey(groupKey)
}

// GroupKeyOf derives the order-independent key of a participant set.
// Blank IDs are dropped and duplicates collapse.
func GroupKeyOf(participantIDs []string) string {
	seen := make(map[string]struct{}, len(participantIDs))
	ids := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, GroupKeySeparator)
}

// ParseGroupKey splits a GroupKey back into its participant IDs.
func ParseGroupKey(groupKey string) []string {
	if groupKey == "" {
		return nil
	}
	return strings.Split(groupKey, GroupKeySeparator)
}
