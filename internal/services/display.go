// internal/services/display.go
package services

import "time"

// DisplayLine is one played line as handed to the presentation layer.
type DisplayLine struct {
	GroupKey    string    `json:"groupKey"`
	ScriptID    string    `json:"scriptId"`
	Version     int       `json:"version"`
	SpeakerID   string    `json:"speakerId"`
	SpeakerName string    `json:"speakerName"`
	Message     string    `json:"message"`
	Phase       string    `json:"phase"`
	LineNumber  int       `json:"lineNumber"`
	Loop        int       `json:"loop"`
	Timestamp   time.Time `json:"timestamp"`
}

// DisplaySink renders played lines. It is only ever called from the
// executor goroutine and must not call back into the player that invoked it.
type DisplaySink interface {
	Display(line DisplayLine) error
}

// DisplaySinkFunc adapts a function to DisplaySink
type DisplaySinkFunc func(line DisplayLine) error

// Display implements DisplaySink
func (f DisplaySinkFunc) Display(line DisplayLine) error { return f(line) }

// MultiSink fans a line out to several sinks. Every sink is called; the
// first error is returned.
type MultiSink []DisplaySink

// Display implements DisplaySink
func (m MultiSink) Display(line DisplayLine) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Display(line); err != nil && first == nil {
			first = err
		}
	}
	return first
}
