// internal/services/playback_log.go
package services

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// PlaybackLog appends every displayed line to hourly zstd-compressed JSONL
// files. It is a DisplaySink so it can sit next to the real presentation sink.
type PlaybackLog struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	now     func() time.Time
}

// NewPlaybackLog writes under baseDir; files are named <prefix>-<hour>.jsonl.zst.
func NewPlaybackLog(baseDir, prefix string) *PlaybackLog {
	if prefix == "" {
		prefix = "playback"
	}
	return &PlaybackLog{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// Display implements DisplaySink
func (l *PlaybackLog) Display(line DisplayLine) error {
	return l.Write(line)
}

// Write appends v as one JSON line
func (l *PlaybackLog) Write(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hour := l.now().UTC().Format("2006-01-02-15")
	if hour != l.curHour {
		if err := l.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes the encoder and closes the current file
func (l *PlaybackLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

// PathForHour returns the file used for hour (formatted 2006-01-02-15)
func (l *PlaybackLog) PathForHour(hour string) string {
	return filepath.Join(l.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", l.prefix, hour))
}

func (l *PlaybackLog) rotateLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.PathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 64*1024)
	l.curHour = hour
	return nil
}

func (l *PlaybackLog) closeLocked() error {
	var err error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		err = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	l.curHour = ""
	return err
}
