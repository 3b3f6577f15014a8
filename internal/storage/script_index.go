// internal/storage/script_index.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/models"
)

// ScriptVersionRow is one stored script version as recorded in the index.
type ScriptVersionRow struct {
	GroupKey    string    `json:"groupKey"`
	ScriptID    string    `json:"scriptId"`
	Version     int       `json:"version"`
	Topic       string    `json:"topic"`
	Lines       int       `json:"lines"`
	GeneratedBy string    `json:"generatedBy,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
}

// ScriptIndex is a secondary SQLite index of every script version put into
// the cache. Writes are queued and applied by a single writer goroutine; the
// JSON records stay the source of truth, so a full queue drops rows.
type ScriptIndex struct {
	db *sql.DB

	// mu orders RecordPut sends against Close closing ch
	mu   sync.RWMutex
	ch   chan ScriptVersionRow
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Int64
}

// OpenScriptIndex opens (creating if needed) the index database at path.
func OpenScriptIndex(path string) (*ScriptIndex, error) {
	if path == "" {
		return nil, apperrors.NewValidationError("empty index path", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.NewStorageError("failed to create index directory", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to open index", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initIndexPragmas(db); err != nil {
		_ = db.Close()
		return nil, apperrors.NewStorageError("failed to configure index", err)
	}
	if err := initIndexSchema(db); err != nil {
		_ = db.Close()
		return nil, apperrors.NewStorageError("failed to create index schema", err)
	}

	s := &ScriptIndex{
		db: db,
		ch: make(chan ScriptVersionRow, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initIndexPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initIndexSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS script_versions (
			group_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			script_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			lines INTEGER NOT NULL,
			generated_by TEXT NOT NULL,
			stored_at TEXT NOT NULL,
			PRIMARY KEY (group_key, version, script_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_script_versions_stored ON script_versions(stored_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// RecordPut queues a row for script stored under groupKey. It never blocks.
func (s *ScriptIndex) RecordPut(groupKey string, script *models.ConversationScript) {
	if s == nil || script == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return
	}
	row := ScriptVersionRow{
		GroupKey:    groupKey,
		ScriptID:    script.ScriptID,
		Version:     script.Version,
		Topic:       script.Topic,
		Lines:       len(script.Lines),
		GeneratedBy: script.GeneratedBy,
		StoredAt:    time.Now().UTC(),
	}
	select {
	case s.ch <- row:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many rows were discarded because the writer fell behind.
func (s *ScriptIndex) Dropped() int64 {
	return s.dropped.Load()
}

func (s *ScriptIndex) loop() {
	ctx := context.Background()
	insert, err := s.db.PrepareContext(ctx, `INSERT OR REPLACE INTO script_versions(group_key,version,script_id,topic,lines,generated_by,stored_at) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		// drain so producers never observe a stuck channel
		for range s.ch {
			s.dropped.Add(1)
		}
		return
	}
	defer insert.Close()

	for row := range s.ch {
		if _, err := insert.ExecContext(ctx,
			row.GroupKey, row.Version, row.ScriptID, row.Topic, row.Lines, row.GeneratedBy,
			row.StoredAt.Format(time.RFC3339Nano)); err != nil {
			s.dropped.Add(1)
		}
	}
}

// History returns the recorded versions of groupKey, newest first.
func (s *ScriptIndex) History(ctx context.Context, groupKey string, limit int) ([]ScriptVersionRow, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_key,version,script_id,topic,lines,generated_by,stored_at
		   FROM script_versions WHERE group_key=? ORDER BY version DESC, stored_at DESC LIMIT ?`,
		groupKey, limit)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to query script history", err)
	}
	defer rows.Close()

	var out []ScriptVersionRow
	for rows.Next() {
		var (
			r        ScriptVersionRow
			storedAt string
		)
		if err := rows.Scan(&r.GroupKey, &r.Version, &r.ScriptID, &r.Topic, &r.Lines, &r.GeneratedBy, &storedAt); err != nil {
			return nil, apperrors.NewStorageError("failed to scan script history", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, storedAt); err == nil {
			r.StoredAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("failed to read script history", err)
	}
	return out, nil
}

// Close flushes queued rows and closes the database.
func (s *ScriptIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		if cerr := s.db.Close(); cerr != nil {
			err = fmt.Errorf("close script index: %w", cerr)
		}
	})
	return err
}
