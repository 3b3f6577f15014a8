// internal/storage/file_storage.go
package storage

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// RecordExt is the extension of every keyed JSON record.
const RecordExt = ".json"

// FileStorage stores one JSON record per key under BaseDir.
type FileStorage struct {
	BaseDir string

	// path -> *sync.RWMutex
	fileLocks sync.Map
}

// NewFileStorage creates the base directory if needed
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, apperrors.NewStorageError("failed to create storage directory", err)
	}
	return &FileStorage{BaseDir: baseDir}, nil
}

// RecordName encodes an arbitrary key into a filesystem-safe, reversible file name.
func RecordName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + RecordExt
}

// KeyFromRecordName reverses RecordName. ok is false for files that are not records.
func KeyFromRecordName(name string) (string, bool) {
	if !strings.HasSuffix(name, RecordExt) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, RecordExt))
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

// PathFor returns the absolute-or-relative path of key's record
func (fs *FileStorage) PathFor(key string) string {
	return filepath.Join(fs.BaseDir, RecordName(key))
}

func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// SaveRecord writes content for key, atomically replacing any previous record.
func (fs *FileStorage) SaveRecord(key string, content []byte) error {
	fullPath := fs.PathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(fs.BaseDir, 0755); err != nil {
		return apperrors.NewStorageError("failed to create storage directory", err)
	}

	tmp, err := os.CreateTemp(fs.BaseDir, RecordName(key)+".*.tmp")
	if err != nil {
		return apperrors.NewStorageError("failed to create temp file", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return apperrors.NewStorageError("failed to write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return apperrors.NewStorageError("failed to sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return apperrors.NewStorageError("failed to close temp file", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			utils.GetLogger().Warn("failed to clean up temp file after rename failure", map[string]interface{}{
				"temp_path": tempPath,
				"error":     removeErr.Error(),
			})
		}
		return apperrors.NewStorageError("failed to replace record", err)
	}
	return nil
}

// SaveJSON marshals v and stores it under key
func (fs *FileStorage) SaveJSON(key string, v interface{}) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.NewStorageError("failed to encode record", err)
	}
	return fs.SaveRecord(key, content)
}

// LoadRecord reads key's record. A missing record is reported as a not-found error.
func (fs *FileStorage) LoadRecord(key string) ([]byte, error) {
	fullPath := fs.PathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("record not found: "+key, err)
		}
		return nil, apperrors.NewStorageError("failed to read record", err)
	}
	return content, nil
}

// LoadJSON reads key's record into v
func (fs *FileStorage) LoadJSON(key string, v interface{}) error {
	content, err := fs.LoadRecord(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return apperrors.NewStorageError("corrupt record: "+key, err)
	}
	return nil
}

// Exists reports whether key has a record
func (fs *FileStorage) Exists(key string) bool {
	_, err := os.Stat(fs.PathFor(key))
	return err == nil
}

// DeleteRecord removes key's record; deleting a missing record is not an error.
func (fs *FileStorage) DeleteRecord(key string) error {
	fullPath := fs.PathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return apperrors.NewStorageError("failed to delete record", err)
	}
	return nil
}

// ListKeys returns every stored key, sorted.
func (fs *FileStorage) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(fs.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewStorageError("failed to list records", err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := KeyFromRecordName(entry.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
