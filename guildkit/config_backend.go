package guildkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Backend implements the persistence half of a BaseConfig.
type Backend interface {
	// Read loads the full config contents from storage.
	Read() (map[string]any, error)

	// Write replaces the full config contents in storage.
	Write(data map[string]any) error
}

// NullBackend discards writes and reads an empty map. Mainly for testing.
type NullBackend struct{}

var _ Backend = NullBackend{}

func (NullBackend) Read() (map[string]any, error) {
	return map[string]any{}, nil
}

func (NullBackend) Write(map[string]any) error {
	return nil
}

// MemoryBackend stores config data in memory. All data is lost when the
// process exits. Mainly for testing read/write behavior.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]any
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[string]any{}}
}

func (m *MemoryBackend) Read() (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deepCopyValue(m.data).(map[string]any), nil
}

func (m *MemoryBackend) Write(data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = deepCopyValue(data).(map[string]any)
	return nil
}

// Data returns the stored data without copying.
func (m *MemoryBackend) Data() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// JSONBackend persists config data to a single human-readable JSON file.
// Writes replace the file atomically, so a failed write never leaves a
// partially written config behind.
//
// If checkModTime is enabled, a write is refused with
// ErrConfigFileConflict when the file was modified after this backend last
// read or wrote it (for example, edited by hand while the bot is running).
type JSONBackend struct {
	path         string
	checkModTime bool

	mu       sync.Mutex
	lastSync time.Time
}

var _ Backend = (*JSONBackend)(nil)

func NewJSONBackend(path string, checkModTime bool) *JSONBackend {
	return &JSONBackend{path: path, checkModTime: checkModTime}
}

// Path returns the file this backend reads and writes.
func (b *JSONBackend) Path() string {
	return b.path
}

func (b *JSONBackend) Write(data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(data)
}

func (b *JSONBackend) write(data map[string]any) error {
	if b.checkModTime {
		info, err := os.Stat(b.path)
		if err == nil && info.ModTime().After(b.lastSync) {
			return &PersistenceError{
				Op:   "write",
				Name: b.path,
				Err:  ErrConfigFileConflict,
			}
		}
	}

	encoded, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return &PersistenceError{Op: "write", Name: b.path, Err: err}
	}

	if err = renameio.WriteFile(b.path, encoded, 0o644); err != nil {
		return &PersistenceError{Op: "write", Name: b.path, Err: err}
	}

	b.lastSync = time.Now()
	return nil
}

func (b *JSONBackend) Read() (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, &PersistenceError{
				Op:   "read",
				Name: b.path,
				Err:  err,
			}
		}
		// Missing file: create an empty config store.
		if writeErr := b.write(map[string]any{}); writeErr != nil {
			return nil, writeErr
		}
		return map[string]any{}, nil
	}

	data := map[string]any{}
	if err = json.Unmarshal(raw, &data); err != nil {
		return nil, &PersistenceError{Op: "read", Name: b.path, Err: err}
	}

	b.lastSync = time.Now()
	return data, nil
}

// StoredConfig is the database row backing a DatabaseBackend, one row per
// (directory, name) pair, with the config serialized as JSON.
type StoredConfig struct {
	Directory string `gorm:"primaryKey" json:"directory"`
	Name      string `gorm:"primaryKey" json:"name"`
	Data      string `gorm:"type:text" json:"data"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// DatabaseBackend persists config data as a JSON blob in a database row,
// keyed by a directory name and config name. Useful for deployments that
// already have a database and don't want loose JSON files.
type DatabaseBackend struct {
	db        *gorm.DB
	directory string
	name      string
}

var _ Backend = (*DatabaseBackend)(nil)

func NewDatabaseBackend(
	db *gorm.DB,
	directory string,
	name string,
) *DatabaseBackend {
	return &DatabaseBackend{db: db, directory: directory, name: name}
}

func (b *DatabaseBackend) key() string {
	return fmt.Sprintf("%s/%s", b.directory, b.name)
}

func (b *DatabaseBackend) Read() (map[string]any, error) {
	var row StoredConfig
	rv := b.db.Where(
		"directory = ? AND name = ?",
		b.directory,
		b.name,
	).First(&row)

	if rv.Error != nil {
		if errors.Is(rv.Error, gorm.ErrRecordNotFound) {
			return map[string]any{}, nil
		}
		return nil, &PersistenceError{
			Op:   "read",
			Name: b.key(),
			Err:  rv.Error,
		}
	}

	data := map[string]any{}
	if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
		return nil, &PersistenceError{Op: "read", Name: b.key(), Err: err}
	}
	return data, nil
}

func (b *DatabaseBackend) Write(data map[string]any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return &PersistenceError{Op: "write", Name: b.key(), Err: err}
	}

	row := StoredConfig{
		Directory: b.directory,
		Name:      b.name,
		Data:      string(encoded),
	}
	rv := b.db.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "directory"},
				{Name: "name"},
			},
			DoUpdates: clause.AssignmentColumns(
				[]string{"data", "updated_at"},
			),
		},
	).Create(&row)

	if rv.Error != nil {
		return &PersistenceError{
			Op:   "write",
			Name: b.key(),
			Err:  rv.Error,
		}
	}
	return nil
}
