package guildkit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gorm.io/gorm"
)

const configFileSuffix = ".json"

// dirEntry pairs a loaded config with the mutex serializing its
// read-modify-write cycles. Entries for different IDs never share a lock,
// so operations on distinct guilds proceed independently.
//
// The cfg pointer is guarded by the owning directory's mu; it's nil while
// the entry is a placeholder whose config is still being created. mu is
// held across full update cycles, including storage I/O.
type dirEntry struct {
	mu  sync.Mutex
	cfg Config
}

// ConfigDirectory owns a collection of configs keyed by ID - one per
// guild, in the usual case. File-backed directories keep one "<id>.json"
// file per config under a root directory; database-backed directories keep
// one row per config.
//
// Configs are created lazily via EnsureExists and persist until explicitly
// removed from storage. Mutations should go through Update, which
// serializes read-modify-write cycles per ID and persists write-through.
type ConfigDirectory struct {
	path          string
	name          string
	fileBacked    bool
	template      *Template
	nameTemplates map[string]*Template
	logger        *slog.Logger

	newBackend func(id string) Backend
	listIDs    func() ([]string, error)

	mu      sync.RWMutex
	entries map[string]*dirEntry
}

// NewConfigDirectory returns a file-backed config directory rooted at
// path. The template, if non-nil, is applied to every config on load and
// creation.
func NewConfigDirectory(
	path string,
	template *Template,
	logger *slog.Logger,
) *ConfigDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &ConfigDirectory{
		path:          path,
		name:          filepath.Base(path),
		fileBacked:    true,
		template:      template,
		nameTemplates: map[string]*Template{},
		logger:        logger.With(loggerNameKey, "config_directory"),
		entries:       map[string]*dirEntry{},
	}
	d.newBackend = func(id string) Backend {
		return NewJSONBackend(d.configPath(id), false)
	}
	d.listIDs = d.listFileIDs
	return d
}

// NewDatabaseConfigDirectory returns a config directory persisted as
// StoredConfig rows under the given directory name.
func NewDatabaseConfigDirectory(
	db *gorm.DB,
	name string,
	template *Template,
	logger *slog.Logger,
) *ConfigDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &ConfigDirectory{
		name:          name,
		template:      template,
		nameTemplates: map[string]*Template{},
		logger:        logger.With(loggerNameKey, "config_directory"),
		entries:       map[string]*dirEntry{},
	}
	d.newBackend = func(id string) Backend {
		return NewDatabaseBackend(db, name, id)
	}
	d.listIDs = func() ([]string, error) {
		var ids []string
		rv := db.Model(&StoredConfig{}).
			Where("directory = ?", name).
			Pluck("name", &ids)
		if rv.Error != nil {
			return nil, &PersistenceError{
				Op:   "read",
				Name: name,
				Err:  rv.Error,
			}
		}
		return ids, nil
	}
	return d
}

// Name returns the directory's name (the base of its path, for file-backed
// directories).
func (d *ConfigDirectory) Name() string {
	return d.name
}

// SetNameTemplate sets a template applied only to the config with the
// given ID, overriding the directory-wide template.
func (d *ConfigDirectory) SetNameTemplate(id string, t *Template) {
	d.mu.Lock()
	d.nameTemplates[id] = t
	d.mu.Unlock()
}

func (d *ConfigDirectory) templateFor(id string) *Template {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if t, ok := d.nameTemplates[id]; ok {
		return t
	}
	return d.template
}

func (d *ConfigDirectory) configPath(id string) string {
	return filepath.Join(d.path, id+configFileSuffix)
}

func (d *ConfigDirectory) listFileIDs() ([]string, error) {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return nil, &PersistenceError{Op: "read", Name: d.path, Err: err}
	}

	dirEntries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Name: d.path, Err: err}
	}

	ids := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), configFileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), configFileSuffix))
	}
	return ids, nil
}

// Load reads every config in the directory, creating the root directory
// if it doesn't exist yet. Previously loaded entries are discarded.
func (d *ConfigDirectory) Load() error {
	ids, err := d.listIDs()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.entries = map[string]*dirEntry{}
	d.mu.Unlock()

	for _, id := range ids {
		if _, err = d.loadConfig(id); err != nil {
			return err
		}
	}

	d.logger.Debug(
		"config directory loaded",
		"name", d.name,
		"configs", len(ids),
	)
	return nil
}

func (d *ConfigDirectory) loadConfig(id string) (Config, error) {
	cfg := NewBaseConfig(d.newBackend(id))
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := d.templateFor(id).Apply(cfg); err != nil {
		return nil, fmt.Errorf("applying template to %q: %w", id, err)
	}

	d.mu.Lock()
	d.entries[id] = &dirEntry{cfg: cfg}
	d.mu.Unlock()
	return cfg, nil
}

// getOrInsertEntry returns the entry for the given ID, inserting a
// placeholder if none exists. Exactly one entry (and so one mutex) ever
// exists per ID, no matter how many goroutines race on first access.
func (d *ConfigDirectory) getOrInsertEntry(id string) *dirEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[id]
	if !ok {
		e = &dirEntry{}
		d.entries[id] = e
	}
	return e
}

func (d *ConfigDirectory) entryConfig(e *dirEntry) Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return e.cfg
}

func (d *ConfigDirectory) setEntryConfig(e *dirEntry, cfg Config) {
	d.mu.Lock()
	e.cfg = cfg
	d.mu.Unlock()
}

// dropEmptyEntry removes a placeholder entry whose config was never
// created, so a later attempt starts fresh.
func (d *ConfigDirectory) dropEmptyEntry(id string, e *dirEntry) {
	d.mu.Lock()
	if cur, ok := d.entries[id]; ok && cur == e && cur.cfg == nil {
		delete(d.entries, id)
	}
	d.mu.Unlock()
}

// buildConfig creates, templates and persists a fresh config for the
// given ID. Callers must hold the ID's entry lock.
func (d *ConfigDirectory) buildConfig(id string) (Config, error) {
	cfg := NewBaseConfig(d.newBackend(id))
	if err := d.templateFor(id).Apply(cfg); err != nil {
		return nil, fmt.Errorf("applying template to %q: %w", id, err)
	}
	if err := cfg.Write(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the loaded config for the given ID, or ErrConfigNotFound.
func (d *ConfigDirectory) Get(id string) (Config, error) {
	d.mu.RLock()
	e, ok := d.entries[id]
	var cfg Config
	if ok {
		cfg = e.cfg
	}
	d.mu.RUnlock()

	if cfg == nil {
		return nil, fmt.Errorf("%q: %w", id, ErrConfigNotFound)
	}
	return cfg, nil
}

// Has reports whether a config is loaded for the given ID.
func (d *ConfigDirectory) Has(id string) bool {
	_, err := d.Get(id)
	return err == nil
}

// IDs returns the loaded config IDs, sorted.
func (d *ConfigDirectory) IDs() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.entries))
	for id, e := range d.entries {
		if e.cfg == nil {
			continue
		}
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of loaded configs.
func (d *ConfigDirectory) Len() int {
	return len(d.IDs())
}

// Create creates a new config for the given ID, overwriting any existing
// one, applies its template, and persists it.
func (d *ConfigDirectory) Create(id string) (Config, error) {
	e := d.getOrInsertEntry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := d.buildConfig(id)
	if err != nil {
		d.dropEmptyEntry(id, e)
		return nil, err
	}
	d.setEntryConfig(e, cfg)

	d.logger.Info("created config", "directory", d.name, "id", id)
	return cfg, nil
}

// EnsureExists returns the config for the given ID, creating it first if
// it doesn't exist. Concurrent calls for the same ID share one entry:
// only one of them creates, the rest get the same config back.
func (d *ConfigDirectory) EnsureExists(id string) (Config, error) {
	e := d.getOrInsertEntry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg := d.entryConfig(e); cfg != nil {
		return cfg, nil
	}

	cfg, err := d.buildConfig(id)
	if err != nil {
		d.dropEmptyEntry(id, e)
		return nil, err
	}
	d.setEntryConfig(e, cfg)

	d.logger.Info("created config", "directory", d.name, "id", id)
	return cfg, nil
}

// Update runs fn against the config for the given ID and persists the
// result, creating the config first if needed. Calls for the same ID are
// serialized, first access included; calls for distinct IDs don't block
// each other. If the persist fails, in-memory state is rolled back to the
// last committed contents and the storage error is returned.
func (d *ConfigDirectory) Update(id string, fn func(cfg Config) error) error {
	e := d.getOrInsertEntry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := d.entryConfig(e)
	if cfg == nil {
		created, err := d.buildConfig(id)
		if err != nil {
			d.dropEmptyEntry(id, e)
			return err
		}
		d.setEntryConfig(e, created)
		cfg = created
	}

	if err := fn(cfg); err != nil {
		return err
	}

	if err := cfg.Write(); err != nil {
		if loadErr := cfg.Load(); loadErr != nil {
			return errors.Join(err, loadErr)
		}
		return err
	}
	return nil
}

// WriteAll persists every loaded config.
func (d *ConfigDirectory) WriteAll() error {
	for _, id := range d.IDs() {
		e := d.getOrInsertEntry(id)
		cfg := d.entryConfig(e)
		if cfg == nil {
			continue
		}
		e.mu.Lock()
		err := cfg.Write()
		e.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Backup copies the directory's config files into
// parentDir/<name>.backup, replacing any previous backup. Only supported
// for file-backed directories.
func (d *ConfigDirectory) Backup(parentDir string) error {
	if !d.fileBacked {
		return &PersistenceError{
			Op:   "backup",
			Name: d.name,
			Err:  errors.New("backup requires a file-backed directory"),
		}
	}

	dest := filepath.Join(parentDir, d.name+".backup")
	if err := os.RemoveAll(dest); err != nil {
		return &PersistenceError{Op: "backup", Name: dest, Err: err}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return &PersistenceError{Op: "backup", Name: dest, Err: err}
	}

	err := filepath.WalkDir(
		d.path,
		func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() || !strings.HasSuffix(path, configFileSuffix) {
				return nil
			}
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return readErr
			}
			return os.WriteFile(
				filepath.Join(dest, filepath.Base(path)),
				data,
				0o644,
			)
		},
	)
	if err != nil {
		return &PersistenceError{Op: "backup", Name: dest, Err: err}
	}

	d.logger.Info("config directory backed up", "from", d.path, "to", dest)
	return nil
}

// Watch reloads configs whose backing files change on disk, until ctx is
// done. Intended for deployments where config files are edited by hand or
// by another process. Writes made through this directory also trigger a
// (harmless) reload. Only supported for file-backed directories.
func (d *ConfigDirectory) Watch(ctx context.Context) error {
	if !d.fileBacked {
		return errors.New("watch requires a file-backed directory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err = watcher.Add(d.path); err != nil {
		return err
	}
	d.logger.Info("watching config directory", "path", d.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(event.Name, configFileSuffix) {
				continue
			}
			id := strings.TrimSuffix(
				filepath.Base(event.Name),
				configFileSuffix,
			)
			d.mu.RLock()
			e, loaded := d.entries[id]
			d.mu.RUnlock()
			if !loaded {
				continue
			}
			e.mu.Lock()
			cfg := d.entryConfig(e)
			var reloadErr error
			if cfg != nil {
				reloadErr = cfg.Load()
			}
			e.mu.Unlock()
			if reloadErr != nil {
				d.logger.Error(
					"config reload failed",
					"id", id,
					"error", reloadErr,
				)
			} else {
				d.logger.Debug("config reloaded", "id", id)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("config watcher error", "error", watchErr)
		}
	}
}
