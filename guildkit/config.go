package guildkit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConfigPathSeparator separates keys in a config path ("foo/bar/baz").
const ConfigPathSeparator = "/"

// ParsePath splits a config path into its keys. Empty segments are
// dropped, so "/foo/bar/" and "foo//bar" both parse to ["foo", "bar"].
func ParsePath(path string) []string {
	return strings.FieldsFunc(
		path,
		func(r rune) bool { return r == '/' },
	)
}

// BuildPath joins a sequence of keys into a config path.
func BuildPath(keys ...string) string {
	return strings.Join(keys, ConfigPathSeparator)
}

func emptyPathError(path string) *PathError {
	return &PathError{
		Path:   path,
		Reason: "does not reference anything, empty config names are not allowed",
	}
}

// deepCopyValue copies a config value. Maps and slices are copied
// recursively, scalars are returned as-is.
func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// Config is a hierarchical, string-keyed configuration object. Values are
// addressed by slash-separated paths ("foo/bar/baz"), and are expected to
// be JSON-representable: string, bool, float64, []any or map[string]any.
//
// Changes are kept in memory until Write persists them, or Load discards
// them by re-reading from the backing store. Higher-level components
// (ConfigDirectory, Kit) layer write-through persistence on top.
type Config interface {
	// Get returns the value at the given path. A missing final key
	// fails with ErrKeyNotFound; a path that can't be traversed fails
	// with *PathError.
	Get(path string) (any, error)

	// Set stores a value at the given path, creating intermediate maps
	// as needed.
	Set(path string, value any) error

	// Delete removes the value at the given path.
	Delete(path string) error

	// Has reports whether a value exists at the given path.
	Has(path string) bool

	// Sub returns a config scoped to the given path. If ensureExists is
	// true, missing nodes are created; otherwise a missing namespace
	// fails with ErrNamespaceNotFound.
	Sub(path string, ensureExists bool) (Config, error)

	// Root returns the underlying data for direct access. The returned
	// map is live: it is not a copy, and is not safe for concurrent use
	// with other config operations.
	Root() map[string]any

	// Snapshot returns a deep copy of the config data, safe to use
	// concurrently with other operations.
	Snapshot() map[string]any

	// Keys returns the top-level keys, sorted.
	Keys() []string

	// Len returns the number of top-level keys.
	Len() int

	// Write persists the current contents to the backing store.
	Write() error

	// Load discards in-memory changes and re-reads the backing store.
	Load() error
}

// BaseConfig is the standard Config implementation. Persistence is
// deferred to a Backend; everything else is implemented here.
//
// All operations are safe for concurrent use. Note that read-modify-write
// sequences spanning multiple calls still need external serialization -
// ConfigDirectory.Update provides that per guild.
type BaseConfig struct {
	backend Backend
	mu      sync.RWMutex
	data    map[string]any
}

var _ Config = (*BaseConfig)(nil)

// NewBaseConfig returns an empty config persisted through the given
// backend.
func NewBaseConfig(backend Backend) *BaseConfig {
	return &BaseConfig{
		backend: backend,
		data:    map[string]any{},
	}
}

// subdata traverses the config tree and returns the map the given keys
// point at. If create is true, missing nodes are created along the way.
// Callers must hold c.mu.
func (c *BaseConfig) subdata(
	fullPath string,
	keys []string,
	create bool,
) (map[string]any, error) {
	node := c.data
	traversed := make([]string, 0, len(keys))

	for _, key := range keys {
		traversed = append(traversed, key)

		next, ok := node[key]
		if !ok {
			if !create {
				return nil, &PathError{
					Path:    fullPath,
					At:      BuildPath(traversed...),
					Reason:  "does not exist",
					Missing: true,
				}
			}
			created := map[string]any{}
			node[key] = created
			node = created
			continue
		}

		nextMap, ok := next.(map[string]any)
		if !ok {
			return nil, &PathError{
				Path:   fullPath,
				At:     BuildPath(traversed...),
				Reason: "is not a mapping",
			}
		}
		node = nextMap
	}

	return node, nil
}

// subdataAndKey resolves a path to its parent map and final key. Callers
// must hold c.mu.
func (c *BaseConfig) subdataAndKey(
	path string,
	create bool,
) (map[string]any, string, error) {
	keys := ParsePath(path)
	if len(keys) == 0 {
		return nil, "", emptyPathError(path)
	}

	if len(keys) == 1 {
		return c.data, keys[0], nil
	}

	parent, err := c.subdata(path, keys[:len(keys)-1], create)
	if err != nil {
		return nil, "", err
	}
	return parent, keys[len(keys)-1], nil
}

func (c *BaseConfig) Get(path string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	parent, key, err := c.subdataAndKey(path, false)
	if err != nil {
		return nil, err
	}

	value, ok := parent[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, ErrKeyNotFound)
	}
	return value, nil
}

func (c *BaseConfig) Set(path string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, key, err := c.subdataAndKey(path, true)
	if err != nil {
		return err
	}

	parent[key] = value
	return nil
}

func (c *BaseConfig) Delete(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, key, err := c.subdataAndKey(path, false)
	if err != nil {
		return err
	}

	if _, ok := parent[key]; !ok {
		return fmt.Errorf("%q: %w", path, ErrKeyNotFound)
	}
	delete(parent, key)
	return nil
}

func (c *BaseConfig) Has(path string) bool {
	_, err := c.Get(path)
	return err == nil
}

func (c *BaseConfig) Sub(path string, ensureExists bool) (Config, error) {
	keys := ParsePath(path)
	if len(keys) == 0 {
		return nil, emptyPathError(path)
	}

	c.mu.Lock()
	_, err := c.subdata(path, keys, ensureExists)
	c.mu.Unlock()

	if err != nil {
		var pathErr *PathError
		if !ensureExists && errors.As(err, &pathErr) && pathErr.Missing {
			return nil, fmt.Errorf("%q: %w", path, ErrNamespaceNotFound)
		}
		return nil, err
	}

	return &SubConfig{parent: c, path: BuildPath(keys...)}, nil
}

func (c *BaseConfig) Root() map[string]any {
	return c.data
}

func (c *BaseConfig) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyValue(c.data).(map[string]any)
}

func (c *BaseConfig) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *BaseConfig) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *BaseConfig) Write() error {
	snapshot := c.Snapshot()
	return c.backend.Write(snapshot)
}

func (c *BaseConfig) Load() error {
	data, err := c.backend.Read()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
	return nil
}

// SubConfig is a view over a parent Config, scoped to a path. It's
// constructed by Config.Sub, which validates the path first.
type SubConfig struct {
	parent Config
	path   string
}

var _ Config = (*SubConfig)(nil)

// Path returns the path this config is scoped to, relative to its parent.
func (s *SubConfig) Path() string {
	return s.path
}

func (s *SubConfig) truePath(path string) (string, error) {
	keys := ParsePath(path)
	if len(keys) == 0 {
		return "", emptyPathError(path)
	}
	return BuildPath(append([]string{s.path}, keys...)...), nil
}

func (s *SubConfig) Get(path string) (any, error) {
	p, err := s.truePath(path)
	if err != nil {
		return nil, err
	}
	return s.parent.Get(p)
}

func (s *SubConfig) Set(path string, value any) error {
	p, err := s.truePath(path)
	if err != nil {
		return err
	}
	return s.parent.Set(p, value)
}

func (s *SubConfig) Delete(path string) error {
	p, err := s.truePath(path)
	if err != nil {
		return err
	}
	return s.parent.Delete(p)
}

func (s *SubConfig) Has(path string) bool {
	p, err := s.truePath(path)
	if err != nil {
		return false
	}
	return s.parent.Has(p)
}

func (s *SubConfig) Sub(path string, ensureExists bool) (Config, error) {
	p, err := s.truePath(path)
	if err != nil {
		return nil, err
	}
	return s.parent.Sub(p, ensureExists)
}

func (s *SubConfig) Root() map[string]any {
	v, err := s.parent.Get(s.path)
	if err != nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

func (s *SubConfig) Snapshot() map[string]any {
	snapshot := s.parent.Snapshot()
	node := snapshot
	for _, key := range ParsePath(s.path) {
		next, ok := node[key].(map[string]any)
		if !ok {
			return map[string]any{}
		}
		node = next
	}
	return node
}

func (s *SubConfig) Keys() []string {
	root := s.Snapshot()
	keys := make([]string, 0, len(root))
	for k := range root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *SubConfig) Len() int {
	return len(s.Snapshot())
}

func (s *SubConfig) Write() error {
	return s.parent.Write()
}

func (s *SubConfig) Load() error {
	return s.parent.Load()
}
