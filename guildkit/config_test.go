package guildkit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, ParsePath("a/b/c"))
	assert.Equal(t, []string{"a", "b", "c"}, ParsePath("///a//b/////c//"))
	assert.Equal(t, []string{"a"}, ParsePath("a"))
	assert.Empty(t, ParsePath(""))
	assert.Empty(t, ParsePath("///"))
}

func TestConfigSetGet(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())

	require.NoError(t, cfg.Set("foo", "bar"))
	v, err := cfg.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", v)

	require.NoError(t, cfg.Set("a/b/c", float64(42)))
	v, err = cfg.Get("a/b/c")
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	// Intermediate nodes were created as maps.
	v, err = cfg.Get("a/b")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": float64(42)}, v)
}

func TestConfigGetMissingKey(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, cfg.Set("a/b", "x"))

	// Missing final key, existing parent.
	_, err := cfg.Get("a/missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Missing intermediate node.
	_, err = cfg.Get("nope/missing")
	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.True(t, pathErr.Missing)
	assert.Equal(t, "nope", pathErr.At)
}

func TestConfigEmptyPath(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())

	var pathErr *PathError
	_, err := cfg.Get("")
	assert.ErrorAs(t, err, &pathErr)

	err = cfg.Set("///", 1)
	assert.ErrorAs(t, err, &pathErr)
}

func TestConfigPathCollision(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, cfg.Set("a/b", "leaf"))

	// "a/b" holds a string, so it can't be traversed.
	err := cfg.Set("a/b/c", 1)
	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.False(t, pathErr.Missing)
	assert.Equal(t, "a/b", pathErr.At)

	_, err = cfg.Get("a/b/c")
	assert.ErrorAs(t, err, &pathErr)
}

func TestConfigDelete(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, cfg.Set("a/b", "x"))

	require.NoError(t, cfg.Delete("a/b"))
	_, err := cfg.Get("a/b")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting again fails.
	assert.ErrorIs(t, cfg.Delete("a/b"), ErrKeyNotFound)
}

func TestConfigHas(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, cfg.Set("a/b", "x"))

	assert.True(t, cfg.Has("a/b"))
	assert.True(t, cfg.Has("a"))
	assert.False(t, cfg.Has("a/c"))
	assert.False(t, cfg.Has("z"))
}

func TestConfigKeysLen(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, cfg.Set("b", 1))
	require.NoError(t, cfg.Set("a", 2))
	require.NoError(t, cfg.Set("c/d", 3))

	assert.Equal(t, []string{"a", "b", "c"}, cfg.Keys())
	assert.Equal(t, 3, cfg.Len())
}

func TestSubConfig(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())

	sub, err := cfg.Sub("mymodule", true)
	require.NoError(t, err)

	require.NoError(t, sub.Set("option", "value"))

	// Visible from the parent under the full path.
	v, err := cfg.Get("mymodule/option")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	// And from the sub directly.
	v, err = sub.Get("option")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	// Nested subs compose paths.
	nested, err := sub.Sub("deeper", true)
	require.NoError(t, err)
	require.NoError(t, nested.Set("k", true))
	v, err = cfg.Get("mymodule/deeper/k")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestSubConfigStrict(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())

	_, err := cfg.Sub("never_created", false)
	assert.ErrorIs(t, err, ErrNamespaceNotFound)

	// A collision is reported as a path error, not a missing namespace.
	require.NoError(t, cfg.Set("leaf", "x"))
	_, err = cfg.Sub("leaf/sub", false)
	var pathErr *PathError
	assert.ErrorAs(t, err, &pathErr)
	assert.False(t, errors.Is(err, ErrNamespaceNotFound))
}

func TestSubConfigPath(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())
	sub, err := cfg.Sub("a/b", true)
	require.NoError(t, err)

	sc, ok := sub.(*SubConfig)
	require.True(t, ok)
	assert.Equal(t, "a/b", sc.Path())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, cfg.Set("a/b", "original"))

	snapshot := cfg.Snapshot()
	snapshot["a"].(map[string]any)["b"] = "mutated"

	v, err := cfg.Get("a/b")
	require.NoError(t, err)
	assert.Equal(t, "original", v)
}

func TestConfigWriteLoad(t *testing.T) {
	backend := NewMemoryBackend()

	cfg := NewBaseConfig(backend)
	require.NoError(t, cfg.Set("a/b", "x"))
	require.NoError(t, cfg.Write())

	// Unpersisted change, discarded by Load.
	require.NoError(t, cfg.Set("a/b", "y"))
	require.NoError(t, cfg.Load())

	v, err := cfg.Get("a/b")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestTemplateApply(t *testing.T) {
	template := NewTemplate(
		map[string]any{
			"module/enabled": true,
			"module/limit":   float64(10),
		},
	)

	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, template.Apply(cfg))

	v, err := cfg.Get("module/enabled")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestTemplateKeepsExistingValues(t *testing.T) {
	template := NewTemplate(map[string]any{"module/limit": float64(10)})

	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, cfg.Set("module/limit", float64(99)))
	require.NoError(t, template.Apply(cfg))

	v, err := cfg.Get("module/limit")
	require.NoError(t, err)
	assert.Equal(t, float64(99), v)
}

func TestTemplateDoesNotShareValues(t *testing.T) {
	shared := map[string]any{"nested": "default"}
	template := NewTemplate(map[string]any{"module/obj": shared})

	first := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, template.Apply(first))
	require.NoError(t, first.Set("module/obj/nested", "changed"))

	second := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, template.Apply(second))

	v, err := second.Get("module/obj/nested")
	require.NoError(t, err)
	assert.Equal(t, "default", v)
}

func TestTemplateRollback(t *testing.T) {
	cfg := NewBaseConfig(NewMemoryBackend())
	require.NoError(t, cfg.Set("collide", "leaf"))
	require.NoError(t, cfg.Write())

	template := &Template{
		Paths: map[string]any{
			"collide/sub": 1, // fails: "collide" holds a string
		},
		RollbackOnFailure: true,
	}
	require.Error(t, template.Apply(cfg))

	// The config was reloaded from its last committed state.
	v, err := cfg.Get("collide")
	require.NoError(t, err)
	assert.Equal(t, "leaf", v)
}

func TestNilTemplateApply(t *testing.T) {
	var template *Template
	cfg := NewBaseConfig(NewMemoryBackend())
	assert.NoError(t, template.Apply(cfg))
}
