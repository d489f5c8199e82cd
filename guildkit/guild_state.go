package guildkit

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStateTypeRegistered indicates a guild state type name was
	// registered twice.
	ErrStateTypeRegistered = errors.New("guild state type already registered")

	// ErrStateTypeNotRegistered indicates a guild state type name that
	// was never registered.
	ErrStateTypeNotRegistered = errors.New("guild state type not registered")
)

// GuildStateConstructor builds a state instance for one guild.
type GuildStateConstructor func(kit *Kit, guildID string) (any, error)

// GuildStateDB holds per-guild state that doesn't need to survive
// restarts. State types are registered by name with a constructor;
// instances are created lazily on first access per guild, and dropped
// when the bot leaves the guild.
//
// This replaces the original decorator-based state class registration
// with an explicit name -> constructor registry.
type GuildStateDB struct {
	kit *Kit

	mu     sync.Mutex
	types  map[string]GuildStateConstructor
	states map[string]map[string]any
}

func newGuildStateDB(kit *Kit) *GuildStateDB {
	return &GuildStateDB{
		kit:    kit,
		types:  map[string]GuildStateConstructor{},
		states: map[string]map[string]any{},
	}
}

// RegisterType registers a state type under the given name.
func (db *GuildStateDB) RegisterType(
	name string,
	ctor GuildStateConstructor,
) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.types[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrStateTypeRegistered)
	}
	db.types[name] = ctor
	db.states[name] = map[string]any{}
	return nil
}

// UnregisterType removes a state type and all its instances.
func (db *GuildStateDB) UnregisterType(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.types[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrStateTypeNotRegistered)
	}
	delete(db.types, name)
	delete(db.states, name)
	return nil
}

// Get returns the state instance of the given type for a guild, creating
// it if it doesn't exist yet.
func (db *GuildStateDB) Get(name string, guildID string) (any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ctor, ok := db.types[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrStateTypeNotRegistered)
	}

	guildStates := db.states[name]
	if state, exists := guildStates[guildID]; exists {
		return state, nil
	}

	state, err := ctor(db.kit, guildID)
	if err != nil {
		return nil, fmt.Errorf(
			"constructing guild state %q for guild %s: %w",
			name,
			guildID,
			err,
		)
	}
	guildStates[guildID] = state
	return state, nil
}

// Delete clears all state associated with the given guild.
func (db *GuildStateDB) Delete(guildID string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, guildStates := range db.states {
		delete(guildStates, guildID)
	}
}

// ForEach visits every instance of the given state type.
func (db *GuildStateDB) ForEach(
	name string,
	fn func(guildID string, state any),
) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	guildStates, ok := db.states[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrStateTypeNotRegistered)
	}
	for guildID, state := range guildStates {
		fn(guildID, state)
	}
	return nil
}
