package guildkit

import (
	"errors"
	"log/slog"
)

// Template describes the config paths that must exist in a Config, and
// their initial values. Applying a template fills in missing paths without
// touching values that already exist.
type Template struct {
	// Paths maps config paths ("a/b/c") to their initial values.
	Paths map[string]any

	// RollbackOnFailure reloads the config from its backing store if a
	// template path can't be applied, discarding partial application.
	RollbackOnFailure bool
}

// NewTemplate returns a Template for the given paths.
func NewTemplate(paths map[string]any) *Template {
	return &Template{Paths: paths}
}

// Apply fills the given config with the template's missing paths. Nothing
// is written to persistent storage; on success, follow up with
// Config.Write.
func (t *Template) Apply(cfg Config) error {
	if t == nil {
		return nil
	}

	for path, value := range t.Paths {
		if cfg.Has(path) {
			continue
		}
		if err := cfg.Set(path, deepCopyValue(value)); err != nil {
			if t.RollbackOnFailure {
				slog.Default().Warn(
					"config template rollback",
					"path", path,
					"error", err,
				)
				if loadErr := cfg.Load(); loadErr != nil {
					return errors.Join(err, loadErr)
				}
			}
			return err
		}
	}
	return nil
}
