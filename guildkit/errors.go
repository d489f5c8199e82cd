package guildkit

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound indicates the requested config key doesn't exist.
	ErrKeyNotFound = errors.New("config key not found")

	// ErrNamespaceNotFound indicates a strict sub-config lookup for a
	// namespace that was never created.
	ErrNamespaceNotFound = errors.New("config namespace not found")

	// ErrConfigNotFound indicates a ConfigDirectory has no config loaded
	// for the given ID.
	ErrConfigNotFound = errors.New("no config loaded for id")

	// ErrConfigFileConflict is returned by JSONBackend when the backing
	// file was modified after the last read/write, and the modification
	// time check is enabled.
	ErrConfigFileConflict = errors.New(
		"config file modified since last sync, reload required",
	)

	// ErrQueueFull indicates the job queue can't accept more pending jobs.
	ErrQueueFull = errors.New("job queue full")

	// ErrJobNotFound indicates the given job ID isn't queued or running.
	ErrJobNotFound = errors.New("job not found")

	// ErrScheduleNotFound indicates the given schedule ID doesn't exist.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrUnknownTaskType indicates a task type that was never registered.
	ErrUnknownTaskType = errors.New("unknown task type")
)

// PathError is returned when a config path can't be followed: the path is
// empty, an intermediate node is missing, or a node along the way holds a
// non-map value.
type PathError struct {
	// Path is the full path that was requested.
	Path string

	// At is the portion of the path where traversal stopped.
	At string

	// Reason describes why the path couldn't be followed.
	Reason string

	// Missing is true when the path failed because a node doesn't
	// exist, rather than because of a type collision or a bad path.
	Missing bool
}

func (e *PathError) Error() string {
	if e.At == "" {
		return fmt.Sprintf("config path %q: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf(
		"config path %q: item at %q %s",
		e.Path,
		e.At,
		e.Reason,
	)
}

// PersistenceError wraps an underlying storage failure. Storage errors are
// never swallowed - they always surface to the caller as this type.
type PersistenceError struct {
	// Op is the operation that failed ("read", "write", "backup", ...).
	Op string

	// Name identifies the backing store (file path, table key, ...).
	Name string

	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("config %s %q: %s", e.Op, e.Name, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RangeLimitError is returned by RangeLimit when a value falls outside
// the allowed bounds.
type RangeLimitError struct {
	Low  any
	High any
	Val  any
	Name string
}

func (e *RangeLimitError) Error() string {
	switch {
	case e.High == nil:
		return fmt.Sprintf("`%s` cannot go below %v", e.Name, e.Low)
	case e.Low == nil:
		return fmt.Sprintf("`%s` cannot exceed %v", e.Name, e.High)
	default:
		return fmt.Sprintf(
			"`%s` must be between %v and %v",
			e.Name,
			e.Low,
			e.High,
		)
	}
}

// ScheduleParseError is returned when a cron schedule string can't be
// parsed.
type ScheduleParseError struct {
	// Schedule is the original schedule string, before macro expansion.
	Schedule string

	Err error
}

func (e *ScheduleParseError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Schedule, e.Err)
}

func (e *ScheduleParseError) Unwrap() error {
	return e.Err
}
