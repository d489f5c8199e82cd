package guildkit

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
)

// Properties holds the arguments to a job, as JSON-representable values.
// It's stored as a JSON text column.
type Properties map[string]any

// Value implements the driver.Valuer interface.
func (p Properties) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements the sql.Scanner interface.
func (p *Properties) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*p = Properties{}
		return nil
	default:
		return fmt.Errorf("invalid type %T for Properties", value)
	}

	if len(raw) == 0 {
		*p = Properties{}
		return nil
	}
	return json.Unmarshal(raw, p)
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (Properties) GormDataType() string {
	return "text"
}

// String returns a property as a string, with a fallback default.
func (p Properties) String(key string, fallback string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return fallback
}

// Int returns a numeric property as an int, with a fallback default.
// JSON decoding produces float64, so both are accepted.
func (p Properties) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// JobHeader is the metadata tracking a single job, for scheduling and
// persistence purposes. Headers are persisted when a job is submitted and
// deleted when it finishes, so unfinished jobs can be resumed after a
// restart.
type JobHeader struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// TaskType names the registered task this job runs.
	TaskType string `gorm:"index" json:"task_type"`

	// Properties are the arguments to the job.
	Properties Properties `json:"properties"`

	// OwnerID is the discord user that started this job. For scheduled
	// jobs, this is the owner of the schedule.
	OwnerID string `json:"owner_id"`

	// GuildID is the guild the job was started in.
	GuildID string `gorm:"index" json:"guild_id"`

	// StartTime is when the job was started, as a unix timestamp.
	StartTime int64 `json:"start_time"`

	// ScheduleID is the schedule that spawned this job, if any.
	ScheduleID *uint `json:"schedule_id,omitempty"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`

	cancelled atomic.Bool
}

// Cancel flags the job as cancelled. A cancelled job is skipped if it
// hasn't started; the queue interrupts it if it's running.
func (h *JobHeader) Cancel() {
	h.cancelled.Store(true)
}

// Cancelled reports whether the job was flagged as cancelled.
func (h *JobHeader) Cancelled() bool {
	return h.cancelled.Load()
}

// JobTask is the work a job performs. Implementations should return
// promptly when ctx is cancelled.
type JobTask interface {
	// Run executes the task. The header carries the task's properties.
	Run(ctx context.Context, header *JobHeader) error

	// Display pretty-prints the task's properties for user-facing
	// output. It should only describe information from the header.
	Display(header *JobHeader) string
}

// PropertyDefaulter is an optional interface for tasks that declare
// default properties. Defaults are merged below the submitted properties
// when the job is built; the current properties may be used to select the
// defaults.
type PropertyDefaulter interface {
	PropertyDefaults(props Properties) Properties
}

// TaskConstructor builds a task instance for a guild. Registered
// constructors replace the original decorator-style task registration
// with explicit factory functions.
type TaskConstructor func(
	session *discordgo.Session,
	guildID string,
) (JobTask, error)

// TaskRegistry maps task type names to their constructors. Populate it at
// startup, before jobs are resumed.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]TaskConstructor
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: map[string]TaskConstructor{}}
}

// Register adds a task constructor under the given type name. Registering
// the same name twice is an error.
func (r *TaskRegistry) Register(taskType string, ctor TaskConstructor) error {
	if taskType == "" {
		return errors.New("task type must not be empty")
	}
	if ctor == nil {
		return errors.New("task constructor must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskType]; ok {
		return fmt.Errorf("task type %q is already registered", taskType)
	}
	r.tasks[taskType] = ctor
	return nil
}

// Unregister removes a task type. Unknown types are ignored.
func (r *TaskRegistry) Unregister(taskType string) {
	r.mu.Lock()
	delete(r.tasks, taskType)
	r.mu.Unlock()
}

// Get returns the constructor for the given task type.
func (r *TaskRegistry) Get(taskType string) (TaskConstructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctor, ok := r.tasks[taskType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", taskType, ErrUnknownTaskType)
	}
	return ctor, nil
}

// Has reports whether a task type is registered.
func (r *TaskRegistry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[taskType]
	return ok
}

// Types returns the registered task type names, sorted.
func (r *TaskRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.tasks))
	for t := range r.tasks {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Job pairs a header with the task that runs it.
type Job struct {
	Header *JobHeader
	Task   JobTask

	once sync.Once
	done chan struct{}
	err  error
}

func newJob(header *JobHeader, task JobTask) *Job {
	return &Job{
		Header: header,
		Task:   task,
		done:   make(chan struct{}),
	}
}

// markComplete records the job's result and wakes all waiters.
func (j *Job) markComplete(err error) {
	j.once.Do(
		func() {
			j.err = err
			close(j.done)
		},
	)
}

// Wait blocks until the job finishes or ctx is done, returning the job's
// result.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JobFactory builds runnable jobs from headers, wiring in the discord
// session tasks need and merging declared property defaults.
type JobFactory struct {
	registry *TaskRegistry
	session  *discordgo.Session
}

func NewJobFactory(
	registry *TaskRegistry,
	session *discordgo.Session,
) *JobFactory {
	return &JobFactory{registry: registry, session: session}
}

// CreateJob builds a job from a header. The header's properties are
// updated with the task's declared defaults, if any.
func (f *JobFactory) CreateJob(header *JobHeader) (*Job, error) {
	ctor, err := f.registry.Get(header.TaskType)
	if err != nil {
		return nil, err
	}

	task, err := ctor(f.session, header.GuildID)
	if err != nil {
		return nil, fmt.Errorf(
			"constructing task %q: %w",
			header.TaskType,
			err,
		)
	}

	if defaulter, ok := task.(PropertyDefaulter); ok {
		defaults := defaulter.PropertyDefaults(header.Properties)
		if len(defaults) > 0 {
			merged := make(Properties, len(defaults))
			for k, v := range defaults {
				merged[k] = v
			}
			for k, v := range header.Properties {
				merged[k] = v
			}
			header.Properties = merged
		}
	}

	return newJob(header, task), nil
}

// JobFromCron builds a job from a schedule entry.
func (f *JobFactory) JobFromCron(
	header *CronHeader,
	startTime int64,
) (*Job, error) {
	return f.CreateJob(header.JobHeader(startTime))
}
