package guildkit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCronInterval is how often the scheduler checks for due
// schedules. The scheduler has minute-level accuracy.
const DefaultCronInterval = time.Minute

// Schedule macros, expanded before parsing. Each replaces the last three
// fields of a schedule string, so "30 4 !weekly" runs at 4:30 every
// Sunday.
var scheduleMacros = map[string]string{
	"!weekly":  "* * sun",
	"!monthly": "1 * *",
	"!yearly":  "1 1 *",
	"!daily":   "* * *",
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ExpandScheduleMacros replaces schedule macros (!daily, !weekly,
// !monthly, !yearly) with their cron field equivalents.
func ExpandScheduleMacros(schedule string) string {
	for macro, repl := range scheduleMacros {
		schedule = strings.ReplaceAll(schedule, macro, repl)
	}
	return schedule
}

// ParseSchedule parses a 5-field cron schedule string
// ("min hour dom month dow", 0=Sunday), after macro expansion.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	expanded := ExpandScheduleMacros(
		strings.ToLower(strings.TrimSpace(schedule)),
	)
	parsed, err := cronParser.Parse(expanded)
	if err != nil {
		return nil, &ScheduleParseError{Schedule: schedule, Err: err}
	}
	return parsed, nil
}

// CronHeader is the persisted definition of a recurring job. Unlike job
// IDs, schedule IDs are stable across restarts.
type CronHeader struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// TaskType names the registered task the schedule runs.
	TaskType string `gorm:"index" json:"task_type"`

	// Properties are the arguments to the jobs this schedule creates.
	Properties Properties `json:"properties"`

	// OwnerID is the discord user that owns this schedule.
	OwnerID string `json:"owner_id"`

	// GuildID is the guild the schedule was created in.
	GuildID string `gorm:"index" json:"guild_id"`

	// Schedule is the cron string determining when jobs fire, in the
	// same format as the unix cron utility:
	//
	//	min hour day_of_month month day_of_week
	//
	// day_of_week runs 0-6, Sunday-Saturday. "*" matches all values.
	// For example, "1 4 * * 0" runs at 4:01 am every Sunday.
	Schedule string `json:"schedule"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`

	// next is the next fire time. Computed at runtime, never persisted.
	// Guarded by the owning JobCron's lock.
	next time.Time
}

// UpdateNext recomputes the next fire time after the given time. This
// also validates the schedule string.
func (h *CronHeader) UpdateNext(after time.Time) error {
	parsed, err := ParseSchedule(h.Schedule)
	if err != nil {
		return err
	}
	h.next = parsed.Next(after)
	return nil
}

// Next returns the computed next fire time. Zero if UpdateNext was never
// called.
func (h *CronHeader) Next() time.Time {
	return h.next
}

// JobHeader builds the header for one firing of this schedule.
func (h *CronHeader) JobHeader(startTime int64) *JobHeader {
	scheduleID := h.ID
	return &JobHeader{
		TaskType:   h.TaskType,
		Properties: h.Properties,
		OwnerID:    h.OwnerID,
		GuildID:    h.GuildID,
		StartTime:  startTime,
		ScheduleID: &scheduleID,
	}
}

// CronFilter selects schedules by field values. Zero fields match
// anything.
type CronFilter struct {
	GuildID  string
	OwnerID  string
	TaskType string
}

// Match reports whether the header matches every non-zero filter field.
func (h *CronHeader) Match(filter CronFilter) bool {
	if filter.GuildID != "" && filter.GuildID != h.GuildID {
		return false
	}
	if filter.OwnerID != "" && filter.OwnerID != h.OwnerID {
		return false
	}
	if filter.TaskType != "" && filter.TaskType != h.TaskType {
		return false
	}
	return true
}

// CronCallback is invoked when schedules are created or deleted, keeping
// external state (the job store) in sync.
type CronCallback func(ctx context.Context, header *CronHeader) error

// JobCron starts jobs at specific real-world dates, with minute-level
// accuracy. Due schedules are fired into a JobQueue.
type JobCron struct {
	queue    *JobQueue
	factory  *JobFactory
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	schedule map[uint]*CronHeader

	onCreate CronCallback
	onDelete CronCallback
}

func NewJobCron(
	queue *JobQueue,
	factory *JobFactory,
	logger *slog.Logger,
) *JobCron {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobCron{
		queue:    queue,
		factory:  factory,
		logger:   logger.With(loggerNameKey, "job_cron"),
		interval: DefaultCronInterval,
		schedule: map[uint]*CronHeader{},
	}
}

// OnCreateSchedule sets the callback invoked when a schedule is created.
// If the callback fails, the schedule isn't added.
func (c *JobCron) OnCreateSchedule(cb CronCallback) { c.onCreate = cb }

// OnDeleteSchedule sets the callback invoked when a schedule is deleted.
func (c *JobCron) OnDeleteSchedule(cb CronCallback) { c.onDelete = cb }

// Create validates and adds a schedule, invoking the create callback.
func (c *JobCron) Create(ctx context.Context, header *CronHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.create(ctx, header)
}

func (c *JobCron) create(ctx context.Context, header *CronHeader) error {
	// Computing the next run date up front also validates the cron
	// string before the schedule is accepted.
	if err := header.UpdateNext(time.Now()); err != nil {
		return err
	}

	if c.onCreate != nil {
		if err := c.onCreate(ctx, header); err != nil {
			return fmt.Errorf("schedule create callback: %w", err)
		}
	}

	c.schedule[header.ID] = header
	c.logger.Info(
		"schedule created",
		"schedule_id", header.ID,
		"task_type", header.TaskType,
		"guild_id", header.GuildID,
		"schedule", header.Schedule,
		"next", header.next,
	)
	return nil
}

// Restore re-adds previously persisted schedules without invoking the
// create callback. Used when resuming after a restart.
func (c *JobCron) Restore(headers []*CronHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, header := range headers {
		if err := header.UpdateNext(now); err != nil {
			c.logger.Error(
				"dropping schedule with invalid cron string",
				"schedule_id", header.ID,
				"schedule", header.Schedule,
				"error", err,
			)
			continue
		}
		c.schedule[header.ID] = header
	}
	return nil
}

// Delete stops a schedule from running, invoking the delete callback.
func (c *JobCron) Delete(ctx context.Context, id uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delete(ctx, id)
}

func (c *JobCron) delete(ctx context.Context, id uint) error {
	header, ok := c.schedule[id]
	if !ok {
		return fmt.Errorf("schedule %d: %w", id, ErrScheduleNotFound)
	}

	if c.onDelete != nil {
		if err := c.onDelete(ctx, header); err != nil {
			return fmt.Errorf("schedule delete callback: %w", err)
		}
	}

	delete(c.schedule, id)
	c.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}

// Replace swaps a schedule entry for a new one under a single lock. Both
// the delete and create callbacks fire, so external state stays in sync.
func (c *JobCron) Replace(
	ctx context.Context,
	id uint,
	header *CronHeader,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.delete(ctx, id); err != nil {
		return err
	}
	return c.create(ctx, header)
}

// Reschedule changes when an existing schedule fires.
func (c *JobCron) Reschedule(
	ctx context.Context,
	id uint,
	schedule string,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.schedule[id]
	if !ok {
		return fmt.Errorf("schedule %d: %w", id, ErrScheduleNotFound)
	}

	replacement := *old
	replacement.Schedule = schedule
	replacement.next = time.Time{}

	if err := c.delete(ctx, id); err != nil {
		return err
	}
	return c.create(ctx, &replacement)
}

// RunNow fires a schedule immediately, returning the created job.
func (c *JobCron) RunNow(ctx context.Context, id uint) (*Job, error) {
	c.mu.Lock()
	header, ok := c.schedule[id]
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrScheduleNotFound)
	}
	return c.fire(ctx, header)
}

func (c *JobCron) fire(ctx context.Context, header *CronHeader) (*Job, error) {
	job, err := c.factory.JobFromCron(header, time.Now().Unix())
	if err != nil {
		return nil, err
	}

	c.logger.Info(
		"firing scheduled job",
		"schedule_id", header.ID,
		"task_type", header.TaskType,
		"display", job.Task.Display(job.Header),
	)
	if err = c.queue.Submit(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Filter returns the schedules matching the given filter, ordered by ID.
func (c *JobCron) Filter(filter CronFilter) []*CronHeader {
	c.mu.Lock()
	defer c.mu.Unlock()

	matched := make([]*CronHeader, 0, len(c.schedule))
	for _, header := range c.schedule {
		if header.Match(filter) {
			matched = append(matched, header)
		}
	}
	sort.Slice(
		matched,
		func(i, j int) bool { return matched[i].ID < matched[j].ID },
	)
	return matched
}

// Schedules returns all schedules, ordered by ID.
func (c *JobCron) Schedules() []*CronHeader {
	return c.Filter(CronFilter{})
}

// Run dispatches due schedules until ctx is done, checking roughly once
// per interval.
func (c *JobCron) Run(ctx context.Context) error {
	c.logger.Info("starting job scheduler")
	defer c.logger.Info("job scheduler stopped")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.dispatchDue(ctx)
		}
	}
}

// dispatchDue fires every schedule whose next run time has passed, and
// recomputes its next run.
func (c *JobCron) dispatchDue(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, header := range c.schedule {
		if header.next.IsZero() || header.next.After(now) {
			continue
		}
		if err := header.UpdateNext(now); err != nil {
			c.logger.Error(
				"recomputing schedule failed",
				"schedule_id", header.ID,
				"error", err,
			)
			continue
		}
		if _, err := c.fire(ctx, header); err != nil {
			c.logger.Error(
				"firing schedule failed",
				"schedule_id", header.ID,
				"error", err,
			)
		}
	}
}
