package guildkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultQueueSize bounds the number of pending jobs.
	DefaultQueueSize = 100

	// DefaultJobStartInterval throttles how quickly consecutive jobs may
	// start.
	DefaultJobStartInterval = 100 * time.Millisecond
)

// QueueConfig configures the capacity and behavior of a JobQueue.
type QueueConfig struct {
	// Maximum number of pending jobs. 0 uses DefaultQueueSize.
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// Minimum interval between consecutive job starts. 0 uses
	// DefaultJobStartInterval.
	StartInterval time.Duration `yaml:"start_interval" mapstructure:"start_interval" json:"start_interval"`
}

// JobCallback is invoked by the queue on job lifecycle events. Callbacks
// are used to keep external state (the job store) in sync with the queue.
type JobCallback func(ctx context.Context, header *JobHeader) error

// JobQueue runs jobs one at a time, in submission order. A running job
// can be interrupted through Cancel, which cancels the context its task
// runs under.
type JobQueue struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	pending chan *Job

	mu           sync.Mutex
	jobs         map[uint]*Job
	active       *Job
	activeCancel context.CancelFunc

	onSubmit JobCallback
	onStart  JobCallback
	onStop   JobCallback
	onCancel JobCallback
}

func NewJobQueue(config QueueConfig, logger *slog.Logger) *JobQueue {
	if logger == nil {
		logger = slog.Default()
	}
	size := config.Size
	if size <= 0 {
		size = DefaultQueueSize
	}
	interval := config.StartInterval
	if interval <= 0 {
		interval = DefaultJobStartInterval
	}
	return &JobQueue{
		logger:  logger.With(loggerNameKey, "job_queue"),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		pending: make(chan *Job, size),
		jobs:    map[uint]*Job{},
	}
}

// OnJobSubmit sets the callback invoked before a job is enqueued. If the
// callback fails, the job isn't enqueued.
func (q *JobQueue) OnJobSubmit(cb JobCallback) { q.onSubmit = cb }

// OnJobStart sets the callback invoked when a job starts running.
func (q *JobQueue) OnJobStart(cb JobCallback) { q.onStart = cb }

// OnJobStop sets the callback invoked after a job finishes, whether it
// succeeded or failed.
func (q *JobQueue) OnJobStop(cb JobCallback) { q.onStop = cb }

// OnJobCancel sets the callback invoked when a job is cancelled.
func (q *JobQueue) OnJobCancel(cb JobCallback) { q.onCancel = cb }

// Submit enqueues a job. The submit callback runs first, so the job is
// durably recorded before it's accepted; if the queue is full, ErrQueueFull
// is returned.
func (q *JobQueue) Submit(ctx context.Context, job *Job) error {
	if q.onSubmit != nil {
		if err := q.onSubmit(ctx, job.Header); err != nil {
			return fmt.Errorf("job submit callback: %w", err)
		}
	}

	// Track before enqueueing: once the job is on the channel, the worker
	// may finish it (and drop the tracking entry) at any moment.
	q.mu.Lock()
	q.jobs[job.Header.ID] = job
	q.mu.Unlock()

	select {
	case q.pending <- job:
	default:
		q.remove(job)
		return fmt.Errorf("job %d: %w", job.Header.ID, ErrQueueFull)
	}

	q.logger.Info(
		"job submitted",
		"job_id", job.Header.ID,
		"task_type", job.Header.TaskType,
		"guild_id", job.Header.GuildID,
	)
	return nil
}

// Run consumes and executes pending jobs until ctx is done.
func (q *JobQueue) Run(ctx context.Context) error {
	q.logger.Info("starting job queue")
	defer q.logger.Info("job queue stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-q.pending:
			q.runJob(ctx, job)
		}
	}
}

func (q *JobQueue) runJob(ctx context.Context, job *Job) {
	header := job.Header
	logger := q.logger.With(
		"job_id", header.ID,
		"task_type", header.TaskType,
		"guild_id", header.GuildID,
	)

	if header.Cancelled() {
		logger.Info("skipping cancelled job")
		q.remove(job)
		job.markComplete(context.Canceled)
		return
	}

	if err := q.limiter.Wait(ctx); err != nil {
		q.remove(job)
		job.markComplete(err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	q.active = job
	q.activeCancel = cancel
	q.mu.Unlock()

	if q.onStart != nil {
		if err := q.onStart(ctx, header); err != nil {
			logger.Error("job start callback failed", "error", err)
		}
	}

	logger.Info("starting job", "display", job.Task.Display(header))
	err := job.Task.Run(jobCtx, header)
	switch {
	case err == nil:
		logger.Info("job finished")
	case errors.Is(err, context.Canceled):
		logger.Warn("job cancelled")
	default:
		logger.Error("job failed", "error", err)
	}

	q.mu.Lock()
	q.active = nil
	q.activeCancel = nil
	delete(q.jobs, header.ID)
	q.mu.Unlock()

	job.markComplete(err)

	if q.onStop != nil {
		if stopErr := q.onStop(ctx, header); stopErr != nil {
			logger.Error("job stop callback failed", "error", stopErr)
		}
	}
}

func (q *JobQueue) remove(job *Job) {
	q.mu.Lock()
	delete(q.jobs, job.Header.ID)
	q.mu.Unlock()
}

// Cancel flags a job as cancelled. If the job is currently running, its
// context is cancelled; if it's still pending, it will be skipped when
// dequeued.
func (q *JobQueue) Cancel(ctx context.Context, id uint) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}

	job.Header.Cancel()
	if q.active == job && q.activeCancel != nil {
		q.activeCancel()
	}
	delete(q.jobs, id)
	q.mu.Unlock()

	q.logger.Info("job cancelled", "job_id", id)
	if q.onCancel != nil {
		if err := q.onCancel(ctx, job.Header); err != nil {
			return fmt.Errorf("job cancel callback: %w", err)
		}
	}
	return nil
}

// IsRunning reports whether the given job is currently executing.
func (q *JobQueue) IsRunning(id uint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil && q.active.Header.ID == id
}

// Jobs returns the headers of all tracked jobs (pending and running),
// ordered by ID.
func (q *JobQueue) Jobs() []*JobHeader {
	q.mu.Lock()
	headers := make([]*JobHeader, 0, len(q.jobs))
	for _, job := range q.jobs {
		headers = append(headers, job.Header)
	}
	q.mu.Unlock()

	sort.Slice(
		headers,
		func(i, j int) bool { return headers[i].ID < headers[j].ID },
	)
	return headers
}

// Get returns the tracked job with the given ID, if any.
func (q *JobQueue) Get(id uint) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	return job, ok
}
