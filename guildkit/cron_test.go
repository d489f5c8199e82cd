package guildkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandScheduleMacros(t *testing.T) {
	assert.Equal(t, "30 4 * * sun", ExpandScheduleMacros("30 4 !weekly"))
	assert.Equal(t, "0 0 1 * *", ExpandScheduleMacros("0 0 !monthly"))
	assert.Equal(t, "0 0 1 1 *", ExpandScheduleMacros("0 0 !yearly"))
	assert.Equal(t, "15 8 * * *", ExpandScheduleMacros("15 8 !daily"))

	// No macro, no change.
	assert.Equal(t, "1 4 * * 0", ExpandScheduleMacros("1 4 * * 0"))
}

func TestParseSchedule(t *testing.T) {
	// Plain cron strings, macros, mixed case and extra whitespace.
	for _, schedule := range []string{
		"1 4 * * 0",
		"30 4 !weekly",
		"  30 4 !WEEKLY  ",
		"*/5 * * * *",
		"0 12 * * mon-fri",
	} {
		_, err := ParseSchedule(schedule)
		assert.NoError(t, err, "schedule %q", schedule)
	}

	for _, schedule := range []string{
		"",
		"not a schedule",
		"61 4 * * 0",
		"* * !hourly",
	} {
		_, err := ParseSchedule(schedule)
		var parseErr *ScheduleParseError
		assert.ErrorAs(t, err, &parseErr, "schedule %q", schedule)
	}
}

func TestParseScheduleNext(t *testing.T) {
	parsed, err := ParseSchedule("30 4 * * sun")
	require.NoError(t, err)

	// Wednesday 2024-01-03 -> Sunday 2024-01-07 04:30.
	after := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	next := parsed.Next(after)
	assert.Equal(t, time.Weekday(0), next.Weekday())
	assert.Equal(t, 4, next.Hour())
	assert.Equal(t, 30, next.Minute())
	assert.Equal(t, 7, next.Day())
}

func TestCronHeaderUpdateNext(t *testing.T) {
	header := &CronHeader{Schedule: "*/5 * * * *"}
	assert.True(t, header.Next().IsZero())

	require.NoError(t, header.UpdateNext(time.Now()))
	assert.False(t, header.Next().IsZero())
	assert.True(t, header.Next().After(time.Now().Add(-time.Second)))

	bad := &CronHeader{Schedule: "nope"}
	assert.Error(t, bad.UpdateNext(time.Now()))
}

func TestCronHeaderJobHeader(t *testing.T) {
	header := &CronHeader{
		ID:         7,
		TaskType:   "message",
		Properties: Properties{"channel": "c1"},
		OwnerID:    "owner",
		GuildID:    "g1",
		Schedule:   "1 4 * * 0",
	}

	job := header.JobHeader(1234)
	assert.Equal(t, "message", job.TaskType)
	assert.Equal(t, "g1", job.GuildID)
	assert.Equal(t, "owner", job.OwnerID)
	assert.Equal(t, int64(1234), job.StartTime)
	require.NotNil(t, job.ScheduleID)
	assert.Equal(t, uint(7), *job.ScheduleID)
}

func TestCronHeaderMatch(t *testing.T) {
	header := &CronHeader{TaskType: "message", GuildID: "g1", OwnerID: "o1"}

	assert.True(t, header.Match(CronFilter{}))
	assert.True(t, header.Match(CronFilter{GuildID: "g1"}))
	assert.True(
		t,
		header.Match(CronFilter{GuildID: "g1", TaskType: "message"}),
	)
	assert.False(t, header.Match(CronFilter{GuildID: "g2"}))
	assert.False(t, header.Match(CronFilter{OwnerID: "other"}))
}

// newTestCron returns a scheduler whose create callback assigns
// incrementing schedule IDs, the way the job store otherwise would.
func newTestCron(queue *JobQueue, factory *JobFactory) *JobCron {
	cron := NewJobCron(queue, factory, nil)
	var nextID uint
	var mu sync.Mutex
	cron.OnCreateSchedule(
		func(_ context.Context, header *CronHeader) error {
			if header.ID == 0 {
				mu.Lock()
				nextID++
				header.ID = nextID
				mu.Unlock()
			}
			return nil
		},
	)
	return cron
}

func TestJobCronCreateDelete(t *testing.T) {
	ctx := context.Background()
	task := &recordingTask{}
	factory := NewJobFactory(testRegistry(t, task), nil)
	queue := newTestQueue(QueueConfig{})
	cron := newTestCron(queue, factory)

	header := &CronHeader{
		TaskType: "recording",
		GuildID:  "g1",
		Schedule: "1 4 * * 0",
	}
	require.NoError(t, cron.Create(ctx, header))
	assert.NotZero(t, header.ID)
	assert.False(t, header.Next().IsZero())
	assert.Len(t, cron.Schedules(), 1)

	// Invalid schedules are rejected before the callback runs.
	err := cron.Create(
		ctx,
		&CronHeader{TaskType: "recording", Schedule: "bad"},
	)
	var parseErr *ScheduleParseError
	assert.ErrorAs(t, err, &parseErr)
	assert.Len(t, cron.Schedules(), 1)

	require.NoError(t, cron.Delete(ctx, header.ID))
	assert.Empty(t, cron.Schedules())
	assert.ErrorIs(t, cron.Delete(ctx, header.ID), ErrScheduleNotFound)
}

func TestJobCronFilter(t *testing.T) {
	ctx := context.Background()
	task := &recordingTask{}
	factory := NewJobFactory(testRegistry(t, task), nil)
	cron := newTestCron(newTestQueue(QueueConfig{}), factory)

	for _, guildID := range []string{"g1", "g1", "g2"} {
		require.NoError(
			t,
			cron.Create(
				ctx,
				&CronHeader{
					TaskType: "recording",
					GuildID:  guildID,
					Schedule: "1 4 * * 0",
				},
			),
		)
	}

	assert.Len(t, cron.Filter(CronFilter{GuildID: "g1"}), 2)
	assert.Len(t, cron.Filter(CronFilter{GuildID: "g2"}), 1)
	assert.Len(t, cron.Schedules(), 3)
}

func TestJobCronReschedule(t *testing.T) {
	ctx := context.Background()
	task := &recordingTask{}
	factory := NewJobFactory(testRegistry(t, task), nil)
	cron := newTestCron(NewJobQueue(QueueConfig{}, nil), factory)

	header := &CronHeader{
		TaskType: "recording",
		GuildID:  "g1",
		Schedule: "1 4 * * 0",
	}
	require.NoError(t, cron.Create(ctx, header))

	require.NoError(t, cron.Reschedule(ctx, header.ID, "30 8 !daily"))

	schedules := cron.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "30 8 !daily", schedules[0].Schedule)
	assert.Equal(t, header.ID, schedules[0].ID)
	assert.Equal(t, "g1", schedules[0].GuildID)
}

func TestJobCronRestore(t *testing.T) {
	task := &recordingTask{}
	factory := NewJobFactory(testRegistry(t, task), nil)
	cron := NewJobCron(newTestQueue(QueueConfig{}), factory, nil)

	createCalls := 0
	cron.OnCreateSchedule(
		func(_ context.Context, _ *CronHeader) error {
			createCalls++
			return nil
		},
	)

	headers := []*CronHeader{
		{ID: 1, TaskType: "recording", Schedule: "1 4 * * 0"},
		{ID: 2, TaskType: "recording", Schedule: "broken"},
		{ID: 3, TaskType: "recording", Schedule: "*/5 * * * *"},
	}
	require.NoError(t, cron.Restore(headers))

	// Restoring doesn't re-create, and drops unparseable schedules.
	assert.Zero(t, createCalls)
	restored := cron.Schedules()
	require.Len(t, restored, 2)
	assert.Equal(t, uint(1), restored[0].ID)
	assert.Equal(t, uint(3), restored[1].ID)
}

func TestJobCronRunNow(t *testing.T) {
	ctx := context.Background()
	task := &recordingTask{}
	factory := NewJobFactory(testRegistry(t, task), nil)
	queue := newTestQueue(QueueConfig{})
	cron := newTestCron(queue, factory)

	header := &CronHeader{
		TaskType: "recording",
		GuildID:  "g1",
		Schedule: "1 4 * * 0",
	}
	require.NoError(t, cron.Create(ctx, header))

	job, err := cron.RunNow(ctx, header.ID)
	require.NoError(t, err)
	require.NotNil(t, job.Header.ScheduleID)
	assert.Equal(t, header.ID, *job.Header.ScheduleID)
	assert.Len(t, queue.Jobs(), 1)

	_, err = cron.RunNow(ctx, 999)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestJobCronDispatchDue(t *testing.T) {
	ctx := context.Background()
	task := &recordingTask{}
	factory := NewJobFactory(testRegistry(t, task), nil)
	queue := newTestQueue(QueueConfig{})
	cron := newTestCron(queue, factory)

	header := &CronHeader{
		TaskType: "recording",
		GuildID:  "g1",
		Schedule: "*/5 * * * *",
	}
	require.NoError(t, cron.Create(ctx, header))

	// Not due yet: nothing fires.
	cron.dispatchDue(ctx)
	assert.Empty(t, queue.Jobs())

	// Force the schedule due.
	cron.mu.Lock()
	header.next = time.Now().Add(-time.Minute)
	cron.mu.Unlock()

	cron.dispatchDue(ctx)
	assert.Len(t, queue.Jobs(), 1)

	// The next fire time was recomputed into the future.
	assert.True(t, header.Next().After(time.Now()))
}
