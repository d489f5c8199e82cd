package guildkit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Built-in task type names.
const (
	TaskTypeMessage = "message"
	TaskTypeBlocker = "blocker"
)

const messageTaskMaxDisplayLen = 15

// RegisterBuiltinTasks registers the tasks shipped with the library.
func RegisterBuiltinTasks(registry *TaskRegistry) error {
	if err := registry.Register(TaskTypeMessage, NewMessageTask); err != nil {
		return err
	}
	return registry.Register(TaskTypeBlocker, NewBlockerTask)
}

// MessageTask posts a message to a channel on a timer.
//
// Properties:
//   - channel: channel ID to post to (required)
//   - message: the message content
//   - post_interval: seconds between posts
//   - post_number: how many times to post
type MessageTask struct {
	session *discordgo.Session
	guildID string
}

var (
	_ JobTask           = (*MessageTask)(nil)
	_ PropertyDefaulter = (*MessageTask)(nil)
)

func NewMessageTask(
	session *discordgo.Session,
	guildID string,
) (JobTask, error) {
	return &MessageTask{session: session, guildID: guildID}, nil
}

func (t *MessageTask) PropertyDefaults(_ Properties) Properties {
	return Properties{
		"message":       "hello",
		"channel":       "",
		"post_interval": 1, // seconds
		"post_number":   1,
	}
}

func (t *MessageTask) Run(ctx context.Context, header *JobHeader) error {
	props := header.Properties
	channelID := props.String("channel", "")
	if channelID == "" {
		return fmt.Errorf("message task: no channel given")
	}

	message := props.String("message", "")
	interval := time.Duration(props.Int("post_interval", 1)) * time.Second
	count := props.Int("post_number", 1)

	for i := 0; i < count; i++ {
		if _, err := t.session.ChannelMessageSend(
			channelID,
			message,
		); err != nil {
			return fmt.Errorf(
				"message task: sending to channel %s: %w",
				channelID,
				err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}

func (t *MessageTask) Display(header *JobHeader) string {
	props := header.Properties
	message := props.String("message", "")
	// Truncate on rune boundaries so multi-byte content stays valid UTF-8.
	if runes := []rune(message); len(runes) > messageTaskMaxDisplayLen {
		message = string(runes[:messageTaskMaxDisplayLen]) + "..."
	}
	return fmt.Sprintf(
		"message=%q post_interval=%d post_number=%d",
		message,
		props.Int("post_interval", 1),
		props.Int("post_number", 1),
	)
}

// BlockerTask sleeps for a given time. Mostly for debugging: fill the
// queue with blockers that never end to test queue and cancellation
// behavior.
//
// Properties:
//   - time: seconds to sleep. 0 or less sleeps forever.
type BlockerTask struct {
	remaining atomic.Int64
}

var (
	_ JobTask           = (*BlockerTask)(nil)
	_ PropertyDefaulter = (*BlockerTask)(nil)
)

func NewBlockerTask(_ *discordgo.Session, _ string) (JobTask, error) {
	return &BlockerTask{}, nil
}

func (t *BlockerTask) PropertyDefaults(_ Properties) Properties {
	return Properties{"time": 60}
}

func (t *BlockerTask) Run(ctx context.Context, header *JobHeader) error {
	seconds := header.Properties.Int("time", 60)

	if seconds <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	t.remaining.Store(int64(seconds))
	for t.remaining.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			t.remaining.Add(-1)
		}
	}
	return nil
}

func (t *BlockerTask) Display(header *JobHeader) string {
	seconds := header.Properties.Int("time", 60)
	if seconds <= 0 {
		return "time=infinite"
	}
	return fmt.Sprintf(
		"time=%d remaining=%d",
		seconds,
		t.remaining.Load(),
	)
}
