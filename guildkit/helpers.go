package guildkit

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// DefaultAckEmoji is the reaction used to acknowledge commands.
const DefaultAckEmoji = "✅"

// discordMaxMessageLength is the discord message content size limit.
const discordMaxMessageLength = 2000

// Ack reacts to a message with an emoji for confirmation. An empty emoji
// uses DefaultAckEmoji.
func Ack(
	s *discordgo.Session,
	channelID string,
	messageID string,
	emoji string,
) error {
	if emoji == "" {
		emoji = DefaultAckEmoji
	}
	return s.MessageReactionAdd(channelID, messageID, emoji)
}

// CodeBlock wraps text in a discord code block.
func CodeBlock(text string, lang string) string {
	return strings.Join([]string{"```", lang, "\n", text, "\n```"}, "")
}

// CodeBlockJSON renders a value as an indented JSON code block.
func CodeBlockJSON(v any) (string, error) {
	encoded, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "", err
	}
	return CodeBlock(string(encoded), "json"), nil
}

// RespondCodeOrText sends text to a channel as a code block. If the
// resulting message would be too large, the text is attached as a .txt
// file instead.
func RespondCodeOrText(
	s *discordgo.Session,
	channelID string,
	text string,
) error {
	block := CodeBlock(text, "")
	if len(block) <= discordMaxMessageLength {
		_, err := s.ChannelMessageSend(channelID, block)
		return err
	}

	_, err := s.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: "Response too large, sending as a `.txt` file.",
			Files: []*discordgo.File{
				{
					Name:        "response.txt",
					ContentType: "text/plain",
					Reader:      strings.NewReader(text),
				},
			},
		},
	)
	return err
}

// RangeLimit checks that val falls between low and high (inclusive). Nil
// bounds are unchecked, but at least one bound must be given. Returns a
// *RangeLimitError when the value is out of range.
func RangeLimit[T cmp.Ordered](
	low *T,
	val T,
	high *T,
	name string,
) error {
	if low == nil && high == nil {
		return fmt.Errorf("low and high cannot both be nil")
	}

	if low != nil && val < *low {
		return rangeLimitError(low, val, high, name)
	}
	if high != nil && val > *high {
		return rangeLimitError(low, val, high, name)
	}
	return nil
}

func rangeLimitError[T cmp.Ordered](
	low *T,
	val T,
	high *T,
	name string,
) *RangeLimitError {
	e := &RangeLimitError{Val: val, Name: name}
	if low != nil {
		e.Low = *low
	}
	if high != nil {
		e.High = *high
	}
	return e
}
