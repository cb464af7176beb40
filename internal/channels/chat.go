package channels

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"cable-service/internal/cable"
)

const maxChatMessageLength = 4096

var errEmptyMessage = errors.New("message is empty")

// ChatChannel relays messages between the subscribers of a room.
type ChatChannel struct {
	cable.Base
	room string
}

// ChatRoom is the broadcasting of a chat room.
func ChatRoom(room string) string {
	return cable.BroadcastingFor("chat", room)
}

func (ch *ChatChannel) Subscribed(sub *cable.Subscription) error {
	ch.room = strings.TrimSpace(sub.Params().String("room"))
	if ch.room == "" {
		sub.Reject()
		return nil
	}
	return sub.StreamFrom(ChatRoom(ch.room))
}

func (ch *ChatChannel) Perform(sub *cable.Subscription, action string, data cable.Data) error {
	if action != "speak" {
		return ch.Base.Perform(sub, action, data)
	}

	text := strings.TrimSpace(data.String("message"))
	if text == "" {
		return errEmptyMessage
	}
	text = truncate(text, maxChatMessageLength)

	conn := sub.Connection()
	return conn.Server().Broadcast(conn.Context(), ChatRoom(ch.room), map[string]any{
		"room":    ch.room,
		"user":    currentUser(sub),
		"message": text,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
