// Package audit records enforcement outcomes. The engine publishes an
// Event for every non-empty applied plan; the auditor sidecar persists
// them to PostgreSQL for moderator review.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is one applied enforcement decision, as published on NATS.
type Event struct {
	ID        string   `json:"id"`
	ChatID    int64    `json:"chat_id"`
	UserID    int64    `json:"user_id"`
	MessageID int64    `json:"message_id"`
	Reason    string   `json:"reason"`
	Keywords  []string `json:"keywords,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`
	Deleted   bool     `json:"deleted"`
	Muted     bool     `json:"muted"`
	Notified  bool     `json:"notified"`
	MuteFor   int64    `json:"mute_for_seconds,omitempty"`
	Snippet   string   `json:"snippet,omitempty"`
	Ts        int64    `json:"ts"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(chatID, userID, messageID int64) Event {
	return Event{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		UserID:    userID,
		MessageID: messageID,
		Ts:        time.Now().Unix(),
	}
}

// SnippetLimit bounds how much message text an event carries.
const SnippetLimit = 500

// Truncate returns s cut to SnippetLimit runes with an ellipsis.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= SnippetLimit {
		return s
	}
	return string(runes[:SnippetLimit]) + "…"
}
