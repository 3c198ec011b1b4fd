// Package actuator abstracts the chat platform's enforcement
// primitives. The engine resolves what should happen; an Actuator is
// how it happens. Every call may fail (for example when the bot lacks
// privilege in a chat); callers treat failures as non-fatal.
package actuator

import (
	"context"
	"time"
)

// PermissionSet describes what a restricted member may still do.
// The zero value blocks everything (a full mute).
type PermissionSet struct {
	SendMessages bool // plain text
	SendMedia    bool // photos, videos, documents, stickers
	SendOther    bool // polls, inline bots, games
	AddLinks     bool // web page previews
}

// MutePermissions blocks all sending.
func MutePermissions() PermissionSet {
	return PermissionSet{}
}

// TextOnlyPermissions allows plain text but no rich content and no
// link previews (restrict_media buffer mode).
func TextOnlyPermissions() PermissionSet {
	return PermissionSet{SendMessages: true}
}

// TextWithLinksPermissions allows plain text including links
// (restrict_links buffer mode: platforms cannot natively block only
// links, so link enforcement happens at message evaluation time).
func TextWithLinksPermissions() PermissionSet {
	return PermissionSet{SendMessages: true, AddLinks: true}
}

// Actuator performs platform-level effects.
type Actuator interface {
	// DeleteMessage removes one message from a chat.
	DeleteMessage(ctx context.Context, chatID, messageID int64) error

	// Restrict limits a member's permissions until the given time.
	// A zero until applies an open-ended restriction.
	Restrict(ctx context.Context, chatID, userID int64, perms PermissionSet, until time.Time) error

	// Unrestrict returns a member to the chat's default permissions.
	Unrestrict(ctx context.Context, chatID, userID int64) error

	// Kick removes a member without barring re-entry (ban then
	// immediately unban).
	Kick(ctx context.Context, chatID, userID int64) error

	// Ban permanently removes a member.
	Ban(ctx context.Context, chatID, userID int64) error

	// SendMessage posts text to a chat and returns the new message's
	// id, so prompts can be edited or deleted later.
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)

	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error

	// Notify delivers a rendered moderation report to each target
	// chat. Delivery is best-effort per target.
	Notify(ctx context.Context, targets []int64, report string) error
}
