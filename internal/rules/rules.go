// Package rules defines the per-chat moderation policy: keyword and
// regex lists, the enforcement action, newcomer buffer settings, and
// challenge settings. Rule sets are plain values; a rule set read from
// storage is always valid because every field degrades to its default
// rather than erroring.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// GlobalChatID is the chat id of the global fallback rule set.
const GlobalChatID int64 = 0

// MinChallengeTimeoutSeconds is the floor for challenge timeouts.
const MinChallengeTimeoutSeconds = 10

// Action is the stored enforcement action for a matched message.
type Action string

const (
	ActionNone                = Action("none")
	ActionDelete              = Action("delete")
	ActionNotify              = Action("notify")
	ActionDeleteAndNotify     = Action("delete_and_notify")
	ActionMute                = Action("mute")
	ActionMuteAndNotify       = Action("mute_and_notify")
	ActionDeleteAndMute       = Action("delete_and_mute")
	ActionDeleteAndMuteNotify = Action("delete_and_mute_and_notify")
)

// DefaultAction is applied when a stored action is unknown.
const DefaultAction = ActionDeleteAndNotify

// Flags is the decomposed capability set of an Action. It is derived
// once per evaluation instead of re-testing enum membership at every
// call site.
type Flags struct {
	Delete bool
	Mute   bool
	Notify bool
}

var actionFlags = map[Action]Flags{
	ActionNone:                {},
	ActionDelete:              {Delete: true},
	ActionNotify:              {Notify: true},
	ActionDeleteAndNotify:     {Delete: true, Notify: true},
	ActionMute:                {Mute: true},
	ActionMuteAndNotify:       {Mute: true, Notify: true},
	ActionDeleteAndMute:       {Delete: true, Mute: true},
	ActionDeleteAndMuteNotify: {Delete: true, Mute: true, Notify: true},
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := actionFlags[a]
	return ok
}

// Flags returns the capability flags for a. Unknown actions decompose
// as the default action.
func (a Action) Flags() Flags {
	if f, ok := actionFlags[a]; ok {
		return f
	}
	return actionFlags[DefaultAction]
}

// BufferMode selects the restriction applied during the newcomer buffer.
type BufferMode string

const (
	BufferNone          = BufferMode("none")
	BufferMute          = BufferMode("mute")
	BufferRestrictMedia = BufferMode("restrict_media")
	BufferRestrictLinks = BufferMode("restrict_links")
)

// Valid reports whether m is a known buffer mode.
func (m BufferMode) Valid() bool {
	switch m {
	case BufferNone, BufferMute, BufferRestrictMedia, BufferRestrictLinks:
		return true
	}
	return false
}

// Configuration errors returned by write-boundary validation.
var (
	ErrInvalidAction     = errors.New("rules: invalid action")
	ErrInvalidBufferMode = errors.New("rules: invalid buffer mode")
	ErrNegativeSeconds   = errors.New("rules: seconds must be >= 0")
	ErrTimeoutTooShort   = fmt.Errorf("rules: challenge timeout must be >= %ds", MinChallengeTimeoutSeconds)
	ErrEmptyPattern      = errors.New("rules: empty keyword or pattern")
)

// RuleSet is one chat's moderation policy. Evaluation treats it as
// immutable; mutation happens only through store write operations.
type RuleSet struct {
	Keywords                []string
	RegexPatterns           []string
	Action                  Action
	MuteSeconds             int
	NewcomerBufferSeconds   int
	NewcomerBufferMode      BufferMode
	ChallengeEnabled        bool
	ChallengeTimeoutSeconds int
	FirstMessageStrict      bool
	FloodDetection          bool
}

// Defaults returns the rule set used when a chat has no stored row.
func Defaults() RuleSet {
	return RuleSet{
		Keywords:                nil,
		RegexPatterns:           nil,
		Action:                  DefaultAction,
		MuteSeconds:             3600,
		NewcomerBufferSeconds:   300,
		NewcomerBufferMode:      BufferRestrictMedia,
		ChallengeEnabled:        false,
		ChallengeTimeoutSeconds: 120,
		FirstMessageStrict:      true,
		FloodDetection:          false,
	}
}

// Clamp normalizes rs in place so that every field independently
// satisfies its invariant. Malformed persisted data degrades to
// defaults instead of propagating; after Clamp the rule set is valid.
func (rs *RuleSet) Clamp() {
	rs.Keywords = dedupe(rs.Keywords)
	rs.RegexPatterns = dedupe(rs.RegexPatterns)
	if !rs.Action.Valid() {
		rs.Action = DefaultAction
	}
	if rs.MuteSeconds < 0 {
		rs.MuteSeconds = 0
	}
	if rs.NewcomerBufferSeconds < 0 {
		rs.NewcomerBufferSeconds = 0
	}
	if !rs.NewcomerBufferMode.Valid() {
		rs.NewcomerBufferMode = BufferNone
	}
	if rs.ChallengeTimeoutSeconds < MinChallengeTimeoutSeconds {
		rs.ChallengeTimeoutSeconds = MinChallengeTimeoutSeconds
	}
}

// Validate checks rs against the write-boundary invariants. Unlike
// Clamp it rejects bad values instead of degrading them; writes must
// never silently accept invalid configuration.
func (rs *RuleSet) Validate() error {
	if !rs.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, rs.Action)
	}
	if !rs.NewcomerBufferMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBufferMode, rs.NewcomerBufferMode)
	}
	if rs.MuteSeconds < 0 || rs.NewcomerBufferSeconds < 0 {
		return ErrNegativeSeconds
	}
	if rs.ChallengeTimeoutSeconds < MinChallengeTimeoutSeconds {
		return ErrTimeoutTooShort
	}
	for _, p := range rs.RegexPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("rules: pattern %q: %w", p, err)
		}
	}
	return nil
}

// Clone returns a deep copy so evaluations never alias stored slices.
func (rs RuleSet) Clone() RuleSet {
	out := rs
	out.Keywords = append([]string(nil), rs.Keywords...)
	out.RegexPatterns = append([]string(nil), rs.RegexPatterns...)
	return out
}

// dedupe removes empty entries and duplicates, preserving insertion
// order of first occurrence.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// containsTrimmed reports whether list already holds s.
func containsTrimmed(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// AddKeyword appends a keyword if it is non-empty and not already
// present. Returns whether the rule set changed.
func (rs *RuleSet) AddKeyword(keyword string) (bool, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return false, ErrEmptyPattern
	}
	if containsTrimmed(rs.Keywords, keyword) {
		return false, nil
	}
	rs.Keywords = append(rs.Keywords, keyword)
	return true, nil
}

// RemoveKeyword deletes a keyword. Returns whether the rule set changed.
func (rs *RuleSet) RemoveKeyword(keyword string) bool {
	keyword = strings.TrimSpace(keyword)
	out := rs.Keywords[:0]
	removed := false
	for _, k := range rs.Keywords {
		if k == keyword {
			removed = true
			continue
		}
		out = append(out, k)
	}
	rs.Keywords = out
	return removed
}

// AddRegex appends a regex pattern after a compile check. Patterns are
// matched case-insensitively at evaluation time, so the compile check
// uses the same flag.
func (rs *RuleSet) AddRegex(pattern string) (bool, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false, ErrEmptyPattern
	}
	if _, err := regexp.Compile("(?i)" + pattern); err != nil {
		return false, fmt.Errorf("rules: invalid pattern %q: %w", pattern, err)
	}
	if containsTrimmed(rs.RegexPatterns, pattern) {
		return false, nil
	}
	rs.RegexPatterns = append(rs.RegexPatterns, pattern)
	return true, nil
}

// RemoveRegex deletes a pattern. Returns whether the rule set changed.
func (rs *RuleSet) RemoveRegex(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	out := rs.RegexPatterns[:0]
	removed := false
	for _, p := range rs.RegexPatterns {
		if p == pattern {
			removed = true
			continue
		}
		out = append(out, p)
	}
	rs.RegexPatterns = out
	return removed
}

// SetAction sets the enforcement action, rejecting unknown values.
func (rs *RuleSet) SetAction(action Action) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	rs.Action = action
	return nil
}

// SetMuteSeconds sets the mute duration. Zero means mute actions have
// no effect.
func (rs *RuleSet) SetMuteSeconds(seconds int) error {
	if seconds < 0 {
		return ErrNegativeSeconds
	}
	rs.MuteSeconds = seconds
	return nil
}

// SetNewcomerBuffer configures the newcomer buffer window and mode.
func (rs *RuleSet) SetNewcomerBuffer(seconds int, mode BufferMode) error {
	if seconds < 0 {
		return ErrNegativeSeconds
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBufferMode, mode)
	}
	rs.NewcomerBufferSeconds = seconds
	rs.NewcomerBufferMode = mode
	return nil
}

// SetChallenge toggles the join challenge. A timeout of 0 keeps the
// current value; anything else must be at least the floor.
func (rs *RuleSet) SetChallenge(enabled bool, timeoutSeconds int) error {
	if timeoutSeconds != 0 && timeoutSeconds < MinChallengeTimeoutSeconds {
		return ErrTimeoutTooShort
	}
	rs.ChallengeEnabled = enabled
	if timeoutSeconds != 0 {
		rs.ChallengeTimeoutSeconds = timeoutSeconds
	}
	return nil
}

// SetFirstMessageStrict toggles first-message escalation.
func (rs *RuleSet) SetFirstMessageStrict(enabled bool) {
	rs.FirstMessageStrict = enabled
}

// SetFloodDetection toggles the built-in character and word flood
// checks.
func (rs *RuleSet) SetFloodDetection(enabled bool) {
	rs.FloodDetection = enabled
}
