// Package admission tracks each newly joined member through the
// admission workflow: join, optional challenge-response verification,
// the newcomer buffer window, and the first-message counter. State is
// kept per (chat, user) in memory with per-key locking; a Store can be
// attached for durability across restarts.
package admission

import (
	"fmt"
	"math/rand"
	"time"
)

// Key identifies one membership episode's state.
type Key struct {
	ChatID int64
	UserID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.UserID)
}

// State is a snapshot of one (chat, user) admission episode.
//
// Invariants: ChallengeRequired == false implies ChallengePassed ==
// true; at most one challenge is outstanding at a time (issuing a new
// one overwrites the previous expected answer).
type State struct {
	// EpisodeID distinguishes membership episodes. A user who leaves
	// and rejoins gets a fresh ID, so a timer armed for the old
	// episode can detect it is stale.
	EpisodeID string

	JoinedAt     time.Time
	MessagesSent int

	ChallengeRequired       bool
	ChallengePassed         bool
	ChallengeExpectedAnswer string // empty unless a challenge is outstanding
	ChallengeMessageID      int64  // prompt message reference, 0 if none
}

// ChallengeOutstanding reports whether an unanswered challenge exists.
func (s State) ChallengeOutstanding() bool {
	return s.ChallengeRequired && !s.ChallengePassed && s.ChallengeExpectedAnswer != ""
}

// WithinBuffer reports whether the episode is still inside the
// newcomer buffer window. Evaluated against the chat's current buffer
// configuration each time; the stored state carries only the join
// time, so buffer changes apply to existing members immediately.
func (s State) WithinBuffer(bufferSeconds int, now time.Time) bool {
	if bufferSeconds <= 0 {
		return false
	}
	return now.Sub(s.JoinedAt) < time.Duration(bufferSeconds)*time.Second
}

// Challenge is an arithmetic verification question for a newcomer.
type Challenge struct {
	Question string
	Answer   string
}

// NewChallenge generates a simple addition question. The answer is the
// opaque expected-answer token stored on the episode.
func NewChallenge() Challenge {
	a := rand.Intn(9) + 1
	b := rand.Intn(9) + 1
	return Challenge{
		Question: fmt.Sprintf("%d + %d = ?", a, b),
		Answer:   fmt.Sprintf("%d", a+b),
	}
}
