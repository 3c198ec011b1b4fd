// Package resolve combines a match result, a chat's rule set, and a
// user's admission state into a concrete enforcement plan. The
// resolver is pure: it performs no I/O and mutates nothing, so
// evaluating the same inputs twice yields identical plans.
package resolve

import (
	"time"

	"github.com/groupguard/groupguard/internal/filter"
	"github.com/groupguard/groupguard/internal/rules"
)

// Reasons attached to a non-empty plan.
const (
	ReasonRules        = "rules"
	ReasonNewcomerLink = "newcomer_link"
	ReasonClassifier   = "classifier"
)

// LabelNewcomerLink is the synthetic hit recorded when a newcomer
// posts a link during a restrict_links buffer window.
const LabelNewcomerLink = "link:newcomer_buffer"

// Plan is the resolved set of enforcement actions for one message.
// Consumed by the dispatcher; an empty plan means no enforcement.
type Plan struct {
	Delete  bool
	Mute    bool
	MuteFor time.Duration
	Notify  bool

	Reason   string
	Keywords []string // literal keyword hits
	Patterns []string // regex pattern hits, or a synthetic label
}

// Empty reports whether the plan carries no enforcement at all.
func (p Plan) Empty() bool {
	return !p.Delete && !p.Mute && !p.Notify
}

// Input gathers everything the resolver consults for one evaluation.
type Input struct {
	Rules rules.RuleSet
	Match filter.Result

	// MessagesSent is the user's counter at evaluation time; 1 means
	// this message is the user's first counted message.
	MessagesSent int

	// WithinBuffer is the admission state's buffer query evaluated
	// against the chat's current rule set.
	WithinBuffer bool

	// HasLink reports a URL-ish prefix in the raw message text.
	HasLink bool
}

// Resolve produces the enforcement plan for one message.
//
// A newcomer link violation (restrict_links buffer mode) short-circuits
// the keyword/regex path entirely: the message is deleted and reported
// regardless of what the rule set's matcher said. Otherwise a
// non-match yields an empty plan, and a match applies the configured
// action, escalated to delete+mute+notify for a strict first message.
// The escalation is scoped to this evaluation only.
func Resolve(in Input) Plan {
	if in.HasLink && in.WithinBuffer && in.Rules.NewcomerBufferMode == rules.BufferRestrictLinks {
		return Plan{
			Delete:   true,
			Notify:   true,
			Reason:   ReasonNewcomerLink,
			Patterns: []string{LabelNewcomerLink},
		}
	}

	if !in.Match.Matched {
		return Plan{}
	}

	action := in.Rules.Action
	if in.Rules.FirstMessageStrict && in.MessagesSent == 1 {
		action = rules.ActionDeleteAndMuteNotify
	}

	flags := action.Flags()
	plan := Plan{
		Delete:   flags.Delete,
		Notify:   flags.Notify,
		Reason:   ReasonRules,
		Keywords: in.Match.Keywords,
		Patterns: in.Match.Patterns,
	}
	// A zero mute duration means mute actions have no effect.
	if flags.Mute && in.Rules.MuteSeconds > 0 {
		plan.Mute = true
		plan.MuteFor = time.Duration(in.Rules.MuteSeconds) * time.Second
	}
	return plan
}
