// Package engine wires the moderation pipeline together: admission
// tracking, rule evaluation, the optional classifier and extractor
// fallbacks, and enforcement dispatch. One Engine serves all chats.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/groupguard/groupguard/internal/actuator"
	"github.com/groupguard/groupguard/internal/admission"
	"github.com/groupguard/groupguard/internal/audit"
	"github.com/groupguard/groupguard/internal/ban"
	"github.com/groupguard/groupguard/internal/classify"
	"github.com/groupguard/groupguard/internal/enforce"
	"github.com/groupguard/groupguard/internal/extract"
	"github.com/groupguard/groupguard/internal/filter"
	"github.com/groupguard/groupguard/internal/metrics"
	"github.com/groupguard/groupguard/internal/ratelimit"
	"github.com/groupguard/groupguard/internal/resolve"
	"github.com/groupguard/groupguard/internal/rules"
	"github.com/groupguard/groupguard/internal/textnorm"
)

// Limiter throttles the classifier fallback per chat. May be nil.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Events publishes challenge lifecycle events for downstream
// consumers. May be nil.
type Events interface {
	PublishChallenge(data []byte) error
}

// ChallengeEvent is the payload published on each challenge
// transition.
type ChallengeEvent struct {
	ChatID  int64  `json:"chat_id"`
	UserID  int64  `json:"user_id"`
	Outcome string `json:"outcome"` // "issued", "passed", "expired"
	Ts      int64  `json:"ts"`
}

// Options carries the Engine's collaborators. Rules, Table, Dispatcher
// and Actuator are required; the rest are optional and nil disables
// the corresponding feature.
type Options struct {
	Rules      rules.Store
	Table      *admission.Table
	Dispatcher *enforce.Dispatcher
	Actuator   actuator.Actuator

	Classifier classify.Classifier
	Extractor  extract.Extractor
	Limiter    Limiter
	Strikes    *ban.Store
	Events     Events
}

// Engine evaluates messages and join events against per-chat policy.
type Engine struct {
	rules      rules.Store
	table      *admission.Table
	dispatcher *enforce.Dispatcher
	act        actuator.Actuator
	classifier classify.Classifier
	extractor  extract.Extractor
	limiter    Limiter
	strikes    *ban.Store
	events     Events
	clock      func() time.Time
}

func New(opts Options) *Engine {
	return &Engine{
		rules:      opts.Rules,
		table:      opts.Table,
		dispatcher: opts.Dispatcher,
		act:        opts.Actuator,
		classifier: opts.Classifier,
		extractor:  opts.Extractor,
		limiter:    opts.Limiter,
		strikes:    opts.Strikes,
		events:     opts.Events,
		clock:      time.Now,
	}
}

// Message is one inbound chat message, already stripped of transport
// details. Caption covers media captions; ImageKey and Image carry the
// largest attached photo when OCR is enabled.
type Message struct {
	ChatID    int64
	UserID    int64
	MessageID int64
	ChatTitle string
	UserName  string

	Text     string
	Caption  string
	ImageKey string
	Image    []byte
}

// gatherText joins every text surface of the message, running OCR on
// the attached image when an extractor is configured. OCR failures
// degrade to text-only evaluation.
func (e *Engine) gatherText(ctx context.Context, msg Message) string {
	parts := make([]string, 0, 3)
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	if msg.Caption != "" {
		parts = append(parts, msg.Caption)
	}
	if e.extractor != nil && len(msg.Image) > 0 {
		ocr, err := e.extractor.Extract(ctx, msg.ImageKey, msg.Image)
		if err != nil {
			log.Printf("[engine] ocr chat=%d msg=%d: %v", msg.ChatID, msg.MessageID, err)
		} else if ocr != "" {
			parts = append(parts, ocr)
		}
	}
	return strings.Join(parts, "\n")
}

// ruleSet loads the chat's effective policy, falling back to built-in
// defaults when the store is unreachable. A store outage must not turn
// off moderation entirely.
func (e *Engine) ruleSet(ctx context.Context, chatID int64) rules.RuleSet {
	rs, err := e.rules.Get(ctx, chatID)
	if err != nil {
		log.Printf("[engine] rules get chat=%d: %v", chatID, err)
		return rules.Defaults()
	}
	return rs
}

// ProcessMessage evaluates one message end to end and applies whatever
// the policy demands. The returned event reflects what was actually
// attempted.
func (e *Engine) ProcessMessage(ctx context.Context, msg Message) audit.Event {
	start := e.clock()
	key := admission.Key{ChatID: msg.ChatID, UserID: msg.UserID}

	state := e.table.RecordMessage(ctx, key)
	rs := e.ruleSet(ctx, msg.ChatID)
	text := e.gatherText(ctx, msg)

	plan := resolve.Resolve(resolve.Input{
		Rules:        rs,
		Match:        filter.Match(rs, text),
		MessagesSent: state.MessagesSent,
		WithinBuffer: state.WithinBuffer(rs.NewcomerBufferSeconds, e.clock()),
		HasLink:      textnorm.ContainsLink(text),
	})

	if plan.Empty() && e.classifier != nil && strings.TrimSpace(text) != "" {
		plan = e.classifyFallback(ctx, msg.ChatID, text, rs)
	}

	metrics.MessagesEvaluated.WithLabelValues(outcomeLabel(plan)).Inc()

	ev := e.dispatcher.Apply(ctx, enforce.Target{
		ChatID:    msg.ChatID,
		UserID:    msg.UserID,
		MessageID: msg.MessageID,
		ChatTitle: msg.ChatTitle,
		UserName:  msg.UserName,
		Text:      text,
	}, plan)

	metrics.EvaluationLatency.Observe(e.clock().Sub(start).Seconds())
	return ev
}

// classifyFallback asks the classifier about a message the rules let
// through. A flagged verdict applies the chat's configured action with
// a synthetic hit naming the classifier's label. Throttled per chat;
// any failure means no action.
func (e *Engine) classifyFallback(ctx context.Context, chatID int64, text string, rs rules.RuleSet) resolve.Plan {
	if e.limiter != nil {
		id := fmt.Sprintf("%d", chatID)
		allowed, err := e.limiter.Allow(ctx, id, ratelimit.RuleClassify)
		if err != nil {
			log.Printf("[engine] classify limiter chat=%d: %v", chatID, err)
		}
		if !allowed && err == nil {
			return resolve.Plan{}
		}
	}

	v, err := e.classifier.Classify(ctx, text)
	if err != nil {
		log.Printf("[engine] classify chat=%d: %v", chatID, err)
		return resolve.Plan{}
	}
	if !v.Flagged {
		return resolve.Plan{}
	}

	flags := rs.Action.Flags()
	plan := resolve.Plan{
		Delete:   flags.Delete,
		Notify:   flags.Notify,
		Reason:   resolve.ReasonClassifier,
		Patterns: []string{"ai:" + v.Label},
	}
	// A zero mute duration means mute actions have no effect.
	if flags.Mute && rs.MuteSeconds > 0 {
		plan.Mute = true
		plan.MuteFor = time.Duration(rs.MuteSeconds) * time.Second
	}
	return plan
}

// publishChallenge emits a lifecycle event best-effort.
func (e *Engine) publishChallenge(chatID, userID int64, outcome string) {
	metrics.ChallengesTotal.WithLabelValues(outcome).Inc()
	if e.events == nil {
		return
	}
	data, err := json.Marshal(ChallengeEvent{
		ChatID:  chatID,
		UserID:  userID,
		Outcome: outcome,
		Ts:      e.clock().Unix(),
	})
	if err != nil {
		log.Printf("[engine] marshal challenge event: %v", err)
		return
	}
	if err := e.events.PublishChallenge(data); err != nil {
		log.Printf("[engine] publish challenge event chat=%d user=%d: %v", chatID, userID, err)
	}
}

func outcomeLabel(plan resolve.Plan) string {
	switch plan.Reason {
	case resolve.ReasonRules:
		return "matched"
	case resolve.ReasonNewcomerLink:
		return "newcomer_link"
	case resolve.ReasonClassifier:
		return "classifier"
	default:
		return "clean"
	}
}

// bufferPermissions maps a buffer mode to the permission set a newly
// joined member is held to for the buffer window. Mode "none" applies
// no restriction. Link posting by newcomers is additionally caught at
// message evaluation time for restrict_links.
func bufferPermissions(mode rules.BufferMode) (actuator.PermissionSet, bool) {
	switch mode {
	case rules.BufferMute:
		return actuator.MutePermissions(), true
	case rules.BufferRestrictMedia:
		return actuator.TextOnlyPermissions(), true
	case rules.BufferRestrictLinks:
		return actuator.TextWithLinksPermissions(), true
	default:
		return actuator.PermissionSet{}, false
	}
}

// ProcessJoin starts a membership episode for a newly joined user,
// applies the newcomer buffer restriction, and issues a verification
// challenge when the chat requires one.
func (e *Engine) ProcessJoin(ctx context.Context, chatID, userID int64, userName string) {
	rs := e.ruleSet(ctx, chatID)
	key := admission.Key{ChatID: chatID, UserID: userID}

	state := e.table.Join(ctx, key, rs.ChallengeEnabled)

	if rs.NewcomerBufferSeconds > 0 {
		if perms, ok := bufferPermissions(rs.NewcomerBufferMode); ok {
			until := state.JoinedAt.Add(time.Duration(rs.NewcomerBufferSeconds) * time.Second)
			if err := e.act.Restrict(ctx, chatID, userID, perms, until); err != nil {
				log.Printf("[engine] buffer restrict chat=%d user=%d: %v", chatID, userID, err)
			}
		}
	}

	if !rs.ChallengeEnabled {
		return
	}

	ch := admission.NewChallenge()
	prompt := fmt.Sprintf("Welcome %s! To verify you are human, reply with the answer to %s within %d seconds.",
		userName, ch.Question, rs.ChallengeTimeoutSeconds)
	promptID, err := e.act.SendMessage(ctx, chatID, prompt)
	if err != nil {
		// Without a prompt the user cannot be expected to answer, so
		// the episode is left unverified but untimed.
		log.Printf("[engine] challenge prompt chat=%d user=%d: %v", chatID, userID, err)
		return
	}

	timeout := time.Duration(rs.ChallengeTimeoutSeconds) * time.Second
	e.table.IssueChallenge(ctx, key, ch, promptID, timeout, func(snap admission.State) {
		e.expelUnverified(chatID, userID, userName, snap)
	})
	e.publishChallenge(chatID, userID, "issued")
}

// expelUnverified is the challenge timeout path: kick the user and
// mark the prompt expired. A user who keeps rejoining and failing is
// escalated to a permanent ban once their strike count reaches the
// threshold. Runs outside any state lock.
func (e *Engine) expelUnverified(chatID, userID int64, userName string, snap admission.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.publishChallenge(chatID, userID, "expired")

	permanent := false
	if e.strikes != nil {
		count, err := e.strikes.RecordFailure(ctx, chatID, userID)
		if err != nil {
			log.Printf("[engine] record strike chat=%d user=%d: %v", chatID, userID, err)
		} else if count >= ban.BanThreshold {
			permanent = true
		}
	}

	if permanent {
		if err := e.act.Ban(ctx, chatID, userID); err != nil {
			log.Printf("[engine] challenge ban chat=%d user=%d: %v", chatID, userID, err)
			metrics.ActionsApplied.WithLabelValues("ban", "error").Inc()
		} else {
			metrics.ActionsApplied.WithLabelValues("ban", "ok").Inc()
		}
	} else if err := e.act.Kick(ctx, chatID, userID); err != nil {
		log.Printf("[engine] challenge kick chat=%d user=%d: %v", chatID, userID, err)
		metrics.ActionsApplied.WithLabelValues("kick", "error").Inc()
	} else {
		metrics.ActionsApplied.WithLabelValues("kick", "ok").Inc()
	}
	if snap.ChallengeMessageID != 0 {
		expired := fmt.Sprintf("%s did not pass verification in time and was removed.", userName)
		if err := e.act.EditMessage(ctx, chatID, snap.ChallengeMessageID, expired); err != nil {
			log.Printf("[engine] challenge prompt edit chat=%d: %v", chatID, err)
		}
	}
	e.table.Reset(ctx, admission.Key{ChatID: chatID, UserID: userID})
}

// ProcessChallengeResponse applies a message from a user with an
// outstanding challenge. A correct answer verifies the episode and
// removes the prompt; a wrong answer is deleted to keep the chat
// clean while the user retries.
func (e *Engine) ProcessChallengeResponse(ctx context.Context, chatID, userID, messageID int64, text string) admission.AnswerOutcome {
	key := admission.Key{ChatID: chatID, UserID: userID}
	outcome, snap := e.table.Answer(ctx, key, strings.TrimSpace(text))

	switch outcome {
	case admission.AnswerCorrect:
		e.publishChallenge(chatID, userID, "passed")
		if e.strikes != nil {
			if err := e.strikes.Clear(ctx, chatID, userID); err != nil {
				log.Printf("[engine] clear strikes chat=%d user=%d: %v", chatID, userID, err)
			}
		}
		if snap.ChallengeMessageID != 0 {
			if err := e.act.DeleteMessage(ctx, chatID, snap.ChallengeMessageID); err != nil {
				log.Printf("[engine] challenge prompt delete chat=%d: %v", chatID, err)
			}
		}
	case admission.AnswerWrong:
		if err := e.act.DeleteMessage(ctx, chatID, messageID); err != nil {
			log.Printf("[engine] wrong answer delete chat=%d msg=%d: %v", chatID, messageID, err)
		}
	}
	return outcome
}

// HasOutstandingChallenge reports whether the sender must answer a
// challenge before their messages are evaluated normally.
func (e *Engine) HasOutstandingChallenge(ctx context.Context, chatID, userID int64) bool {
	state, ok := e.table.Get(ctx, admission.Key{ChatID: chatID, UserID: userID})
	return ok && state.ChallengeOutstanding()
}

// ProcessLeave drops the member's admission episode.
func (e *Engine) ProcessLeave(ctx context.Context, chatID, userID int64) {
	e.table.Reset(ctx, admission.Key{ChatID: chatID, UserID: userID})
}
