// Package enforce applies resolved enforcement plans through the
// actuator. Enforcement is best-effort: a failed delete never blocks
// the mute or the notification, and actuator failures are surfaced to
// operators only, never to the moderated user.
package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/groupguard/groupguard/internal/actuator"
	"github.com/groupguard/groupguard/internal/audit"
	"github.com/groupguard/groupguard/internal/metrics"
	"github.com/groupguard/groupguard/internal/ratelimit"
	"github.com/groupguard/groupguard/internal/resolve"
)

// Target identifies the message a plan applies to, plus display fields
// for the rendered report.
type Target struct {
	ChatID    int64
	UserID    int64
	MessageID int64
	ChatTitle string
	UserName  string
	Text      string // evaluated text, for the report snippet
}

// Publisher delivers audit events. Satisfied by messaging.NATSClient.
type Publisher interface {
	PublishAudit(data []byte) error
}

// Limiter throttles notifications per chat. Satisfied by
// ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Dispatcher turns plans into actuator calls.
type Dispatcher struct {
	act       actuator.Actuator
	targets   []int64   // admin chats receiving reports
	limiter   Limiter   // optional notify throttle
	publisher Publisher // optional audit channel
}

// NewDispatcher creates a dispatcher. notifyTargets are the chats that
// receive moderation reports; limiter and publisher may be nil.
func NewDispatcher(act actuator.Actuator, notifyTargets []int64, limiter Limiter, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		act:       act,
		targets:   append([]int64(nil), notifyTargets...),
		limiter:   limiter,
		publisher: publisher,
	}
}

// Apply performs every action the plan calls for, records metrics, and
// publishes an audit event. It never fails: each actuator error is
// logged and the remaining actions still run. Returns the audit event
// describing what was actually done.
func (d *Dispatcher) Apply(ctx context.Context, tgt Target, plan resolve.Plan) audit.Event {
	ev := audit.NewEvent(tgt.ChatID, tgt.UserID, tgt.MessageID)
	ev.Reason = plan.Reason
	ev.Keywords = plan.Keywords
	ev.Patterns = plan.Patterns
	ev.Snippet = audit.Truncate(tgt.Text)

	if plan.Empty() {
		return ev
	}

	if plan.Delete {
		if err := d.act.DeleteMessage(ctx, tgt.ChatID, tgt.MessageID); err != nil {
			log.Printf("[enforce] delete message=%d chat=%d: %v", tgt.MessageID, tgt.ChatID, err)
			metrics.ActionsApplied.WithLabelValues("delete", "error").Inc()
		} else {
			ev.Deleted = true
			metrics.ActionsApplied.WithLabelValues("delete", "ok").Inc()
		}
	}

	if plan.Mute {
		until := time.Now().Add(plan.MuteFor)
		err := d.act.Restrict(ctx, tgt.ChatID, tgt.UserID, actuator.MutePermissions(), until)
		if err != nil {
			log.Printf("[enforce] mute user=%d chat=%d: %v", tgt.UserID, tgt.ChatID, err)
			metrics.ActionsApplied.WithLabelValues("mute", "error").Inc()
		} else {
			ev.Muted = true
			ev.MuteFor = int64(plan.MuteFor / time.Second)
			metrics.ActionsApplied.WithLabelValues("mute", "ok").Inc()
		}
	}

	if plan.Notify && len(d.targets) > 0 {
		if d.allowNotify(ctx, tgt.ChatID) {
			report := renderReport(tgt, plan, ev)
			if err := d.act.Notify(ctx, d.targets, report); err != nil {
				log.Printf("[enforce] notify chat=%d: %v", tgt.ChatID, err)
				metrics.ActionsApplied.WithLabelValues("notify", "error").Inc()
			} else {
				ev.Notified = true
				metrics.ActionsApplied.WithLabelValues("notify", "ok").Inc()
			}
		} else {
			log.Printf("[enforce] notify throttled chat=%d", tgt.ChatID)
		}
	}

	d.publish(ev)
	return ev
}

func (d *Dispatcher) allowNotify(ctx context.Context, chatID int64) bool {
	if d.limiter == nil {
		return true
	}
	ok, err := d.limiter.Allow(ctx, fmt.Sprintf("%d", chatID), ratelimit.RuleNotify)
	if err != nil {
		return true
	}
	return ok
}

func (d *Dispatcher) publish(ev audit.Event) {
	if d.publisher == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[enforce] marshal audit event: %v", err)
		return
	}
	if err := d.publisher.PublishAudit(data); err != nil {
		log.Printf("[enforce] publish audit event %s: %v", ev.ID, err)
	}
}

// renderReport builds the operator-facing moderation report.
func renderReport(tgt Target, plan resolve.Plan, ev audit.Event) string {
	var b strings.Builder
	b.WriteString("Moderation alert\n")
	if tgt.ChatTitle != "" {
		fmt.Fprintf(&b, "Chat: %s (%d)\n", tgt.ChatTitle, tgt.ChatID)
	} else {
		fmt.Fprintf(&b, "Chat: %d\n", tgt.ChatID)
	}
	if tgt.UserName != "" {
		fmt.Fprintf(&b, "User: %s (%d)\n", tgt.UserName, tgt.UserID)
	} else {
		fmt.Fprintf(&b, "User: %d\n", tgt.UserID)
	}
	fmt.Fprintf(&b, "Message: %d\n", tgt.MessageID)

	if len(plan.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(plan.Keywords, ", "))
	}
	if len(plan.Patterns) > 0 {
		fmt.Fprintf(&b, "Patterns: %s\n", strings.Join(plan.Patterns, ", "))
	}

	var applied []string
	if ev.Deleted {
		applied = append(applied, "deleted")
	}
	if ev.Muted {
		applied = append(applied, fmt.Sprintf("muted %ds", ev.MuteFor))
	}
	if len(applied) > 0 {
		fmt.Fprintf(&b, "Applied: %s\n", strings.Join(applied, ", "))
	}

	if ev.Snippet != "" {
		fmt.Fprintf(&b, "Preview:\n%s", ev.Snippet)
	}
	return b.String()
}
