package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/groupguard/groupguard/internal/actuator"
	"github.com/groupguard/groupguard/internal/audit"
	"github.com/groupguard/groupguard/internal/ratelimit"
	"github.com/groupguard/groupguard/internal/resolve"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakePublisher) PublishAudit(data []byte) error {
	var ev audit.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error) {
	return false, nil
}

var fullPlan = resolve.Plan{
	Delete:   true,
	Mute:     true,
	MuteFor:  time.Hour,
	Notify:   true,
	Reason:   resolve.ReasonRules,
	Keywords: []string{"spam"},
}

var tgt = Target{
	ChatID:    42,
	UserID:    7,
	MessageID: 100,
	ChatTitle: "test group",
	UserName:  "offender",
	Text:      "spam text",
}

func TestApplyFullPlan(t *testing.T) {
	rec := actuator.NewRecorder()
	pub := &fakePublisher{}
	d := NewDispatcher(rec, []int64{900}, nil, pub)

	ev := d.Apply(context.Background(), tgt, fullPlan)

	if !ev.Deleted || !ev.Muted || !ev.Notified {
		t.Errorf("event = %+v, want all three applied", ev)
	}
	if ev.MuteFor != 3600 {
		t.Errorf("MuteFor = %d, want 3600", ev.MuteFor)
	}
	if n := len(rec.CallsOf("delete")); n != 1 {
		t.Errorf("delete calls = %d, want 1", n)
	}
	if n := len(rec.CallsOf("restrict")); n != 1 {
		t.Errorf("restrict calls = %d, want 1", n)
	}
	notifies := rec.CallsOf("notify")
	if len(notifies) != 1 {
		t.Fatalf("notify calls = %d, want 1", len(notifies))
	}
	if !strings.Contains(notifies[0].Text, "spam") {
		t.Errorf("report %q does not mention the hit keyword", notifies[0].Text)
	}
	if len(pub.events) != 1 || pub.events[0].ChatID != 42 {
		t.Errorf("published events = %+v, want one for chat 42", pub.events)
	}
}

func TestApplyEmptyPlanDoesNothing(t *testing.T) {
	rec := actuator.NewRecorder()
	pub := &fakePublisher{}
	d := NewDispatcher(rec, []int64{900}, nil, pub)

	d.Apply(context.Background(), tgt, resolve.Plan{})

	if n := len(rec.Calls()); n != 0 {
		t.Errorf("actuator calls = %d, want 0 for empty plan", n)
	}
	if len(pub.events) != 0 {
		t.Errorf("published %d events for an empty plan", len(pub.events))
	}
}

func TestFailedDeleteDoesNotBlockNotify(t *testing.T) {
	rec := actuator.NewRecorder()
	rec.FailOn("delete", errors.New("not enough rights"))
	d := NewDispatcher(rec, []int64{900}, nil, nil)

	ev := d.Apply(context.Background(), tgt, fullPlan)

	if ev.Deleted {
		t.Error("event reports deleted despite actuator failure")
	}
	if !ev.Muted || !ev.Notified {
		t.Errorf("event = %+v, want mute and notify still applied", ev)
	}
}

func TestMuteRestrictsAllSending(t *testing.T) {
	rec := actuator.NewRecorder()
	d := NewDispatcher(rec, nil, nil, nil)

	d.Apply(context.Background(), tgt, fullPlan)

	restricts := rec.CallsOf("restrict")
	if len(restricts) != 1 {
		t.Fatalf("restrict calls = %d, want 1", len(restricts))
	}
	if restricts[0].Perms != actuator.MutePermissions() {
		t.Errorf("perms = %+v, want full mute", restricts[0].Perms)
	}
	if restricts[0].Until.IsZero() {
		t.Error("mute has no until date")
	}
}

func TestNotifyThrottled(t *testing.T) {
	rec := actuator.NewRecorder()
	d := NewDispatcher(rec, []int64{900}, denyLimiter{}, nil)

	ev := d.Apply(context.Background(), tgt, fullPlan)

	if ev.Notified {
		t.Error("event reports notified despite throttle")
	}
	if n := len(rec.CallsOf("notify")); n != 0 {
		t.Errorf("notify calls = %d, want 0 when throttled", n)
	}
	// Delete and mute are unaffected by the notify throttle.
	if !ev.Deleted || !ev.Muted {
		t.Errorf("event = %+v, want delete and mute applied", ev)
	}
}

func TestSnippetTruncated(t *testing.T) {
	rec := actuator.NewRecorder()
	d := NewDispatcher(rec, nil, nil, nil)

	long := tgt
	long.Text = strings.Repeat("广", 600)
	ev := d.Apply(context.Background(), long, fullPlan)

	if got := len([]rune(ev.Snippet)); got != audit.SnippetLimit+1 {
		t.Errorf("snippet runes = %d, want %d plus ellipsis", got, audit.SnippetLimit)
	}
}
