package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/groupguard/groupguard/internal/actuator"
	"github.com/groupguard/groupguard/internal/admission"
	"github.com/groupguard/groupguard/internal/classify"
	"github.com/groupguard/groupguard/internal/enforce"
	"github.com/groupguard/groupguard/internal/extract"
	"github.com/groupguard/groupguard/internal/ratelimit"
	"github.com/groupguard/groupguard/internal/resolve"
	"github.com/groupguard/groupguard/internal/rules"
)

const (
	testChat = int64(-100500)
	testUser = int64(42)
)

type harness struct {
	store *rules.MemoryStore
	table *admission.Table
	rec   *actuator.Recorder
	eng   *Engine
}

func newHarness(t *testing.T, opts func(*Options)) *harness {
	t.Helper()
	store := rules.NewMemoryStore()
	table := admission.NewTable(nil)
	t.Cleanup(table.Close)
	rec := actuator.NewRecorder()

	o := Options{
		Rules:      store,
		Table:      table,
		Dispatcher: enforce.NewDispatcher(rec, []int64{900}, nil, nil),
		Actuator:   rec,
	}
	if opts != nil {
		opts(&o)
	}
	return &harness{store: store, table: table, rec: rec, eng: New(o)}
}

func (h *harness) putRules(t *testing.T, mutate func(*rules.RuleSet)) {
	t.Helper()
	rs := rules.Defaults()
	mutate(&rs)
	if err := h.store.Put(context.Background(), testChat, rs); err != nil {
		t.Fatalf("put rules: %v", err)
	}
}

func TestProcessMessageKeywordMatch(t *testing.T) {
	h := newHarness(t, nil)
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.Keywords = []string{"casino"}
		rs.FirstMessageStrict = false
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 7,
		Text: "best CASINO in town",
	})

	if ev.Reason != resolve.ReasonRules {
		t.Fatalf("reason = %q, want %q", ev.Reason, resolve.ReasonRules)
	}
	if !ev.Deleted || !ev.Notified {
		t.Fatalf("event = %+v, want deleted and notified", ev)
	}
	if len(h.rec.CallsOf("delete")) != 1 {
		t.Fatal("expected one delete call")
	}
	if len(h.rec.CallsOf("notify")) != 1 {
		t.Fatal("expected one notify call")
	}
}

func TestProcessMessageClean(t *testing.T) {
	h := newHarness(t, nil)
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.Keywords = []string{"casino"}
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 7,
		Text: "good morning everyone",
	})

	if ev.Reason != "" || ev.Deleted || ev.Muted || ev.Notified {
		t.Fatalf("clean message acted on: %+v", ev)
	}
	if calls := h.rec.Calls(); len(calls) != 0 {
		t.Fatalf("unexpected actuator calls: %+v", calls)
	}
}

func TestProcessMessageFirstMessageEscalation(t *testing.T) {
	h := newHarness(t, nil)
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.Keywords = []string{"casino"}
		rs.Action = rules.ActionDelete
		rs.FirstMessageStrict = true
		rs.MuteSeconds = 600
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 1,
		Text: "casino time",
	})
	if !ev.Deleted || !ev.Muted || !ev.Notified {
		t.Fatalf("first message not escalated: %+v", ev)
	}

	// Second offending message gets only the configured action.
	ev = h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 2,
		Text: "casino again",
	})
	if !ev.Deleted || ev.Muted || ev.Notified {
		t.Fatalf("second message escalated: %+v", ev)
	}
}

func TestProcessMessageNewcomerLink(t *testing.T) {
	h := newHarness(t, nil)
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.NewcomerBufferSeconds = 300
		rs.NewcomerBufferMode = rules.BufferRestrictLinks
		rs.Action = rules.ActionNone
	})

	h.eng.ProcessJoin(context.Background(), testChat, testUser, "newbie")
	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 3,
		Text: "check out https://spam.example",
	})

	if ev.Reason != resolve.ReasonNewcomerLink {
		t.Fatalf("reason = %q, want %q", ev.Reason, resolve.ReasonNewcomerLink)
	}
	if !ev.Deleted {
		t.Fatal("newcomer link not deleted")
	}
}

func TestProcessMessageCaptionAndOCR(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Extractor = extract.Func(func(ctx context.Context, key string, image []byte) (string, error) {
			return "hidden casino ad", nil
		})
	})
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.Keywords = []string{"casino"}
		rs.FirstMessageStrict = false
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 4,
		Caption:  "nice picture",
		ImageKey: "file-1",
		Image:    []byte{1, 2, 3},
	})

	if ev.Reason != resolve.ReasonRules {
		t.Fatalf("ocr text not evaluated: %+v", ev)
	}
}

func TestProcessMessageOCRFailureDegrades(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Extractor = extract.Func(func(ctx context.Context, key string, image []byte) (string, error) {
			return "", errors.New("tesseract missing")
		})
	})
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.Keywords = []string{"casino"}
		rs.FirstMessageStrict = false
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 4,
		Text:  "casino",
		Image: []byte{1},
	})
	if ev.Reason != resolve.ReasonRules {
		t.Fatalf("text evaluation lost on ocr failure: %+v", ev)
	}
}

func TestClassifierFallback(t *testing.T) {
	var classified string
	h := newHarness(t, func(o *Options) {
		o.Classifier = classify.Func(func(ctx context.Context, text string) (classify.Verdict, error) {
			classified = text
			return classify.Verdict{Flagged: true, Score: 0.95, Label: "ad"}, nil
		})
	})
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.FirstMessageStrict = false
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 5,
		Text: "subtle promotion the rules miss",
	})

	if classified == "" {
		t.Fatal("classifier not consulted")
	}
	if ev.Reason != resolve.ReasonClassifier {
		t.Fatalf("reason = %q, want %q", ev.Reason, resolve.ReasonClassifier)
	}
	if len(ev.Patterns) != 1 || ev.Patterns[0] != "ai:ad" {
		t.Fatalf("patterns = %v, want [ai:ad]", ev.Patterns)
	}
	if !ev.Deleted || !ev.Notified {
		t.Fatalf("configured action not applied: %+v", ev)
	}
}

func TestClassifierFallbackZeroMute(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Classifier = classify.Func(func(ctx context.Context, text string) (classify.Verdict, error) {
			return classify.Verdict{Flagged: true, Score: 0.9, Label: "ad"}, nil
		})
	})
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.Action = rules.ActionDeleteAndMute
		rs.MuteSeconds = 0
		rs.FirstMessageStrict = false
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 6,
		Text: "borderline promotion",
	})

	if !ev.Deleted {
		t.Fatalf("delete not applied: %+v", ev)
	}
	// A zero mute duration means mute actions have no effect.
	if ev.Muted || ev.MuteFor != 0 {
		t.Fatalf("muted with zero duration: %+v", ev)
	}
	if calls := h.rec.CallsOf("restrict"); len(calls) != 0 {
		t.Fatalf("restrict called for zero mute: %+v", calls)
	}
}

func TestClassifierSkippedWhenRulesMatch(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Classifier = classify.Func(func(ctx context.Context, text string) (classify.Verdict, error) {
			t.Error("classifier consulted despite rule match")
			return classify.Verdict{}, nil
		})
	})
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.Keywords = []string{"casino"}
		rs.FirstMessageStrict = false
	})

	h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 5,
		Text: "casino",
	})
}

func TestClassifierErrorMeansNoAction(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Classifier = classify.Func(func(ctx context.Context, text string) (classify.Verdict, error) {
			return classify.Verdict{}, errors.New("api down")
		})
	})
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.FirstMessageStrict = false
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 5,
		Text: "anything",
	})
	if ev.Deleted || len(h.rec.Calls()) != 0 {
		t.Fatalf("action taken on classifier error: %+v", ev)
	}
}

func TestProcessJoinBufferModes(t *testing.T) {
	tests := []struct {
		name     string
		mode     rules.BufferMode
		want     actuator.PermissionSet
		restrict bool
	}{
		{"mute blocks everything", rules.BufferMute, actuator.MutePermissions(), true},
		{"restrict_media allows text only", rules.BufferRestrictMedia, actuator.TextOnlyPermissions(), true},
		{"restrict_links allows text and links", rules.BufferRestrictLinks, actuator.TextWithLinksPermissions(), true},
		{"none applies no restriction", rules.BufferNone, actuator.PermissionSet{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.putRules(t, func(rs *rules.RuleSet) {
				rs.NewcomerBufferSeconds = 300
				rs.NewcomerBufferMode = tt.mode
			})

			h.eng.ProcessJoin(context.Background(), testChat, testUser, "newbie")

			restricts := h.rec.CallsOf("restrict")
			if !tt.restrict {
				if len(restricts) != 0 {
					t.Fatalf("restrict calls = %d, want 0", len(restricts))
				}
				return
			}
			if len(restricts) != 1 {
				t.Fatalf("restrict calls = %d, want 1", len(restricts))
			}
			if restricts[0].Perms != tt.want {
				t.Fatalf("perms = %+v, want %+v", restricts[0].Perms, tt.want)
			}
		})
	}
}

func TestProcessJoinBufferZeroSeconds(t *testing.T) {
	h := newHarness(t, nil)
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.NewcomerBufferSeconds = 0
		rs.NewcomerBufferMode = rules.BufferMute
	})

	h.eng.ProcessJoin(context.Background(), testChat, testUser, "newbie")
	if calls := h.rec.CallsOf("restrict"); len(calls) != 0 {
		t.Fatalf("zero buffer restricted anyway: %+v", calls)
	}
}

func TestProcessJoinChallengeFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.ChallengeEnabled = true
		rs.ChallengeTimeoutSeconds = 60
		rs.NewcomerBufferSeconds = 300
		rs.NewcomerBufferMode = rules.BufferRestrictMedia
	})

	ctx := context.Background()
	h.eng.ProcessJoin(ctx, testChat, testUser, "newbie")

	restricts := h.rec.CallsOf("restrict")
	if len(restricts) != 1 {
		t.Fatalf("restrict calls = %d, want 1", len(restricts))
	}
	if !restricts[0].Perms.SendMessages || restricts[0].Perms.SendMedia || restricts[0].Perms.AddLinks {
		t.Fatalf("buffer perms = %+v, want text only", restricts[0].Perms)
	}

	sends := h.rec.CallsOf("send")
	if len(sends) != 1 {
		t.Fatalf("send calls = %d, want 1", len(sends))
	}
	promptID := sends[0].MessageID

	if !h.eng.HasOutstandingChallenge(ctx, testChat, testUser) {
		t.Fatal("no outstanding challenge after join")
	}

	// Wrong answer: the answer message is deleted, challenge stays.
	outcome := h.eng.ProcessChallengeResponse(ctx, testChat, testUser, 11, "999")
	if outcome != admission.AnswerWrong {
		t.Fatalf("outcome = %v, want AnswerWrong", outcome)
	}
	deletes := h.rec.CallsOf("delete")
	if len(deletes) != 1 || deletes[0].MessageID != 11 {
		t.Fatalf("wrong answer not deleted: %+v", deletes)
	}

	// Fish the expected answer out of the table for the correct reply.
	state, ok := h.table.Get(ctx, admission.Key{ChatID: testChat, UserID: testUser})
	if !ok {
		t.Fatal("no admission state")
	}
	outcome = h.eng.ProcessChallengeResponse(ctx, testChat, testUser, 12, state.ChallengeExpectedAnswer)
	if outcome != admission.AnswerCorrect {
		t.Fatalf("outcome = %v, want AnswerCorrect", outcome)
	}

	deletes = h.rec.CallsOf("delete")
	if len(deletes) != 2 || deletes[1].MessageID != promptID {
		t.Fatalf("prompt not cleaned up: %+v", deletes)
	}
	if h.eng.HasOutstandingChallenge(ctx, testChat, testUser) {
		t.Fatal("challenge still outstanding after correct answer")
	}
}

func TestChallengeTimeoutKicks(t *testing.T) {
	h := newHarness(t, nil)
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.ChallengeEnabled = true
		rs.NewcomerBufferSeconds = 0
	})

	ctx := context.Background()
	rs, _ := h.store.Get(ctx, testChat)
	key := admission.Key{ChatID: testChat, UserID: testUser}

	// Issue directly with a tiny timeout; ProcessJoin would use the
	// configured seconds.
	h.table.Join(ctx, key, rs.ChallengeEnabled)
	promptID, _ := h.rec.SendMessage(ctx, testChat, "prompt")
	h.table.IssueChallenge(ctx, key, admission.NewChallenge(), promptID, 10*time.Millisecond, func(snap admission.State) {
		h.eng.expelUnverified(testChat, testUser, "newbie", snap)
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(h.rec.CallsOf("kick")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	kicks := h.rec.CallsOf("kick")
	if len(kicks) != 1 || kicks[0].UserID != testUser {
		t.Fatalf("kick calls = %+v, want one for user %d", kicks, testUser)
	}
	edits := h.rec.CallsOf("edit")
	if len(edits) != 1 || edits[0].MessageID != promptID {
		t.Fatalf("prompt not marked expired: %+v", edits)
	}
	if h.eng.HasOutstandingChallenge(ctx, testChat, testUser) {
		t.Fatal("challenge still outstanding after expiry")
	}
}

func TestProcessLeaveResetsEpisode(t *testing.T) {
	h := newHarness(t, nil)
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.ChallengeEnabled = true
	})

	ctx := context.Background()
	h.eng.ProcessJoin(ctx, testChat, testUser, "newbie")
	if !h.eng.HasOutstandingChallenge(ctx, testChat, testUser) {
		t.Fatal("no outstanding challenge after join")
	}

	h.eng.ProcessLeave(ctx, testChat, testUser)
	if h.eng.HasOutstandingChallenge(ctx, testChat, testUser) {
		t.Fatal("challenge survived leave")
	}
}

type denyLimiter struct{ called bool }

func (d *denyLimiter) Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	d.called = true
	return false, nil
}

func TestClassifierThrottled(t *testing.T) {
	limiter := &denyLimiter{}
	h := newHarness(t, func(o *Options) {
		o.Limiter = limiter
		o.Classifier = classify.Func(func(ctx context.Context, text string) (classify.Verdict, error) {
			t.Error("classifier consulted despite throttle")
			return classify.Verdict{}, nil
		})
	})
	h.putRules(t, func(rs *rules.RuleSet) {
		rs.FirstMessageStrict = false
	})

	ev := h.eng.ProcessMessage(context.Background(), Message{
		ChatID: testChat, UserID: testUser, MessageID: 5,
		Text: "anything",
	})
	if !limiter.called {
		t.Fatal("limiter not consulted")
	}
	if ev.Deleted || ev.Reason != "" {
		t.Fatalf("throttled classification acted: %+v", ev)
	}
}
