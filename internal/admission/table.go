package admission

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// reapMessageThreshold is the message count past which an episode
	// carries no more first-message or buffer relevance.
	reapMessageThreshold = 3

	// defaultReapAfter bounds how long an idle episode is kept. It
	// must exceed any sane buffer window so WithinBuffer queries keep
	// working for the episodes that still matter.
	defaultReapAfter = 2 * time.Hour

	defaultReapInterval = 10 * time.Minute
)

// entry pairs one episode's state with its lock and pending timer.
// All state reads and writes go through mu; the challenge-response
// and timeout paths race on the same fields.
type entry struct {
	mu    sync.Mutex
	state State
	timer *time.Timer
}

// Table is the in-memory admission state table, the source of truth
// between store flushes. Safe for concurrent use; effects on a single
// (chat, user) key are linearized by the per-entry lock.
type Table struct {
	store Store            // optional durability, may be nil
	clock func() time.Time // overridable in tests

	mu      sync.Mutex
	entries map[Key]*entry

	reapAfter    time.Duration
	reapInterval time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

// NewTable creates a table. store may be nil for purely in-memory
// operation; when set, every transition is flushed best-effort and
// cache misses are backfilled from it.
func NewTable(store Store) *Table {
	return &Table{
		store:        store,
		clock:        time.Now,
		entries:      make(map[Key]*entry),
		reapAfter:    defaultReapAfter,
		reapInterval: defaultReapInterval,
		done:         make(chan struct{}),
	}
}

// SetReapAfter overrides how long settled episodes are retained. Must
// be called before StartReaper.
func (t *Table) SetReapAfter(d time.Duration) {
	if d > 0 {
		t.reapAfter = d
	}
}

// lookup returns the entry for key, or nil.
func (t *Table) lookup(key Key) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key]
}

// getOrCreate returns the entry for key, lazily creating it. The
// loader for store backfill runs without any lock held; a concurrent
// creation wins and the loaded value is discarded.
func (t *Table) getOrCreate(ctx context.Context, key Key) *entry {
	if e := t.lookup(key); e != nil {
		return e
	}

	var loaded *State
	if t.store != nil {
		st, ok, err := t.store.Get(ctx, key)
		if err != nil {
			log.Printf("[admission] store get %s: %v", key, err)
		} else if ok {
			loaded = &st
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e
	}
	e := &entry{}
	if loaded != nil {
		e.state = *loaded
	} else {
		// No join event was observed (bot restart, pre-existing
		// member). Treat as a fresh, unchallenged episode.
		e.state = State{
			EpisodeID:         uuid.NewString(),
			JoinedAt:          t.clock(),
			ChallengeRequired: false,
			ChallengePassed:   true,
		}
	}
	t.entries[key] = e
	return e
}

// flush persists a snapshot best-effort. Called after the entry lock
// is released; store I/O never runs under a state lock.
func (t *Table) flush(ctx context.Context, key Key, snap State) {
	if t.store == nil {
		return
	}
	if err := t.store.Put(ctx, key, snap); err != nil {
		log.Printf("[admission] store put %s: %v", key, err)
	}
}

// Join starts a new membership episode, superseding any previous one.
// With challengeRequired=false the episode is created already
// verified. Any timer armed for the old episode becomes stale: it
// re-checks the episode ID before acting and no-ops.
func (t *Table) Join(ctx context.Context, key Key, challengeRequired bool) State {
	e := t.getOrCreate(ctx, key)

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state = State{
		EpisodeID:         uuid.NewString(),
		JoinedAt:          t.clock(),
		ChallengeRequired: challengeRequired,
		ChallengePassed:   !challengeRequired,
	}
	snap := e.state
	e.mu.Unlock()

	t.flush(ctx, key, snap)
	return snap
}

// IssueChallenge records the expected answer and prompt reference and
// arms the expiry timer. Issuing over an outstanding challenge
// overwrites it; the old answer becomes unanswerable and the old timer
// is stopped. onExpire runs once if the timeout elapses before a
// correct answer, after the state has atomically recorded the failure;
// it receives the failed snapshot and may do I/O freely.
func (t *Table) IssueChallenge(ctx context.Context, key Key, ch Challenge, messageID int64, timeout time.Duration, onExpire func(State)) State {
	e := t.getOrCreate(ctx, key)

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.state.ChallengeRequired = true
	e.state.ChallengePassed = false
	e.state.ChallengeExpectedAnswer = ch.Answer
	e.state.ChallengeMessageID = messageID
	episodeID := e.state.EpisodeID
	e.timer = time.AfterFunc(timeout, func() {
		t.expire(context.Background(), key, episodeID, onExpire)
	})
	snap := e.state
	e.mu.Unlock()

	t.flush(ctx, key, snap)
	return snap
}

// expire is the timeout path. It must check-then-act atomically
// against ChallengePassed: whichever of expiry and correct answer is
// applied first wins, and the loser is a no-op.
func (t *Table) expire(ctx context.Context, key Key, episodeID string, onExpire func(State)) {
	e := t.lookup(key)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.state.EpisodeID != episodeID {
		// Superseded episode (user left and rejoined). Stale timer.
		e.mu.Unlock()
		return
	}
	if e.state.ChallengePassed || e.state.ChallengeExpectedAnswer == "" {
		e.mu.Unlock()
		return
	}
	// Failed verification: clear the answer so a late response cannot
	// transition, keep the prompt reference for the expiry edit.
	e.state.ChallengeExpectedAnswer = ""
	e.timer = nil
	snap := e.state
	e.mu.Unlock()

	t.flush(ctx, key, snap)
	if onExpire != nil {
		onExpire(snap)
	}
}

// AnswerOutcome classifies a challenge response.
type AnswerOutcome int

const (
	// AnswerNoChallenge: nothing outstanding (never issued, already
	// passed, or expired).
	AnswerNoChallenge AnswerOutcome = iota
	// AnswerWrong: state unchanged, retry permitted.
	AnswerWrong
	// AnswerCorrect: episode transitioned to verified.
	AnswerCorrect
)

// Answer applies a challenge response for key. Only the state under
// this key is consulted, so a response can only ever act on the
// challenge targeting the same user.
func (t *Table) Answer(ctx context.Context, key Key, answer string) (AnswerOutcome, State) {
	e := t.lookup(key)
	if e == nil {
		return AnswerNoChallenge, State{}
	}

	e.mu.Lock()
	if !e.state.ChallengeOutstanding() {
		snap := e.state
		e.mu.Unlock()
		return AnswerNoChallenge, snap
	}
	if answer != e.state.ChallengeExpectedAnswer {
		snap := e.state
		e.mu.Unlock()
		return AnswerWrong, snap
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state.ChallengePassed = true
	e.state.ChallengeRequired = false
	e.state.ChallengeExpectedAnswer = ""
	prompt := e.state.ChallengeMessageID
	e.state.ChallengeMessageID = 0
	snap := e.state
	e.mu.Unlock()

	// Return the prompt reference so the caller can clean it up.
	snap.ChallengeMessageID = prompt
	t.flush(ctx, key, State{
		EpisodeID:         snap.EpisodeID,
		JoinedAt:          snap.JoinedAt,
		MessagesSent:      snap.MessagesSent,
		ChallengeRequired: false,
		ChallengePassed:   true,
	})
	return AnswerCorrect, snap
}

// RecordMessage increments the message counter unconditionally,
// lazily creating a non-challenged episode if none exists. A message
// is never dropped merely because no join event was observed.
func (t *Table) RecordMessage(ctx context.Context, key Key) State {
	e := t.getOrCreate(ctx, key)

	e.mu.Lock()
	e.state.MessagesSent++
	snap := e.state
	e.mu.Unlock()

	t.flush(ctx, key, snap)
	return snap
}

// Get returns the current snapshot for key, if any.
func (t *Table) Get(ctx context.Context, key Key) (State, bool) {
	e := t.lookup(key)
	if e == nil {
		return State{}, false
	}
	e.mu.Lock()
	snap := e.state
	e.mu.Unlock()
	return snap, true
}

// Reset drops the episode: stops any pending timer, removes the
// in-memory entry, and deletes the persisted copy. Used when a user
// leaves and for administrative resets.
func (t *Table) Reset(ctx context.Context, key Key) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	// Reassign the episode so any timer callback already past Stop
	// sees a superseded ID and no-ops.
	e.state.EpisodeID = ""
	e.mu.Unlock()

	if t.store != nil {
		if err := t.store.Delete(ctx, key); err != nil {
			log.Printf("[admission] store delete %s: %v", key, err)
		}
	}
}

// StartReaper bounds table growth: a background loop drops episodes
// that have sent a few messages, have no outstanding challenge, and
// joined long enough ago that no buffer window can still cover them.
func (t *Table) StartReaper() {
	go func() {
		ticker := time.NewTicker(t.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				n := t.reap()
				if n > 0 {
					log.Printf("[admission] reaped %d settled episodes", n)
				}
			}
		}
	}()
}

func (t *Table) reap() int {
	now := t.clock()

	t.mu.Lock()
	candidates := make(map[Key]*entry, len(t.entries))
	for k, e := range t.entries {
		candidates[k] = e
	}
	t.mu.Unlock()

	reaped := 0
	for k, e := range candidates {
		e.mu.Lock()
		settled := e.state.MessagesSent >= reapMessageThreshold &&
			!e.state.ChallengeOutstanding() &&
			now.Sub(e.state.JoinedAt) > t.reapAfter
		e.mu.Unlock()
		if !settled {
			continue
		}
		t.mu.Lock()
		if t.entries[k] == e {
			delete(t.entries, k)
			reaped++
		}
		t.mu.Unlock()
	}
	return reaped
}

// Close stops the reaper and all pending challenge timers.
func (t *Table) Close() {
	t.closeOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
	}
}
