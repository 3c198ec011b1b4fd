package actuator

import (
	"context"
	"sync"
	"time"
)

// Call is one recorded actuator invocation.
type Call struct {
	Op        string // "delete", "restrict", "unrestrict", "kick", "ban", "send", "edit", "notify"
	ChatID    int64
	UserID    int64
	MessageID int64
	Perms     PermissionSet
	Until     time.Time
	Targets   []int64
	Text      string
}

// Recorder is an in-memory Actuator used by tests and dry runs. It
// records every call and can be told to fail specific operations.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	fail   map[string]error
	nextID int64
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[string]error)}
}

// FailOn makes every subsequent call of op return err.
func (r *Recorder) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = err
}

// Calls returns a copy of all recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsOf returns recorded calls for one operation.
func (r *Recorder) CallsOf(op string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.fail[c.Op]
}

func (r *Recorder) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return r.record(Call{Op: "delete", ChatID: chatID, MessageID: messageID})
}

func (r *Recorder) Restrict(ctx context.Context, chatID, userID int64, perms PermissionSet, until time.Time) error {
	return r.record(Call{Op: "restrict", ChatID: chatID, UserID: userID, Perms: perms, Until: until})
}

func (r *Recorder) Unrestrict(ctx context.Context, chatID, userID int64) error {
	return r.record(Call{Op: "unrestrict", ChatID: chatID, UserID: userID})
}

func (r *Recorder) Kick(ctx context.Context, chatID, userID int64) error {
	return r.record(Call{Op: "kick", ChatID: chatID, UserID: userID})
}

func (r *Recorder) Ban(ctx context.Context, chatID, userID int64) error {
	return r.record(Call{Op: "ban", ChatID: chatID, UserID: userID})
}

func (r *Recorder) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	err := r.record(Call{Op: "send", ChatID: chatID, MessageID: id, Text: text})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Recorder) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	return r.record(Call{Op: "edit", ChatID: chatID, MessageID: messageID, Text: text})
}

func (r *Recorder) Notify(ctx context.Context, targets []int64, report string) error {
	return r.record(Call{Op: "notify", Targets: append([]int64(nil), targets...), Text: report})
}
