package admission

import "context"

// Store persists admission episodes across restarts. The in-memory
// Table is the source of truth between flushes; implementations are
// free to expire entries on their own (episodes only matter while
// recent).
type Store interface {
	Get(ctx context.Context, key Key) (State, bool, error)
	Put(ctx context.Context, key Key, state State) error
	Delete(ctx context.Context, key Key) error
}
