package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists enforcement events in PostgreSQL. Each row captures
// which message was acted on, what matched, and which actions were
// applied, for later moderator review.
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an enforcement event. Hit lists are marshalled to
// JSONB.
func (s *Store) Create(ctx context.Context, ev *Event) error {
	keywords, err := json.Marshal(ev.Keywords)
	if err != nil {
		return fmt.Errorf("audit: marshal keywords: %w", err)
	}
	patterns, err := json.Marshal(ev.Patterns)
	if err != nil {
		return fmt.Errorf("audit: marshal patterns: %w", err)
	}

	const query = `
		INSERT INTO enforcement_events (
			id, chat_id, user_id, message_id, reason,
			keywords, patterns, deleted, muted, notified,
			mute_for_seconds, snippet, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, to_timestamp($13))
		ON CONFLICT (id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.ChatID, ev.UserID, ev.MessageID, ev.Reason,
		keywords, patterns, ev.Deleted, ev.Muted, ev.Notified,
		ev.MuteFor, Truncate(ev.Snippet), ev.Ts,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event %s: %w", ev.ID, err)
	}
	return nil
}

// CountRecent returns the number of enforcement events recorded
// against a user in a chat within the given window. Useful for
// escalation policies layered on top of the engine.
func (s *Store) CountRecent(ctx context.Context, chatID, userID int64, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM enforcement_events
		WHERE chat_id = $1
		  AND user_id = $2
		  AND created_at >= NOW() - $3::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, chatID, userID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
