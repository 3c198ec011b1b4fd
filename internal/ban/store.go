// Package ban tracks challenge-failure strikes backed by Redis. A user
// who repeatedly joins and fails verification is escalated from a kick
// to a permanent ban. Strike counters are stored with TTL-based expiry:
//
//	Key:   strikes:<chat_id>:<user_id>
//	Value: <failure count>
//	TTL:   strike window
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StrikePrefix is the Redis key prefix for strike counters.
	StrikePrefix = "strikes:"

	// StrikeTTL is how long a strike counter lives without new
	// failures. After 24h of good behavior the slate is clean.
	StrikeTTL = 24 * time.Hour

	// BanThreshold is the failure count at which a kick escalates to
	// a permanent ban.
	BanThreshold = 3
)

// Store manages strike counters in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a strike store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func strikeKey(chatID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", StrikePrefix, chatID, userID)
}

// RecordFailure increments the strike counter for a user in a chat and
// returns the new count. The TTL is set only on the first increment so
// the window does not slide.
func (s *Store) RecordFailure(ctx context.Context, chatID, userID int64) (int, error) {
	key := strikeKey(chatID, userID)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: strike incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikeTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: strike expire: %w", err)
		}
	}
	return int(count), nil
}

// Failures returns the current strike count, 0 if none are recorded or
// the counter has expired.
func (s *Store) Failures(ctx context.Context, chatID, userID int64) (int, error) {
	val, err := s.client.Get(ctx, strikeKey(chatID, userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Clear removes a user's strikes, used when they pass verification.
func (s *Store) Clear(ctx context.Context, chatID, userID int64) error {
	return s.client.Del(ctx, strikeKey(chatID, userID)).Err()
}
