package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StatePrefix is the Redis key prefix for episode hashes.
	StatePrefix = "admission:"

	// StateTTL is the time-to-live for persisted episodes. Episodes
	// are only relevant while a buffer window or challenge can still
	// apply, so stale rows expire on their own.
	StateTTL = 24 * time.Hour
)

// RedisStore persists admission episodes as Redis hashes with TTL:
//
//	Key:   admission:<chat_id>:<user_id>
//	TTL:   24h, refreshed on every write
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates an episode store using the provided client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(key Key) string {
	return fmt.Sprintf("%s%d:%d", StatePrefix, key.ChatID, key.UserID)
}

// Get retrieves an episode. The second return value is false when no
// episode is persisted for the key.
func (s *RedisStore) Get(ctx context.Context, key Key) (State, bool, error) {
	result, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return State{}, false, fmt.Errorf("admission: redis get %s: %w", key, err)
	}
	if len(result) == 0 {
		return State{}, false, nil
	}

	joinedAt, _ := strconv.ParseInt(result["joined_at"], 10, 64)
	messages, _ := strconv.Atoi(result["messages_sent"])
	promptID, _ := strconv.ParseInt(result["challenge_message_id"], 10, 64)

	return State{
		EpisodeID:               result["episode_id"],
		JoinedAt:                time.Unix(joinedAt, 0).UTC(),
		MessagesSent:            messages,
		ChallengeRequired:       result["challenge_required"] == "1",
		ChallengePassed:         result["challenge_passed"] == "1",
		ChallengeExpectedAnswer: result["challenge_expected_answer"],
		ChallengeMessageID:      promptID,
	}, true, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Put upserts an episode and refreshes its TTL.
func (s *RedisStore) Put(ctx context.Context, key Key, state State) error {
	k := s.key(key)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"episode_id":                state.EpisodeID,
		"joined_at":                 state.JoinedAt.Unix(),
		"messages_sent":             state.MessagesSent,
		"challenge_required":        boolField(state.ChallengeRequired),
		"challenge_passed":          boolField(state.ChallengePassed),
		"challenge_expected_answer": state.ChallengeExpectedAnswer,
		"challenge_message_id":      state.ChallengeMessageID,
	})
	pipe.Expire(ctx, k, StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("admission: redis put %s: %w", key, err)
	}
	return nil
}

// Delete removes a persisted episode.
func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("admission: redis delete %s: %w", key, err)
	}
	return nil
}
