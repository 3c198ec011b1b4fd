package ban

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

const (
	testChat = int64(-100700)
	testUser = int64(7000)
)

// newTestStore creates a Store connected to a local Redis instance and
// removes leftover strike keys before returning. Tests that call this
// helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, StrikePrefix+"-100700:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestFailuresEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	count, err := store.Failures(ctx, testChat, testUser)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func TestRecordFailureIncrements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= BanThreshold; want++ {
		got, err := store.RecordFailure(ctx, testChat, testUser)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	count, err := store.Failures(ctx, testChat, testUser)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if count != BanThreshold {
		t.Fatalf("count = %d, want %d", count, BanThreshold)
	}
}

func TestRecordFailureSetsTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordFailure(ctx, testChat, testUser); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	ttl, err := store.client.TTL(ctx, strikeKey(testChat, testUser)).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > StrikeTTL {
		t.Fatalf("ttl = %v, want (0, %v]", ttl, StrikeTTL)
	}
}

func TestClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordFailure(ctx, testChat, testUser); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := store.Clear(ctx, testChat, testUser); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	count, err := store.Failures(ctx, testChat, testUser)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 after clear", count)
	}
}

func TestStrikesAreScopedPerChat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordFailure(ctx, testChat, testUser); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	count, err := store.Failures(ctx, testChat+1, testUser)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if count != 0 {
		t.Fatalf("strike leaked across chats: count = %d", count)
	}
}
