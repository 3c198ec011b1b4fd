package extract

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestCachedHitsOnce(t *testing.T) {
	var calls int32
	inner := Func(func(ctx context.Context, key string, image []byte) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "hello", nil
	})

	c, err := NewCached(inner, 4)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	for i := 0; i < 3; i++ {
		text, err := c.Extract(context.Background(), "file-1", nil)
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if text != "hello" {
			t.Fatalf("got %q, want %q", text, "hello")
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("inner called %d times, want 1", got)
	}
}

func TestCachedSkipsEmptyKey(t *testing.T) {
	var calls int32
	inner := Func(func(ctx context.Context, key string, image []byte) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "x", nil
	})

	c, err := NewCached(inner, 4)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Extract(context.Background(), "", nil); err != nil {
			t.Fatalf("Extract: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("inner called %d times, want 2", got)
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	fail := errors.New("ocr down")
	var calls int32
	inner := Func(func(ctx context.Context, key string, image []byte) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", fail
	})

	c, err := NewCached(inner, 4)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Extract(context.Background(), "file-1", nil); !errors.Is(err, fail) {
			t.Fatalf("got %v, want %v", err, fail)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("inner called %d times, want 2", got)
	}
}

func TestTesseractCancelledContext(t *testing.T) {
	tess := NewTesseract("eng", 1)
	// Occupy the only slot so Extract blocks on the semaphore.
	tess.sem <- struct{}{}
	defer func() { <-tess.sem }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tess.Extract(ctx, "k", []byte("img")); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
