package extract

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/groupguard/groupguard/internal/metrics"
)

// Cached wraps an Extractor with an LRU keyed by the image key, so the
// same photo forwarded across groups is only OCR'd once.
type Cached struct {
	inner Extractor
	lru   *lru.Cache[string, string]
}

func NewCached(inner Extractor, size int) (*Cached, error) {
	if size < 1 {
		size = 128
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, lru: c}, nil
}

func (c *Cached) Extract(ctx context.Context, key string, image []byte) (string, error) {
	if key != "" {
		if text, ok := c.lru.Get(key); ok {
			metrics.ExtractorCalls.WithLabelValues("cached").Inc()
			return text, nil
		}
	}
	text, err := c.inner.Extract(ctx, key, image)
	if err != nil {
		return "", err
	}
	if key != "" {
		c.lru.Add(key, text)
	}
	return text, nil
}
