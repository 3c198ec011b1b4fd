// Package extract pulls text out of images so that image spam is
// matched by the same rules as text spam. Extraction is optional and
// best-effort: when it fails, matching proceeds on caption text alone.
package extract

import "context"

// Extractor converts image bytes to text. key is a stable identifier
// for the image (the platform's file id) used for caching; callers may
// pass "" to bypass caches.
type Extractor interface {
	Extract(ctx context.Context, key string, image []byte) (string, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, key string, image []byte) (string, error)

func (f Func) Extract(ctx context.Context, key string, image []byte) (string, error) {
	return f(ctx, key, image)
}
