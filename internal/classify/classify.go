// Package classify asks an LLM whether a message that passed the rule
// filter is still spam. It is a fallback, not the primary filter.
package classify

import (
	"context"
)

// Verdict is the classifier's judgment on a single message.
type Verdict struct {
	Flagged bool
	Score   float64
	Label   string
}

// Classifier decides whether free text is spam or ad content.
type Classifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, text string) (Verdict, error)

func (f Func) Classify(ctx context.Context, text string) (Verdict, error) {
	return f(ctx, text)
}
