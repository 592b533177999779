// Package fallback evaluates an ordered list of resolution strategies,
// taking the first success and synthesizing a known-good value when
// every strategy fails.
//
// Repository resolution and builder selection both follow this shape:
// try the preferred source, try the alternates, and never give up with
// nothing, because a missing answer would break every later step.
package fallback

import (
	"context"

	"github.com/rs/zerolog"
)

// Strategy is one attempt at producing a value. Try returns an error
// when the strategy cannot serve (fetch failed, validation failed);
// evaluation then moves to the next strategy.
type Strategy[T any] struct {
	Name string
	Try  func(ctx context.Context) (T, error)
}

// Synthesized is the source name reported when no strategy succeeded.
const Synthesized = "synthesized"

// Resolve evaluates strategies in order and returns the first success
// together with the winning strategy's name. When all fail, the
// synthesize function provides the fallback value; failures along the
// way are logged as warnings, never returned, since the caller always
// receives a usable value.
func Resolve[T any](ctx context.Context, log zerolog.Logger, strategies []Strategy[T], synthesize func() T) (T, string) {
	for _, s := range strategies {
		value, err := s.Try(ctx)
		if err == nil {
			return value, s.Name
		}
		log.Warn().Str("strategy", s.Name).Err(err).Msg("resolution strategy failed")
	}
	return synthesize(), Synthesized
}
