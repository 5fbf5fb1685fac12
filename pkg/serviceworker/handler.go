package serviceworker

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
)

// Invalidator is the response cache a worker controls.
type Invalidator interface {
	Clear(ctx context.Context)
	Invalidate(ctx context.Context, re *regexp.Regexp) int
}

// NewCacheHandler returns the worker-side handler for CLEAR_CACHES and
// INVALIDATE_API_CACHE against target.
func NewCacheHandler(target Invalidator, logger zerolog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		switch msg.Type {
		case MessageClearCaches:
			target.Clear(ctx)
			logger.Info().Msg("Worker caches cleared")
			return nil

		case MessageInvalidateAPICache:
			re, err := regexp.Compile(msg.Pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern %q: %w", msg.Pattern, err)
			}
			removed := target.Invalidate(ctx, re)
			logger.Info().Str("pattern", msg.Pattern).Int("removed", removed).Msg("Worker cache invalidated")
			return nil

		default:
			return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
		}
	})
}
