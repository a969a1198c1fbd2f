package policy

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/stewardai/steward/pkg/schema"
)

// MaxDelay caps every backoff regardless of kind and attempt.
const MaxDelay = 60 * time.Second

// Classify folds an arbitrary fault into the closed AgentError taxonomy.
// Typed AgentErrors pass through; everything else is matched against
// stdlib error types and message heuristics, defaulting to unknown
// (retryable — the retry budget limits the damage).
func Classify(err error) *schema.AgentError {
	if err == nil {
		return nil
	}

	var agentErr *schema.AgentError
	if errors.As(err, &agentErr) {
		return agentErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrKindTimeout, err.Error()).WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.NewError(schema.ErrKindTimeout, err.Error()).WithCause(err)
		}
		return schema.NewError(schema.ErrKindNetwork, err.Error()).WithCause(err)
	}

	msg := strings.ToLower(err.Error())
	for _, mp := range messagePatterns {
		for _, p := range mp.patterns {
			if strings.Contains(msg, p) {
				return schema.NewError(mp.kind, err.Error()).WithCause(err)
			}
		}
	}

	return schema.NewError(schema.ErrKindUnknown, err.Error()).WithCause(err)
}

// messagePatterns maps lowercase substrings observed in provider and
// transport error messages to error kinds. Ordered: more specific
// patterns ("gateway timeout") must win over broader ones ("timeout").
var messagePatterns = []struct {
	kind     schema.ErrorKind
	patterns []string
}{
	{schema.ErrKindRateLimit, []string{"rate limit", "too many requests", "429", "quota exceeded"}},
	{schema.ErrKindAuth, []string{"unauthorized", "401", "403", "permission denied", "invalid api key", "forbidden"}},
	{schema.ErrKindValidation, []string{"validation", "invalid input", "malformed", "bad request"}},
	{schema.ErrKindUnavailable, []string{"unavailable", "503", "bad gateway", "gateway timeout", "overloaded"}},
	{schema.ErrKindTimeout, []string{"timeout", "timed out", "deadline exceeded", "i/o timeout"}},
	{schema.ErrKindNetwork, []string{"connection refused", "connection reset", "broken pipe", "no such host", "eof"}},
}

// backoffBase is the per-kind initial retry delay.
var backoffBase = map[schema.ErrorKind]time.Duration{
	schema.ErrKindRateLimit:   5 * time.Second,
	schema.ErrKindTimeout:     2 * time.Second,
	schema.ErrKindNetwork:     3 * time.Second,
	schema.ErrKindUnavailable: 10 * time.Second,
}

const defaultBase = time.Second

// Backoff computes the delay before the next retry attempt:
// min(base * 2^retryCount, MaxDelay). Non-decreasing in retryCount for a
// fixed kind.
func Backoff(kind schema.ErrorKind, retryCount int) time.Duration {
	base, ok := backoffBase[kind]
	if !ok {
		base = defaultBase
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= MaxDelay {
			return MaxDelay
		}
	}
	if delay > MaxDelay {
		return MaxDelay
	}
	return delay
}

// Wait sleeps for the computed backoff or returns early when the context
// is cancelled.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
