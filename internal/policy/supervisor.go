package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stewardai/steward/pkg/schema"
)

// Outcome is the settled result of supervising one step attempt.
type Outcome struct {
	Result      string
	Skipped     bool
	Aborted     bool
	AbortReason string
	Replan      bool
	Feedback    string
	Retries     int
	Err         *schema.AgentError
}

// Hooks let the caller observe recovery decisions as they happen, so the
// engine can record error nodes and emit stream events without the
// policy ever touching memory or the bus directly. Any hook may be nil.
type Hooks struct {
	OnRetry        func(agentErr *schema.AgentError, delay time.Duration)
	OnIntervention func(agentErr *schema.AgentError)
	OnResolution   func(res Resolution)
}

// Supervisor owns the whole recovery path around a step attempt: classify
// the fault, auto-retry with backoff while the budget lasts, then park
// the session for an external decision. Callers never retry on their own.
type Supervisor struct {
	coordinator *Coordinator
	logger      *slog.Logger

	// Sleep performs the backoff wait. Replaceable so tests do not pay
	// real backoff delays.
	Sleep func(ctx context.Context, delay time.Duration) error
}

// NewSupervisor creates a Supervisor arbitrating interventions through
// the given coordinator.
func NewSupervisor(coordinator *Coordinator, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{coordinator: coordinator, logger: logger, Sleep: Wait}
}

// Execute runs attempt until it succeeds, is skipped or aborted by an
// external decision, or signals a replan. Retryable faults are retried
// up to schema.MaxRetries times with exponential backoff; exhaustion or
// a non-retryable fault suspends the session on the coordinator. A
// user RETRY decision resets the retry budget and the backoff baseline.
func (s *Supervisor) Execute(ctx context.Context, sessionID string, stepNumber int, hooks Hooks, attempt func(ctx context.Context) (string, error)) Outcome {
	retryCount := 0
	totalRetries := 0

	for {
		if ctx.Err() != nil {
			return Outcome{Aborted: true, AbortReason: "cancelled", Retries: totalRetries}
		}

		result, err := attempt(ctx)
		if err == nil {
			return Outcome{Result: result, Retries: totalRetries}
		}

		var replan *schema.ReplanError
		if errors.As(err, &replan) {
			return Outcome{Replan: true, Feedback: replan.Feedback, Retries: totalRetries}
		}
		if ctx.Err() != nil {
			return Outcome{Aborted: true, AbortReason: "cancelled", Retries: totalRetries}
		}

		agentErr := Classify(err)
		if agentErr.Step == 0 && stepNumber > 0 {
			agentErr.WithStep(stepNumber)
		}
		agentErr.RetryCount = retryCount

		if agentErr.IsRetryable() && retryCount < schema.MaxRetries {
			delay := Backoff(agentErr.Kind, retryCount)
			retryCount++
			totalRetries++
			s.logger.WarnContext(ctx, "step attempt failed, retrying",
				"kind", string(agentErr.Kind), "retry_count", retryCount, "backoff", delay.String())
			if hooks.OnRetry != nil {
				hooks.OnRetry(agentErr, delay)
			}
			if waitErr := s.Sleep(ctx, delay); waitErr != nil {
				return Outcome{Aborted: true, AbortReason: "cancelled", Retries: totalRetries, Err: agentErr}
			}
			continue
		}

		s.logger.ErrorContext(ctx, "step failed, awaiting intervention",
			"kind", string(agentErr.Kind), "retry_count", retryCount, "error", agentErr.Message)
		if hooks.OnIntervention != nil {
			hooks.OnIntervention(agentErr)
		}

		res := s.coordinator.Await(ctx, sessionID, agentErr)
		if hooks.OnResolution != nil {
			hooks.OnResolution(res)
		}

		switch res.Action {
		case schema.ActionRetry:
			retryCount = 0
			continue
		case schema.ActionSkip:
			return Outcome{Skipped: true, Retries: totalRetries, Err: agentErr}
		default:
			return Outcome{Aborted: true, AbortReason: res.Reason, Retries: totalRetries, Err: agentErr}
		}
	}
}
