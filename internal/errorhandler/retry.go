package errorhandler

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// Operation is a unit of work retried by RetryWithBackoff.
type Operation func(ctx context.Context) (any, error)

// RetryWithBackoff runs op until it succeeds, c.MaxAttempts attempts have
// been made, or a failure is not retryable. Every failure is handled
// through HandleError; the classified error of the last attempt is
// returned. Delays follow c, stretched to any RetryAfter the error carries.
func (h *Handler) RetryWithBackoff(ctx context.Context, op Operation, c RetryConfig) (any, error) {
	var (
		result  any
		attempt int
		last    *Error
	)

	var backoff retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		delay := h.RetryDelay(c, attempt)
		if last != nil && last.RetryAfter > delay {
			delay = last.RetryAfter
		}
		return delay, false
	})
	if c.MaxAttempts > 0 {
		backoff = retry.WithMaxRetries(uint64(c.MaxAttempts-1), backoff)
	}

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, err := op(ctx)
		if err == nil {
			result = r
			h.ObserveSuccess()
			return nil
		}

		last = h.HandleError(ctx, err, map[string]any{"attempt": attempt}, "retry_with_backoff")
		if c.Strategy == StrategyNoRetry || !h.ShouldRetry(last, attempt) {
			return last
		}
		h.logger.InfoContext(ctx, "retrying operation",
			"attempt", attempt,
			"max_attempts", c.MaxAttempts,
			"category", string(last.Category))
		return retry.RetryableError(last)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecoveryAction names what a caller should do about an error.
type RecoveryAction string

// Recovery actions
const (
	ActionRetry     RecoveryAction = "retry"
	ActionFallback  RecoveryAction = "fallback"
	ActionDegrade   RecoveryAction = "degrade"
	ActionFixConfig RecoveryAction = "fix_config"
	ActionFail      RecoveryAction = "fail"
	ActionWait      RecoveryAction = "wait"
)

// RecoveryAction suggests how to react to err. A nil err yields "".
func (h *Handler) RecoveryAction(err error) RecoveryAction {
	e := Classify(err, nil)
	if e == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ActionFail
	case e.Category == CategoryConfiguration:
		return ActionFixConfig
	case e.Category == CategoryValidation, e.Category == CategoryAuthentication, !e.Recoverable:
		return ActionFail
	case e.Category == CategoryRateLimit:
		return ActionWait
	case e.Severity == SeverityCritical, e.Category == CategoryResource:
		return ActionDegrade
	case e.Category == CategoryModelAPI, e.Category == CategoryProcessing:
		return ActionFallback
	default:
		return ActionRetry
	}
}
