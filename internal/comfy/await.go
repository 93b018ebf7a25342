package comfy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotReady is returned by WaitReady when the engine never answered.
var ErrNotReady = errors.New("engine not ready")

// ClampTimeout applies the default and upper bound to a job timeout.
func ClampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultJobTimeout
	}
	if timeout > MaxJobTimeout {
		return MaxJobTimeout
	}
	return timeout
}

// AwaitCompletion polls history for sub until the record is done, the
// engine reports a failure, timeout elapses or ctx is cancelled.
//
// Transient poll errors are logged and retried. A TimeoutError is returned
// only once timeout has fully elapsed; when ctx ends first the context error
// is returned wrapped.
func (c *Client) AwaitCompletion(ctx context.Context, sub *Submission, timeout time.Duration) (*Record, error) {
	timeout = ClampTimeout(timeout)
	start := time.Now()

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	logger := c.logger.With(slog.String("prompt_id", sub.PromptID))

	var (
		polls   int
		lastErr error
	)
	timedOut := func() error {
		return &TimeoutError{
			PromptID: sub.PromptID,
			Elapsed:  time.Since(start),
			Polls:    polls,
			LastErr:  lastErr,
		}
	}
	cancelled := func(err error) error {
		return fmt.Errorf("await prompt %s: %w", sub.PromptID, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}
		if time.Since(start) >= timeout {
			return nil, timedOut()
		}
		if err := pace(ctx, limiter, start, timeout); err != nil {
			return nil, cancelled(err)
		}
		if time.Since(start) >= timeout {
			return nil, timedOut()
		}
		polls++

		rec, found, err := c.History(pollCtx, sub.PromptID)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, cancelled(ctxErr)
			}
			if pollCtx.Err() != nil {
				return nil, timedOut()
			}
			lastErr = err
			c.observePoll("error")
			logger.Warn("history poll failed, retrying", slog.Int("poll", polls), slog.Any("error", err))
			continue
		case !found:
			c.observePoll("pending")
			continue
		}

		if failure := rec.Failed(); failure != nil {
			c.observePoll("failed")
			return rec, failure
		}
		if rec.Done() {
			c.observePoll("done")
			logger.Info("prompt complete",
				slog.Int("polls", polls),
				slog.Duration("elapsed", time.Since(start)),
			)
			return rec, nil
		}
		c.observePoll("pending")
	}
}

// pace blocks until the limiter grants the next poll, but never past
// start+timeout. It returns ctx.Err() if ctx ends first.
func pace(ctx context.Context, limiter *rate.Limiter, start time.Time, timeout time.Duration) error {
	delay := limiter.Reserve().Delay()
	if remaining := timeout - time.Since(start); delay > remaining {
		delay = remaining
	}
	return sleep(ctx, delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WaitReady polls /system_stats until it answers 200, timeout elapses or
// ctx is cancelled. ErrNotReady is returned only after the full timeout.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	start := time.Now()
	var lastErr error
	notReady := func() error {
		return fmt.Errorf("%w after %s: %v", ErrNotReady, time.Since(start).Round(time.Millisecond), lastErr)
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Since(start) >= timeout {
			return notReady()
		}
		if err := pace(ctx, limiter, start, timeout); err != nil {
			return err
		}
		if time.Since(start) >= timeout {
			return notReady()
		}

		lastErr = c.SystemStats(waitCtx)
		if lastErr == nil {
			c.logger.Info("engine ready",
				slog.Int("attempts", attempt),
				slog.Duration("waited", time.Since(start)),
			)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.logger.Debug("engine not ready yet", slog.Int("attempt", attempt), slog.Any("error", lastErr))
	}
}
