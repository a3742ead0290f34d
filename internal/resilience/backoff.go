// Package resilience provides reconnection backoff for auxiliary connections.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quillon/liveagent/internal/config"
)

// ErrRetriesExhausted is returned once the attempt cap is reached. Callers
// must treat it as terminal and surface it instead of retrying further.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Operation is one reconnection attempt. attempt is 1-based.
type Operation func(ctx context.Context, attempt int) error

// Policy describes exponential backoff with a hard attempt cap. Each retry
// waits the current delay first, then runs the operation; the delay grows by
// Multiplier up to MaxDelay. After MaxAttempts failed retries the policy
// stops permanently.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// Sleep is the waiting primitive; nil means real time. Tests inject a
	// recording implementation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// FromConfig builds a Policy from the configured reconnect section.
func FromConfig(cfg config.ReconnectConfig) Policy {
	return Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay(),
		Multiplier:   cfg.Multiplier,
		MaxDelay:     cfg.MaxDelay(),
	}
}

// Run retries op under the policy until it succeeds, the context is
// cancelled, or the attempt cap is reached. The cap produces a terminal
// error wrapping both ErrRetriesExhausted and the last failure.
func (p Policy) Run(ctx context.Context, logger *zap.Logger, op Operation) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	delay := p.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			logger.Info("Reconnected",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.MaxAttempts))

			return nil
		}

		lastErr = err
		logger.Warn("Reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Duration("waited", delay),
			zap.Error(err))

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, p.MaxAttempts, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
