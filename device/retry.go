package device

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy controls how opening a channel is retried
type RetryPolicy struct {
	Delay      time.Duration
	MaxRetries int // 0 retries forever
	Sleep      SleepFunc
}

// DefaultRetryPolicy retries forever once per second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delay: time.Second,
		Sleep: contextSleep,
	}
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenChannelWithRetry opens a device channel, retrying with a fixed delay
// until it succeeds, the retry budget runs out, or ctx is cancelled.
func OpenChannelWithRetry(ctx context.Context, dev Device, index int, policy RetryPolicy, logger *zap.Logger) (Channel, error) {
	sleep := policy.Sleep
	if sleep == nil {
		sleep = contextSleep
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ch, err := dev.OpenChannel(index)
		if err == nil {
			if attempt > 1 {
				logger.Info("Channel opened after retries",
					zap.Int("channel", index),
					zap.Int("attempts", attempt))
			}
			return ch, nil
		}

		logger.Warn("Failed to open channel, retrying",
			zap.Int("channel", index),
			zap.Int("attempt", attempt),
			zap.Duration("delay", policy.Delay),
			zap.Error(err))

		if policy.MaxRetries > 0 && attempt > policy.MaxRetries {
			return nil, fmt.Errorf("failed to open channel %d after %d attempts: %w", index, attempt, err)
		}

		if err := sleep(ctx, policy.Delay); err != nil {
			return nil, err
		}
	}
}
