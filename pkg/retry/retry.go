// pkg/retry/retry.go - functions for retrying actions with exponential backoff.

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/windowsadmins/winebridge/pkg/logging"
)

// NonRetryableError wraps an error that must be returned to the caller immediately.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string { return e.Err.Error() }

func (e NonRetryableError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return NonRetryableError{Err: err}
}

// RetryConfig defines the configuration for retry attempts
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultConfig is used for re-fetching artifacts that failed verification.
var DefaultConfig = RetryConfig{MaxRetries: 3, InitialInterval: time.Second, Multiplier: 2.0}

// Retry retries a given function with exponential backoff. The last error is returned
// wrapped once attempts are exhausted.
func Retry(ctx context.Context, config RetryConfig, action func() error) error {
	interval := config.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		err := action()
		if err == nil {
			return nil
		}
		lastErr = err

		var nonRetryable NonRetryableError
		if errors.As(err, &nonRetryable) {
			logging.LogStructured(logging.LevelWarn,
				fmt.Sprintf("Non-retryable error encountered: %s", err.Error()),
				map[string]interface{}{
					"attempt":       attempt,
					"non_retryable": true,
				})
			return nonRetryable.Err
		}

		if attempt == config.MaxRetries {
			logging.LogStructured(logging.LevelWarn,
				fmt.Sprintf("Attempt %d/%d failed: %s. No more retries.", attempt, config.MaxRetries, err),
				map[string]interface{}{
					"attempt":       attempt,
					"max_attempts":  config.MaxRetries,
					"final_failure": true,
				})
			break
		}

		logging.LogStructured(logging.LevelWarn,
			fmt.Sprintf("Attempt %d/%d failed: %s. Retrying in %s...", attempt, config.MaxRetries, err, interval),
			map[string]interface{}{
				"attempt":      attempt,
				"max_attempts": config.MaxRetries,
				"retry_delay":  interval.String(),
			})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * config.Multiplier)
	}

	return fmt.Errorf("action failed after %d attempts: %w", config.MaxRetries, lastErr)
}
