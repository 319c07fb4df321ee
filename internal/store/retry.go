package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// withRetry runs operation again when the backend reports lock contention
// or a dropped connection.
func withRetry(ctx context.Context, operationName string, operation func() error) error {
	var lastErr error
	for attempt := 1; attempt <= defaultRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", operationName, err)
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return fmt.Errorf("%s: %w", operationName, err)
		}
		if attempt == defaultRetryAttempts {
			break
		}

		timer := time.NewTimer(time.Duration(attempt) * defaultRetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", operationName, errors.Join(lastErr, ctx.Err()))
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, defaultRetryAttempts, lastErr)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	message := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"connection refused",
		"connection reset",
		"broken pipe",
	} {
		if strings.Contains(message, marker) {
			return true
		}
	}

	return false
}
