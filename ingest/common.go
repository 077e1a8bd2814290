package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

const (
	MaxRetryCount = 3
	SleepTime     = 1 * time.Second
)

// ErrNoAccounts is returned by Run when the user has no connected mailbox.
var ErrNoAccounts = errors.New("no accounts found")

// ErrNoCategories marks an account run that cannot start because the user
// has no category catalog to classify into.
var ErrNoCategories = errors.New("no categories found")

func isRetryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		return googleErr.Code == http.StatusTooManyRequests || googleErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsAuthError reports whether err means the mailbox credential is expired or
// revoked. Such errors are fatal for the account's run.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		return googleErr.Code == http.StatusUnauthorized || googleErr.Code == http.StatusForbidden
	}
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}

// withRetry runs fn up to MaxRetryCount times, sleeping between attempts.
// Only transient errors are retried.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for i := 0; i < MaxRetryCount; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryError(lastErr) {
			return lastErr
		}
		slog.Info("Got retryable error",
			"op", op,
			"attempt", i+1,
			"max", MaxRetryCount,
			"error", lastErr)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(SleepTime):
		}
	}
	return lastErr
}
