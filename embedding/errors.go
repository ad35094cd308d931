package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ProviderError carries the provider's HTTP status so callers can tell
// transient failures (rate limit, server error) from permanent ones
// (auth, quota, bad request). Only transient errors are worth retrying.
type ProviderError struct {
	Status    int
	Message   string
	Transient bool
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embedding: %s provider error (status %d): %s", kind, e.Status, e.Message)
}

func newProviderError(status int, message string) *ProviderError {
	return &ProviderError{
		Status:    status,
		Message:   message,
		Transient: status == 429 || status == 408 || status >= 500,
	}
}

// IsTransient reports whether err is worth retrying with backoff. Network
// errors and timeouts count as transient; a canceled context does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
