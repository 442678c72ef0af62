package openfinance

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by *RateLimitedError.
	ErrRateLimited       = errors.New("refresh rate limited")
	ErrSyncInProgress    = errors.New("sync already in progress for item")
	ErrNothingToRefresh  = errors.New("no sub-sync requested")
	ErrUnknownSubSync    = errors.New("unknown sub-sync")
	ErrMissingCredential = errors.New("item has no access credential")
	// ErrUnknownAccount means a pulled batch references accounts not stored
	// for the item. The batch and its cursor are not applied.
	ErrUnknownAccount    = errors.New("transactions reference unknown accounts")
)

// RateLimitedError rejects a refresh inside the cooldown window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("refresh rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ProviderError is a failed provider call with its classification.
type ProviderError struct {
	Op   string
	Kind OutcomeKind
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s provider error: %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AsProviderError extracts a *ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
