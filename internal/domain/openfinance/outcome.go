package openfinance

import (
	"fmt"

	ofclient "finsync/internal/infrastructure/openfinance"
)

// OutcomeKind classifies the result of a provider call.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	// OutcomeSkip means the product does not apply to the item. The sub-sync
	// is a successful no-op.
	OutcomeSkip
	// OutcomeTransient errors are expected to clear on retry.
	OutcomeTransient
	// OutcomeConnection errors need the user to act on the item.
	OutcomeConnection
	// OutcomeConflict is a pagination conflict reported by the provider.
	OutcomeConflict
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeSkip:
		return "skip"
	case OutcomeTransient:
		return "transient"
	case OutcomeConnection:
		return "connection"
	case OutcomeConflict:
		return "conflict"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Classify maps a provider call error onto an outcome kind. Errors without
// a provider error body (network, timeouts) are transient.
func Classify(err error) OutcomeKind {
	if err == nil {
		return OutcomeOK
	}

	apiErr, ok := ofclient.AsAPIError(err)
	if !ok {
		return OutcomeTransient
	}

	switch apiErr.ErrorCode {
	case ofclient.CodeProductsNotSupported, ofclient.CodeNoInvestmentAccounts, ofclient.CodeNoLiabilityAccounts:
		return OutcomeSkip
	case ofclient.CodeMutationDuringPagination:
		return OutcomeConflict
	case ofclient.CodeRateLimitExceeded, ofclient.CodeInternalServerError,
		ofclient.CodeProductNotReady, ofclient.CodeAdditionalConsentRequired:
		return OutcomeTransient
	case ofclient.CodeItemLoginRequired, ofclient.CodeAccessNotGranted,
		ofclient.CodeInstitutionDown, ofclient.CodeInstitutionNotResponding, ofclient.CodeNoAccounts:
		return OutcomeConnection
	}

	switch apiErr.ErrorType {
	case ofclient.ErrorTypeRateLimit, ofclient.ErrorTypeAPI:
		return OutcomeTransient
	}
	if apiErr.StatusCode >= 500 {
		return OutcomeTransient
	}
	return OutcomeFatal
}

// Outcome is the tagged result of a provider call.
type Outcome[T any] struct {
	Kind  OutcomeKind
	Value T
	Err   error
}

// Fetch runs fn and classifies its error.
func Fetch[T any](fn func() (T, error)) Outcome[T] {
	v, err := fn()
	if err != nil {
		return Outcome[T]{Kind: Classify(err), Err: err}
	}
	return Outcome[T]{Kind: OutcomeOK, Value: v}
}

// Code returns the provider error code, if any.
func (o Outcome[T]) Code() string {
	if apiErr, ok := ofclient.AsAPIError(o.Err); ok {
		return apiErr.ErrorCode
	}
	return ""
}

// Error wraps a failed outcome for callers further up.
func (o Outcome[T]) Error(op string) error {
	return &ProviderError{Op: op, Kind: o.Kind, Code: o.Code(), Err: o.Err}
}
