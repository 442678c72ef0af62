package openfinance

import (
	"errors"
	"fmt"
	"testing"

	ofclient "finsync/internal/infrastructure/openfinance"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"nil", nil, OutcomeOK},
		{"network", errors.New("connection refused"), OutcomeTransient},
		{"products not supported", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeProductsNotSupported), OutcomeSkip},
		{"no investment accounts", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeNoInvestmentAccounts), OutcomeSkip},
		{"no liability accounts", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeNoLiabilityAccounts), OutcomeSkip},
		{"pagination conflict", apiErr(400, ofclient.ErrorTypeTransactions, ofclient.CodeMutationDuringPagination), OutcomeConflict},
		{"rate limit", apiErr(429, ofclient.ErrorTypeRateLimit, ofclient.CodeRateLimitExceeded), OutcomeTransient},
		{"product not ready", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeProductNotReady), OutcomeTransient},
		{"additional consent", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeAdditionalConsentRequired), OutcomeTransient},
		{"api error type", apiErr(400, ofclient.ErrorTypeAPI, "PLANNED_MAINTENANCE"), OutcomeTransient},
		{"server status", apiErr(503, "", ""), OutcomeTransient},
		{"login required", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeItemLoginRequired), OutcomeConnection},
		{"access not granted", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeAccessNotGranted), OutcomeConnection},
		{"institution not responding", apiErr(400, ofclient.ErrorTypeInstitution, ofclient.CodeInstitutionNotResponding), OutcomeConnection},
		{"no accounts", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeNoAccounts), OutcomeConnection},
		{"wrapped", fmt.Errorf("page 2: %w", apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeItemLoginRequired)), OutcomeConnection},
		{"invalid request", apiErr(400, "INVALID_REQUEST", "MISSING_FIELDS"), OutcomeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutcomeError(t *testing.T) {
	cause := apiErr(400, ofclient.ErrorTypeItem, ofclient.CodeItemLoginRequired)
	out := Fetch(func() (int, error) { return 0, cause })

	err := out.Error("balances")
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T", err)
	}
	if pe.Kind != OutcomeConnection || pe.Code != ofclient.CodeItemLoginRequired || pe.Op != "balances" {
		t.Errorf("unexpected provider error: %+v", pe)
	}
	if !errors.Is(err, cause) {
		t.Error("provider error should unwrap to the API error")
	}
}

func TestRateLimitedError(t *testing.T) {
	var err error = &RateLimitedError{RetryAfter: 90}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitedError should match ErrRateLimited")
	}
	if errors.Is(err, ErrSyncInProgress) {
		t.Error("RateLimitedError should not match other sentinels")
	}
}
