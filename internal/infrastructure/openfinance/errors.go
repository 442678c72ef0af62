package openfinance

import (
	"errors"
	"fmt"
)

// Error types and codes returned by the provider.
const (
	ErrorTypeItem         = "ITEM_ERROR"
	ErrorTypeAPI          = "API_ERROR"
	ErrorTypeRateLimit    = "RATE_LIMIT_EXCEEDED"
	ErrorTypeInstitution  = "INSTITUTION_ERROR"
	ErrorTypeTransactions = "TRANSACTIONS_ERROR"

	CodeProductsNotSupported       = "PRODUCTS_NOT_SUPPORTED"
	CodeNoInvestmentAccounts       = "NO_INVESTMENT_ACCOUNTS"
	CodeNoLiabilityAccounts        = "NO_LIABILITY_ACCOUNTS"
	CodeProductNotReady            = "PRODUCT_NOT_READY"
	CodeAdditionalConsentRequired  = "ADDITIONAL_CONSENT_REQUIRED"
	CodeInternalServerError        = "INTERNAL_SERVER_ERROR"
	CodeRateLimitExceeded          = "RATE_LIMIT_EXCEEDED"
	CodeItemLoginRequired          = "ITEM_LOGIN_REQUIRED"
	CodeAccessNotGranted           = "ACCESS_NOT_GRANTED"
	CodeInstitutionDown            = "INSTITUTION_DOWN"
	CodeInstitutionNotResponding   = "INSTITUTION_NOT_RESPONDING"
	CodeNoAccounts                 = "NO_ACCOUNTS"
	CodeMutationDuringPagination   = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"
	CodeInvalidWebhookVerification = "INVALID_WEBHOOK_VERIFICATION_KEY_ID"
)

// APIError is the provider's structured error body.
type APIError struct {
	StatusCode     int    `json:"-"`
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message"`
	RequestID      string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s/%s - %s", e.StatusCode, e.ErrorType, e.ErrorCode, e.ErrorMessage)
}

// AsAPIError extracts an *APIError from err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
