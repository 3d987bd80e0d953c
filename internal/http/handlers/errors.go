package handlers

// Error codes returned in ErrorResponse.Code.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"

	ErrCodeNotReady     = "not_ready"
	ErrCodeStoreCorrupt = "store_corrupt"
	ErrCodeListFailed   = "list_failed"
)
