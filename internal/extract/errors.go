package extract

import "errors"

var (
	// ErrInstanceNotRunning is returned when the instance does not exist or
	// is not in the RUNNING state.
	ErrInstanceNotRunning = errors.New("instance not found or not running")
	ErrInvalidInstance    = errors.New("invalid instance name")
	ErrInvalidTable       = errors.New("invalid table name")
	// ErrRetryAfterCredentialReset is returned after an authentication
	// failure caused the SSH credential to be re-registered. The caller
	// should resubmit the request.
	ErrRetryAfterCredentialReset = errors.New("ssh credential was reset, retry the request")
	ErrExtractionFailed          = errors.New("extraction failed")
)
