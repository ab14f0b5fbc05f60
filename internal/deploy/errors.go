package deploy

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound  = errors.New("deployment not found")
	ErrValidation   = errors.New("invalid deployment request")
	ErrPollerActive = errors.New("status poller already active")
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// ValidationError describes the first invalid field of a request.
// errors.Is(err, ErrValidation) matches it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
