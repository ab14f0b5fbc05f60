package gcloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for remote command failures. Match with errors.Is.
var (
	ErrNotFound      = errors.New("remote resource not found")
	ErrAuth          = errors.New("remote authentication failed")
	ErrTimeout       = errors.New("remote command timed out")
	ErrCanceled      = errors.New("remote command canceled")
	ErrCommandFailed = errors.New("remote command failed")
)

// Kind classifies a command failure.
type Kind int

const (
	KindFailed Kind = iota
	KindNotFound
	KindAuth
	KindTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAuth:
		return ErrAuth
	case KindTimeout:
		return ErrTimeout
	case KindCanceled:
		return ErrCanceled
	default:
		return ErrCommandFailed
	}
}

// CommandError is returned by a Runner when a command does not exit cleanly.
type CommandError struct {
	Op       Op
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind.sentinel())
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel for the error's kind.
func (e *CommandError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *CommandError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindFailed when err is not a
// CommandError.
func KindOf(err error) Kind {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFailed
}

var (
	notFoundMarkers = []string{
		"was not found",
		"notfound",
		"not found",
		"does not exist",
	}
	authMarkers = []string{
		"permission denied",
		"publickey",
		"passphrase",
		"authentication",
		"unauthorized",
		"host key verification failed",
	}
)

// classify maps a process failure to a Kind. Context errors win over output
// scraping; auth markers win over not-found markers because ssh reports
// "Permission denied" for keys the instance has not picked up yet.
func classify(ctx context.Context, stderr string) Kind {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return KindCanceled
	}

	lower := strings.ToLower(stderr)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return KindAuth
		}
	}
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return KindNotFound
		}
	}
	return KindFailed
}
