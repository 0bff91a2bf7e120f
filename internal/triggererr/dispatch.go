package triggererr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed repository dispatch request by the response the
// GitHub API returned.
type Kind int

const (
	KindUnexpected Kind = iota
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindNotFound
	KindUnprocessable
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindUnprocessable:
		return "unprocessable"
	case KindServer:
		return "server_error"
	default:
		return "unexpected"
	}
}

// Remediation returns what an operator has to do to resolve failures of
// the kind.
func (k Kind) Remediation() string {
	switch k {
	case KindUnauthorized:
		return "authentication failed: verify the github api token is valid and not expired, rotate it if needed"
	case KindForbidden:
		return "request forbidden: verify the token has the repo scope (classic) or contents:write permission (fine-grained)"
	case KindRateLimited:
		return "rate limit exceeded: reduce the scheduler frequency or wait until the rate limit resets"
	case KindNotFound:
		return "repository not found: verify owner and repository names and that the token can access the repository"
	case KindUnprocessable:
		return "request rejected: verify the event_type matches the repository_dispatch types of the workflow and the client_payload is valid"
	case KindServer:
		return "github api failure: retry later, check https://www.githubstatus.com"
	default:
		return "unexpected response: check the gotrigger logs"
	}
}

// KindFromStatus maps an HTTP status code of the dispatches endpoint to a
// Kind. 403 responses are classified as KindForbidden, rate limit responses
// must be detected by their headers before calling it.
func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnprocessableEntity:
		return KindUnprocessable
	case status >= 500 && status < 600:
		return KindServer
	default:
		return KindUnexpected
	}
}

// DispatchError is returned when GitHub rejected a repository dispatch
// request.
type DispatchError struct {
	StatusCode int
	Kind       Kind
	Message    string
	Err        error
}

func NewDispatchError(status int, msg string, err error) *DispatchError {
	return &DispatchError{
		StatusCode: status,
		Kind:       KindFromStatus(status),
		Message:    msg,
		Err:        err,
	}
}

func (e *DispatchError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dispatch failed with status %d (%s)", e.StatusCode, e.Kind)
	}

	return fmt.Sprintf("dispatch failed with status %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Remediation returns the remediation hint for err if it wraps a
// DispatchError, otherwise an empty string.
func Remediation(err error) string {
	var dErr *DispatchError
	if errors.As(err, &dErr) {
		return dErr.Kind.Remediation()
	}

	return ""
}

// KindOf returns the Kind of the DispatchError wrapped by err.
// If err does not wrap a DispatchError KindUnexpected is returned.
func KindOf(err error) Kind {
	var dErr *DispatchError
	if errors.As(err, &dErr) {
		return dErr.Kind
	}

	return KindUnexpected
}
