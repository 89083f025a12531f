package gitlab

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failed API responses by their HTTP status code.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindNotAcceptable
	KindConflict
	KindUnprocessable
	KindTooManyRequests
	KindInternalServerError
	KindGatewayTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindNotAcceptable:
		return "not_acceptable"
	case KindConflict:
		return "conflict"
	case KindUnprocessable:
		return "unprocessable"
	case KindTooManyRequests:
		return "too_many_requests"
	case KindInternalServerError:
		return "internal_server_error"
	case KindGatewayTimeout:
		return "gateway_timeout"
	default:
		return "unknown"
	}
}

func kindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusMethodNotAllowed:
		return KindMethodNotAllowed
	case http.StatusNotAcceptable:
		return KindNotAcceptable
	case http.StatusConflict:
		return KindConflict
	case http.StatusUnprocessableEntity:
		return KindUnprocessable
	case http.StatusTooManyRequests:
		return KindTooManyRequests
	case http.StatusInternalServerError:
		return KindInternalServerError
	case http.StatusGatewayTimeout:
		return KindGatewayTimeout
	default:
		return KindUnknown
	}
}

// APIError is returned when the GitLab API responds with an error status
// code.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Method     string
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Endpoint, e.StatusCode, e.Message)
}

// IsKind returns true if err wraps an APIError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == k
}

// ErrRebaseFailed is returned when GitLab reports that rebasing a merge
// request failed.
var ErrRebaseFailed = errors.New("merge request rebase failed")

// ErrRebaseTimeout is returned when a rebase triggered via the API did not
// finish in time.
var ErrRebaseTimeout = errors.New("timed out waiting for merge request rebase")

// RebaseError wraps ErrRebaseFailed and carries the merge error reported
// by GitLab.
type RebaseError struct {
	Message string
}

func (e *RebaseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRebaseFailed, e.Message)
}

func (e *RebaseError) Unwrap() error {
	return ErrRebaseFailed
}
