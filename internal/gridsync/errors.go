package gridsync

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds. Callers branch with errors.Is instead of matching on
// message text.
var (
	ErrTransient      = errors.New("transient upstream failure")
	ErrConfiguration  = errors.New("configuration error")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrPrecondition   = errors.New("precondition failed")
	ErrNotFound       = errors.New("not found")
)

// HTTPError carries the endpoint, status, and a truncated body of a
// non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Endpoint   string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: http %d %s: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// ResolveError reports the dual-endpoint fallback failing on both
// resource kinds for the same identifier.
type ResolveError struct {
	ID            string
	DataSourceErr error
	DatabaseErr   error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: data source lookup failed (%v); database lookup failed (%v)", e.ID, e.DataSourceErr, e.DatabaseErr)
}

func (e *ResolveError) Is(target error) bool {
	if target == ErrNotFound {
		return errors.Is(e.DataSourceErr, ErrNotFound) && errors.Is(e.DatabaseErr, ErrNotFound)
	}
	return false
}

func truncateBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		return body[:200] + "..."
	}
	return body
}
