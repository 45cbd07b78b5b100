package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tturner/ucops/internal/backend"
)

// UserFriendlyError provides user-friendly error messages with context and hints
type UserFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e UserFriendlyError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Try != "" {
		buf.WriteString("\n  Try: " + e.Try)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e UserFriendlyError) Unwrap() error {
	return e.Err
}

// WrapBackendError wraps a failed call to the operations API
func WrapBackendError(err error, baseURL string) error {
	if err == nil {
		return nil
	}

	var apiErr *backend.APIError
	if stderrors.As(err, &apiErr) {
		return UserFriendlyError{
			Message: fmt.Sprintf("Operations API rejected %s %s", apiErr.Method, apiErr.Path),
			Reason:  apiReason(apiErr),
			Hint:    apiHint(apiErr.StatusCode),
			Try:     fmt.Sprintf("ucops profiles --api %s", baseURL),
			Err:     err,
		}
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to reach the operations API at %s", baseURL),
		Reason:  extractNetworkReason(err),
		Hint:    "Check that the backend is running and UCOPS_API_URL points at it",
		Try:     fmt.Sprintf("curl -s %s/health", strings.TrimRight(baseURL, "/")),
		Err:     err,
	}
}

// WrapConfigError wraps configuration errors with user-friendly context
func WrapConfigError(err error, source string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", source),
		Reason:  err.Error(),
		Hint:    "Settings come from UCOPS_* environment variables and an optional .env file",
		Try:     "ucops --help",
		Err:     err,
	}
}

// WrapManifestError wraps workflow manifest errors with user-friendly context
func WrapManifestError(err error, path string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Invalid workflow manifest %s", path),
		Reason:  firstLine(err.Error()),
		Hint:    "Manifests need api_version v1, a kind and at least one target",
		Try:     fmt.Sprintf("ucops run %s --dry-run", path),
		Err:     err,
	}
}

func extractNetworkReason(err error) string {
	errStr := err.Error()

	// Common network error patterns
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "Connection timeout - backend may be offline or unreachable"
	}
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - backend may not be listening on this port"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network routing issue or backend unreachable"
	}
	if strings.Contains(errStr, "connection reset") {
		return "Connection reset - backend closed the connection unexpectedly"
	}
	if strings.Contains(errStr, "no such host") {
		return "Host name does not resolve"
	}

	return "Network communication failed"
}

func apiReason(e *backend.APIError) string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

func apiHint(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "The API token is missing or invalid; set UCOPS_API_TOKEN"
	case code == http.StatusNotFound:
		return "The operation no longer exists on the backend"
	case code == http.StatusUnprocessableEntity || code == http.StatusBadRequest:
		return "The backend refused the request parameters; check device settings"
	case code >= 500:
		return "The backend failed internally; it may succeed on retry"
	}
	return "Unexpected response from the backend"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
