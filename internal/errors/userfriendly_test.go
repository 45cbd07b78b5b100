package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tturner/ucops/internal/backend"
)

func TestUserFriendlyErrorRendering(t *testing.T) {
	full := UserFriendlyError{
		Message: "Failed to reach the operations API at http://ops.lab:8000",
		Reason:  "Connection refused",
		Hint:    "Check that the backend is running",
		Try:     "curl -s http://ops.lab:8000/health",
		Err:     fmt.Errorf("dial tcp 10.0.0.9:8000: connect: connection refused"),
	}
	msg := full.Error()
	for _, want := range []string{"operations API", "Reason: Connection refused", "Hint: Check that", "Try: curl", "Details: dial tcp"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, want %q", msg, want)
		}
	}

	bare := UserFriendlyError{Message: "Invalid workflow manifest wf.yaml"}.Error()
	for _, label := range []string{"Reason:", "Hint:", "Try:", "Details:"} {
		if strings.Contains(bare, label) {
			t.Errorf("Error() = %q, should omit empty %s", bare, label)
		}
	}
}

func TestUserFriendlyErrorUnwrap(t *testing.T) {
	wrapped := WrapBackendError(context.DeadlineExceeded, "http://ops.lab:8000")
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("cause should stay reachable through errors.Is")
	}
	if (UserFriendlyError{}).Unwrap() != nil {
		t.Error("Unwrap without a cause should be nil")
	}
}

func TestWrapBackendError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if WrapBackendError(nil, "http://localhost:8000") != nil {
			t.Error("expected nil")
		}
	})

	network := []struct {
		cause  string
		reason string
	}{
		{"dial tcp: i/o timeout", "timeout"},
		{"dial tcp 10.0.0.9:8000: connect: connection refused", "refused"},
		{"connect: no route to host", "route"},
		{"tls: handshake failure", "Network communication failed"},
	}
	for _, tt := range network {
		t.Run(tt.cause, func(t *testing.T) {
			ufe := WrapBackendError(fmt.Errorf("poll capture: %s", tt.cause), "http://ops.lab:8000").(UserFriendlyError)
			if !strings.Contains(ufe.Message, "ops.lab:8000") {
				t.Errorf("message should name the API, got %q", ufe.Message)
			}
			if !strings.Contains(ufe.Reason, tt.reason) {
				t.Errorf("reason = %q, want %q", ufe.Reason, tt.reason)
			}
		})
	}

	t.Run("api error with detail", func(t *testing.T) {
		apiErr := &backend.APIError{Method: "POST", Path: "/captures", StatusCode: 422, Message: "interface not found"}
		err := WrapBackendError(fmt.Errorf("start capture: %w", apiErr), "http://localhost:8000")
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Message, "POST /captures") {
			t.Errorf("message should name the request, got %q", ufe.Message)
		}
		if ufe.Reason != "interface not found" {
			t.Errorf("reason should be backend detail, got %q", ufe.Reason)
		}
		if !strings.Contains(ufe.Hint, "parameters") {
			t.Errorf("unexpected hint: %q", ufe.Hint)
		}
		var got *backend.APIError
		if !errors.As(err, &got) {
			t.Error("APIError should stay reachable")
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		err := WrapBackendError(&backend.APIError{Method: "GET", Path: "/profiles", StatusCode: 401}, "http://localhost:8000")
		ufe := err.(UserFriendlyError)
		if ufe.Reason != "Unauthorized" {
			t.Errorf("reason should fall back to status text, got %q", ufe.Reason)
		}
		if !strings.Contains(ufe.Hint, "UCOPS_API_TOKEN") {
			t.Errorf("hint should mention the token, got %q", ufe.Hint)
		}
	})
}

func TestWrapConfigError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if WrapConfigError(nil, "environment") != nil {
			t.Error("expected nil")
		}
	})

	t.Run("wraps config error", func(t *testing.T) {
		err := WrapConfigError(fmt.Errorf("UCOPS_API_URL is required"), "environment")
		ufe := err.(UserFriendlyError)
		if !strings.Contains(ufe.Message, "environment") {
			t.Errorf("message should contain source, got %q", ufe.Message)
		}
		if ufe.Reason != "UCOPS_API_URL is required" {
			t.Errorf("reason should be inner error message, got %q", ufe.Reason)
		}
		if !strings.Contains(ufe.Hint, "UCOPS_") {
			t.Errorf("hint should reference env vars, got %q", ufe.Hint)
		}
	})
}

func TestWrapManifestError(t *testing.T) {
	if WrapManifestError(nil, "wf.yaml") != nil {
		t.Error("expected nil")
	}

	err := WrapManifestError(fmt.Errorf("targets[0].host: required\nkind: unknown"), "wf.yaml")
	ufe := err.(UserFriendlyError)
	if ufe.Reason != "targets[0].host: required" {
		t.Errorf("reason should be the first problem, got %q", ufe.Reason)
	}
	if !strings.Contains(ufe.Try, "wf.yaml") {
		t.Errorf("try should mention the manifest, got %q", ufe.Try)
	}
}
