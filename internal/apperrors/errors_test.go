package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("image_url", "image_url is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("Expected error to match ErrValidation")
	}
	if err.Error() != "image_url is required" {
		t.Errorf("Unexpected message: %s", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("Expected *Error")
	}
	if appErr.Field != "image_url" {
		t.Errorf("Expected field image_url, got %s", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("job", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("Expected error to match ErrNotFound")
	}
	if err.Error() != "job abc123 not found" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}

func TestConflict(t *testing.T) {
	t.Parallel()
	err := Conflict("job", "abc123", "job abc123 already exists")

	if !errors.Is(err, ErrConflict) {
		t.Error("Expected error to match ErrConflict")
	}
}

func TestConfiguration(t *testing.T) {
	t.Parallel()
	err := Configuration("RENDER_ENDPOINT_ID is not set")

	if !errors.Is(err, ErrConfiguration) {
		t.Error("Expected error to match ErrConfiguration")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("Configuration error should not match ErrValidation")
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("disk full")
	err := Internal("blob.put", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("Expected error to match ErrInternal")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("Expected *Error")
	}
	if appErr.Cause != cause {
		t.Error("Expected cause to be preserved")
	}
	if appErr.Op != "blob.put" {
		t.Errorf("Expected op blob.put, got %s", appErr.Op)
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("f", "bad"), http.StatusBadRequest},
		{"not found", NotFound("job", "x"), http.StatusNotFound},
		{"conflict", Conflict("job", "x", "exists"), http.StatusConflict},
		{"configuration", Configuration("missing key"), http.StatusInternalServerError},
		{"internal", Internal("op", errors.New("boom")), http.StatusInternalServerError},
		{"plain error", errors.New("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}
