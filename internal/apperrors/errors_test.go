package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("config", "config is required"), ErrValidation},
		{"not found", NotFound("job", "abc"), ErrNotFound},
		{"conflict", Conflict("job", "abc", "job already exists"), ErrConflict},
		{"execution", Execution("docker.run", 1, nil), ErrExecution},
		{"stall", Stall("abc"), ErrStall},
		{"internal", Internal("store.save", fmt.Errorf("disk full")), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
		})
	}
}

func TestExecutionMessage(t *testing.T) {
	t.Parallel()

	err := Execution("docker.run", 2, nil)
	want := "docker.run: exit code 2"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	err = Execution("docker.pullImage", -1, fmt.Errorf("manifest unknown"))
	want = "docker.pullImage: manifest unknown"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{Validation("id", "bad"), http.StatusBadRequest},
		{NotFound("job", "x"), http.StatusNotFound},
		{Conflict("job", "x", "busy"), http.StatusConflict},
		{Execution("docker.run", 1, nil), http.StatusUnprocessableEntity},
		{Stall("x"), http.StatusInternalServerError},
		{Internal("op", fmt.Errorf("boom")), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
