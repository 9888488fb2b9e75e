package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineErrorFormatting(t *testing.T) {
	err := NewProviderError("create failed", errors.New("timeout")).
		WithNode("db").WithOperation("create")

	msg := err.Error()
	for _, want := range []string{"[provider]", "create failed", "node=db", "operation=create", "timeout"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
	if !errors.Is(err, errors.Unwrap(err)) {
		t.Error("unwrap should reach the cause")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		validation bool
		provider   bool
		conflict   bool
	}{
		{
			name:       "validation error",
			err:        NewValidationError("bad declaration", nil),
			validation: true,
		},
		{
			name:     "wrapped provider error",
			err:      fmt.Errorf("step failed: %w", NewProviderError("boom", nil)),
			provider: true,
		},
		{
			name:     "conflict error",
			err:      NewConflictError("lock held", nil),
			conflict: true,
		},
		{
			name:       "unresolved reference is validation",
			err:        &UnresolvedReferenceError{Consumer: "a", Target: "b"},
			validation: true,
		},
		{
			name:       "cycle is validation",
			err:        &CyclicDependencyError{Cycle: []string{"a", "b", "a"}},
			validation: true,
		},
		{
			name:     "lock conflict error",
			err:      &LockConflictError{Holder: "host-1"},
			conflict: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidation(tt.err); got != tt.validation {
				t.Errorf("IsValidation = %v, want %v", got, tt.validation)
			}
			if got := IsProvider(tt.err); got != tt.provider {
				t.Errorf("IsProvider = %v, want %v", got, tt.provider)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict = %v, want %v", got, tt.conflict)
			}
		})
	}
}

func TestPartialApplyErrorMessage(t *testing.T) {
	err := &PartialApplyError{
		RunID:   "run-1",
		Failed:  []string{"db"},
		Skipped: []string{"app", "cache"},
	}
	msg := err.Error()
	if !strings.Contains(msg, "failed: db") || !strings.Contains(msg, "skipped: app, cache") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestDefaultCodes(t *testing.T) {
	tests := []struct {
		err  *EngineError
		code string
	}{
		{NewValidationError("x", nil), ErrCodeValidation},
		{NewProviderError("x", nil), ErrCodeProviderFailed},
		{NewConflictError("x", nil), ErrCodeLockConflict},
		{NewInternalError("x", nil), ErrCodeInternal},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("code = %s, want %s", tt.err.Code, tt.code)
		}
	}
}
