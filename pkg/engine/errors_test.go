package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineErrorFormatting(t *testing.T) {
	err := NewActionFailedError("firefox", MethodUpgrade, errors.New("exit status 1603"))
	want := "[permanent] upgrade action failed (package=firefox, phase=act): exit status 1603"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	cycle := NewCycleError([]string{"a", "b", "a"})
	if !strings.Contains(cycle.Error(), "a -> b -> a") {
		t.Errorf("cycle message = %q", cycle.Error())
	}
	if cycle.Resource != "a" {
		t.Errorf("Resource = %q, want a", cycle.Resource)
	}
}

func TestEngineErrorMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		check    func(error) bool
	}{
		{"metadata", NewMetadataError("x", "bad", nil), ErrMetadata, IsMetadataError},
		{"not found", NewNotFoundError("x", nil), ErrNotFound, IsNotFound},
		{"repository", NewRepositoryError("x", PhaseDownload, nil), ErrRepository, IsRepositoryError},
		{"installer", NewInstallerNotFoundError("x", "x.star", nil), ErrInstallerNotFound, IsInstallerNotFound},
		{"action", NewActionFailedError("x", MethodInstall, nil), ErrActionFailed, IsActionFailed},
		{"verify", NewPostActionVerificationError("x", MethodRemove, false, true), ErrPostActionVerification, IsPostActionVerification},
		{"cycle", NewCycleError([]string{"x", "x"}), ErrCycle, IsCycleError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("run failed: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Error("errors.Is does not match the sentinel through wrapping")
			}
			if !tt.check(wrapped) {
				t.Error("predicate does not match")
			}
			for _, other := range tests {
				if other.name != tt.name && errors.Is(tt.err, other.sentinel) {
					t.Errorf("unexpectedly matches %s", other.name)
				}
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsTransient(NewRepositoryError("x", PhaseMetadata, nil)) {
		t.Error("repository errors should be transient")
	}
	if !IsPermanent(NewMetadataError("x", "bad", nil)) {
		t.Error("metadata errors should be permanent")
	}
	if IsTransient(errors.New("plain")) || IsPermanent(errors.New("plain")) {
		t.Error("foreign errors have no class")
	}
	if got := ErrorCode(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("ErrorCode(plain) = %q", got)
	}
	if got := ErrorCode(NewCycleError(nil)); got != ErrCodeCycle {
		t.Errorf("ErrorCode(cycle) = %q", got)
	}
}

func TestMethodText(t *testing.T) {
	for _, m := range []Method{MethodInstall, MethodUpgrade, MethodRemove} {
		text, err := m.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText() error = %v", err)
		}
		var back Method
		if err := back.UnmarshalText(text); err != nil || back != m {
			t.Errorf("round trip of %v = %v, %v", m, back, err)
		}
	}
	if _, err := ParseMethod("reinstall"); err == nil {
		t.Error("expected error for unknown method")
	}
}
