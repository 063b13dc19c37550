// Package testutil has shared helpers for tests.
package testutil

import (
	"os"
	"testing"

	"github.com/pkg/errors"
)

// SkipIfCI skips the given test if we're running on CI
func SkipIfCI(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping test on CI")
	}
}

// AssertCause fails the test unless the root cause of err is expected.
func AssertCause(t *testing.T, expected, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", expected)
	}
	if cause := errors.Cause(err); cause != expected {
		t.Fatalf("expected error cause %q, got %q (full: %v)", expected, cause, err)
	}
}
