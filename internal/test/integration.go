package test

import (
	"os"
	"testing"
)

// Integration skips t unless VMWATCH_INTEGRATION is set. Integration tests need a real Flutter SDK on PATH.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("VMWATCH_INTEGRATION") == "" {
		t.Skip("set VMWATCH_INTEGRATION to run integration tests")
	}
}
