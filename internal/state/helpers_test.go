package state

import (
	"os"
	"testing"
	"time"
)

// timeNowMinus backdates a file well past the stale-temp cutoff.
func timeNowMinus(t *testing.T, path string) time.Time {
	t.Helper()
	old := time.Now().Add(-2 * staleTempAge)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
	return old
}
