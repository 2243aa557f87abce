package testutil

import (
	"os"
	"testing"
)

// SkipIfNoNetwork skips the test if TOOLCHAT_TEST_SKIP_NETWORK is set.
// Use this for tests that listen on loopback TCP, which some sandboxes forbid.
func SkipIfNoNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("TOOLCHAT_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: TOOLCHAT_TEST_SKIP_NETWORK is set")
	}
}
