// Package quincetest provides common test utilities, shared across the
// internal packages' test suites: temporary directories, timing helpers,
// and disposable Ed25519 identities.
package quincetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"strings"
	"testing"
	"time"
)

// MustTempDir creates a temporary directory, or dies trying.
func MustTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "quincetest_")
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("test directory: %q", dir)
	return dir
}

// RemoveIfOk removes the given directory, but only if the test has not
// failed. Failed test directories are kept around for debugging.
func RemoveIfOk(t *testing.T, dir string) {
	t.Helper()
	if !strings.Contains(dir, "quincetest_") {
		panic("invalid/dangerous directory")
	}

	if !t.Failed() {
		os.RemoveAll(dir)
	}
}

// WaitFor polls f until it returns true (returns true), or d passes
// (returns false). Used to wait for asynchronous effects in the event
// loop (file replication, ACK delivery) without a fixed sleep.
func WaitFor(f func() bool, d time.Duration) bool {
	start := time.Now()
	for time.Since(start) < d {
		if f() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// Identity is a disposable Ed25519 keypair for tests.
type Identity struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// MustIdentity generates a new random test identity, or dies trying.
func MustIdentity(t *testing.T) Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return Identity{Public: pub, Secret: priv}
}
