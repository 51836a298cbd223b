// Package lock provides cross-process file locks for operations that must
// be serialized across separate CLI invocations: the state store's
// compare-and-save and merges into a shared integration branch.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// Acquire opens a flock file at path and takes an exclusive advisory lock,
// blocking until it is available. Returns an unlock function; the caller
// must defer it.
func Acquire(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", filepath.Base(path), err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// ForBranch returns the lock path serializing merges into branch.
// Two tracks configured to merge into the same integration branch contend
// on the same file, so concurrent merges cannot race.
func ForBranch(lockDir, branch string) string {
	safe := strings.ReplaceAll(branch, "/", "_")
	return filepath.Join(lockDir, "merge-"+safe+".lock")
}
