//go:build !unix

package serving

import (
	"fmt"
	"os"
)

// lockDir creates path as a marker. Without flock, concurrent exports to
// one root are serialized only by the write-once version check.
func lockDir(path string) (func() error, error) {
	//nolint:gosec // G304: lock file lives in the operator's output dir
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return f.Close, nil
}
