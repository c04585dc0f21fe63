//go:build unix

package serving

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockDir takes an exclusive advisory lock on path, blocking until it is
// free. The returned func releases it.
func lockDir(path string) (func() error, error) {
	//nolint:gosec // G304: lock file lives in the operator's output dir
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	fd := int(f.Fd()) //nolint:gosec // G115: file descriptors fit in int
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return func() error {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}, nil
}
