//go:build unix

package hosts

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive flock on path. Other processes editing the
// same hosts file through this package wait until unlock is called.
func lockFile(path string) (unlock func() error, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lock hosts file: %w", err)
	}
	fd := int(file.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("lock hosts file: %w", err)
	}
	return func() error {
		return multierr.Append(unix.Flock(fd, unix.LOCK_UN), file.Close())
	}, nil
}
