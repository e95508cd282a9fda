//go:build !unix

package hosts

// lockFile is a no-op where flock is unavailable. Windows byte-range locks
// are mandatory and would block the write that follows.
func lockFile(path string) (unlock func() error, err error) {
	return func() error { return nil }, nil
}
