//go:build !unix && !windows

package checkpoints

import "time"

// fileLock is a no-op on platforms without file locking.
type fileLock struct{}

func newFileLock(path string, timeout time.Duration) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) Lock() error   { return nil }
func (l *fileLock) Unlock() error { return nil }
