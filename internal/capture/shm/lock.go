package shm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory flock(2) on the region file.
type fileLock struct {
	f *os.File
}

func (l fileLock) Lock() error {
	return l.flock(unix.LOCK_EX)
}

func (l fileLock) Unlock() error {
	return l.flock(unix.LOCK_UN)
}

func (l fileLock) flock(how int) error {
	for {
		err := unix.Flock(int(l.f.Fd()), how)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("flock %s: %w", l.f.Name(), err)
		}
		return nil
	}
}
