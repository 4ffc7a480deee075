//go:build darwin

package extract

import (
	"io/fs"
	"syscall"
	"time"
)

// statDetails returns device, inode and birth time.
func statDetails(info fs.FileInfo) (dev, ino uint64, created *time.Time) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, nil
	}
	bt := time.Unix(st.Birthtimespec.Sec, st.Birthtimespec.Nsec)
	return uint64(st.Dev), st.Ino, &bt //nolint:unconvert // platform-dependent type
}
