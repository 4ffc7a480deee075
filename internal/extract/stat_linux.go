//go:build linux

package extract

import (
	"io/fs"
	"syscall"
	"time"
)

// statDetails returns device, inode and inode change time (Linux has no
// portable birth time in Stat_t).
func statDetails(info fs.FileInfo) (dev, ino uint64, created *time.Time) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, nil
	}
	ct := time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)) //nolint:unconvert // platform-dependent type
	return uint64(st.Dev), st.Ino, &ct                       //nolint:unconvert // platform-dependent type
}
