//go:build linux

package scanner

import (
	"io/fs"
	"syscall"
	"time"
)

func statExtra(info fs.FileInfo) (*uint64, *time.Time) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, nil
	}
	inode := uint64(st.Ino)
	ctime := time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)).UTC()
	return &inode, &ctime
}
