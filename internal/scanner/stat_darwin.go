//go:build darwin

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
	inode := st.Ino
	ctime := time.Unix(st.Ctimespec.Sec, st.Ctimespec.Nsec).UTC()
	return &inode, &ctime
}
