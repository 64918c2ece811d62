//go:build !linux && !darwin

package scanner

import (
	"io/fs"
	"time"
)

// statExtra has no portable source for inode and ctime here.
func statExtra(fs.FileInfo) (*uint64, *time.Time) {
	return nil, nil
}
