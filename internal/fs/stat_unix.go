//go:build unix

package fs

import (
	"io/fs"
	"syscall"
)

// sameFile compares device and inode so a file replaced by rename is noticed.
func sameFile(a, b fs.FileInfo) bool {
	sa, ok := a.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	sb, ok := b.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino
}
