// +build linux darwin

package vio

import (
	"os"
	"syscall"
)

// fileUID and fileGID extract ownership from the platform-specific Sys()
// value os.Lstat/os.Open populate. They return zero on platforms or
// filesystems that don't expose a syscall.Stat_t (e.g. most test doubles).
func fileUID(fi os.FileInfo) uint32 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Uid
	}
	return 0
}

func fileGID(fi os.FileInfo) uint32 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Gid
	}
	return 0
}
