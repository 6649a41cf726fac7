//go:build linux || darwin

package scanner

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// rdevMajorMinor decodes info.Sys()'s raw device number into major/minor
// components. The raw encoding is platform-specific, which is exactly what
// golang.org/x/sys/unix's Major/Minor helpers exist to hide; stdlib syscall
// exposes the raw Rdev field but no portable way to split it.
func rdevMajorMinor(sys interface{}) (major, minor uint32, ok bool) {
	statT, ok := sys.(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	rdev := uint64(statT.Rdev)
	return uint32(unix.Major(rdev)), uint32(unix.Minor(rdev)), true
}
