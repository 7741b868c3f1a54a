//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package transport

import (
	"golang.org/x/sys/unix"
)

// setSocketOptions lets several processes on one host bind the discovery
// port: SO_REUSEADDR plus SO_REUSEPORT, which BSD-derived stacks and Linux
// require for multicast port sharing.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
