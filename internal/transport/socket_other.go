//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly && !windows

package transport

// setSocketOptions is a no-op where port reuse options are unavailable; only
// one process per host can then advertise.
func setSocketOptions(fd uintptr) error {
	return nil
}
