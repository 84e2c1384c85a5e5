//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package rtps

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// reuseControl lets several participants on one host bind the shared
// multicast ports.
func reuseControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return errors.Wrap(serr, "set SO_REUSEPORT")
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
