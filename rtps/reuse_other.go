//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package rtps

import (
	"syscall"

	"github.com/pkg/errors"
)

// address reuse is left at the platform default here
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
