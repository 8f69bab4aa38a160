//go:build windows

package sacn

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

// listenUDPReusable is the Windows counterpart of the unix implementation:
// SO_REUSEADDR has different (looser) semantics on Windows but the option
// itself is still honored.
func listenUDPReusable(network string, addr *net.UDPAddr, reuse bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if reuse {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}
	pc, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
