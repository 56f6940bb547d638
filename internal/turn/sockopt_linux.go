//go:build linux

package turn

import (
	"net"

	"golang.org/x/sys/unix"
)

// allowFragmentation disables path MTU discovery so relayed datagrams
// are sent without the DF bit, as TURN relays are expected to do unless
// the client asks otherwise.
func allowFragmentation(conn *net.UDPConn, ipv6 bool) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var serr error
	err = raw.Control(func(fd uintptr) {
		if ipv6 {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DONT)
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DONT)
	})
	if err != nil {
		return err
	}
	return serr
}
