//go:build !linux

package turn

import "net"

func allowFragmentation(conn *net.UDPConn, ipv6 bool) error {
	return nil
}
