package turn

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/postalsys/metroo-turn/internal/logging"
)

func TestUDPBinder_Loopback(t *testing.T) {
	b := &UDPBinder{SocketBuffer: 1 << 16, Logger: logging.NopLogger()}

	sock, err := b.Bind(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer sock.Close()

	relay := sock.LocalAddr()
	if !relay.Addr().IsLoopback() || relay.Port() == 0 {
		t.Fatalf("LocalAddr() = %v", relay)
	}

	type packet struct {
		peer    netip.AddrPort
		payload []byte
	}
	got := make(chan packet, 1)
	sock.Start(func(peer netip.AddrPort, payload []byte) {
		got <- packet{peer, payload}
	})

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	local := peer.LocalAddr().(*net.UDPAddr).AddrPort()
	peerAddr := netip.AddrPortFrom(local.Addr().Unmap(), local.Port())

	if _, err := peer.WriteToUDPAddrPort([]byte("ping"), relay); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if p.peer != peerAddr || string(p.payload) != "ping" {
			t.Errorf("received %q from %v", p.payload, p.peer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay socket did not deliver")
	}

	if err := sock.WriteTo([]byte("pong"), peerAddr); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := peer.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatal(err)
	}
	if netip.AddrPortFrom(from.Addr().Unmap(), from.Port()) != relay || string(buf[:n]) != "pong" {
		t.Errorf("peer received %q from %v", buf[:n], from)
	}
}

func TestUDPBinder_PortInUse(t *testing.T) {
	b := &UDPBinder{Logger: logging.NopLogger()}

	first, err := b.Bind(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	if _, err := b.Bind(first.LocalAddr()); err == nil {
		t.Error("second Bind() on the same port succeeded")
	}
}

func TestUDPBinder_CloseStopsReader(t *testing.T) {
	b := &UDPBinder{Logger: logging.NopLogger()}
	sock, err := b.Bind(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	sock.Start(func(netip.AddrPort, []byte) {})

	if err := sock.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sock.Close(); err == nil {
		t.Error("second Close() returned nil")
	}
	if err := sock.WriteTo([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9")); err == nil {
		t.Error("WriteTo() on closed socket returned nil")
	}
}
