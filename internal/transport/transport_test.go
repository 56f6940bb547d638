package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/metroo-turn/internal/certutil"
	"github.com/postalsys/metroo-turn/internal/protocol"
)

// echoHandler echoes every message back and records closes.
type echoHandler struct {
	mu      sync.Mutex
	packets [][]byte
	conns   []Conn
	closed  chan Conn
}

func newEchoHandler() *echoHandler {
	return &echoHandler{closed: make(chan Conn, 4)}
}

func (h *echoHandler) HandlePacket(conn Conn, data []byte) {
	h.mu.Lock()
	h.packets = append(h.packets, data)
	h.conns = append(h.conns, conn)
	h.mu.Unlock()
	conn.Send(data)
}

func (h *echoHandler) HandleClose(conn Conn) {
	h.closed <- conn
}

func (h *echoHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

func stunHeader(length uint16) []byte {
	b := make([]byte, 20+int(length))
	b[1] = 0x01 // Binding request
	b[2] = byte(length >> 8)
	b[3] = byte(length)
	b[4], b[5], b[6], b[7] = 0x21, 0x12, 0xA4, 0x42
	return b
}

func TestProto(t *testing.T) {
	tests := []struct {
		in     string
		want   Proto
		stream bool
	}{
		{"udp", ProtoUDP, false},
		{"TCP", ProtoTCP, true},
		{"tls", ProtoTLS, true},
	}

	for _, tt := range tests {
		got, err := ParseProto(tt.in)
		if err != nil {
			t.Fatalf("ParseProto(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseProto(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if got.IsStream() != tt.stream {
			t.Errorf("%v.IsStream() = %v, want %v", got, got.IsStream(), tt.stream)
		}
	}

	if _, err := ParseProto("sctp"); err == nil {
		t.Error("ParseProto(sctp) should fail")
	}
}

func TestUDPListener_Echo(t *testing.T) {
	h := newEchoHandler()
	l, err := ListenUDP("127.0.0.1:0", h, DefaultListenOptions())
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(l.Addr()))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer client.Close()

	msg := stunHeader(0)
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n != len(msg) {
		t.Errorf("echo length = %d, want %d", n, len(msg))
	}

	h.mu.Lock()
	conn := h.conns[0]
	h.mu.Unlock()

	if conn.Proto() != ProtoUDP {
		t.Errorf("Proto() = %v, want udp", conn.Proto())
	}
	if conn.RemoteAddr() != AddrPortOf(client.LocalAddr()) {
		t.Errorf("RemoteAddr() = %v, want %v", conn.RemoteAddr(), client.LocalAddr())
	}
	if conn.LocalAddr().Port() != l.Addr().Port() {
		t.Errorf("LocalAddr() = %v, want port %d", conn.LocalAddr(), l.Addr().Port())
	}
	if conn.QueuedBytes() != 0 {
		t.Errorf("QueuedBytes() = %d, want 0", conn.QueuedBytes())
	}

	l.Close()
	if err := conn.Send(msg); err != ErrClosed {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}
}

func TestStreamListener_Framing(t *testing.T) {
	h := newEchoHandler()
	l, err := ListenTCP("127.0.0.1:0", h, DefaultListenOptions())
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	stun := stunHeader(8)
	cd, err := protocol.EncodeChannelData(0x4000, []byte("abcde"), true)
	if err != nil {
		t.Fatalf("EncodeChannelData() error = %v", err)
	}

	// Both messages in one write exercise the framing.
	if _, err := client.Write(append(append([]byte(nil), stun...), cd...)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(stun)+len(cd))
	total := 0
	for total < len(buf) {
		n, err := client.Read(buf[total:])
		if err != nil {
			t.Fatalf("Read() error = %v after %d bytes", err, total)
		}
		total += n
	}

	if h.count() != 2 {
		t.Fatalf("handled %d messages, want 2", h.count())
	}
	h.mu.Lock()
	if len(h.packets[0]) != len(stun) || len(h.packets[1]) != len(cd) {
		t.Errorf("message sizes = %d, %d", len(h.packets[0]), len(h.packets[1]))
	}
	conn := h.conns[0]
	h.mu.Unlock()

	if conn.Proto() != ProtoTCP {
		t.Errorf("Proto() = %v, want tcp", conn.Proto())
	}

	client.Close()
	select {
	case c := <-h.closed:
		if c != conn {
			t.Error("HandleClose() received a different connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleClose() not called")
	}

	if err := conn.Send(stun); err != ErrClosed {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}
}

func TestStreamListener_RejectsGarbage(t *testing.T) {
	h := newEchoHandler()
	l, err := ListenTCP("127.0.0.1:0", h, DefaultListenOptions())
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	client.Write([]byte{0xC0, 0x00, 0x00, 0x00})

	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection with invalid framing was not closed")
	}
	if h.count() != 0 {
		t.Errorf("handled %d messages, want 0", h.count())
	}
}

func TestStreamConn_QueueFull(t *testing.T) {
	l := &StreamListener{proto: ProtoTCP, opts: ListenOptions{SendQueue: 1}}
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := newStreamConn(server, l)

	// No writer goroutine runs, so the queue stays full.
	if err := sc.Send([]byte("first")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sc.QueuedBytes() != 5 {
		t.Errorf("QueuedBytes() = %d, want 5", sc.QueuedBytes())
	}
	if err := sc.Send([]byte("second")); err != ErrQueueFull {
		t.Errorf("Send() error = %v, want ErrQueueFull", err)
	}
	if sc.QueuedBytes() != 5 {
		t.Errorf("QueuedBytes() after drop = %d, want 5", sc.QueuedBytes())
	}
}

func TestTLSListener(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	cert, err := certutil.SelfSigned("turn.local")
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}
	if err := cert.SaveToFiles(certFile, keyFile); err != nil {
		t.Fatalf("SaveToFiles() error = %v", err)
	}

	cfg, err := LoadTLSConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}

	h := newEchoHandler()
	opts := DefaultListenOptions()
	opts.TLSConfig = cfg
	l, err := Listen(ProtoTLS, "127.0.0.1:0", h, opts)
	if err != nil {
		t.Fatalf("Listen(tls) error = %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	client, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls.Dial() error = %v", err)
	}
	defer client.Close()

	msg := stunHeader(4)
	client.Write(msg)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	total := 0
	for total < len(buf) {
		n, err := client.Read(buf[total:])
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		total += n
	}

	h.mu.Lock()
	proto := h.conns[0].Proto()
	h.mu.Unlock()
	if proto != ProtoTLS {
		t.Errorf("Proto() = %v, want tls", proto)
	}
}

func TestListenTLS_RequiresConfig(t *testing.T) {
	if _, err := ListenTLS("127.0.0.1:0", newEchoHandler(), DefaultListenOptions()); err == nil {
		t.Error("ListenTLS() without config should fail")
	}
}

func TestLoadTLSConfig_NotFound(t *testing.T) {
	_, err := LoadTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem")
	if err == nil {
		t.Error("LoadTLSConfig() should fail for nonexistent files")
	}
}

func TestLoadCAPool(t *testing.T) {
	dir := t.TempDir()

	ca, err := certutil.GenerateCA("ca.local", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA() error = %v", err)
	}

	caFile := filepath.Join(dir, "ca.pem")
	os.WriteFile(caFile, ca.CertPEM, 0644)

	pool, err := LoadCAPool(caFile)
	if err != nil {
		t.Fatalf("LoadCAPool() error = %v", err)
	}
	if pool == nil {
		t.Error("LoadCAPool() returned nil pool")
	}

	invalid := filepath.Join(dir, "invalid.pem")
	os.WriteFile(invalid, []byte("not a valid certificate"), 0644)
	if _, err := LoadCAPool(invalid); err == nil {
		t.Error("LoadCAPool() should fail for invalid certificate")
	}
}

func TestAddrPortOf(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("::ffff:10.0.0.1"), Port: 3478}
	if got := AddrPortOf(udp); got != netip.MustParseAddrPort("10.0.0.1:3478") {
		t.Errorf("AddrPortOf(udp) = %v", got)
	}

	tcp := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 5349}
	if got := AddrPortOf(tcp); got != netip.MustParseAddrPort("[2001:db8::1]:5349") {
		t.Errorf("AddrPortOf(tcp) = %v", got)
	}
}
