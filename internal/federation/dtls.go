package federation

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/postalsys/metroo-turn/internal/logging"
	"github.com/postalsys/metroo-turn/internal/recovery"
	"github.com/postalsys/metroo-turn/internal/transport"
)

// DTLSConfig configures the DTLS federation provider.
type DTLSConfig struct {
	// Address is the local UDP address to accept links on.
	Address string

	// Certificate identifies this node to its peers.
	Certificate tls.Certificate

	// RootCAs verifies peer certificates when Verify is set.
	RootCAs *x509.CertPool

	// Verify requires peers to present certificates signed by RootCAs.
	Verify bool

	// HandshakeTimeout bounds inbound handshakes.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// DTLSProvider implements SecureProvider over pion/dtls.
type DTLSProvider struct {
	cfg      DTLSConfig
	server   *dtls.Config
	client   *dtls.Config
	logger   *slog.Logger
	listener net.Listener
	local    netip.AddrPort

	mu     sync.Mutex
	conns  map[*dtlsConn]struct{}
	closed atomic.Bool
}

// NewDTLSProvider creates a provider. Nothing is bound until Listen.
func NewDTLSProvider(cfg DTLSConfig) (*DTLSProvider, error) {
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, errors.New("dtls certificate required")
	}
	if cfg.Verify && cfg.RootCAs == nil {
		return nil, errors.New("dtls verification requires a CA pool")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 2 * DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	base := dtls.Config{
		Certificates:         []tls.Certificate{cfg.Certificate},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		LoggerFactory: logging.NewPionFactory(cfg.Logger),
	}

	server := base
	server.ClientCAs = cfg.RootCAs
	server.ClientAuth = dtls.RequireAnyClientCert
	if cfg.Verify {
		server.ClientAuth = dtls.RequireAndVerifyClientCert
	}
	timeout := cfg.HandshakeTimeout
	server.ConnectContextMaker = func() (context.Context, func()) {
		return context.WithTimeout(context.Background(), timeout)
	}

	client := base
	client.RootCAs = cfg.RootCAs
	client.InsecureSkipVerify = !cfg.Verify

	return &DTLSProvider{
		cfg:    cfg,
		server: &server,
		client: &client,
		logger: cfg.Logger.With("component", "federation-dtls"),
		conns:  make(map[*dtlsConn]struct{}),
	}, nil
}

// Listen binds the federation address and accepts links in the background.
func (p *DTLSProvider) Listen(onAccept func(SecureConn)) error {
	addr, err := net.ResolveUDPAddr("udp", p.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", p.cfg.Address, err)
	}

	ln, err := dtls.Listen("udp", addr, p.server)
	if err != nil {
		return fmt.Errorf("listen dtls %s: %w", p.cfg.Address, err)
	}
	p.listener = ln
	p.local = transport.AddrPortOf(ln.Addr())

	recovery.Go(p.logger, "federation-dtls-accept", func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				if p.closed.Load() || errors.Is(err, net.ErrClosed) {
					return
				}
				p.logger.Debug("dtls accept failed", "error", err)
				continue
			}
			onAccept(p.track(c))
		}
	})
	return nil
}

// Connect dials peer and completes the DTLS handshake.
func (p *DTLSProvider) Connect(ctx context.Context, peer netip.AddrPort) (SecureConn, error) {
	cfg := p.client
	if p.cfg.Verify {
		c := *p.client
		c.ServerName = peer.Addr().String()
		cfg = &c
	}

	c, err := dtls.DialWithContext(ctx, "udp", net.UDPAddrFromAddrPort(peer), cfg)
	if err != nil {
		return nil, err
	}
	if p.closed.Load() {
		c.Close()
		return nil, net.ErrClosed
	}
	return p.track(c), nil
}

func (p *DTLSProvider) track(c net.Conn) *dtlsConn {
	dc := &dtlsConn{c: c, remote: transport.AddrPortOf(c.RemoteAddr()), p: p}
	p.mu.Lock()
	p.conns[dc] = struct{}{}
	p.mu.Unlock()
	return dc
}

func (p *DTLSProvider) untrack(dc *dtlsConn) {
	p.mu.Lock()
	delete(p.conns, dc)
	p.mu.Unlock()
}

// LocalAddr returns the listening address.
func (p *DTLSProvider) LocalAddr() netip.AddrPort {
	return p.local
}

// Close stops accepting and closes all sessions.
func (p *DTLSProvider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	conns := make([]*dtlsConn, 0, len(p.conns))
	for dc := range p.conns {
		conns = append(conns, dc)
	}
	p.mu.Unlock()

	for _, dc := range conns {
		dc.Close()
	}
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

type dtlsConn struct {
	c      net.Conn
	remote netip.AddrPort
	p      *DTLSProvider
	once   sync.Once
}

func (c *dtlsConn) Send(b []byte) error {
	_, err := c.c.Write(b)
	return err
}

func (c *dtlsConn) Serve(onReceive func([]byte)) error {
	buf := make([]byte, 65536)
	for {
		n, err := c.c.Read(buf)
		if err != nil {
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		onReceive(data)
	}
}

func (c *dtlsConn) RemoteAddr() netip.AddrPort {
	return c.remote
}

func (c *dtlsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.p.untrack(c)
		err = c.c.Close()
	})
	return err
}
