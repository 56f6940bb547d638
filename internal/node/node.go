// Package node assembles a relay from its configuration: the event loop,
// the TURN engine, client listeners, federation and the HTTP server.
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/metroo-turn/internal/auth"
	"github.com/postalsys/metroo-turn/internal/certutil"
	"github.com/postalsys/metroo-turn/internal/config"
	"github.com/postalsys/metroo-turn/internal/drain"
	"github.com/postalsys/metroo-turn/internal/eventloop"
	"github.com/postalsys/metroo-turn/internal/federation"
	"github.com/postalsys/metroo-turn/internal/health"
	"github.com/postalsys/metroo-turn/internal/logging"
	"github.com/postalsys/metroo-turn/internal/metrics"
	"github.com/postalsys/metroo-turn/internal/recovery"
	"github.com/postalsys/metroo-turn/internal/transport"
	"github.com/postalsys/metroo-turn/internal/turn"
)

// shutdownTimeout bounds the final allocation teardown on the loop.
const shutdownTimeout = 5 * time.Second

// Node is a running relay.
type Node struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	loop   *eventloop.Loop
	engine *turn.Engine
	gate   *drain.Gate
	auth   *auth.Authenticator

	// Federation is nil when disabled.
	fedTransport federation.Transport
	router       *federation.Router

	listeners    []transport.Listener
	healthServer *health.Server

	group    *errgroup.Group
	cancel   context.CancelFunc
	running  atomic.Bool
	stopOnce sync.Once
}

// Options overrides ambient dependencies, mostly for tests.
type Options struct {
	// Logger defaults to one built from the server log settings.
	Logger *slog.Logger

	// Registry receives the relay metrics. A fresh registry with Go and
	// process collectors is created when nil.
	Registry *prometheus.Registry

	Clock clock.Clock
}

// New builds a relay from cfg. Sockets other than the federation socket
// are bound by Start.
func New(cfg *config.Config, opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		registry: reg,
		metrics:  metrics.NewMetricsWithRegistry(reg),
	}

	if err := n.initComponents(); err != nil {
		if n.router != nil {
			n.router.Close()
		}
		return nil, err
	}
	return n, nil
}

// initComponents builds everything that does not bind client sockets.
func (n *Node) initComponents() error {
	n.gate = drain.New(n.logger)
	n.loop = eventloop.New(n.cfg.Loop.QueueSize, n.logger, n.metrics)

	turnCfg, err := n.turnConfig()
	if err != nil {
		return err
	}

	opts := turn.Options{
		Config:    turnCfg,
		Scheduler: n.loop,
		Binder: &turn.UDPBinder{
			SocketBuffer: n.cfg.Relay.SocketBufferSize,
			Logger:       n.logger.With(logging.KeyComponent, "relay"),
		},
		Clock:   n.clock,
		Gate:    n.gate,
		Metrics: n.metrics,
		Logger:  n.logger,
	}

	if n.cfg.Auth.Enabled {
		n.auth, err = auth.New(auth.Options{
			Realm:      n.cfg.Server.Realm,
			Users:      n.cfg.Auth.UserMap(),
			RESTSecret: n.cfg.Auth.RESTSecret,
			NonceTTL:   n.cfg.Auth.NonceTTL,
			Clock:      n.clock,
			Metrics:    n.metrics,
			Logger:     n.logger,
		})
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
		opts.Auth = n.auth
	}

	if n.cfg.Federation.Enabled {
		if err := n.initFederation(); err != nil {
			return err
		}
		opts.Federation = n.router
	}

	n.engine = turn.NewEngine(opts)
	n.loop.Register(n.engine)
	if n.router != nil {
		n.loop.Register(n.router)
	}
	return nil
}

func (n *Node) turnConfig() (turn.Config, error) {
	rc := n.cfg.Relay
	cfg := turn.Config{
		Software:         n.cfg.Server.Software,
		DefaultLifetime:  rc.DefaultLifetime,
		MaxLifetime:      rc.MaxLifetime,
		FederationPrefix: n.cfg.Federation.UsernamePrefix,
		StreamQueueLimit: rc.StreamQueueLimit,
	}
	if !n.cfg.Federation.Enabled {
		cfg.FederationPrefix = ""
	}

	var err error
	if cfg.RelayIPv4, err = parseAddr(rc.IPv4); err != nil {
		return cfg, fmt.Errorf("relay.ipv4: %w", err)
	}
	if cfg.RelayIPv6, err = parseAddr(rc.IPv6); err != nil {
		return cfg, fmt.Errorf("relay.ipv6: %w", err)
	}
	if cfg.PublicIPv4, err = parseAddr(rc.PublicIPv4); err != nil {
		return cfg, fmt.Errorf("relay.public_ipv4: %w", err)
	}
	return cfg, nil
}

func parseAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s)
}

// initFederation binds the federation socket. Secure links use DTLS with
// the configured certificate, or a throwaway self-signed one.
func (n *Node) initFederation() error {
	fc := n.cfg.Federation

	switch fc.Transport {
	case "dtls":
		cert, err := n.federationCertificate()
		if err != nil {
			return err
		}
		dc := federation.DTLSConfig{
			Address:          fc.Address,
			Certificate:      cert,
			Verify:           fc.TLS.Verify,
			HandshakeTimeout: 2 * fc.ConnectTimeout,
			Logger:           n.logger,
		}
		if fc.TLS.CA != "" {
			dc.RootCAs, err = transport.LoadCAPool(fc.TLS.CA)
			if err != nil {
				return fmt.Errorf("load federation CA: %w", err)
			}
		}
		provider, err := federation.NewDTLSProvider(dc)
		if err != nil {
			return fmt.Errorf("init federation: %w", err)
		}
		n.fedTransport = federation.NewSecureTransport(provider, n.loop, n.clock, fc.ConnectTimeout, n.logger, n.metrics)
	default:
		t, err := federation.ListenUDP(fc.Address, n.loop, n.logger)
		if err != nil {
			return err
		}
		n.fedTransport = t
	}

	n.router = federation.NewRouter(n.fedTransport, n.logger, n.metrics)
	return nil
}

func (n *Node) federationCertificate() (tls.Certificate, error) {
	tc := n.cfg.Federation.TLS
	hosts := federationHosts(n.cfg)
	if !tc.HasCert() {
		n.logger.Warn("federation certificate not configured, using a self-signed one")
		gen, err := certutil.SelfSigned(n.cfg.Server.Realm, hosts...)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("generate federation certificate: %w", err)
		}
		return gen.TLSCertificate()
	}

	certPEM, err := tc.GetCertPEM()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load federation certificate: %w", err)
	}
	keyPEM, err := tc.GetKeyPEM()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load federation key: %w", err)
	}
	cert, err := certutil.ParseCert(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("federation certificate: %w", err)
	}

	// Verifying peers dial us by IP and check it against the IP SANs.
	if tc.Verify {
		for _, h := range hosts {
			if !cert.CoversIP(netip.MustParseAddr(h)) {
				n.logger.Warn("federation certificate does not cover relay address",
					logging.KeyAddress, h,
					"fingerprint", cert.Fingerprint())
			}
		}
	}
	return cert.TLSCertificate()
}

// federationHosts lists the addresses peers may use to reach this relay.
func federationHosts(cfg *config.Config) []string {
	return certutil.Hosts(cfg.Federation.Address, cfg.Relay.PublicIPv4, cfg.Relay.IPv4, cfg.Relay.IPv6)
}

// Start binds the client listeners and starts every component. The node
// stops when ctx is cancelled or a component fails; Wait reports why.
func (n *Node) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("relay already running")
	}

	n.logger.Info("starting relay",
		logging.KeyComponent, "node",
		"realm", n.cfg.Server.Realm,
		"auth", n.auth != nil,
		"federation", n.router != nil)

	for _, lc := range n.cfg.Listeners {
		l, err := n.listen(lc)
		if err != nil {
			n.logger.Error("failed to start listener",
				logging.KeyAddress, lc.Address,
				logging.KeyTransport, lc.Transport,
				logging.KeyError, err)
			n.running.Store(false)
			n.closeListeners()
			return fmt.Errorf("start listener %s: %w", lc.Address, err)
		}
		n.listeners = append(n.listeners, l)
		n.logger.Info("listener started",
			logging.KeyAddress, l.Addr(),
			logging.KeyTransport, l.Proto())
	}

	ctx, n.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	n.group = g

	g.Go(func() error {
		return recovery.Run(n.logger, "event-loop", func() error { return n.loop.Run(gctx) })
	})
	for _, l := range n.listeners {
		l := l
		g.Go(func() error {
			return recovery.Run(n.logger, l.Proto().String()+"-listener", func() error { return l.Serve(gctx) })
		})
	}

	if n.fedTransport != nil {
		if err := n.fedTransport.Start(); err != nil {
			n.Stop()
			return fmt.Errorf("start federation: %w", err)
		}
		n.logger.Info("federation started",
			logging.KeyAddress, n.fedTransport.LocalAddr(),
			logging.KeyTransport, n.cfg.Federation.Transport)
	}

	if n.cfg.Health.Enabled {
		n.healthServer = health.NewServer(health.ServerConfig{
			Address:      n.cfg.Health.Address,
			ReadTimeout:  n.cfg.Health.ReadTimeout,
			WriteTimeout: n.cfg.Health.WriteTimeout,
			Pprof:        n.cfg.Health.Pprof,
			Gatherer:     n.registry,
		}, n, n.gate)
		if err := n.healthServer.Start(); err != nil {
			n.logger.Error("failed to start HTTP server",
				logging.KeyAddress, n.cfg.Health.Address,
				logging.KeyError, err)
			n.healthServer = nil
			n.Stop()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		n.logger.Info("HTTP server started",
			logging.KeyAddress, n.healthServer.Address())
	}

	n.logger.Info("relay started", "listeners", len(n.listeners))
	return nil
}

func (n *Node) listen(lc config.ListenerConfig) (transport.Listener, error) {
	proto, err := transport.ParseProto(lc.Transport)
	if err != nil {
		return nil, err
	}

	opts := transport.ListenOptions{
		ReadBuffer: n.cfg.Relay.SocketBufferSize,
		Logger:     n.logger,
	}
	if proto == transport.ProtoTLS {
		opts.TLSConfig, err = listenerTLSConfig(lc.TLS)
		if err != nil {
			return nil, err
		}
	}
	return transport.Listen(proto, lc.Address, n.engine, opts)
}

func listenerTLSConfig(tc config.TLSConfig) (*tls.Config, error) {
	if tc.CertPEM == "" && tc.KeyPEM == "" {
		return transport.LoadTLSConfig(tc.Cert, tc.Key)
	}

	certPEM, err := tc.GetCertPEM()
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	keyPEM, err := tc.GetKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Wait blocks until the node stops and returns the first component error.
func (n *Node) Wait() error {
	if n.group == nil {
		return nil
	}
	return n.group.Wait()
}

// Stop closes the HTTP server and listeners, destroys every allocation
// and stops the event loop. It is safe to call more than once.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.logger.Info("stopping relay")
		n.running.Store(false)

		if n.healthServer != nil {
			err = multierr.Append(err, n.healthServer.Stop())
		}
		n.closeListeners()

		// Allocations own relay sockets; tear them down on the loop so
		// no relay goroutine races the table.
		if n.group == nil {
			n.engine.Close()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if callErr := n.loop.Call(ctx, n.engine.Close); callErr != nil {
				n.logger.Warn("allocation teardown skipped", logging.KeyError, callErr)
			}
			cancel()
		}

		if n.cancel != nil {
			n.cancel()
		}
		if n.router != nil {
			err = multierr.Append(err, n.router.Close())
		}
		err = multierr.Append(err, n.Wait())

		n.logger.Info("relay stopped")
	})
	return err
}

func (n *Node) closeListeners() {
	for _, l := range n.listeners {
		l.Close()
	}
}

// IsRunning implements health.StatusProvider.
func (n *Node) IsRunning() bool {
	return n.running.Load()
}

// Status implements health.StatusProvider.
func (n *Node) Status(ctx context.Context) (turn.Status, error) {
	var st turn.Status
	err := n.loop.Call(ctx, func() { st = n.engine.Status() })
	return st, err
}

// Federation implements health.StatusProvider.
func (n *Node) Federation(ctx context.Context) (health.FederationStatus, error) {
	if n.router == nil {
		return health.FederationStatus{}, health.ErrFederationDisabled
	}
	var fs health.FederationStatus
	err := n.loop.Call(ctx, func() {
		fs = health.FederationStatus{
			Address:     n.router.LocalAddr().String(),
			Connections: n.router.Connections(),
			Links:       n.router.Links(),
		}
	})
	return fs, err
}

// Drain returns the admission gate.
func (n *Node) Drain() *drain.Gate {
	return n.gate
}

// Listeners returns the bound client listeners.
func (n *Node) Listeners() []transport.Listener {
	return n.listeners
}

// HealthAddress returns the HTTP server address, or "" when disabled.
func (n *Node) HealthAddress() string {
	if n.healthServer == nil || n.healthServer.Address() == nil {
		return ""
	}
	return n.healthServer.Address().String()
}
