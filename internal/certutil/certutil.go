// Package certutil creates and inspects the ECDSA certificates used by the
// TLS client listeners and the DTLS federation links.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"
)

const organization = "Metroo TURN"

// DefaultValidity applies when Options.ValidFor is zero.
const DefaultValidity = 90 * 24 * time.Hour

// ErrNotECDSA is returned for RSA or Ed25519 material. pion/dtls and the
// TLS listeners are configured for ECDSA suites only.
var ErrNotECDSA = errors.New("only ECDSA certificates and keys are supported")

// Options configures certificate generation.
type Options struct {
	CommonName string
	ValidFor   time.Duration

	// Hosts become subject alternative names: IP literals as IP SANs,
	// anything else as DNS SANs. Federation peers verify each other by IP.
	Hosts []string

	// IsCA makes a CA that can sign relay certificates but no other CA.
	IsCA bool

	// Issuer signs the certificate. Nil means self-signed.
	Issuer *Cert
}

// Cert is a certificate with its private key, parsed and PEM encoded.
type Cert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the SHA256 fingerprint of the certificate.
func (c *Cert) Fingerprint() string {
	return Fingerprint(c.Certificate)
}

// TLSCertificate returns the pair for crypto/tls and pion/dtls configs.
func (c *Cert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(c.CertPEM, c.KeyPEM)
}

// CoversIP reports whether ip is one of the certificate's IP SANs.
func (c *Cert) CoversIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, san := range c.Certificate.IPAddresses {
		if a, ok := netip.AddrFromSlice(san); ok && a.Unmap() == ip {
			return true
		}
	}
	return false
}

// SaveToFiles writes the certificate world-readable and the key owner-only.
func (c *Cert) SaveToFiles(certPath, keyPath string) error {
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(certPath, c.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, c.KeyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// Generate creates a P-256 certificate. Relay certificates carry both
// server and client auth, since a DTLS link authenticates both ends.
func Generate(opts Options) (*Cert, error) {
	if opts.CommonName == "" {
		return nil, errors.New("common name required")
	}
	if opts.ValidFor <= 0 {
		opts.ValidFor = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{organization},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.ValidFor),
		BasicConstraintsValid: true,
	}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		template.MaxPathLenZero = true
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	parent, signer := template, key
	if opts.Issuer != nil {
		parent, signer = opts.Issuer.Certificate, opts.Issuer.PrivateKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &Cert{
		Certificate: cert,
		PrivateKey:  key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// GenerateCA creates a CA for signing relay certificates.
func GenerateCA(commonName string, validFor time.Duration) (*Cert, error) {
	return Generate(Options{CommonName: commonName, ValidFor: validFor, IsCA: true})
}

// GenerateRelayCert creates a relay certificate signed by ca. The common
// name, loopback and hosts are all added as SANs.
func GenerateRelayCert(ca *Cert, commonName string, validFor time.Duration, hosts ...string) (*Cert, error) {
	if ca == nil || !ca.Certificate.IsCA {
		return nil, errors.New("relay certificate needs a CA issuer")
	}
	return Generate(Options{
		CommonName: commonName,
		ValidFor:   validFor,
		Hosts:      relayHosts(commonName, hosts),
		Issuer:     ca,
	})
}

// SelfSigned creates a self-signed relay certificate, used for DTLS
// federation when no certificate is configured.
func SelfSigned(commonName string, hosts ...string) (*Cert, error) {
	return Generate(Options{CommonName: commonName, Hosts: relayHosts(commonName, hosts)})
}

func relayHosts(commonName string, hosts []string) []string {
	all := append([]string{commonName, "localhost", "127.0.0.1", "::1"}, hosts...)
	seen := make(map[string]bool, len(all))
	out := all[:0]
	for _, h := range all {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// Hosts extracts SAN candidates from relay and federation addresses.
// Each entry may be an IP or host:port; empty, unparsable and unspecified
// addresses are skipped since no peer can dial them.
func Hosts(addrs ...string) []string {
	var out []string
	seen := make(map[netip.Addr]bool)
	for _, s := range addrs {
		if host, _, err := net.SplitHostPort(s); err == nil {
			s = host
		}
		ip, err := netip.ParseAddr(s)
		if err != nil || ip.IsUnspecified() {
			continue
		}
		ip = ip.Unmap()
		if seen[ip] {
			continue
		}
		seen[ip] = true
		out = append(out, ip.String())
	}
	return out
}

// LoadCert reads a PEM certificate and key pair from disk.
func LoadCert(certPath, keyPath string) (*Cert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParseCert(certPEM, keyPEM)
}

// ParseCert parses a PEM certificate and key. Both must be ECDSA and
// belong together.
func ParseCert(certPEM, keyPEM []byte) (*Cert, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	if cert.PublicKeyAlgorithm != x509.ECDSA {
		return nil, fmt.Errorf("certificate uses %v: %w", cert.PublicKeyAlgorithm, ErrNotECDSA)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		if key, err = x509.ParseECPrivateKey(block.Bytes); err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		if key, ok = k.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("private key: %w", ErrNotECDSA)
		}
	case "RSA PRIVATE KEY":
		return nil, fmt.Errorf("private key: %w", ErrNotECDSA)
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, errors.New("private key does not match certificate")
	}

	return &Cert{Certificate: cert, PrivateKey: key, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	for rest := certPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no certificate found in PEM data")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert, nil
	}
}

// Fingerprint returns "sha256:" followed by the hex digest of the DER.
func Fingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// CertInfo is what `cert info` shows.
type CertInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	Fingerprint  string
	IsCA         bool
	DNSNames     []string
	IPAddresses  []string
}

// Expired reports whether the certificate is outside its validity at now.
func (ci CertInfo) Expired(now time.Time) bool {
	return now.After(ci.NotAfter) || now.Before(ci.NotBefore)
}

// Inspect summarizes cert.
func Inspect(cert *x509.Certificate) CertInfo {
	info := CertInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.Text(16),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Fingerprint:  Fingerprint(cert),
		IsCA:         cert.IsCA,
		DNSNames:     cert.DNSNames,
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// InspectFile summarizes the first certificate in a PEM file.
func InspectFile(path string) (*CertInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	cert, err := parseCertificate(data)
	if err != nil {
		return nil, err
	}
	info := Inspect(cert)
	return &info, nil
}
