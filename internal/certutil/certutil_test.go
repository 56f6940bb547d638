package certutil

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func mustCA(t *testing.T) *Cert {
	t.Helper()
	ca, err := GenerateCA("Relay CA", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA() error = %v", err)
	}
	return ca
}

func TestGenerateCA(t *testing.T) {
	ca := mustCA(t)
	c := ca.Certificate

	if !c.IsCA {
		t.Error("expected a CA certificate")
	}
	if !c.MaxPathLenZero {
		t.Error("CA should not be able to sign other CAs")
	}
	if c.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA missing CertSign usage")
	}
	if got := c.Subject.Organization; len(got) != 1 || got[0] != "Metroo TURN" {
		t.Errorf("Organization = %v", got)
	}
	if d := c.NotAfter.Sub(time.Now()); d > time.Hour || d < 50*time.Minute {
		t.Errorf("validity ends in %v, want about 1h", d)
	}
}

func TestGenerateRelayCert(t *testing.T) {
	ca := mustCA(t)

	cert, err := GenerateRelayCert(ca, "relay-1.example.org", time.Hour, "203.0.113.7", "2001:db8::7", "turn.example.org", "203.0.113.7")
	if err != nil {
		t.Fatalf("GenerateRelayCert() error = %v", err)
	}
	c := cert.Certificate

	if c.IsCA {
		t.Error("relay certificate must not be a CA")
	}
	for _, eku := range []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth} {
		if !slices.Contains(c.ExtKeyUsage, eku) {
			t.Errorf("missing ext key usage %v", eku)
		}
	}

	wantDNS := []string{"relay-1.example.org", "localhost", "turn.example.org"}
	if !slices.Equal(c.DNSNames, wantDNS) {
		t.Errorf("DNSNames = %v, want %v", c.DNSNames, wantDNS)
	}
	if len(c.IPAddresses) != 4 {
		t.Errorf("IPAddresses = %v, want loopback pair plus two relay IPs", c.IPAddresses)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	for _, name := range []string{"203.0.113.7", "2001:db8::7", "relay-1.example.org"} {
		if _, err := c.Verify(x509.VerifyOptions{
			DNSName:   name,
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}); err != nil {
			t.Errorf("Verify(%s) error = %v", name, err)
		}
	}
	if _, err := c.Verify(x509.VerifyOptions{DNSName: "198.51.100.1", Roots: pool}); err == nil {
		t.Error("certificate verified for an address it does not cover")
	}
}

func TestGenerateRelayCert_RequiresCA(t *testing.T) {
	leaf, err := SelfSigned("relay")
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}
	if _, err := GenerateRelayCert(leaf, "relay-2", time.Hour); err == nil {
		t.Error("expected error when the issuer is not a CA")
	}
	if _, err := GenerateRelayCert(nil, "relay-2", time.Hour); err == nil {
		t.Error("expected error without an issuer")
	}
}

func TestGenerate_Defaults(t *testing.T) {
	if _, err := Generate(Options{}); err == nil {
		t.Error("expected error without a common name")
	}

	cert, err := SelfSigned("metroo")
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}
	d := cert.Certificate.NotAfter.Sub(time.Now())
	if d < DefaultValidity-time.Hour || d > DefaultValidity {
		t.Errorf("validity = %v, want about %v", d, DefaultValidity)
	}
	if cert.Certificate.Issuer.CommonName != "metroo" {
		t.Errorf("self-signed issuer = %s", cert.Certificate.Issuer.CommonName)
	}
}

func TestCoversIP(t *testing.T) {
	cert, err := SelfSigned("relay", "192.0.2.10")
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.10", true},
		{"::ffff:192.0.2.10", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"192.0.2.11", false},
	}
	for _, tt := range tests {
		if got := cert.CoversIP(netip.MustParseAddr(tt.ip)); got != tt.want {
			t.Errorf("CoversIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestHosts(t *testing.T) {
	tests := []struct {
		name  string
		addrs []string
		want  []string
	}{
		{"empty", nil, nil},
		{"unspecified skipped", []string{"0.0.0.0", ":3479", "[::]:3479", ""}, nil},
		{"host port and bare ip", []string{"203.0.113.7:3479", "10.0.0.5"}, []string{"203.0.113.7", "10.0.0.5"}},
		{"duplicates and mapped", []string{"192.0.2.1", "::ffff:192.0.2.1", "192.0.2.1:3479"}, []string{"192.0.2.1"}},
		{"ipv6", []string{"[2001:db8::1]:3479"}, []string{"2001:db8::1"}},
		{"names ignored", []string{"relay.example.org:3479"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Hosts(tt.addrs...); !slices.Equal(got, tt.want) {
				t.Errorf("Hosts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSaveAndLoadCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "relay.crt")
	keyPath := filepath.Join(dir, "certs", "relay.key")

	orig, err := GenerateRelayCert(mustCA(t), "relay", time.Hour)
	if err != nil {
		t.Fatalf("GenerateRelayCert() error = %v", err)
	}
	if err := orig.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles() error = %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat(key) error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %o, want 600", info.Mode().Perm())
	}

	loaded, err := LoadCert(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadCert() error = %v", err)
	}
	if loaded.Fingerprint() != orig.Fingerprint() {
		t.Errorf("fingerprint = %s, want %s", loaded.Fingerprint(), orig.Fingerprint())
	}
	if _, err := loaded.TLSCertificate(); err != nil {
		t.Errorf("TLSCertificate() error = %v", err)
	}

	if _, err := LoadCert(filepath.Join(dir, "missing.crt"), keyPath); err == nil {
		t.Error("expected error for a missing certificate")
	}
}

func TestParseCert_PKCS8(t *testing.T) {
	cert, err := SelfSigned("relay")
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error = %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if _, err := ParseCert(cert.CertPEM, keyPEM); err != nil {
		t.Errorf("ParseCert(PKCS#8) error = %v", err)
	}
}

func TestParseCert_Rejects(t *testing.T) {
	a, err := SelfSigned("a")
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}
	b, err := SelfSigned("b")
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	rsaKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
	rsaCertPEM := selfSignedPEM(t, &rsaKey.PublicKey, rsaKey)

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey() error = %v", err)
	}
	edDER, _ := x509.MarshalPKCS8PrivateKey(edKey)
	edKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: edDER})

	tests := []struct {
		name     string
		certPEM  []byte
		keyPEM   []byte
		notECDSA bool
	}{
		{"rsa certificate", rsaCertPEM, a.KeyPEM, true},
		{"rsa key", a.CertPEM, rsaKeyPEM, true},
		{"ed25519 pkcs8 key", a.CertPEM, edKeyPEM, true},
		{"mismatched pair", a.CertPEM, b.KeyPEM, false},
		{"garbage certificate", []byte("not pem"), a.KeyPEM, false},
		{"garbage key", a.CertPEM, []byte("not pem"), false},
		{"unknown key type", a.CertPEM, pem.EncodeToMemory(&pem.Block{Type: "DSA PRIVATE KEY", Bytes: []byte{1}}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCert(tt.certPEM, tt.keyPEM)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrNotECDSA); got != tt.notECDSA {
				t.Errorf("errors.Is(ErrNotECDSA) = %v, want %v (err = %v)", got, tt.notECDSA, err)
			}
		})
	}
}

func selfSignedPEM(t *testing.T, pub, priv any) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "other"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestFingerprint(t *testing.T) {
	cert, err := SelfSigned("relay")
	if err != nil {
		t.Fatalf("SelfSigned() error = %v", err)
	}

	fp := Fingerprint(cert.Certificate)
	if !strings.HasPrefix(fp, "sha256:") || len(fp) != len("sha256:")+64 {
		t.Errorf("Fingerprint() = %q", fp)
	}
	if cert.Fingerprint() != fp {
		t.Error("method and function disagree")
	}

	other, _ := SelfSigned("relay")
	if other.Fingerprint() == fp {
		t.Error("distinct certificates share a fingerprint")
	}
}

func TestInspectFile(t *testing.T) {
	dir := t.TempDir()
	ca := mustCA(t)
	cert, err := GenerateRelayCert(ca, "relay.example.org", time.Hour, "192.0.2.5")
	if err != nil {
		t.Fatalf("GenerateRelayCert() error = %v", err)
	}

	// A bundle with a leading key block still yields the certificate.
	path := filepath.Join(dir, "bundle.pem")
	os.WriteFile(path, append(append([]byte{}, cert.KeyPEM...), cert.CertPEM...), 0644)

	info, err := InspectFile(path)
	if err != nil {
		t.Fatalf("InspectFile() error = %v", err)
	}
	if !strings.Contains(info.Subject, "relay.example.org") {
		t.Errorf("Subject = %s", info.Subject)
	}
	if !strings.Contains(info.Issuer, "Relay CA") {
		t.Errorf("Issuer = %s", info.Issuer)
	}
	if info.IsCA {
		t.Error("IsCA = true for a relay certificate")
	}
	if info.Fingerprint != cert.Fingerprint() {
		t.Errorf("Fingerprint = %s, want %s", info.Fingerprint, cert.Fingerprint())
	}
	if !slices.Contains(info.IPAddresses, "192.0.2.5") {
		t.Errorf("IPAddresses = %v", info.IPAddresses)
	}

	if _, err := InspectFile(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected error for a missing file")
	}
	junk := filepath.Join(dir, "junk.pem")
	os.WriteFile(junk, []byte("junk"), 0644)
	if _, err := InspectFile(junk); err == nil {
		t.Error("expected error for a file without certificates")
	}
}

func TestCertInfo_Expired(t *testing.T) {
	now := time.Now()
	ci := CertInfo{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"valid", now, false},
		{"after expiry", now.Add(2 * time.Hour), true},
		{"before start", now.Add(-2 * time.Hour), true},
	}
	for _, tt := range tests {
		if got := ci.Expired(tt.at); got != tt.want {
			t.Errorf("%s: Expired() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTLSCertificate(t *testing.T) {
	ca := mustCA(t)
	server, err := GenerateRelayCert(ca, "relay", time.Hour, "192.0.2.5")
	if err != nil {
		t.Fatalf("GenerateRelayCert() error = %v", err)
	}
	pair, err := server.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate() error = %v", err)
	}
	if _, ok := pair.PrivateKey.(*ecdsa.PrivateKey); !ok {
		t.Errorf("private key type = %T", pair.PrivateKey)
	}
	if server.PrivateKey.Curve != elliptic.P256() {
		t.Error("expected a P-256 key")
	}
}
