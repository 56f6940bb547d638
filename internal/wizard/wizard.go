// Package wizard provides an interactive setup wizard for the relay.
package wizard

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/metroo-turn/internal/auth"
	"github.com/postalsys/metroo-turn/internal/certutil"
	"github.com/postalsys/metroo-turn/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	CertsDir   string
}

// Answers collects everything the forms ask for.
type Answers struct {
	Realm      string
	Transports []string // udp, tcp, tls
	Port       int      // udp and tcp listeners
	TLSPort    int
	TLS        config.TLSConfig

	RelayIPv4  string
	PublicIPv4 string
	RelayIPv6  string

	AuthMode   string // none, static, rest
	Username   string
	Password   string
	RESTSecret string

	Federation          bool
	FederationTransport string // udp, dtls
	FederationAddress   string

	LogLevel      string
	HealthEnabled bool
	Pprof         bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := Answers{
		Realm:               "metroo",
		Port:                3478,
		TLSPort:             5349,
		RelayIPv4:           "0.0.0.0",
		AuthMode:            "static",
		FederationTransport: "udp",
		FederationAddress:   ":3479",
		LogLevel:            "info",
		HealthEnabled:       true,
	}

	// Step 1: Basic setup
	configPath, certsDir, err := w.askBasicSetup(&a)
	if err != nil {
		return nil, err
	}

	// Step 2: Client listeners
	if err := w.askListeners(&a); err != nil {
		return nil, err
	}

	// Step 3: Relay addresses
	if err := w.askRelay(&a); err != nil {
		return nil, err
	}

	// Step 4: Authentication
	if err := w.askAuth(&a); err != nil {
		return nil, err
	}

	// Step 5: Federation
	if err := w.askFederation(&a); err != nil {
		return nil, err
	}

	// Step 6: TLS setup (if a TLS listener or DTLS federation needs it)
	if a.needsCertificate() {
		if a.TLS, err = w.askTLSSetup(certsDir, a.certHosts()); err != nil {
			return nil, err
		}
	}

	// Step 7: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
		CertsDir:   certsDir,
	}, nil
}

func (a Answers) needsCertificate() bool {
	return contains(a.Transports, "tls") || (a.Federation && a.FederationTransport == "dtls")
}

// certHosts lists the relay addresses a generated certificate must cover.
func (a Answers) certHosts() []string {
	addrs := []string{a.PublicIPv4, a.RelayIPv4, a.RelayIPv6}
	if a.Federation {
		addrs = append([]string{a.FederationAddress}, addrs...)
	}
	return certutil.Hosts(addrs...)
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  __  __      _                     _____ _   _ ____  _   _
 |  \/  | ___| |_ _ __ ___   ___   |_   _| | | |  _ \| \ | |
 | |\/| |/ _ \ __| '__/ _ \ / _ \    | | | | | | |_) |  \| |
 | |  | |  __/ |_| | | (_) | (_) |   | | | |_| |  _ <| |\  |
 |_|  |_|\___|\__|_|  \___/ \___/    |_|  \___/|_| \_\_| \_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  TURN Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) (configPath, certsDir string, err error) {
	configPath = "./config.yaml"
	certsDir = "./certs"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths and realm for your relay."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("Certificates Directory").
				Description("Where to store certificate files, if any are needed").
				Placeholder("./certs").
				Value(&certsDir),

			huh.NewInput().
				Title("Realm").
				Description("REALM sent to clients in authentication challenges").
				Placeholder("metroo").
				Value(&a.Realm).
				Validate(required("realm")),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askListeners(a *Answers) error {
	a.Transports = []string{"udp", "tcp"}
	port := strconv.Itoa(a.Port)
	tlsPort := strconv.Itoa(a.TLSPort)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client Listeners").
				Description("Select the transports TURN clients may use.\nYou can select multiple transports."),

			huh.NewMultiSelect[string]().
				Title("Transports").
				Options(
					huh.NewOption("UDP (recommended)", "udp"),
					huh.NewOption("TCP (firewall-friendly)", "tcp"),
					huh.NewOption("TLS (TURN over TLS, needs a certificate)", "tls"),
				).
				Value(&a.Transports).
				Validate(func(s []string) error {
					if len(s) == 0 {
						return fmt.Errorf("select at least one transport")
					}
					return nil
				}),

			huh.NewInput().
				Title("UDP/TCP Port").
				Placeholder("3478").
				Value(&port).
				Validate(validatePort),

			huh.NewInput().
				Title("TLS Port").
				Description("Only used when TLS is selected").
				Placeholder("5349").
				Value(&tlsPort).
				Validate(validatePort),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.Port, _ = strconv.Atoi(port)
	a.TLSPort, _ = strconv.Atoi(tlsPort)
	return nil
}

func (w *Wizard) askRelay(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Addresses").
				Description("Relay sockets are bound on these addresses.\nLeave IPv6 empty to serve IPv4 only."),

			huh.NewInput().
				Title("IPv4 Relay Address").
				Placeholder("0.0.0.0").
				Value(&a.RelayIPv4).
				Validate(optionalAddr(true)),

			huh.NewInput().
				Title("Public IPv4 Address (optional)").
				Description("Advertised to clients when the relay sits behind a NAT").
				Value(&a.PublicIPv4).
				Validate(optionalAddr(true)),

			huh.NewInput().
				Title("IPv6 Relay Address (optional)").
				Placeholder("::").
				Value(&a.RelayIPv6).
				Validate(optionalAddr(false)),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAuth(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Authentication").
				Description("TURN long-term credentials protect the relay from open use."),

			huh.NewSelect[string]().
				Title("Credential Mode").
				Options(
					huh.NewOption("Static username and password", "static"),
					huh.NewOption("Time-limited REST credentials (shared secret)", "rest"),
					huh.NewOption("None (open relay, testing only)", "none"),
				).
				Value(&a.AuthMode),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	var group *huh.Group
	switch a.AuthMode {
	case "static":
		group = huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Value(&a.Username).
				Validate(required("username")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&a.Password).
				Validate(required("password")),
		)
	case "rest":
		group = huh.NewGroup(
			huh.NewInput().
				Title("Shared Secret").
				Description("Leave empty to generate one").
				EchoMode(huh.EchoModePassword).
				Value(&a.RESTSecret),
		)
	default:
		return nil
	}

	if err := huh.NewForm(group).WithTheme(w.theme).Run(); err != nil {
		return err
	}

	if a.AuthMode == "rest" && a.RESTSecret == "" {
		a.RESTSecret = auth.NewSecret()
		fmt.Printf("\n✓ Generated shared secret: %s\n\n", a.RESTSecret)
	}
	return nil
}

func (w *Wizard) askFederation(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Federation").
				Description("Federation forwards media between relay nodes for\nclients that authenticate with the federation prefix."),

			huh.NewConfirm().
				Title("Enable federation?").
				Value(&a.Federation),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !a.Federation {
		return nil
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Federation Transport").
				Options(
					huh.NewOption("UDP (plain datagrams, trusted networks)", "udp"),
					huh.NewOption("DTLS (encrypted links)", "dtls"),
				).
				Value(&a.FederationTransport),

			huh.NewInput().
				Title("Federation Address").
				Placeholder(":3479").
				Value(&a.FederationAddress).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askTLSSetup(certsDir string, hosts []string) (config.TLSConfig, error) {
	var tlsChoice string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("A certificate is required for TLS listeners and DTLS federation.\nYou can generate new certificates or use existing ones."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate new self-signed certificates (Recommended for testing)", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&tlsChoice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	if tlsChoice == "existing" {
		return w.useExistingCertificates(certsDir)
	}

	commonName := "metroo-turn"
	validDays := "365"
	genForm := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Certificates").
				Description("A CA and relay certificate will be generated."),

			huh.NewInput().
				Title("Common Name").
				Description("Name for the certificate (e.g., hostname)").
				Placeholder("metroo-turn").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Placeholder("365").
				Value(&validDays).
				Validate(func(s string) error {
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := genForm.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	days, _ := strconv.Atoi(validDays)
	tc, fingerprint, err := GenerateCertificates(certsDir, commonName, time.Duration(days)*24*time.Hour, hosts...)
	if err != nil {
		return config.TLSConfig{}, err
	}

	fmt.Printf("\n✓ Generated CA certificate: %s\n", tc.CA)
	fmt.Printf("✓ Generated relay certificate: %s\n", tc.Cert)
	fmt.Printf("  Fingerprint: %s\n\n", fingerprint)
	return tc, nil
}

// GenerateCertificates writes a CA and a relay certificate signed by it to
// certsDir and returns the matching TLS settings and the relay
// certificate fingerprint. hosts are added as SANs so federation peers
// verifying by IP accept the certificate.
func GenerateCertificates(certsDir, commonName string, validFor time.Duration, hosts ...string) (config.TLSConfig, string, error) {
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to create certs directory: %w", err)
	}

	ca, err := certutil.GenerateCA(commonName+" CA", validFor)
	if err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to generate CA: %w", err)
	}
	caPath := filepath.Join(certsDir, "ca.crt")
	if err := ca.SaveToFiles(caPath, filepath.Join(certsDir, "ca.key")); err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to save CA: %w", err)
	}

	cert, err := certutil.GenerateRelayCert(ca, commonName, validFor, hosts...)
	if err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to generate certificate: %w", err)
	}
	certPath := filepath.Join(certsDir, "relay.crt")
	keyPath := filepath.Join(certsDir, "relay.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return config.TLSConfig{}, "", fmt.Errorf("failed to save certificate: %w", err)
	}

	return config.TLSConfig{Cert: certPath, Key: keyPath, CA: caPath}, cert.Fingerprint(), nil
}

func (w *Wizard) useExistingCertificates(certsDir string) (config.TLSConfig, error) {
	certPath := filepath.Join(certsDir, "relay.crt")
	keyPath := filepath.Join(certsDir, "relay.key")
	caPath := filepath.Join(certsDir, "ca.crt")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Existing Certificates").
				Description("Specify paths to your existing certificate files."),

			huh.NewInput().
				Title("Certificate File").
				Placeholder(certPath).
				Value(&certPath).
				Validate(fileExists),

			huh.NewInput().
				Title("Private Key File").
				Placeholder(keyPath).
				Value(&keyPath).
				Validate(fileExists),

			huh.NewInput().
				Title("CA Certificate File (optional)").
				Placeholder(caPath).
				Value(&caPath),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	tc := config.TLSConfig{
		Cert: certPath,
		Key:  keyPath,
	}
	if caPath != "" {
		if _, err := os.Stat(caPath); err == nil {
			tc.CA = caPath
		}
	}
	return tc, nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable HTTP status endpoint?").
				Description("Health, status, drain and metrics on 127.0.0.1:8080").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable pprof?").
				Description("Mount /debug/pprof on the status endpoint").
				Value(&a.Pprof),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a configuration.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Server.Realm = a.Realm
	cfg.Server.LogLevel = a.LogLevel
	cfg.Server.LogFormat = "text"

	// Listeners
	cfg.Listeners = nil
	for _, tr := range a.Transports {
		switch tr {
		case "udp", "tcp":
			cfg.Listeners = append(cfg.Listeners, config.ListenerConfig{
				Transport: tr,
				Address:   ":" + strconv.Itoa(a.Port),
			})
		case "tls":
			cfg.Listeners = append(cfg.Listeners, config.ListenerConfig{
				Transport: tr,
				Address:   ":" + strconv.Itoa(a.TLSPort),
				TLS:       config.TLSConfig{Cert: a.TLS.Cert, Key: a.TLS.Key},
			})
		}
	}

	// Relay
	cfg.Relay.IPv4 = a.RelayIPv4
	cfg.Relay.PublicIPv4 = a.PublicIPv4
	cfg.Relay.IPv6 = a.RelayIPv6

	// Auth
	switch a.AuthMode {
	case "static":
		cfg.Auth.Enabled = true
		cfg.Auth.Users = []config.UserConfig{{Username: a.Username, Password: a.Password}}
	case "rest":
		cfg.Auth.Enabled = true
		cfg.Auth.RESTSecret = a.RESTSecret
	}

	// Federation
	if a.Federation {
		cfg.Federation.Enabled = true
		cfg.Federation.Transport = a.FederationTransport
		cfg.Federation.Address = a.FederationAddress
		if a.FederationTransport == "dtls" {
			cfg.Federation.TLS = a.TLS
		}
	}

	// Health
	cfg.Health.Enabled = a.HealthEnabled
	cfg.Health.Pprof = a.HealthEnabled && a.Pprof

	return cfg
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Metroo TURN Configuration
# Generated by setup wizard

`
	// Credentials live in the file, so keep it private.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Realm:        %s\n", cfg.Server.Realm)
	for _, l := range cfg.Listeners {
		fmt.Printf("  Listener:     %s://%s\n", l.Transport, l.Address)
	}
	fmt.Printf("  Relay:        %s\n", strings.Join(nonEmpty(cfg.Relay.IPv4, cfg.Relay.IPv6), ", "))
	if cfg.Relay.PublicIPv4 != "" {
		fmt.Printf("  Public IPv4:  %s\n", cfg.Relay.PublicIPv4)
	}
	if cfg.Federation.Enabled {
		fmt.Printf("  Federation:   %s://%s\n", cfg.Federation.Transport, cfg.Federation.Address)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Status:       http://%s/status\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    metroo-turn run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validatePort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

// optionalAddr accepts an empty string or an address of the given family.
func optionalAddr(v4 bool) func(string) error {
	return func(s string) error {
		if s == "" {
			return nil
		}
		addr, err := netip.ParseAddr(s)
		if err != nil || addr.Is4() != v4 {
			if v4 {
				return fmt.Errorf("not an IPv4 address")
			}
			return fmt.Errorf("not an IPv6 address")
		}
		return nil
	}
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func fileExists(s string) error {
	if _, err := os.Stat(s); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
