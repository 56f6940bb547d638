// Package service installs the relay as a systemd unit.
package service

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/postalsys/metroo-turn/internal/config"
)

// DefaultUnitDir is where administrator units live.
const DefaultUnitDir = "/etc/systemd/system"

var (
	// ErrUnsupported is returned on hosts without systemd.
	ErrUnsupported = errors.New("service management needs Linux with systemd")

	ErrNotRoot          = errors.New("service management must run as root")
	ErrAlreadyInstalled = errors.New("service is already installed")
	ErrNotInstalled     = errors.New("service is not installed")
)

// Config describes the unit to install.
type Config struct {
	Name        string // unit name without the .service suffix
	Description string
	ConfigPath  string // absolute path of the relay configuration

	// User and Group run the relay unprivileged. Empty means root.
	User  string
	Group string

	// OpenFiles raises RLIMIT_NOFILE. Every allocation holds a relay
	// socket and every TCP/TLS client holds one more.
	OpenFiles int

	// BindLowPorts grants CAP_NET_BIND_SERVICE to an unprivileged user.
	BindLowPorts bool
}

// DefaultConfig returns the unit settings for a relay config file.
func DefaultConfig(configPath string) Config {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}
	return Config{
		Name:        "metroo-turn",
		Description: "Metroo TURN relay",
		ConfigPath:  abs,
		OpenFiles:   65536,
	}
}

// ForRelay derives the unit settings from a loaded relay configuration.
func ForRelay(configPath string, rc *config.Config) Config {
	c := DefaultConfig(configPath)
	c.BindLowPorts = usesLowPorts(rc)
	return c
}

func usesLowPorts(rc *config.Config) bool {
	addrs := make([]string, 0, len(rc.Listeners)+2)
	for _, l := range rc.Listeners {
		addrs = append(addrs, l.Address)
	}
	if rc.Federation.Enabled {
		addrs = append(addrs, rc.Federation.Address)
	}
	if rc.Health.Enabled {
		addrs = append(addrs, rc.Health.Address)
	}
	for _, a := range addrs {
		_, p, err := net.SplitHostPort(a)
		if err != nil {
			continue
		}
		if port, err := strconv.Atoi(p); err == nil && port > 0 && port < 1024 {
			return true
		}
	}
	return false
}

// Status is the systemd view of the relay unit.
type Status struct {
	Installed   bool
	ActiveState string // active, inactive, failed, activating...
	SubState    string // running, dead, auto-restart...
	MainPID     int
}

func (s Status) String() string {
	if !s.Installed {
		return "not installed"
	}
	out := fmt.Sprintf("%s (%s)", s.ActiveState, s.SubState)
	if s.MainPID > 0 {
		out += fmt.Sprintf(", pid %d", s.MainPID)
	}
	return out
}

// Running reports whether the relay process is up.
func (s Status) Running() bool {
	return s.ActiveState == "active" && s.SubState == "running"
}

// Manager installs and inspects units through systemctl.
type Manager struct {
	UnitDir string
	// Systemctl runs systemctl with args and returns its combined output.
	Systemctl func(args ...string) (string, error)
	Out       io.Writer
}

// NewManager returns a Manager for the host systemd.
func NewManager() *Manager {
	return &Manager{
		UnitDir:   DefaultUnitDir,
		Systemctl: systemctl,
		Out:       os.Stdout,
	}
}

func (m *Manager) unitPath(name string) string {
	return filepath.Join(m.UnitDir, name+".service")
}

// Installed reports whether the unit file exists.
func (m *Manager) Installed(name string) bool {
	_, err := os.Stat(m.unitPath(name))
	return err == nil
}

// Install writes the unit for execPath, reloads systemd and starts the
// relay. A unit that fails to start is left in place for inspection.
func (m *Manager) Install(c Config, execPath string) error {
	if c.Name == "" || c.ConfigPath == "" {
		return errors.New("service name and config path are required")
	}
	if c.Group != "" && c.User == "" {
		return errors.New("service group requires a user")
	}
	path := m.unitPath(c.Name)
	if m.Installed(c.Name) {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, path)
	}

	if err := os.WriteFile(path, []byte(renderUnit(c, execPath)), 0o644); err != nil {
		return fmt.Errorf("write unit: %w", err)
	}
	if out, err := m.Systemctl("daemon-reload"); err != nil {
		os.Remove(path)
		return fmt.Errorf("daemon-reload: %w: %s", err, strings.TrimSpace(out))
	}
	if out, err := m.Systemctl("enable", "--now", c.Name); err != nil {
		return fmt.Errorf("enable %s: %w: %s (see journalctl -u %s)", c.Name, err, strings.TrimSpace(out), c.Name)
	}

	fmt.Fprintf(m.Out, "Installed %s\n", path)
	fmt.Fprintf(m.Out, "  config: %s\n", c.ConfigPath)
	if c.User != "" {
		fmt.Fprintf(m.Out, "  user:   %s\n", c.User)
	}
	fmt.Fprintf(m.Out, "Logs: journalctl -u %s -f\n", c.Name)
	return nil
}

// Uninstall stops the relay and removes its unit. Stop failures are
// reported but do not keep the unit file around.
func (m *Manager) Uninstall(name string) error {
	path := m.unitPath(name)
	if !m.Installed(name) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, path)
	}

	if out, err := m.Systemctl("disable", "--now", name); err != nil {
		fmt.Fprintf(m.Out, "Warning: disable %s: %v: %s\n", name, err, strings.TrimSpace(out))
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	if out, err := m.Systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w: %s", err, strings.TrimSpace(out))
	}
	// clears a lingering failed state, nothing to report if there is none
	m.Systemctl("reset-failed", name)

	fmt.Fprintf(m.Out, "Removed %s\n", path)
	return nil
}

// Status queries the unit state.
func (m *Manager) Status(name string) (Status, error) {
	if !m.Installed(name) {
		return Status{}, nil
	}
	out, err := m.Systemctl("show", name, "--property=ActiveState,SubState,MainPID")
	if err != nil {
		return Status{}, fmt.Errorf("systemctl show: %w: %s", err, strings.TrimSpace(out))
	}
	st := parseShow(out)
	st.Installed = true
	return st, nil
}

func parseShow(out string) Status {
	var st Status
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			st.ActiveState = value
		case "SubState":
			st.SubState = value
		case "MainPID":
			st.MainPID, _ = strconv.Atoi(value)
		}
	}
	return st
}

// Install sets up the running executable as the relay unit.
func Install(c Config) error {
	m, err := hostManager()
	if err != nil {
		return err
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	return m.Install(c, execPath)
}

// Uninstall removes the relay unit.
func Uninstall(name string) error {
	m, err := hostManager()
	if err != nil {
		return err
	}
	return m.Uninstall(name)
}

// Query returns the relay unit state. It does not need root.
func Query(name string) (Status, error) {
	if !IsSupported() {
		return Status{}, ErrUnsupported
	}
	return NewManager().Status(name)
}

func hostManager() (*Manager, error) {
	if !IsSupported() {
		return nil, ErrUnsupported
	}
	if !IsRoot() {
		return nil, ErrNotRoot
	}
	return NewManager(), nil
}

// IsSupported reports whether the host was booted with systemd.
func IsSupported() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	fi, err := os.Stat("/run/systemd/system")
	return err == nil && fi.IsDir()
}

// IsRoot reports whether the process runs as root.
func IsRoot() bool {
	return os.Geteuid() == 0
}

func systemctl(args ...string) (string, error) {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	return string(out), err
}
