package service

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/postalsys/metroo-turn/internal/config"
)

// fakeSystemctl records invocations and fails the listed verbs.
type fakeSystemctl struct {
	calls  [][]string
	fail   map[string]bool
	output string
}

func (f *fakeSystemctl) run(args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if len(args) > 0 && f.fail[args[0]] {
		return "unit failed", errors.New("exit status 1")
	}
	return f.output, nil
}

func (f *fakeSystemctl) verbs() []string {
	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func newTestManager(t *testing.T, f *fakeSystemctl) (*Manager, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &Manager{UnitDir: t.TempDir(), Systemctl: f.run, Out: &out}, &out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/etc/metroo-turn/config.yaml")

	if cfg.Name != "metroo-turn" {
		t.Errorf("Name = %s, want metroo-turn", cfg.Name)
	}
	if cfg.ConfigPath != "/etc/metroo-turn/config.yaml" {
		t.Errorf("ConfigPath = %s", cfg.ConfigPath)
	}
	if cfg.OpenFiles < 4096 {
		t.Errorf("OpenFiles = %d, expected a raised limit", cfg.OpenFiles)
	}

	rel := DefaultConfig("config.yaml")
	if !filepath.IsAbs(rel.ConfigPath) {
		t.Errorf("ConfigPath should be absolute, got %s", rel.ConfigPath)
	}
}

func TestForRelay(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		want   bool
	}{
		{"default port 3478", func(*config.Config) {}, false},
		{"tls on 443", func(c *config.Config) {
			c.Listeners = append(c.Listeners, config.ListenerConfig{Transport: "tls", Address: ":443"})
		}, true},
		{"federation disabled on low port", func(c *config.Config) {
			c.Federation.Address = ":999"
		}, false},
		{"federation enabled on low port", func(c *config.Config) {
			c.Federation.Enabled = true
			c.Federation.Address = "10.0.0.1:999"
		}, true},
		{"health on 80", func(c *config.Config) {
			c.Health.Enabled = true
			c.Health.Address = "127.0.0.1:80"
		}, true},
		{"unparsable address", func(c *config.Config) {
			c.Listeners[0].Address = "nonsense"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := config.Default()
			tt.modify(rc)
			c := ForRelay("/etc/metroo-turn/config.yaml", rc)
			if c.BindLowPorts != tt.want {
				t.Errorf("BindLowPorts = %v, want %v", c.BindLowPorts, tt.want)
			}
		})
	}
}

func TestRenderUnit(t *testing.T) {
	c := DefaultConfig("/etc/metroo-turn/config.yaml")
	unit := renderUnit(c, "/usr/local/bin/metroo-turn")

	for _, want := range []string{
		"[Unit]\n",
		"Description=Metroo TURN relay\n",
		"After=network-online.target\n",
		"ExecStartPre=/usr/local/bin/metroo-turn check -c /etc/metroo-turn/config.yaml\n",
		"ExecStart=/usr/local/bin/metroo-turn run -c /etc/metroo-turn/config.yaml\n",
		"WorkingDirectory=/etc/metroo-turn\n",
		"LimitNOFILE=65536\n",
		"Restart=on-failure\n",
		"ProtectSystem=strict\n",
		"SyslogIdentifier=metroo-turn\n",
		"WantedBy=multi-user.target\n",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q", want)
		}
	}
	for _, reject := range []string{"User=", "Group=", "AmbientCapabilities", "CapabilityBoundingSet", "ReadWritePaths"} {
		if strings.Contains(unit, reject) {
			t.Errorf("root unit should not contain %q", reject)
		}
	}
}

func TestRenderUnit_Privileges(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		lowPorts bool
		want     []string
		reject   []string
	}{
		{
			name:   "unprivileged without low ports",
			user:   "turn",
			want:   []string{"User=turn\n", "CapabilityBoundingSet=\n"},
			reject: []string{"AmbientCapabilities"},
		},
		{
			name:     "unprivileged on low ports",
			user:     "turn",
			lowPorts: true,
			want:     []string{"AmbientCapabilities=CAP_NET_BIND_SERVICE\n", "CapabilityBoundingSet=CAP_NET_BIND_SERVICE\n"},
		},
		{
			name:     "root on low ports",
			lowPorts: true,
			reject:   []string{"User=", "AmbientCapabilities", "CapabilityBoundingSet"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig("/etc/metroo-turn/config.yaml")
			c.User = tt.user
			c.BindLowPorts = tt.lowPorts
			unit := renderUnit(c, "/usr/bin/metroo-turn")
			for _, w := range tt.want {
				if !strings.Contains(unit, w) {
					t.Errorf("unit missing %q", w)
				}
			}
			for _, r := range tt.reject {
				if strings.Contains(unit, r) {
					t.Errorf("unit should not contain %q", r)
				}
			}
		})
	}
}

func TestRenderUnit_QuotesPaths(t *testing.T) {
	c := DefaultConfig("/srv/turn relay/config.yaml")
	unit := renderUnit(c, "/opt/my bin/metroo-turn")

	want := `ExecStart="/opt/my bin/metroo-turn" run -c "/srv/turn relay/config.yaml"` + "\n"
	if !strings.Contains(unit, want) {
		t.Errorf("unit missing %q\n%s", want, unit)
	}
	if !strings.Contains(unit, `WorkingDirectory="/srv/turn relay"`) {
		t.Error("working directory not quoted")
	}
}

func TestManagerInstall(t *testing.T) {
	f := &fakeSystemctl{}
	m, out := newTestManager(t, f)
	c := DefaultConfig("/etc/metroo-turn/config.yaml")
	c.User = "turn"

	if err := m.Install(c, "/usr/bin/metroo-turn"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(m.UnitDir, "metroo-turn.service"))
	if err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	if !strings.Contains(string(data), "User=turn") {
		t.Error("unit does not carry the user")
	}
	if got, want := f.verbs(), []string{"daemon-reload", "enable --now metroo-turn"}; !slices.Equal(got, want) {
		t.Errorf("systemctl calls = %v, want %v", got, want)
	}
	if !strings.Contains(out.String(), "journalctl -u metroo-turn") {
		t.Errorf("output = %q", out.String())
	}

	if err := m.Install(c, "/usr/bin/metroo-turn"); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second Install error = %v, want ErrAlreadyInstalled", err)
	}
}

func TestManagerInstall_Failures(t *testing.T) {
	tests := []struct {
		name     string
		fail     string
		modify   func(*Config)
		wantUnit bool
	}{
		{name: "reload fails removes unit", fail: "daemon-reload"},
		{name: "start fails keeps unit", fail: "enable", wantUnit: true},
		{name: "group without user", modify: func(c *Config) { c.Group = "turn" }},
		{name: "missing config path", modify: func(c *Config) { c.ConfigPath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeSystemctl{fail: map[string]bool{tt.fail: tt.fail != ""}}
			m, _ := newTestManager(t, f)
			c := DefaultConfig("/etc/metroo-turn/config.yaml")
			if tt.modify != nil {
				tt.modify(&c)
			}

			if err := m.Install(c, "/usr/bin/metroo-turn"); err == nil {
				t.Fatal("Install should fail")
			}
			if got := m.Installed(c.Name); got != tt.wantUnit {
				t.Errorf("Installed = %v, want %v", got, tt.wantUnit)
			}
		})
	}
}

func TestManagerUninstall(t *testing.T) {
	f := &fakeSystemctl{}
	m, _ := newTestManager(t, f)

	if err := m.Uninstall("metroo-turn"); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Uninstall of missing unit error = %v, want ErrNotInstalled", err)
	}

	if err := m.Install(DefaultConfig("/etc/metroo-turn/config.yaml"), "/usr/bin/metroo-turn"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	f.calls = nil
	// a unit that will not stop is still removed
	f.fail = map[string]bool{"disable": true}

	if err := m.Uninstall("metroo-turn"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if m.Installed("metroo-turn") {
		t.Error("unit file still present")
	}
	want := []string{"disable --now metroo-turn", "daemon-reload", "reset-failed metroo-turn"}
	if got := f.verbs(); !slices.Equal(got, want) {
		t.Errorf("systemctl calls = %v, want %v", got, want)
	}
}

func TestManagerStatus(t *testing.T) {
	f := &fakeSystemctl{output: "MainPID=4242\nActiveState=active\nSubState=running\n"}
	m, _ := newTestManager(t, f)

	st, err := m.Status("metroo-turn")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Installed || st.String() != "not installed" {
		t.Errorf("Status of missing unit = %+v", st)
	}
	if len(f.calls) != 0 {
		t.Errorf("systemctl called for a missing unit: %v", f.calls)
	}

	if err := m.Install(DefaultConfig("/etc/metroo-turn/config.yaml"), "/usr/bin/metroo-turn"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	st, err = m.Status("metroo-turn")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running() || st.MainPID != 4242 {
		t.Errorf("Status = %+v", st)
	}
	if got, want := st.String(), "active (running), pid 4242"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	f.fail = map[string]bool{"show": true}
	if _, err := m.Status("metroo-turn"); err == nil {
		t.Error("Status should surface systemctl failures")
	}
}

func TestParseShow(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"ActiveState=failed\nSubState=failed\nMainPID=0\n", Status{ActiveState: "failed", SubState: "failed"}},
		{"ActiveState=activating\nSubState=auto-restart\n", Status{ActiveState: "activating", SubState: "auto-restart"}},
		{"garbage\nMainPID=x\n", Status{}},
	}
	for _, tt := range tests {
		if got := parseShow(tt.in); got != tt.want {
			t.Errorf("parseShow(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestInstallRequiresRoot(t *testing.T) {
	if IsRoot() {
		t.Skip("running as root")
	}

	err := Install(DefaultConfig("config.yaml"))
	if !errors.Is(err, ErrNotRoot) && !errors.Is(err, ErrUnsupported) {
		t.Errorf("Install error = %v, want ErrNotRoot or ErrUnsupported", err)
	}
	err = Uninstall("metroo-turn-nonexistent-test-unit")
	if !errors.Is(err, ErrNotRoot) && !errors.Is(err, ErrUnsupported) {
		t.Errorf("Uninstall error = %v, want ErrNotRoot or ErrUnsupported", err)
	}
}
