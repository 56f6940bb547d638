package service

import (
	"fmt"
	"path/filepath"
	"strings"
)

// renderUnit builds the systemd unit for the relay. The config is checked
// by ExecStartPre so a broken edit fails the start instead of the relay.
// The relay only reads its config and certificates, so the whole
// filesystem stays read-only.
func renderUnit(c Config, execPath string) string {
	var b strings.Builder
	section := func(name string) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s]\n", name)
	}
	set := func(key, value string) {
		fmt.Fprintf(&b, "%s=%s\n", key, value)
	}

	exe := quoteArg(execPath)
	cfg := quoteArg(c.ConfigPath)

	section("Unit")
	set("Description", c.Description)
	set("Documentation", "man:systemd.service(5)")
	set("After", "network-online.target")
	set("Wants", "network-online.target")

	section("Service")
	set("Type", "simple")
	set("ExecStartPre", exe+" check -c "+cfg)
	set("ExecStart", exe+" run -c "+cfg)
	set("WorkingDirectory", quoteArg(filepath.Dir(c.ConfigPath)))
	if c.User != "" {
		set("User", c.User)
	}
	if c.Group != "" {
		set("Group", c.Group)
	}
	if c.OpenFiles > 0 {
		set("LimitNOFILE", fmt.Sprint(c.OpenFiles))
	}
	// allocations are dropped on stop, give the loop time to close sockets
	set("KillSignal", "SIGTERM")
	set("TimeoutStopSec", "15")
	set("Restart", "on-failure")
	set("RestartSec", "2")
	if c.BindLowPorts && c.User != "" && c.User != "root" {
		set("AmbientCapabilities", "CAP_NET_BIND_SERVICE")
		set("CapabilityBoundingSet", "CAP_NET_BIND_SERVICE")
	} else if c.User != "" && c.User != "root" {
		set("CapabilityBoundingSet", "")
	}
	set("NoNewPrivileges", "true")
	set("ProtectSystem", "strict")
	set("ProtectHome", "true")
	set("PrivateTmp", "true")
	set("PrivateDevices", "true")
	set("ProtectKernelTunables", "true")
	set("ProtectControlGroups", "true")
	set("RestrictAddressFamilies", "AF_INET AF_INET6 AF_UNIX")
	set("SyslogIdentifier", c.Name)

	section("Install")
	set("WantedBy", "multi-user.target")
	return b.String()
}

// quoteArg quotes a path for a systemd command line.
func quoteArg(s string) string {
	if !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
