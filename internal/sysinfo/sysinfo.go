// Package sysinfo collects host and build information about the relay.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"time"
)

var (
	// Version is the relay version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/metroo-turn/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime = time.Now()
)

// maxIPs caps the address list for hosts with many interfaces.
const maxIPs = 10

// Info describes the host the relay runs on.
type Info struct {
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	GoVersion   string    `json:"go_version"`
	Version     string    `json:"version"`
	StartTime   time.Time `json:"start_time"`
	Uptime      string    `json:"uptime"`
	IPAddresses []string  `json:"ip_addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		Version:     Version,
		StartTime:   startTime,
		Uptime:      Uptime().Round(time.Second).String(),
		IPAddresses: GetLocalIPs(),
	}
}

// GetLocalIPs returns non-loopback unicast addresses, IPv4 first. These
// are the candidates for relay.ipv4 and relay.ipv6.
func GetLocalIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	return filterIPs(addrs)
}

func filterIPs(addrs []net.Addr) []string {
	var v4, v6 []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			v4 = append(v4, ip4.String())
		} else {
			v6 = append(v6, ip.String())
		}
	}

	ips := append(v4, v6...)
	if len(ips) > maxIPs {
		ips = ips[:maxIPs]
	}
	return ips
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
