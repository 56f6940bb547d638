package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/metroo-turn/internal/certutil"
	"github.com/postalsys/metroo-turn/internal/drain"
	"github.com/postalsys/metroo-turn/internal/sysinfo"
	"github.com/postalsys/metroo-turn/internal/turn"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(14)
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

// apiClient talks to the relay HTTP endpoint.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &apiClient{
		base: strings.TrimSuffix(addr, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) status(ctx context.Context) (turn.Status, error) {
	var st turn.Status
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

func (c *apiClient) info(ctx context.Context) (sysinfo.Info, error) {
	var info sysinfo.Info
	err := c.do(ctx, http.MethodGet, "/info", &info)
	return info, err
}

func (c *apiClient) drainState(ctx context.Context) (drain.State, error) {
	var ds drain.State
	err := c.do(ctx, http.MethodGet, "/drain", &ds)
	return ds, err
}

func (c *apiClient) setDrain(ctx context.Context, action string) (drain.State, error) {
	method := http.MethodGet
	switch action {
	case "on":
		method = http.MethodPost
	case "off":
		method = http.MethodDelete
	case "status":
	default:
		return drain.State{}, fmt.Errorf("unknown drain action %q (use on, off or status)", action)
	}

	var ds drain.State
	err := c.do(ctx, method, "/drain", &ds)
	return ds, err
}

func renderStatus(w io.Writer, st turn.Status, ds drain.State, showAllocations bool) {
	s := st.Stats

	fmt.Fprintln(w, titleStyle.Render("Relay status"))
	line(w, "State", stateText(ds))
	line(w, "Uptime", s.Uptime.Round(time.Second).String())
	line(w, "Allocations", fmt.Sprintf("%s live, %s total, %d reserved",
		humanize.Comma(int64(s.AllocationsCurrent)),
		humanize.Comma(int64(s.AllocationsTotal)),
		s.Reservations))
	line(w, "To peers", fmt.Sprintf("%s (%s errors)", humanize.IBytes(s.BytesTx), humanize.Comma(int64(s.ErrorsTx))))
	line(w, "To clients", fmt.Sprintf("%s (%s errors)", humanize.IBytes(s.BytesRx), humanize.Comma(int64(s.ErrorsRx))))
	line(w, "Successes", humanize.Comma(int64(s.Successes)))
	if len(s.Codes) > 0 {
		line(w, "Errors", codesText(s.Codes))
	}

	if !showAllocations || len(st.Allocations) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Allocations"))
	fmt.Fprintf(w, "  %-5s %-22s %-22s %-12s %9s %9s %10s %10s\n",
		"PROTO", "CLIENT", "RELAY", "USER", "AGE", "EXPIRES", "TO PEERS", "TO CLIENT")
	for _, a := range st.Allocations {
		user := a.Username
		if a.Relaxed {
			user += "*"
		}
		fmt.Fprintf(w, "  %-5s %-22s %-22s %-12s %9s %9s %10s %10s\n",
			a.Transport, a.Client, a.Relay, user,
			a.Age.Round(time.Second), a.ExpiresIn.Round(time.Second),
			humanize.IBytes(a.BytesTx), humanize.IBytes(a.BytesRx))
	}
}

func renderInfo(w io.Writer, info sysinfo.Info) {
	fmt.Fprintln(w, titleStyle.Render("Node"))
	line(w, "Host", fmt.Sprintf("%s (%s/%s)", info.Hostname, info.OS, info.Arch))
	line(w, "Version", fmt.Sprintf("%s, %s", info.Version, info.GoVersion))
	line(w, "Started", humanize.Time(info.StartTime))
	if len(info.IPAddresses) > 0 {
		line(w, "Addresses", strings.Join(info.IPAddresses, ", "))
	}
	fmt.Fprintln(w)
}

func stateText(ds drain.State) string {
	if !ds.Draining {
		return okStyle.Render("accepting")
	}
	if ds.Since.IsZero() {
		return warnStyle.Render("draining")
	}
	return warnStyle.Render("draining") + " since " + humanize.Time(ds.Since)
}

// codesText renders error response counts ordered by code.
func codesText(codes map[int]uint64) string {
	keys := make([]int, 0, len(codes))
	for code := range codes {
		keys = append(keys, code)
	}
	sort.Ints(keys)

	parts := make([]string, 0, len(keys))
	for _, code := range keys {
		parts = append(parts, fmt.Sprintf("%d x%s", code, humanize.Comma(int64(codes[code]))))
	}
	return strings.Join(parts, ", ")
}

func renderDrain(w io.Writer, ds drain.State) {
	line(w, "Drain", stateText(ds))
}

func renderCertInfo(w io.Writer, ci *certutil.CertInfo) {
	fmt.Fprintln(w, titleStyle.Render("Certificate"))
	line(w, "Subject", ci.Subject)
	line(w, "Issuer", ci.Issuer)
	line(w, "Serial", ci.SerialNumber)
	line(w, "Valid from", ci.NotBefore.Format(time.RFC3339))
	expiry := ci.NotAfter.Format(time.RFC3339) + " (" + humanize.Time(ci.NotAfter) + ")"
	if ci.Expired(time.Now()) {
		expiry = warnStyle.Render(expiry)
	}
	line(w, "Valid until", expiry)
	line(w, "Fingerprint", ci.Fingerprint)
	line(w, "CA", fmt.Sprintf("%v", ci.IsCA))
	if len(ci.DNSNames) > 0 {
		line(w, "DNS names", strings.Join(ci.DNSNames, ", "))
	}
	if len(ci.IPAddresses) > 0 {
		line(w, "IPs", strings.Join(ci.IPAddresses, ", "))
	}
}

func line(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(label), value)
}
