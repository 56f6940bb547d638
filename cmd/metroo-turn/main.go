// Package main provides the CLI entry point for the Metroo TURN relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/metroo-turn/internal/auth"
	"github.com/postalsys/metroo-turn/internal/certutil"
	"github.com/postalsys/metroo-turn/internal/config"
	"github.com/postalsys/metroo-turn/internal/node"
	"github.com/postalsys/metroo-turn/internal/service"
	"github.com/postalsys/metroo-turn/internal/sysinfo"
	"github.com/postalsys/metroo-turn/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "metroo-turn",
		Short: "Metroo TURN - relay server with federation",
		Long: `Metroo TURN is a TURN relay server. Clients allocate relay
addresses over UDP, TCP or TLS and exchange media with their peers
through them.

Relays can federate: clients authenticating with the federation
username prefix get their media forwarded between relay nodes.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(serviceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a relay configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("init needs an interactive terminal")
			}
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			n, err := node.New(cfg, node.Options{})
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			for _, l := range n.Listeners() {
				fmt.Printf("Listening: %s://%s\n", l.Proto(), l.Addr())
			}
			if addr := n.HealthAddress(); addr != "" {
				fmt.Printf("Status: http://%s/status\n", addr)
			}

			// Wait for shutdown signal or a failed component
			waitErr := n.Wait()
			fmt.Println("\nShutting down...")

			done := make(chan error, 1)
			go func() { done <- n.Stop() }()

			select {
			case err := <-done:
				if err != nil {
					fmt.Printf("Shutdown error: %v\n", err)
					return err
				}
			case <-time.After(10 * time.Second):
				return errors.New("shutdown timed out")
			}

			fmt.Println("Relay stopped.")
			return waitErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid\n\n", configPath)
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	var showAllocations bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display counters and allocations of a running relay through its HTTP endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(addr)
			info, err := c.info(cmd.Context())
			if err != nil {
				return err
			}
			st, err := c.status(cmd.Context())
			if err != nil {
				return err
			}
			ds, err := c.drainState(cmd.Context())
			if err != nil {
				return err
			}
			renderInfo(cmd.OutOrStdout(), info)
			renderStatus(cmd.OutOrStdout(), st, ds, showAllocations)
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "Relay HTTP address")
	cmd.Flags().BoolVarP(&showAllocations, "allocations", "l", false, "List every allocation")

	return cmd
}

func drainCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:       "drain [on|off|status]",
		Short:     "Control drain mode",
		Long:      "Stop accepting new allocations while existing ones run out, or resume.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "status"
			if len(args) == 1 {
				action = args[0]
			}

			c := newAPIClient(addr)
			ds, err := c.setDrain(cmd.Context(), action)
			if err != nil {
				return err
			}
			renderDrain(cmd.OutOrStdout(), ds)
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "Relay HTTP address")

	return cmd
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage certificates",
	}

	var dir, commonName string
	var hosts []string
	var days int
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a CA and a relay certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, fingerprint, err := wizard.GenerateCertificates(dir, commonName, time.Duration(days)*24*time.Hour, hosts...)
			if err != nil {
				return err
			}
			fmt.Printf("CA certificate:    %s\n", tc.CA)
			fmt.Printf("Relay certificate: %s\n", tc.Cert)
			fmt.Printf("Relay key:         %s\n", tc.Key)
			fmt.Printf("Fingerprint:       %s\n", fingerprint)
			return nil
		},
	}
	generate.Flags().StringVarP(&dir, "dir", "d", "./certs", "Output directory")
	generate.Flags().StringVar(&commonName, "cn", "metroo-turn", "Certificate common name")
	generate.Flags().IntVar(&days, "days", 365, "Validity in days")
	generate.Flags().StringSliceVar(&hosts, "host", nil, "Extra DNS name or IP SAN, e.g. the relay's public address (repeatable)")

	info := &cobra.Command{
		Use:   "info <cert-file>",
		Short: "Show certificate details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ci, err := certutil.InspectFile(args[0])
			if err != nil {
				return err
			}
			renderCertInfo(cmd.OutOrStdout(), ci)
			return nil
		},
	}

	cmd.AddCommand(generate, info)
	return cmd
}

func credentialsCmd() *cobra.Command {
	var secret, realm string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "credentials <name>",
		Short: "Issue time-limited REST credentials",
		Long: `Print a username and password derived from the shared secret.
The relay accepts them until the TTL runs out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("METROO_TURN_SECRET")
			}
			if secret == "" {
				return errors.New("shared secret required (--secret or METROO_TURN_SECRET)")
			}

			creds := auth.NewRESTCredentials(realm, secret)
			expires := time.Now().Add(ttl)
			username := creds.Username(args[0], expires)

			fmt.Printf("Username: %s\n", username)
			fmt.Printf("Password: %s\n", creds.Password(username))
			fmt.Printf("Expires:  %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Shared secret (defaults to $METROO_TURN_SECRET)")
	cmd.Flags().StringVar(&realm, "realm", "metroo", "Relay realm")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Credential lifetime")

	return cmd
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
	}

	var configPath, user, group string
	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start the relay as a systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Refuse to install a unit that would fail on start
			rc, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg := service.ForRelay(configPath, rc)
			cfg.User = user
			cfg.Group = group
			return service.Install(cfg)
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	install.Flags().StringVar(&user, "user", "", "Run the service as this user")
	install.Flags().StringVar(&group, "group", "", "Run the service as this group")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall(service.DefaultConfig(configPath).Name)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := service.Query(service.DefaultConfig(configPath).Name)
			if err != nil {
				return err
			}
			fmt.Println(st)
			if st.Installed && !st.Running() {
				os.Exit(3)
			}
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}
