package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/chaz8081/wifiprov/internal/ble"
	"github.com/chaz8081/wifiprov/internal/config"
	"github.com/chaz8081/wifiprov/internal/provision"
	"github.com/chaz8081/wifiprov/internal/shell"
)

const defaultWaitTimeout = 60 * time.Second

func devicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List nearby devices advertising the Wi-Fi scanner service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.newSession()
			devices, err := session.Discover(cmd.Context(), a.filter(), a.cfg.Device.DiscoveryTimeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No commissioning devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Fprintf(out, "%-24s %s %4d dBm\n", d.Name, d.Address, d.RSSI)
			}
			return nil
		},
	}
}

func scanCmd(a *app) *cobra.Command {
	timeout := defaultWaitTimeout
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Have the device scan for Wi-Fi networks and print them, strongest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			w := newWatcher(cmd.OutOrStdout())
			orch, _, stop := a.startOrchestrator(ctx, w)
			defer stop()

			if err := orch.Connect(ctx); err != nil {
				return err
			}
			// Busy means a scan started elsewhere is still running; its
			// results are shown when it completes.
			if err := orch.StartScan(ctx); err != nil && !errors.Is(err, provision.ErrScanBusy) {
				return err
			}
			_, err := waitScan(ctx, w.events)
			return err
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", timeout, "how long to wait for the scan to complete")
	return cmd
}

func provisionCmd(a *app) *cobra.Command {
	var ssid, passphrase string
	timeout := defaultWaitTimeout
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Send Wi-Fi credentials to the device and wait until it joins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				secret, err := readPassphrase()
				if err != nil {
					return err
				}
				passphrase = secret
			}
			if err := provision.ValidateCredentials(ssid, passphrase); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			w := newWatcher(cmd.OutOrStdout())
			orch, _, stop := a.startOrchestrator(ctx, w)
			defer stop()

			if err := orch.SendCredentials(ctx, ssid, passphrase); err != nil {
				return err
			}
			if err := waitJoin(ctx, w.events, orch.Join, a.logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device joined %s\n", ssid)
			return nil
		},
	}
	cmd.Flags().StringVarP(&ssid, "ssid", "s", "", "network name")
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "network passphrase (prompted if omitted)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", timeout, "how long to wait for the device to join")
	_ = cmd.MarkFlagRequired("ssid")
	return cmd
}

func joinCmd(a *app) *cobra.Command {
	timeout := defaultWaitTimeout
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Ask the device to join with the credentials it already stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			w := newWatcher(cmd.OutOrStdout())
			orch, _, stop := a.startOrchestrator(ctx, w)
			defer stop()

			if err := orch.Join(ctx); err != nil {
				return err
			}
			if err := waitJoin(ctx, w.events, orch.Join, a.logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Device joined")
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", timeout, "how long to wait for the device to join")
	return cmd
}

func shellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rl, err := shell.NewReadline()
			if err != nil {
				return err
			}
			// Log lines must not interfere with the prompt.
			a.setLogOutput(rl.Stderr())

			printer := shell.NewPrinter(rl.Stdout())
			orch, session, stop := a.startOrchestrator(cmd.Context(), printer)
			defer stop()

			discover := func(ctx context.Context) ([]ble.Device, error) {
				return session.Discover(ctx, a.filter(), a.cfg.Device.DiscoveryTimeout)
			}
			console := shell.New(orch, discover, printer, rl.Stdout())
			return console.Run(cmd.Context(), rl)
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		// The config being written may not exist yet.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase() (string, error) {
	rl, err := readline.New("")
	if err != nil {
		return "", fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	secret, err := rl.ReadPassword("passphrase: ")
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	pass := string(secret)
	clear(secret)
	return pass, nil
}
