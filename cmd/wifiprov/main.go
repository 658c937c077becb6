package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/wifiprov/internal/ble"
	"github.com/chaz8081/wifiprov/internal/config"
	"github.com/chaz8081/wifiprov/internal/provision"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string
	address    string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "wifiprov",
		Short:         "wifiprov commissions a device's Wi-Fi over Bluetooth LE",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"path to config file (default: ~/.config/wifiprov/config.yaml)")
	root.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "",
		"log level to use; overrides log_level")
	root.PersistentFlags().StringVarP(&a.address, "address", "a", "",
		"BLE address of the device; overrides device.address")

	root.AddCommand(
		devicesCmd(a),
		scanCmd(a),
		provisionCmd(a),
		joinCmd(a),
		shellCmd(a),
		initConfigCmd(),
	)
	return root
}

// setup loads and validates the configuration and installs the logger.
func (a *app) setup(logOut io.Writer) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.address != "" {
		cfg.Device.Address = a.address
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	a.cfg = cfg
	a.setLogOutput(logOut)
	return nil
}

func (a *app) setLogOutput(w io.Writer) {
	a.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: config.ParseLogLevel(a.cfg.LogLevel),
	}))
	slog.SetDefault(a.logger)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

func (a *app) newSession() *ble.Session {
	return ble.NewSession(ble.NewPlatformAdapter(), ble.SessionOptions{
		AuthSecret:       a.cfg.BLE.AuthSecret,
		OperationTimeout: a.cfg.BLE.OperationTimeout,
		Logger:           a.logger,
	})
}

func (a *app) filter() ble.ScanFilter {
	return ble.CommissioningFilter(a.cfg.Device.NamePrefix)
}

func (a *app) selector(s *ble.Session) provision.DeviceSelector {
	return provision.DiscoverySelector{
		Session: s,
		Filter:  a.filter(),
		Timeout: a.cfg.Device.DiscoveryTimeout,
		Address: a.cfg.Device.Address,
	}
}

// startOrchestrator runs an orchestrator over a fresh session until the
// returned stop function is called. stop also closes the session.
func (a *app) startOrchestrator(ctx context.Context, ui provision.UI) (*provision.Orchestrator, *ble.Session, func()) {
	session := a.newSession()
	orch := provision.NewOrchestrator(session, ui, a.selector(session), a.logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(runCtx)
	}()

	return orch, session, func() {
		cancel()
		<-done
		if err := session.Close(); err != nil {
			a.logger.Warn("[BLE] disconnect failed", "error", err)
		}
	}
}
