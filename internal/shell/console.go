// Package shell provides the interactive console front-end for wifiprov.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/chaz8081/wifiprov/internal/ble"
	"github.com/chaz8081/wifiprov/internal/provision"
)

// Provisioner is the set of intents the console submits.
type Provisioner interface {
	Connect(ctx context.Context) error
	StartScan(ctx context.Context) error
	SendCredentials(ctx context.Context, ssid, passphrase string) error
	Join(ctx context.Context) error
	Reset(ctx context.Context) error
}

var _ Provisioner = (*provision.Orchestrator)(nil)

// DiscoverFunc lists nearby commissioning peripherals.
type DiscoverFunc func(ctx context.Context) ([]ble.Device, error)

// Console parses command lines and turns them into intents. The form state
// (selected network and passphrase) lives here; everything else is owned by
// the orchestrator.
type Console struct {
	prov     Provisioner
	discover DiscoverFunc
	printer  *Printer
	out      io.Writer

	ssid       string
	passphrase string

	// readSecret prompts without echo. Set by Run.
	readSecret func(prompt string) ([]byte, error)
}

// New creates a console writing command output to out. discover may be nil,
// which disables the devices command.
func New(prov Provisioner, discover DiscoverFunc, printer *Printer, out io.Writer) *Console {
	if prov == nil || printer == nil {
		panic("shell: New called with nil provisioner or printer")
	}
	return &Console{prov: prov, discover: discover, printer: printer, out: out}
}

// Printer returns the UI the console renders through.
func (c *Console) Printer() *Printer { return c.printer }

var commands = []string{
	"connect", "scan", "select", "passphrase", "send", "join",
	"reset", "devices", "status", "help", "quit",
}

// NewReadline creates the line editor used by Run, with command completion.
func NewReadline() (*readline.Instance, error) {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "wifiprov> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    readline.NewPrefixCompleter(items...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return rl, nil
}

// Run reads commands from rl until quit, EOF or ctx cancellation. It closes
// rl on return.
func (c *Console) Run(ctx context.Context, rl *readline.Instance) error {
	defer rl.Close()
	c.readSecret = rl.ReadPassword

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			return nil
		}

		if quit := c.Execute(ctx, line); quit {
			fmt.Fprintln(c.out, "Exiting...")
			return nil
		}
	}
}

// Execute runs one command line. It reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help", "?":
		c.printHelp()

	case "connect", "c":
		if c.allowed(provision.CapConnect, "connect") {
			c.report(c.prov.Connect(ctx))
		}

	case "scan", "s":
		if c.allowed(provision.CapScan, "scan") {
			c.report(c.prov.StartScan(ctx))
		}

	case "select", "sel":
		if c.allowed(provision.CapSelectNetwork, "select") {
			c.cmdSelect(rest)
		}

	case "passphrase", "pw":
		if c.allowed(provision.CapPassphrase, "passphrase") {
			c.cmdPassphrase(rest)
		}

	case "send":
		if c.allowed(provision.CapSend, "send") {
			c.report(c.prov.SendCredentials(ctx, c.ssid, c.passphrase))
		}

	case "join", "j":
		if c.allowed(provision.CapJoin, "join") {
			c.report(c.prov.Join(ctx))
		}

	case "reset":
		if c.allowed(provision.CapReset, "reset") {
			c.ssid, c.passphrase = "", ""
			c.report(c.prov.Reset(ctx))
		}

	case "devices", "d":
		c.cmdDevices(ctx)

	case "status":
		c.cmdStatus()

	case "quit", "exit", "q":
		return true

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) allowed(want provision.Capabilities, name string) bool {
	caps := c.printer.Capabilities()
	if caps.Has(want) {
		return true
	}
	fmt.Fprintf(c.out, "%s is not available now (available: %s)\n", name, caps)
	return false
}

func (c *Console) report(err error) {
	if err == nil {
		return
	}
	var inputErr *provision.UserInputError
	if errors.As(err, &inputErr) {
		fmt.Fprintf(c.out, "%s %s\n", busyColor.Sprint(inputErr.Field+":"), inputErr.Reason)
		return
	}
	fmt.Fprintf(c.out, "%s %v\n", errColor.Sprint("error:"), err)
}

// cmdSelect picks a network by list number or by name. Names that are not
// in the list are accepted for hidden networks.
func (c *Console) cmdSelect(arg string) {
	if arg == "" {
		fmt.Fprintln(c.out, "Usage: select <number|network name>")
		return
	}
	aps := c.printer.AccessPoints()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(aps) {
			fmt.Fprintf(c.out, "No network %d (list has %d entries)\n", n, len(aps))
			return
		}
		c.ssid = aps[n-1].SSID
	} else {
		c.ssid = arg
		found := false
		for _, ap := range aps {
			if ap.SSID == arg {
				found = true
				break
			}
		}
		if !found {
			fmt.Fprintf(c.out, "%s is not in the scan results, using it as a hidden network\n", infoColor.Sprint(arg))
		}
	}
	fmt.Fprintf(c.out, "Selected %s\n", infoColor.Sprint(c.ssid))
}

func (c *Console) cmdPassphrase(arg string) {
	if arg == "" {
		if c.readSecret == nil {
			fmt.Fprintln(c.out, "Usage: passphrase <passphrase>")
			return
		}
		secret, err := c.readSecret("passphrase: ")
		if err != nil {
			c.report(err)
			return
		}
		arg = string(secret)
		clear(secret)
	}
	c.passphrase = arg
	fmt.Fprintln(c.out, "Passphrase set")
}

func (c *Console) cmdDevices(ctx context.Context) {
	if c.discover == nil {
		fmt.Fprintln(c.out, "Device discovery is not available")
		return
	}
	devices, err := c.discover(ctx)
	if err != nil {
		c.report(err)
		return
	}
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No commissioning devices found")
		return
	}
	for _, d := range devices {
		fmt.Fprintf(c.out, "  %-24s %s %s\n", d.Name, d.Address, signalColor(d.RSSI).Sprintf("%4d dBm", d.RSSI))
	}
}

func (c *Console) cmdStatus() {
	network := c.ssid
	if network == "" {
		network = "(none)"
	}
	pass := "not set"
	if c.passphrase != "" {
		pass = "set"
	}
	fmt.Fprintf(c.out, "Available: %s\n", c.printer.Capabilities())
	fmt.Fprintf(c.out, "Network:   %s\n", network)
	fmt.Fprintf(c.out, "Passphrase: %s\n", pass)
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
wifiprov commands:
  Device:
    connect            - Connect to the commissioning device
    devices            - List nearby commissioning devices
    reset              - Forget the device and all local state

  Networks:
    scan               - Ask the device to scan for Wi-Fi networks
    select <n|name>    - Choose a network from the list (or a hidden one)
    passphrase [text]  - Set the passphrase (prompts if omitted)
    send               - Send the credentials and join
    join               - Join with the credentials stored on the device

  Other:
    status             - Show the current selection
    help               - Show this help
    quit               - Exit`)
}
