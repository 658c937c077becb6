package shell

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/chaz8081/wifiprov/internal/ble/protocol"
	"github.com/chaz8081/wifiprov/internal/provision"
)

var (
	okColor    = color.New(color.FgHiGreen)
	busyColor  = color.New(color.FgHiYellow)
	errColor   = color.New(color.FgHiRed)
	infoColor  = color.New(color.FgHiCyan)
	mutedColor = color.New(color.Faint)
)

// Printer renders state machine output as text. It implements provision.UI
// and remembers the capability set and the last network list so commands
// can be checked against them.
type Printer struct {
	mu   sync.Mutex
	w    io.Writer
	caps provision.Capabilities
	aps  []protocol.AccessPoint
}

var _ provision.UI = (*Printer)(nil)

// NewPrinter returns a Printer writing to w. Only Connect is offered until
// the first capability update.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, caps: provision.DisconnectedCapabilities}
}

// Capabilities returns the current capability set.
func (p *Printer) Capabilities() provision.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// AccessPoints returns a copy of the displayed network list.
func (p *Printer) AccessPoints() []protocol.AccessPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.AccessPoint(nil), p.aps...)
}

func (p *Printer) SetCapabilities(c provision.Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c == p.caps {
		return
	}
	p.caps = c
	fmt.Fprintf(p.w, "%s %s\n", mutedColor.Sprint("available:"), c)
}

func (p *Printer) ShowAccessPoints(aps []protocol.AccessPoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aps = append([]protocol.AccessPoint(nil), aps...)
	if len(aps) == 0 {
		fmt.Fprintln(p.w, busyColor.Sprint("no networks found"))
		return
	}
	WriteAccessPoints(p.w, aps)
}

func (p *Printer) ClearAccessPoints() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aps = nil
}

func (p *Printer) ScannerStateChanged(s protocol.ScannerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "scanner: %s\n", scannerColor(s).Sprint(s))
}

func (p *Printer) ConfigStateChanged(s protocol.ConfigState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "network: %s\n", configColor(s).Sprint(s))
}

func scannerColor(s protocol.ScannerState) *color.Color {
	switch s {
	case protocol.ScannerScanning:
		return busyColor
	case protocol.ScannerScanned:
		return okColor
	case protocol.ScannerIdle:
		return infoColor
	default:
		return errColor
	}
}

func configColor(s protocol.ConfigState) *color.Color {
	switch s {
	case protocol.ConfigConnecting:
		return busyColor
	case protocol.ConfigJoined:
		return okColor
	case protocol.ConfigIdle:
		return infoColor
	default:
		return errColor
	}
}

// signalColor grades an RSSI the way phones draw signal bars.
func signalColor(rssi int) *color.Color {
	switch {
	case rssi >= -60:
		return okColor
	case rssi >= -75:
		return busyColor
	default:
		return errColor
	}
}

// WriteAccessPoints prints aps as a numbered list. Numbers start at 1 and
// match the argument of the select command.
func WriteAccessPoints(w io.Writer, aps []protocol.AccessPoint) {
	for i, ap := range aps {
		fmt.Fprintf(w, "%3d  %-32s %s", i+1, ap.SSID, signalColor(ap.RSSI).Sprintf("%4d dBm", ap.RSSI))
		if ap.Channel != "" {
			fmt.Fprintf(w, "  ch %s", ap.Channel)
		}
		if ap.MAC != "" {
			fmt.Fprintf(w, "  %s", mutedColor.Sprint(ap.MAC))
		}
		fmt.Fprintln(w)
	}
}
