package provision

import (
	"strings"

	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// Capabilities is the set of user actions a front-end should offer.
type Capabilities uint16

const (
	CapConnect Capabilities = 1 << iota
	CapScan
	CapReset
	CapSend
	CapJoin
	CapSelectNetwork
	CapPassphrase
)

// Common capability sets.
const (
	// DisconnectedCapabilities is offered before a device is selected and
	// after a reset.
	DisconnectedCapabilities = CapConnect
	// BusyCapabilities is offered while a scan or join request is in flight.
	BusyCapabilities = CapReset

	readyCapabilities       = CapScan | CapReset | CapJoin
	credentialsCapabilities = readyCapabilities | CapSend | CapSelectNetwork | CapPassphrase
)

var capNames = []struct {
	cap  Capabilities
	name string
}{
	{CapConnect, "connect"},
	{CapScan, "scan"},
	{CapReset, "reset"},
	{CapSend, "send"},
	{CapJoin, "join"},
	{CapSelectNetwork, "select"},
	{CapPassphrase, "passphrase"},
}

// Has reports whether all capabilities in o are set in c.
func (c Capabilities) Has(o Capabilities) bool {
	return c&o == o
}

func (c Capabilities) String() string {
	var parts []string
	for _, n := range capNames {
		if c.Has(n.cap) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ScannerCapabilities maps a scanner state to the actions the UI offers.
// Values outside the defined range are treated like Error.
func ScannerCapabilities(s protocol.ScannerState) Capabilities {
	switch s {
	case protocol.ScannerIdle:
		return readyCapabilities
	case protocol.ScannerScanning:
		return BusyCapabilities
	case protocol.ScannerScanned:
		return credentialsCapabilities
	default: // Error
		return readyCapabilities
	}
}

// ConfigCapabilities maps a configurator state to the actions the UI offers.
// Values outside the defined range are treated like Error.
func ConfigCapabilities(s protocol.ConfigState) Capabilities {
	switch s {
	case protocol.ConfigIdle:
		return readyCapabilities
	default: // Connecting, Joined, Error
		return credentialsCapabilities
	}
}
