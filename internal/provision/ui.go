package provision

import "github.com/chaz8081/wifiprov/internal/ble/protocol"

// UI is the front-end driven by the state machines. Calls are made from the
// orchestrator loop goroutine and must not block on it.
type UI interface {
	// SetCapabilities replaces the set of enabled actions.
	SetCapabilities(c Capabilities)
	// ShowAccessPoints replaces the network list, strongest signal first.
	ShowAccessPoints(aps []protocol.AccessPoint)
	// ClearAccessPoints empties the network list.
	ClearAccessPoints()
	// ScannerStateChanged reports a scanner state observed on the device.
	ScannerStateChanged(s protocol.ScannerState)
	// ConfigStateChanged reports a configurator state observed on the device.
	ConfigStateChanged(s protocol.ConfigState)
}

// NopUI ignores every call. Embed it to implement only part of UI.
type NopUI struct{}

func (NopUI) SetCapabilities(Capabilities) {}
func (NopUI) ShowAccessPoints([]protocol.AccessPoint) {}
func (NopUI) ClearAccessPoints() {}
func (NopUI) ScannerStateChanged(protocol.ScannerState) {}
func (NopUI) ConfigStateChanged(protocol.ConfigState) {}

var _ UI = NopUI{}
