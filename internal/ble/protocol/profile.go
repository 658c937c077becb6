// Package protocol defines the Wi-Fi commissioning GATT profile: service and
// characteristic UUIDs, the scanner and configurator state encodings, the
// chunked scan-result pull protocol and the scan payload format.
package protocol

import "fmt"

// Wi-Fi commissioning GATT UUIDs. These are fixed by the device firmware.
const (
	ScannerServiceUUID = "d69a37ee-1d8a-4329-bd24-25db4af3c863"
	ScannerStateUUID   = "811ce666-22e0-4a6d-a50f-0c78e076faa0"
	ScannerSelectUUID  = "811ce666-22e0-4a6d-a50f-0c78e076faa1"
	ScannerResultUUID  = "811ce666-22e0-4a6d-a50f-0c78e076faa2"

	ConfigServiceUUID = "d69a37ee-1d8a-4329-bd24-25db4af3c864"
	ConfigStateUUID   = "811ce666-22e0-4a6d-a50f-0c78e076faa3"
	ConfigSSIDUUID    = "811ce666-22e0-4a6d-a50f-0c78e076faa4"
	ConfigPSKUUID     = "811ce666-22e0-4a6d-a50f-0c78e076faa5"

	AuthServiceUUID = "d69a37ee-1d8a-4329-bd24-25db4af3c865"
	AuthKeyUUID     = "811ce666-22e0-4a6d-a50f-0c78e076faa6"
)

// DefaultLocalName is the advertised name of the commissioning peripheral.
const DefaultLocalName = "omnectWifiConfig"

// CharID names one of the seven characteristics of the profile.
type CharID int

const (
	CharScannerState CharID = iota
	CharScannerSelect
	CharScannerResult
	CharConfigState
	CharConfigSSID
	CharConfigPSK
	CharAuthKey

	numChars
)

// Characteristic describes where a characteristic lives in the GATT tree.
type Characteristic struct {
	ID      CharID
	Name    string
	Service string
	UUID    string
}

var characteristics = [numChars]Characteristic{
	{CharScannerState, "scanner.state", ScannerServiceUUID, ScannerStateUUID},
	{CharScannerSelect, "scanner.select", ScannerServiceUUID, ScannerSelectUUID},
	{CharScannerResult, "scanner.result", ScannerServiceUUID, ScannerResultUUID},
	{CharConfigState, "config.state", ConfigServiceUUID, ConfigStateUUID},
	{CharConfigSSID, "config.ssid", ConfigServiceUUID, ConfigSSIDUUID},
	{CharConfigPSK, "config.psk", ConfigServiceUUID, ConfigPSKUUID},
	{CharAuthKey, "auth.key", AuthServiceUUID, AuthKeyUUID},
}

// Characteristics returns the full profile in discovery order.
func Characteristics() []Characteristic {
	out := make([]Characteristic, len(characteristics))
	copy(out, characteristics[:])
	return out
}

// Services returns the three primary service UUIDs in discovery order.
func Services() []string {
	return []string{ScannerServiceUUID, ConfigServiceUUID, AuthServiceUUID}
}

// Lookup returns the profile entry for id.
func Lookup(id CharID) (Characteristic, bool) {
	if id < 0 || id >= numChars {
		return Characteristic{}, false
	}
	return characteristics[id], true
}

func (id CharID) String() string {
	if c, ok := Lookup(id); ok {
		return c.Name
	}
	return fmt.Sprintf("CharID(%d)", int(id))
}

// Source identifies which remote state machine a state value belongs to.
type Source int

const (
	SourceScanner Source = iota
	SourceConfig
)

func (s Source) String() string {
	switch s {
	case SourceScanner:
		return "scanner"
	case SourceConfig:
		return "config"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// StateChar returns the state characteristic of the source.
func (s Source) StateChar() CharID {
	if s == SourceConfig {
		return CharConfigState
	}
	return CharScannerState
}

// ScannerState is the one-byte value of the scanner state characteristic.
type ScannerState uint8

const (
	ScannerIdle     ScannerState = 0
	ScannerScanning ScannerState = 1
	ScannerScanned  ScannerState = 2
	ScannerError    ScannerState = 3
)

func (s ScannerState) String() string {
	switch s {
	case ScannerIdle:
		return "Idle"
	case ScannerScanning:
		return "Scanning"
	case ScannerScanned:
		return "Scanned"
	case ScannerError:
		return "Error"
	default:
		return fmt.Sprintf("ScannerState(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the four defined scanner states.
func (s ScannerState) Valid() bool { return s <= ScannerError }

// ConfigState is the one-byte value of the configurator state characteristic.
type ConfigState uint8

const (
	ConfigIdle       ConfigState = 0
	ConfigConnecting ConfigState = 1
	ConfigJoined     ConfigState = 2
	ConfigError      ConfigState = 3
)

func (s ConfigState) String() string {
	switch s {
	case ConfigIdle:
		return "Idle"
	case ConfigConnecting:
		return "Connecting"
	case ConfigJoined:
		return "Joined"
	case ConfigError:
		return "Error"
	default:
		return fmt.Sprintf("ConfigState(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the four defined configurator states.
func (s ConfigState) Valid() bool { return s <= ConfigError }

// DecodeState extracts the state byte from a characteristic value.
func DecodeState(value []byte) (uint8, error) {
	if len(value) == 0 {
		return 0, fmt.Errorf("protocol: empty state value")
	}
	return value[0], nil
}
