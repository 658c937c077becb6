// Package ble provides the BLE session used to commission a headless device's
// Wi-Fi over GATT. It owns the connection to the peripheral, caches the seven
// characteristics of the commissioning profile, runs the connect-time
// authentication write and recovers once from unexpected disconnects.
package ble

import "context"

// Characteristic is one attribute of the commissioning profile.
type Characteristic interface {
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Write sends data without waiting for a response.
	Write(data []byte) error
	// EnableNotifications subscribes to value changes. cb is invoked on the
	// platform's notification goroutine.
	EnableNotifications(cb func(data []byte)) error
	// DisableNotifications unsubscribes from value changes.
	DisableNotifications() error
}

// Service represents a discovered primary GATT service.
type Service interface {
	// DiscoverCharacteristic finds a characteristic by UUID within the service.
	DiscoverCharacteristic(uuid string) (Characteristic, error)
}

// Device is a peripheral seen while scanning. Address is the MAC address,
// or the peripheral UUID on macOS.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection is a link to one peripheral.
type Connection interface {
	// DiscoverService finds a primary service by UUID.
	DiscoverService(uuid string) (Service, error)
	// Disconnect closes the link.
	Disconnect() error
	// OnDisconnect registers cb to run when the link drops.
	OnDisconnect(cb func())
}

// ScanFilter selects which advertisements Scan reports. Empty fields match
// everything.
type ScanFilter struct {
	ServiceUUID string
	NamePrefix  string
}

// Adapter is the platform BLE central. PlatformAdapter implements it on top
// of the OS stack; bletest.Adapter simulates a commissioning peripheral.
type Adapter interface {
	// Enable prepares the controller. Session calls it once.
	Enable() error
	// Scan reports peripherals matching filter, each once, until ctx is done.
	Scan(ctx context.Context, filter ScanFilter) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
