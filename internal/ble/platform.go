package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufferSize covers the largest ATT attribute value (512 bytes).
const readBufferSize = 512

// PlatformAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs, on Linux they are MAC addresses; both are handled as
// opaque strings.
type PlatformAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*platformConnection // keyed by lowercase address
}

// NewPlatformAdapter creates a BLE adapter backed by the system default
// Bluetooth controller.
func NewPlatformAdapter() *PlatformAdapter {
	return &PlatformAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*platformConnection),
	}
}

func (a *PlatformAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only disconnect signal tinygo offers,
	// so route it to the connection registered for that address.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToLower(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		if ok {
			delete(a.connections, key)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *PlatformAdapter) Scan(ctx context.Context, filter ScanFilter) ([]Device, error) {
	var svcUUID bluetooth.UUID
	hasService := filter.ServiceUUID != ""
	if hasService {
		u, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		svcUUID = u
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if filter.NamePrefix != "" && !strings.HasPrefix(name, filter.NamePrefix) {
			return
		}
		if hasService && !result.HasServiceUUID(svcUUID) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    name,
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *PlatformAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout; wrap it so ctx
	// cancellation returns early.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &platformConnection{device: result.device}

		a.mu.Lock()
		a.connections[strings.ToLower(address)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*PlatformAdapter)(nil)

type platformConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *platformConnection) DiscoverService(uuid string) (Service, error) {
	svcUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", uuid)
	}
	return &platformService{svc: svcs[0]}, nil
}

func (c *platformConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *platformConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *platformConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type platformService struct {
	svc bluetooth.DeviceService
}

func (s *platformService) DiscoverCharacteristic(uuid string) (Characteristic, error) {
	charUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", uuid)
	}
	return &platformCharacteristic{char: chars[0]}, nil
}

type platformCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *platformCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (c *platformCharacteristic) Write(data []byte) error {
	return writeValue(c.char, data)
}

func (c *platformCharacteristic) EnableNotifications(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		cb(value)
	})
}

func (c *platformCharacteristic) DisableNotifications() error {
	return c.char.EnableNotifications(nil)
}
