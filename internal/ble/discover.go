package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// DefaultDiscoveryTimeout bounds a device discovery scan.
const DefaultDiscoveryTimeout = 5 * time.Second

// CommissioningFilter matches peripherals advertising the scanner service.
// namePrefix narrows the match further when non-empty.
func CommissioningFilter(namePrefix string) ScanFilter {
	return ScanFilter{
		ServiceUUID: protocol.ScannerServiceUUID,
		NamePrefix:  namePrefix,
	}
}

func (s *Session) enableAdapter() error {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return err
	}
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	return nil
}

// Discover scans for commissioning peripherals until timeout elapses or ctx
// is cancelled. Devices are returned strongest signal first.
func (s *Session) Discover(ctx context.Context, filter ScanFilter, timeout time.Duration) ([]Device, error) {
	if err := s.enableAdapter(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("[BLE] scanning for devices", "service", filter.ServiceUUID, "name_prefix", filter.NamePrefix, "timeout", timeout)
	devices, err := s.adapter.Scan(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	SortDevices(devices)
	s.logger.Info("[BLE] scan finished", "found", len(devices))
	return devices, nil
}

// SortDevices orders devices by descending RSSI, keeping discovery order for
// equal signal strength.
func SortDevices(devices []Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})
}

// FindDevice returns the device with the given address, compared without
// regard to case.
func FindDevice(devices []Device, address string) (Device, bool) {
	for _, d := range devices {
		if strings.EqualFold(d.Address, address) {
			return d, true
		}
	}
	return Device{}, false
}
