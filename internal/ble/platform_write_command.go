//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// BlueZ picks the request type from the characteristic properties, so a
// write-only characteristic still gets a write request.
const writesWithResponse = false

func writeValue(c bluetooth.DeviceCharacteristic, p []byte) error {
	_, err := c.WriteWithoutResponse(p)
	return err
}
