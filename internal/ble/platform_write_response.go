//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// CoreBluetooth and WinRT drop a write command sent to a characteristic that
// only allows write requests, so writes wait for the response.
const writesWithResponse = true

func writeValue(c bluetooth.DeviceCharacteristic, p []byte) error {
	_, err := c.Write(p)
	return err
}
