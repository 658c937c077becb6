package provision

import (
	"errors"
	"fmt"
)

var (
	// ErrScanBusy is returned by StartScan while the device reports a scan in
	// progress.
	ErrScanBusy = errors.New("provision: scan already in progress")
	// ErrStopped is returned for intents submitted after the orchestrator
	// loop has exited.
	ErrStopped = errors.New("provision: orchestrator stopped")
)

// UserInputError reports a missing or invalid user input. It is returned
// before any BLE operation is issued.
type UserInputError struct {
	Field  string
	Reason string
}

func (e *UserInputError) Error() string {
	return fmt.Sprintf("provision: %s: %s", e.Field, e.Reason)
}

// ValidateCredentials checks the inputs of a send-credentials intent.
func ValidateCredentials(ssid, passphrase string) error {
	if ssid == "" {
		return &UserInputError{Field: "network", Reason: "no network selected"}
	}
	if passphrase == "" {
		return &UserInputError{Field: "passphrase", Reason: "passphrase is empty"}
	}
	if len(ssid) > 32 {
		return &UserInputError{Field: "network", Reason: fmt.Sprintf("network name is %d bytes, at most 32 allowed", len(ssid))}
	}
	return nil
}
