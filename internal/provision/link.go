package provision

import (
	"context"

	"github.com/chaz8081/wifiprov/internal/ble"
	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// Link is the part of the BLE session the state machines drive. Handles are
// resolved by the session on every call.
type Link interface {
	Write(ctx context.Context, id protocol.CharID, data []byte) error
	WriteState(ctx context.Context, src protocol.Source, state uint8) error
	ReadState(ctx context.Context, src protocol.Source) (uint8, error)
	StartNotifications(ctx context.Context, src protocol.Source) error
	StopNotifications(ctx context.Context, src protocol.Source) error
	Endpoint(id protocol.CharID) protocol.Endpoint
}

// Compile-time interface satisfaction check.
var _ Link = (*ble.Session)(nil)
