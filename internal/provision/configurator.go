package provision

import (
	"context"
	"log/slog"

	blecrypto "github.com/chaz8081/wifiprov/internal/ble/crypto"
	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// Configurator drives the device's Wi-Fi configurator service: it stores
// credentials on the device and asks it to join the network.
type Configurator struct {
	link   Link
	ui     UI
	logger *slog.Logger

	last  protocol.ConfigState
	known bool
}

// NewConfigurator creates a Configurator. Panics if link or ui is nil
// (programmer error).
func NewConfigurator(link Link, ui UI, logger *slog.Logger) *Configurator {
	if link == nil || ui == nil {
		panic("provision: NewConfigurator called with nil link or ui")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Configurator{link: link, ui: ui, logger: logger}
}

// Last returns the last observed configurator state, and false if none has
// been observed since the last Forget.
func (c *Configurator) Last() (protocol.ConfigState, bool) {
	return c.last, c.known
}

// Forget drops the mirrored state.
func (c *Configurator) Forget() {
	c.last = protocol.ConfigIdle
	c.known = false
}

// SendCredentials derives the PSK from passphrase with ssid as salt, writes
// the network name and the key to the device, then starts a join.
func (c *Configurator) SendCredentials(ctx context.Context, ssid, passphrase string) error {
	if err := ValidateCredentials(ssid, passphrase); err != nil {
		return err
	}

	c.logger.Info("[CONFIG] deriving PSK", "ssid", ssid)
	key, err := blecrypto.DeriveKey(passphrase, ssid)
	if err != nil {
		return err
	}
	defer key.Wipe()

	c.ui.SetCapabilities(BusyCapabilities)

	c.logger.Info("[CONFIG] sending SSID and PSK")
	if err := c.link.Write(ctx, protocol.CharConfigSSID, []byte(ssid)); err != nil {
		return err
	}
	psk := key.Bytes()
	err = c.link.Write(ctx, protocol.CharConfigPSK, psk)
	clear(psk)
	if err != nil {
		return err
	}
	return c.join(ctx)
}

// Join asks the device to join with the credentials it already stores.
func (c *Configurator) Join(ctx context.Context) error {
	c.ui.SetCapabilities(BusyCapabilities)
	c.logger.Info("[CONFIG] joining access point")
	return c.join(ctx)
}

func (c *Configurator) join(ctx context.Context) error {
	c.logger.Info("[CONFIG] starting config state notifications")
	if err := c.link.StartNotifications(ctx, protocol.SourceConfig); err != nil {
		return err
	}
	// The firmware only joins on the Idle to Connecting transition.
	if c.known && c.last != protocol.ConfigIdle {
		if err := c.link.WriteState(ctx, protocol.SourceConfig, uint8(protocol.ConfigIdle)); err != nil {
			return err
		}
	}
	return c.link.WriteState(ctx, protocol.SourceConfig, uint8(protocol.ConfigConnecting))
}

// HandleState processes a configurator state value delivered by a
// notification or a state read.
func (c *Configurator) HandleState(ctx context.Context, value []byte) error {
	raw, err := protocol.DecodeState(value)
	if err != nil {
		return err
	}
	state := protocol.ConfigState(raw)
	if !state.Valid() {
		c.logger.Warn("[CONFIG] undefined config state, treating as error", "value", raw)
	}
	c.logger.Info("[CONFIG] config state", "state", state.String())

	c.last = state
	c.known = true
	c.ui.ConfigStateChanged(state)
	c.ui.SetCapabilities(ConfigCapabilities(state))

	switch state {
	case protocol.ConfigJoined:
		c.logger.Info("[CONFIG] connected to access point, stopping config state notifications")
		return c.link.StopNotifications(ctx, protocol.SourceConfig)
	case protocol.ConfigConnecting, protocol.ConfigIdle:
	default:
		c.logger.Warn("[CONFIG] device failed to join the network")
	}
	return nil
}
