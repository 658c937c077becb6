package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// Scanner drives the device's Wi-Fi scanner service. It mirrors the last
// state the device reported and reacts to Scanned by pulling and publishing
// the result list.
type Scanner struct {
	link   Link
	ui     UI
	logger *slog.Logger

	last  protocol.ScannerState
	known bool
}

// NewScanner creates a Scanner. Panics if link or ui is nil (programmer error).
func NewScanner(link Link, ui UI, logger *slog.Logger) *Scanner {
	if link == nil || ui == nil {
		panic("provision: NewScanner called with nil link or ui")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{link: link, ui: ui, logger: logger}
}

// Last returns the last observed scanner state, and false if none has been
// observed since the last Forget.
func (s *Scanner) Last() (protocol.ScannerState, bool) {
	return s.last, s.known
}

// Forget drops the mirrored state.
func (s *Scanner) Forget() {
	s.last = protocol.ScannerIdle
	s.known = false
}

// Start begins a scan. Notifications on the scanner state are enabled before
// Scanning is written. A device left in Error or Scanned is first written
// back to Idle, since the firmware only starts a scan on the Idle to Scanning
// transition. Results still held in Scanned are discarded by that write; a
// retrieval that has not failed has already run, as state events are handled
// in order ahead of later intents.
func (s *Scanner) Start(ctx context.Context) error {
	if s.known && s.last == protocol.ScannerScanning {
		return ErrScanBusy
	}

	s.ui.SetCapabilities(BusyCapabilities)
	s.ui.ClearAccessPoints()

	s.logger.Info("[SCAN] starting scanner state notifications")
	if err := s.link.StartNotifications(ctx, protocol.SourceScanner); err != nil {
		return err
	}
	if s.known && (s.last == protocol.ScannerError || s.last == protocol.ScannerScanned) {
		s.logger.Info("[SCAN] returning scanner to idle", "state", s.last.String())
		if err := s.link.WriteState(ctx, protocol.SourceScanner, uint8(protocol.ScannerIdle)); err != nil {
			return err
		}
		s.last = protocol.ScannerIdle
	}
	s.logger.Info("[SCAN] starting Wi-Fi scan")
	return s.link.WriteState(ctx, protocol.SourceScanner, uint8(protocol.ScannerScanning))
}

// HandleState processes a scanner state value delivered by a notification
// or a state read.
func (s *Scanner) HandleState(ctx context.Context, value []byte) error {
	raw, err := protocol.DecodeState(value)
	if err != nil {
		return err
	}
	state := protocol.ScannerState(raw)
	if !state.Valid() {
		s.logger.Warn("[SCAN] undefined scanner state, treating as error", "value", raw)
	}
	s.logger.Info("[SCAN] scanner state", "state", state.String())

	s.last = state
	s.known = true
	s.ui.ScannerStateChanged(state)
	s.ui.SetCapabilities(ScannerCapabilities(state))

	switch state {
	case protocol.ScannerScanned:
		if err := s.retrieve(ctx); err != nil {
			// The device stays in Scanned; Start clears it on the next scan.
			s.ui.SetCapabilities(readyCapabilities)
			return err
		}
	case protocol.ScannerError:
		s.logger.Warn("[SCAN] device reported a scan error")
	}
	return nil
}

// retrieve pulls the result records, publishes the ranked list, then stops
// notifications, writes Idle and reads the state back. A malformed payload
// drops only the listing; the reset sequence still runs.
func (s *Scanner) retrieve(ctx context.Context) error {
	s.logger.Info("[SCAN] reading scan results")
	payload, err := protocol.ReadChunks(ctx, s.link.Endpoint(protocol.CharScannerSelect), s.link.Endpoint(protocol.CharScannerResult))
	if err != nil {
		return fmt.Errorf("provision: read scan results: %w", err)
	}

	aps, err := protocol.ParseAccessPoints(payload)
	var malformed *protocol.MalformedPayloadError
	switch {
	case errors.As(err, &malformed):
		s.logger.Error("[SCAN] dropping malformed scan result", "error", err, "bytes", len(payload))
	case err != nil:
		return err
	default:
		protocol.SortBySignal(aps)
		s.logger.Info("[SCAN] scan results", "count", len(aps))
		s.ui.ShowAccessPoints(aps)
	}

	s.logger.Info("[SCAN] stopping scanner state notifications")
	if err := s.link.StopNotifications(ctx, protocol.SourceScanner); err != nil {
		return err
	}
	if err := s.link.WriteState(ctx, protocol.SourceScanner, uint8(protocol.ScannerIdle)); err != nil {
		return err
	}
	s.last = protocol.ScannerIdle
	// The value read back is delivered as a state event like a notification.
	if _, err := s.link.ReadState(ctx, protocol.SourceScanner); err != nil {
		return err
	}
	return nil
}
