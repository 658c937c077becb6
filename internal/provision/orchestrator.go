// Package provision implements the Wi-Fi commissioning flows on top of a BLE
// session: the scanner and configurator state machines and the orchestrator
// that serializes user intents, device state events and disconnects into a
// single loop.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/wifiprov/internal/ble"
	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// DeviceSelector picks the peripheral to commission when none is selected.
type DeviceSelector interface {
	SelectDevice(ctx context.Context) (ble.Device, error)
}

// SelectorFunc adapts a function to DeviceSelector.
type SelectorFunc func(ctx context.Context) (ble.Device, error)

func (f SelectorFunc) SelectDevice(ctx context.Context) (ble.Device, error) { return f(ctx) }

// DiscoverySelector scans for commissioning peripherals and picks the one at
// Address, or the strongest one when Address is empty.
type DiscoverySelector struct {
	Session *ble.Session
	Filter  ble.ScanFilter
	Timeout time.Duration
	Address string
}

func (d DiscoverySelector) SelectDevice(ctx context.Context) (ble.Device, error) {
	devices, err := d.Session.Discover(ctx, d.Filter, d.Timeout)
	if err != nil {
		return ble.Device{}, err
	}
	if d.Address != "" {
		dev, ok := ble.FindDevice(devices, d.Address)
		if !ok {
			return ble.Device{}, fmt.Errorf("provision: device %s not found", d.Address)
		}
		return dev, nil
	}
	if len(devices) == 0 {
		return ble.Device{}, errors.New("provision: no commissioning device found")
	}
	return devices[0], nil
}

// EventType identifies what the orchestrator loop is processing.
type EventType int

const (
	// EventIntent is a user action submitted through an Orchestrator method.
	EventIntent EventType = iota
	// EventState is a state value from the scanner or configurator.
	EventState
	// EventDisconnect is an unexpected link loss.
	EventDisconnect
)

type event struct {
	typ EventType

	// EventIntent
	name   string
	tag    string
	run    func(ctx context.Context) error
	result chan error

	// EventState
	src   protocol.Source
	value []byte
}

// Orchestrator composes the session and both state machines. Intents,
// state values and disconnects are queued and handled one at a time by Run,
// so no two BLE operations are ever issued concurrently.
type Orchestrator struct {
	session  *ble.Session
	ui       UI
	selector DeviceSelector
	logger   *slog.Logger
	scanner  *Scanner
	config   *Configurator

	// mu guards queue.
	mu    sync.Mutex
	queue []event
	wake  chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewOrchestrator wires the state machines to session. selector may be nil
// when the caller always selects a device on the session up front.
func NewOrchestrator(session *ble.Session, ui UI, selector DeviceSelector, logger *slog.Logger) *Orchestrator {
	if session == nil || ui == nil {
		panic("provision: NewOrchestrator called with nil session or ui")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		session:  session,
		ui:       ui,
		selector: selector,
		logger:   logger,
		scanner:  NewScanner(session, ui, logger),
		config:   NewConfigurator(session, ui, logger),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Run attaches to the session and processes events until ctx is cancelled.
// It must be called once. Pending and later intents fail with ErrStopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.session.SetStateListener(o.onState)
	o.session.SetDisconnectHandler(o.onDisconnect)
	defer o.stop()

	if _, ok := o.session.Device(); !ok {
		o.ui.SetCapabilities(DisconnectedCapabilities)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.wake:
		}
		for {
			ev, ok := o.next()
			if !ok {
				break
			}
			o.handle(ctx, ev)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (o *Orchestrator) stop() {
	o.stopOnce.Do(func() {
		o.session.SetStateListener(nil)
		o.session.SetDisconnectHandler(nil)
		close(o.done)

		o.mu.Lock()
		pending := o.queue
		o.queue = nil
		o.mu.Unlock()
		for _, ev := range pending {
			if ev.result != nil {
				ev.result <- ErrStopped
			}
		}
	})
}

func (o *Orchestrator) post(ev event) {
	o.mu.Lock()
	o.queue = append(o.queue, ev)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) next() (event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return event{}, false
	}
	ev := o.queue[0]
	o.queue[0] = event{}
	o.queue = o.queue[1:]
	return ev, true
}

// onState runs on the notification goroutine; it only queues.
func (o *Orchestrator) onState(src protocol.Source, value []byte) {
	o.post(event{typ: EventState, src: src, value: value})
}

func (o *Orchestrator) onDisconnect() {
	o.post(event{typ: EventDisconnect})
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	switch ev.typ {
	case EventIntent:
		err := ev.run(ctx)
		if err != nil {
			o.logger.Error(ev.tag+" "+ev.name+" failed", "error", err)
			o.restoreCapabilities(err)
		}
		ev.result <- err

	case EventState:
		var err error
		tag := "[SCAN]"
		if ev.src == protocol.SourceConfig {
			tag = "[CONFIG]"
			err = o.config.HandleState(ctx, ev.value)
		} else {
			err = o.scanner.HandleState(ctx, ev.value)
		}
		if err != nil {
			o.logger.Error(tag+" state handling failed", "source", ev.src.String(), "error", err)
		}

	case EventDisconnect:
		o.logger.Warn("[BLE] device disconnected")
		if err := o.session.Recover(ctx); err != nil {
			o.logger.Error("[BLE] reconnect failed, connect again to continue", "error", err)
			o.ui.SetCapabilities(DisconnectedCapabilities | CapReset)
		}
	}
}

// restoreCapabilities re-enables controls after a failed intent so the user
// can retry.
func (o *Orchestrator) restoreCapabilities(err error) {
	var inputErr *UserInputError
	switch {
	case errors.As(err, &inputErr), errors.Is(err, ErrScanBusy):
		// Nothing was sent; the current capability set still applies.
	case !o.session.Connected():
		o.ui.SetCapabilities(DisconnectedCapabilities | CapReset)
	default:
		if st, ok := o.scanner.Last(); ok {
			o.ui.SetCapabilities(ScannerCapabilities(st))
		} else {
			o.ui.SetCapabilities(readyCapabilities)
		}
	}
}

// submit queues an intent and waits for its result.
func (o *Orchestrator) submit(ctx context.Context, tag, name string, run func(ctx context.Context) error) error {
	select {
	case <-o.done:
		return ErrStopped
	default:
	}
	result := make(chan error, 1)
	o.post(event{typ: EventIntent, tag: tag, name: name, run: run, result: result})
	select {
	case err := <-result:
		return err
	case <-o.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) connect(ctx context.Context) error {
	if _, ok := o.session.Device(); !ok {
		if o.selector == nil {
			return &ble.ConnectionError{Op: "select device", Err: ble.ErrNoDevice}
		}
		o.logger.Info("[BLE] requesting device")
		dev, err := o.selector.SelectDevice(ctx)
		if err != nil {
			return &ble.ConnectionError{Op: "select device", Err: err}
		}
		o.logger.Info("[BLE] device selected", "name", dev.Name, "address", dev.Address)
		o.session.SelectDevice(dev)
	}
	return o.session.EnsureConnected(ctx)
}

// Connect connects to the device and reads the scanner state, which drives
// the UI into the matching capability set.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.submit(ctx, "[BLE]", "connect", func(ctx context.Context) error {
		if err := o.connect(ctx); err != nil {
			return err
		}
		o.logger.Info("[BLE] reading scanner state")
		_, err := o.session.ReadState(ctx, protocol.SourceScanner)
		return err
	})
}

// StartScan connects if needed and starts a Wi-Fi scan. The result list is
// delivered to the UI when the device reports Scanned.
func (o *Orchestrator) StartScan(ctx context.Context) error {
	return o.submit(ctx, "[SCAN]", "scan", func(ctx context.Context) error {
		if err := o.connect(ctx); err != nil {
			return err
		}
		return o.scanner.Start(ctx)
	})
}

// SendCredentials validates the inputs, connects if needed, stores the
// network name and derived key on the device and starts a join.
func (o *Orchestrator) SendCredentials(ctx context.Context, ssid, passphrase string) error {
	return o.submit(ctx, "[CONFIG]", "send credentials", func(ctx context.Context) error {
		if err := ValidateCredentials(ssid, passphrase); err != nil {
			return err
		}
		if err := o.connect(ctx); err != nil {
			return err
		}
		return o.config.SendCredentials(ctx, ssid, passphrase)
	})
}

// Join connects if needed and asks the device to join with the credentials
// it already stores.
func (o *Orchestrator) Join(ctx context.Context) error {
	return o.submit(ctx, "[CONFIG]", "join", func(ctx context.Context) error {
		if err := o.connect(ctx); err != nil {
			return err
		}
		return o.config.Join(ctx)
	})
}

// Reset forgets the device and all local state without disconnecting the
// transport link. Only Connect is offered afterwards.
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.submit(ctx, "[BLE]", "reset", func(context.Context) error {
		o.ui.SetCapabilities(DisconnectedCapabilities)
		o.ui.ClearAccessPoints()
		o.session.Reset()
		o.scanner.Forget()
		o.config.Forget()
		o.logger.Info("[BLE] device reset")
		return nil
	})
}
