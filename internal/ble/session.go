package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	blecrypto "github.com/chaz8081/wifiprov/internal/ble/crypto"
	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// SessionOptions configures the BLE session behavior.
type SessionOptions struct {
	AuthSecret       string        // shared secret whose digest is written on connect
	OperationTimeout time.Duration // bound on each BLE operation, 0 = wait forever
	Logger           *slog.Logger
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		AuthSecret:       blecrypto.DefaultAuthSecret,
		OperationTimeout: 10 * time.Second,
	}
}

// StateListener receives values of the scanner and configurator state
// characteristics, from notifications and from explicit state reads.
type StateListener func(src protocol.Source, value []byte)

// Session owns the connection to one commissioning peripheral and the cached
// characteristic handles of the profile. Other components reach the device
// only through Session methods and never keep a handle past one call.
type Session struct {
	adapter Adapter
	opts    SessionOptions
	logger  *slog.Logger

	// opMu is held for the duration of every BLE operation so that no two
	// operations run against the device at the same time.
	opMu sync.Mutex

	mu           sync.Mutex
	enabled      bool
	device       *Device
	conn         Connection
	chars        map[protocol.CharID]Characteristic
	listening    bool
	listener     StateListener
	onDisconnect func()
	id           string
}

// NewSession creates a session that connects through adapter.
func NewSession(adapter Adapter, opts SessionOptions) *Session {
	if opts.AuthSecret == "" {
		opts.AuthSecret = blecrypto.DefaultAuthSecret
	}
	if opts.OperationTimeout < 0 {
		opts.OperationTimeout = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		adapter: adapter,
		opts:    opts,
		logger:  logger,
	}
}

// SelectDevice sets the peripheral the session connects to.
func (s *Session) SelectDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := d
	s.device = &dev
}

// Device returns the selected peripheral, if any.
func (s *Session) Device() (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return Device{}, false
	}
	return *s.device, true
}

// SetStateListener sets the function that receives state values. The
// listener is attached on every connect and detached by Reset.
func (s *Session) SetStateListener(l StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// SetDisconnectHandler sets the function called after an unexpected link
// loss. The cached handles are already dropped when it runs.
func (s *Session) SetDisconnectHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Connected reports whether the link is up and all characteristics are cached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *Session) connectedLocked() bool {
	return s.conn != nil && len(s.chars) == len(protocol.Characteristics())
}

// ID returns the correlation id of the current link, or "" when disconnected.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) log() *slog.Logger {
	if id := s.ID(); id != "" {
		return s.logger.With("session", id)
	}
	return s.logger
}

// EnsureConnected connects to the selected device, discovers the three
// services and seven characteristics, attaches the state listener and writes
// the authentication digest. It is a no-op while connected with all
// characteristics cached. Failures are returned as *ConnectionError.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.connectedLocked() {
		s.mu.Unlock()
		return nil
	}
	if s.device == nil {
		s.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrNoDevice}
	}
	dev := *s.device
	s.mu.Unlock()

	if err := s.enableAdapter(); err != nil {
		return &ConnectionError{Op: "enable adapter", Err: err}
	}

	s.logger.Info("[BLE] connecting to GATT server", "address", dev.Address, "name", dev.Name)
	conn, err := call(s, ctx, func() (Connection, error) {
		connCtx, cancel := s.opContext(ctx)
		defer cancel()
		return s.adapter.Connect(connCtx, dev.Address)
	})
	if err != nil {
		return &ConnectionError{Op: "connect to " + dev.Address, Err: err}
	}

	chars, err := s.discover(ctx, conn)
	if err != nil {
		_ = conn.Disconnect()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.chars = chars
	s.listening = true
	s.id = uuid.NewString()
	s.mu.Unlock()

	conn.OnDisconnect(func() { s.handleLinkLoss(conn) })

	if err := s.authenticate(ctx); err != nil {
		s.invalidate(conn)
		_ = conn.Disconnect()
		return &ConnectionError{Op: "authenticate", Err: err}
	}

	s.log().Info("[BLE] connected", "address", dev.Address)
	return nil
}

// discover resolves the three primary services and the seven characteristics
// of the profile on conn.
func (s *Session) discover(ctx context.Context, conn Connection) (map[protocol.CharID]Characteristic, error) {
	services := make(map[string]Service, len(protocol.Services()))
	for _, svcUUID := range protocol.Services() {
		s.logger.Debug("[BLE] discovering service", "uuid", svcUUID)
		svc, err := call(s, ctx, func() (Service, error) {
			return conn.DiscoverService(svcUUID)
		})
		if err == nil && svc == nil {
			err = fmt.Errorf("service %s not found", svcUUID)
		}
		if err != nil {
			return nil, &ConnectionError{Op: "discover service " + svcUUID, Err: err}
		}
		services[svcUUID] = svc
	}

	chars := make(map[protocol.CharID]Characteristic, len(protocol.Characteristics()))
	for _, c := range protocol.Characteristics() {
		s.logger.Debug("[BLE] discovering characteristic", "name", c.Name, "uuid", c.UUID)
		svc := services[c.Service]
		ch, err := call(s, ctx, func() (Characteristic, error) {
			return svc.DiscoverCharacteristic(c.UUID)
		})
		if err == nil && ch == nil {
			err = fmt.Errorf("characteristic %s not found", c.UUID)
		}
		if err != nil {
			return nil, &ConnectionError{Op: "discover characteristic " + c.Name, Err: err}
		}
		chars[c.ID] = ch
	}
	return chars, nil
}

// authenticate writes SHA3-256 of the shared secret to the auth key
// characteristic. The protocol has no acknowledgement for this write.
func (s *Session) authenticate(ctx context.Context) error {
	digest := blecrypto.AuthDigest(s.opts.AuthSecret)
	if err := s.Write(ctx, protocol.CharAuthKey, digest); err != nil {
		return err
	}
	s.log().Debug("[BLE] auth digest written", "bytes", len(digest))
	return nil
}

// handleLinkLoss drops the cached handles of conn and notifies the
// disconnect handler. Callbacks from connections the session no longer owns
// are ignored.
func (s *Session) handleLinkLoss(conn Connection) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.chars = nil
	s.id = ""
	h := s.onDisconnect
	s.mu.Unlock()

	s.logger.Warn("[BLE] device disconnected")
	if h != nil {
		h()
	}
}

// invalidate drops the cached handles of conn without notifying anyone.
func (s *Session) invalidate(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.chars = nil
		s.id = ""
	}
}

// Recover makes the single reconnect attempt that follows a link loss. The
// selected device is kept, so no new selection is needed.
func (s *Session) Recover(ctx context.Context) error {
	s.logger.Info("[BLE] reconnecting after link loss")
	if err := s.EnsureConnected(ctx); err != nil {
		s.logger.Error("[BLE] reconnect failed", "error", err)
		return err
	}
	s.log().Info("[BLE] reconnected")
	return nil
}

// Reset stops state notifications, detaches the state listener, drops the
// cached handles and forgets the selected device. The transport link is not
// disconnected.
func (s *Session) Reset() {
	if s.Connected() {
		for _, src := range []protocol.Source{protocol.SourceScanner, protocol.SourceConfig} {
			if err := s.StopNotifications(context.Background(), src); err != nil {
				s.logger.Debug("[BLE] could not stop notifications on reset", "source", src.String(), "error", err)
			}
		}
	}

	s.mu.Lock()
	s.listening = false
	s.conn = nil
	s.chars = nil
	s.device = nil
	s.id = ""
	s.mu.Unlock()
	s.logger.Info("[BLE] session reset")
}

// Close disconnects the transport link and drops all session state.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.chars = nil
	s.listening = false
	s.id = ""
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

func (s *Session) characteristic(id protocol.CharID) (Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chars == nil {
		return nil, ErrNotConnected
	}
	ch, ok := s.chars[id]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not cached", id)
	}
	return ch, nil
}

// Read reads the value of a profile characteristic.
func (s *Session) Read(ctx context.Context, id protocol.CharID) ([]byte, error) {
	ch, err := s.characteristic(id)
	if err != nil {
		return nil, &IOError{Op: "read", Characteristic: id.String(), Err: err}
	}
	value, err := call(s, ctx, ch.Read)
	if err != nil {
		return nil, &IOError{Op: "read", Characteristic: id.String(), Err: err}
	}
	s.log().Debug("[BLE] read", "char", id.String(), "bytes", len(value))
	return value, nil
}

// Write writes data to a profile characteristic.
func (s *Session) Write(ctx context.Context, id protocol.CharID, data []byte) error {
	ch, err := s.characteristic(id)
	if err != nil {
		return &IOError{Op: "write", Characteristic: id.String(), Err: err}
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if err := s.do(ctx, func() error { return ch.Write(buf) }); err != nil {
		return &IOError{Op: "write", Characteristic: id.String(), Err: err}
	}
	s.log().Debug("[BLE] write", "char", id.String(), "bytes", len(buf))
	return nil
}

// StartNotifications enables notifications on the state characteristic of
// src. Values are delivered to the state listener.
func (s *Session) StartNotifications(ctx context.Context, src protocol.Source) error {
	id := src.StateChar()
	ch, err := s.characteristic(id)
	if err != nil {
		return &IOError{Op: "start notifications", Characteristic: id.String(), Err: err}
	}
	cb := func(value []byte) { s.dispatch(src, value) }
	if err := s.do(ctx, func() error { return ch.EnableNotifications(cb) }); err != nil {
		return &IOError{Op: "start notifications", Characteristic: id.String(), Err: err}
	}
	s.log().Info("[BLE] notifications started", "source", src.String())
	return nil
}

// StopNotifications disables notifications on the state characteristic of src.
func (s *Session) StopNotifications(ctx context.Context, src protocol.Source) error {
	id := src.StateChar()
	ch, err := s.characteristic(id)
	if err != nil {
		return &IOError{Op: "stop notifications", Characteristic: id.String(), Err: err}
	}
	if err := s.do(ctx, ch.DisableNotifications); err != nil {
		return &IOError{Op: "stop notifications", Characteristic: id.String(), Err: err}
	}
	s.log().Info("[BLE] notifications stopped", "source", src.String())
	return nil
}

// ReadState reads the state characteristic of src. Like a notification, the
// value is also delivered to the state listener.
func (s *Session) ReadState(ctx context.Context, src protocol.Source) (uint8, error) {
	value, err := s.Read(ctx, src.StateChar())
	if err != nil {
		return 0, err
	}
	state, err := protocol.DecodeState(value)
	if err != nil {
		return 0, &IOError{Op: "read", Characteristic: src.StateChar().String(), Err: err}
	}
	s.dispatch(src, value)
	return state, nil
}

// WriteState writes a one-byte state value to the state characteristic of src.
func (s *Session) WriteState(ctx context.Context, src protocol.Source, state uint8) error {
	return s.Write(ctx, src.StateChar(), []byte{state})
}

func (s *Session) dispatch(src protocol.Source, value []byte) {
	s.mu.Lock()
	l := s.listener
	on := s.listening
	s.mu.Unlock()
	if !on || l == nil {
		return
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	l(src, cp)
}

// Endpoint returns a protocol.Endpoint bound to a profile characteristic.
// The handle is resolved on every call.
func (s *Session) Endpoint(id protocol.CharID) protocol.Endpoint {
	return endpoint{s: s, id: id}
}

type endpoint struct {
	s  *Session
	id protocol.CharID
}

func (e endpoint) Read(ctx context.Context) ([]byte, error) {
	return e.s.Read(ctx, e.id)
}

func (e endpoint) Write(ctx context.Context, data []byte) error {
	return e.s.Write(ctx, e.id, data)
}

func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OperationTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Session) do(ctx context.Context, fn func() error) error {
	_, err := call(s, ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// call runs fn as one BLE operation: it waits for any operation already in
// flight, and gives up when ctx is done or the operation timeout expires. A
// platform call that never returns keeps holding the operation lock, so later
// operations time out instead of overlapping it.
func call[T any](s *Session, ctx context.Context, fn func() (T, error)) (T, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s.opMu.Lock()
		defer s.opMu.Unlock()
		if err := ctx.Err(); err != nil {
			ch <- result{err: err}
			return
		}
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		select {
		case r := <-ch:
			return r.v, r.err
		default:
		}
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("operation timed out: %w", ctx.Err())
		}
		return zero, ctx.Err()
	}
}
