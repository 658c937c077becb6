// Package bletest provides an in-memory Wi-Fi commissioning peripheral that
// implements the ble adapter interfaces. It behaves like the device firmware:
// a scan runs inside the write that starts it, the scan payload is split into
// 100-byte records, and state changes are pushed to enabled notification
// callbacks synchronously.
package bletest

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/wifiprov/internal/ble"
	blecrypto "github.com/chaz8081/wifiprov/internal/ble/crypto"
	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

// ErrLinkLost is returned by handles of a connection that has dropped.
var ErrLinkLost = errors.New("bletest: link lost")

// ErrNotAuthorized is returned for state writes on a peripheral that requires
// authentication before the auth digest has been written.
var ErrNotAuthorized = errors.New("bletest: not authorized")

var serviceNames = map[string]string{
	protocol.ScannerServiceUUID: "scanner",
	protocol.ConfigServiceUUID:  "config",
	protocol.AuthServiceUUID:    "auth",
}

// Peripheral simulates the device side of the scanner, configurator and
// auth services.
type Peripheral struct {
	Name    string
	Address string
	RSSI    int

	mu          sync.Mutex
	digest      []byte
	requireAuth bool
	authorized  bool
	authKey     []byte

	scanner     protocol.ScannerState
	config      protocol.ConfigState
	payload     []byte
	fixed       [][]byte
	scanFails   bool
	joinOutcome protocol.ConfigState
	records     [][]byte
	selected    []byte
	ssid        []byte
	psk         []byte

	conn       *connection
	connects   int
	connectErr error
	notify     map[protocol.CharID]func([]byte)
	missing    map[string]bool
	failures   map[string]error
	delays     map[string]time.Duration
	ops        []string
}

// NewPeripheral returns a peripheral in the Idle/Idle state with an empty
// scan payload.
func NewPeripheral(name, address string) *Peripheral {
	return &Peripheral{
		Name:     name,
		Address:  address,
		RSSI:     -50,
		digest:   blecrypto.AuthDigest(blecrypto.DefaultAuthSecret),
		payload:  []byte("[]"),
		notify:   make(map[protocol.CharID]func([]byte)),
		missing:  make(map[string]bool),
		failures: make(map[string]error),
		delays:   make(map[string]time.Duration),
	}
}

// Device returns the advertisement of the peripheral.
func (p *Peripheral) Device() ble.Device {
	return ble.Device{Name: p.Name, Address: p.Address, RSSI: p.RSSI}
}

// SetAccessPoints sets the result of the next scan.
func (p *Peripheral) SetAccessPoints(aps []protocol.AccessPoint) error {
	payload, err := protocol.MarshalAccessPoints(aps)
	if err != nil {
		return err
	}
	p.SetPayload(payload)
	return nil
}

// SetPayload sets the raw bytes served by the next scan.
func (p *Peripheral) SetPayload(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payload = append([]byte(nil), payload...)
	p.fixed = nil
}

// SetRecords makes the next scan serve exactly the given records instead of
// splitting a payload into 100-byte pieces.
func (p *Peripheral) SetRecords(records ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixed = make([][]byte, len(records))
	for i, r := range records {
		p.fixed[i] = []byte(r)
	}
}

// FailScan makes subsequent scans end in the Error state.
func (p *Peripheral) FailScan(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanFails = fail
}

// SetJoinOutcome sets the state the configurator moves to right after
// Connecting. ConfigIdle leaves it in Connecting until SetConfigState is
// called.
func (p *Peripheral) SetJoinOutcome(s protocol.ConfigState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joinOutcome = s
}

// RequireAuth makes state writes fail until SHA3-256(secret) has been written
// to the auth key characteristic on the current connection.
func (p *Peripheral) RequireAuth(secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requireAuth = true
	p.digest = blecrypto.AuthDigest(secret)
}

// Authorized reports whether the current connection wrote the expected digest.
func (p *Peripheral) Authorized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authorized
}

// AuthKey returns the last value written to the auth key characteristic.
func (p *Peripheral) AuthKey() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.authKey...)
}

// SSID returns the network identifier stored on the device.
func (p *Peripheral) SSID() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.ssid...)
}

// PSK returns the key stored on the device.
func (p *Peripheral) PSK() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.psk...)
}

// ScannerState returns the device-side scanner state.
func (p *Peripheral) ScannerState() protocol.ScannerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanner
}

// ConfigState returns the device-side configurator state.
func (p *Peripheral) ConfigState() protocol.ConfigState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// SetScannerState changes the scanner state on the device side and notifies
// an enabled subscriber.
func (p *Peripheral) SetScannerState(s protocol.ScannerState) {
	p.mu.Lock()
	p.scanner = s
	cb := p.notify[protocol.CharScannerState]
	p.mu.Unlock()
	p.deliver(protocol.CharScannerState, cb, byte(s))
}

// SetConfigState changes the configurator state on the device side and
// notifies an enabled subscriber.
func (p *Peripheral) SetConfigState(s protocol.ConfigState) {
	p.mu.Lock()
	p.config = s
	cb := p.notify[protocol.CharConfigState]
	p.mu.Unlock()
	p.deliver(protocol.CharConfigState, cb, byte(s))
}

// NotificationsEnabled reports whether a subscriber is registered for id on
// the current connection.
func (p *Peripheral) NotificationsEnabled(id protocol.CharID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify[id] != nil
}

// Remove hides a service or characteristic UUID from discovery.
func (p *Peripheral) Remove(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missing[uuid] = true
}

// Restore undoes Remove.
func (p *Peripheral) Restore(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.missing, uuid)
}

// FailNext makes the next operation matching key fail with err. Keys have the
// form "<op> <target>", e.g. "write config.psk", "read scanner.result",
// "discover service auth" or "discover characteristic scanner.state".
func (p *Peripheral) FailNext(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[key] = err
}

// FailConnect makes the next connect attempt fail with err.
func (p *Peripheral) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// Delay stalls every operation matching key for d.
func (p *Peripheral) Delay(key string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays[key] = d
}

// Connects returns the number of successful connections.
func (p *Peripheral) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Connected reports whether a link is currently up.
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Ops returns the operation log in order.
func (p *Peripheral) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

// ClearOps empties the operation log.
func (p *Peripheral) ClearOps() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = nil
}

// Disconnect drops the link as if the device went out of range. Handles of
// the dropped connection fail with ErrLinkLost afterwards.
func (p *Peripheral) Disconnect() {
	p.mu.Lock()
	c := p.conn
	p.dropLocked()
	p.ops = append(p.ops, "link lost")
	p.mu.Unlock()
	if c != nil {
		c.fireDisconnect()
	}
}

func (p *Peripheral) dropLocked() {
	if p.conn != nil {
		p.conn.closed = true
	}
	p.conn = nil
	p.authorized = false
	p.notify = make(map[protocol.CharID]func([]byte))
}

func (p *Peripheral) connect() (*connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "connect")
	if err := p.connectErr; err != nil {
		p.connectErr = nil
		return nil, err
	}
	if p.conn != nil {
		p.conn.closed = true
	}
	c := &connection{p: p}
	p.conn = c
	p.connects++
	p.authorized = false
	p.notify = make(map[protocol.CharID]func([]byte))
	return c, nil
}

// begin logs op, applies any configured delay and consumes a pending failure
// for key. It must be called without p.mu held.
func (p *Peripheral) begin(c *connection, key, op string) error {
	p.mu.Lock()
	d := p.delays[key]
	p.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
	if c.closed {
		return ErrLinkLost
	}
	if err, ok := p.failures[key]; ok {
		delete(p.failures, key)
		return err
	}
	return nil
}

func (p *Peripheral) discoverService(c *connection, uuid string) error {
	name := serviceNames[uuid]
	if name == "" {
		name = uuid
	}
	key := "discover service " + name
	if err := p.begin(c, key, key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.missing[uuid] || serviceNames[uuid] == "" {
		return fmt.Errorf("bletest: service %s not found", uuid)
	}
	return nil
}

func (p *Peripheral) discoverCharacteristic(c *connection, service, uuid string) (protocol.CharID, error) {
	var found *protocol.Characteristic
	for _, ch := range protocol.Characteristics() {
		if ch.UUID == uuid && ch.Service == service {
			found = &ch
			break
		}
	}
	name := uuid
	if found != nil {
		name = found.Name
	}
	key := "discover characteristic " + name
	if err := p.begin(c, key, key); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if found == nil || p.missing[uuid] {
		return 0, fmt.Errorf("bletest: characteristic %s not found", uuid)
	}
	return found.ID, nil
}

func (p *Peripheral) read(c *connection, id protocol.CharID) ([]byte, error) {
	key := "read " + id.String()
	if err := p.begin(c, key, key); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch id {
	case protocol.CharScannerState:
		return []byte{byte(p.scanner)}, nil
	case protocol.CharScannerSelect:
		return []byte{byte(len(p.records))}, nil
	case protocol.CharScannerResult:
		return append([]byte(nil), p.selected...), nil
	case protocol.CharConfigState:
		return []byte{byte(p.config)}, nil
	case protocol.CharConfigSSID:
		return append([]byte(nil), p.ssid...), nil
	default:
		return nil, fmt.Errorf("bletest: %s is not readable", id)
	}
}

type notification struct {
	cb    func([]byte)
	value byte
}

func (p *Peripheral) write(c *connection, id protocol.CharID, data []byte) error {
	key := "write " + id.String()
	if err := p.begin(c, key, key+" "+hex.EncodeToString(data)); err != nil {
		return err
	}

	p.mu.Lock()
	var pending []notification
	err := p.writeLocked(id, data, &pending)
	p.mu.Unlock()

	for _, n := range pending {
		p.deliver(id, n.cb, n.value)
	}
	return err
}

func (p *Peripheral) writeLocked(id protocol.CharID, data []byte, pending *[]notification) error {
	switch id {
	case protocol.CharAuthKey:
		if len(data) > blecrypto.DigestSize {
			return fmt.Errorf("bletest: auth key length %d", len(data))
		}
		p.authKey = append([]byte(nil), data...)
		p.authorized = bytes.Equal(p.authKey, p.digest)
		return nil

	case protocol.CharScannerState:
		if err := p.checkStateWrite(data); err != nil {
			return err
		}
		old := p.scanner
		p.scanner = protocol.ScannerState(data[0])
		switch {
		case p.scanner == protocol.ScannerScanning && old == protocol.ScannerIdle:
			p.runScanLocked()
			if cb := p.notify[protocol.CharScannerState]; cb != nil {
				*pending = append(*pending, notification{cb, byte(p.scanner)})
			}
		case p.scanner == protocol.ScannerIdle && old != protocol.ScannerIdle:
			p.records = nil
			p.selected = nil
		}
		return nil

	case protocol.CharScannerSelect:
		if len(data) != 1 {
			return fmt.Errorf("bletest: select length %d", len(data))
		}
		i := int(data[0])
		if i >= len(p.records) {
			return fmt.Errorf("bletest: select index %d out of range (%d records)", i, len(p.records))
		}
		p.selected = p.records[i]
		return nil

	case protocol.CharConfigSSID:
		if len(data) > 32 {
			return fmt.Errorf("bletest: ssid length %d", len(data))
		}
		p.ssid = append([]byte(nil), data...)
		return nil

	case protocol.CharConfigPSK:
		if len(data) > 32 {
			return fmt.Errorf("bletest: psk length %d", len(data))
		}
		p.psk = append([]byte(nil), data...)
		return nil

	case protocol.CharConfigState:
		if err := p.checkStateWrite(data); err != nil {
			return err
		}
		old := p.config
		p.config = protocol.ConfigState(data[0])
		cb := p.notify[protocol.CharConfigState]
		if cb != nil {
			*pending = append(*pending, notification{cb, byte(p.config)})
		}
		if p.config == protocol.ConfigConnecting && old == protocol.ConfigIdle && p.joinOutcome != protocol.ConfigIdle {
			p.config = p.joinOutcome
			if cb != nil {
				*pending = append(*pending, notification{cb, byte(p.config)})
			}
		}
		return nil

	default:
		return fmt.Errorf("bletest: %s is not writable", id)
	}
}

// checkStateWrite accepts only 0 and 1, like the firmware.
func (p *Peripheral) checkStateWrite(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("bletest: state write length %d", len(data))
	}
	if data[0] > 1 {
		return fmt.Errorf("bletest: state write value %d, expected 0 or 1", data[0])
	}
	if p.requireAuth && !p.authorized {
		return ErrNotAuthorized
	}
	return nil
}

func (p *Peripheral) runScanLocked() {
	if p.scanFails {
		p.scanner = protocol.ScannerError
		return
	}
	records := p.fixed
	if records == nil {
		records = protocol.SplitRecords(p.payload, protocol.RecordSize)
	}
	if len(records) >= protocol.MaxRecords {
		p.scanner = protocol.ScannerError
		return
	}
	p.records = records
	p.selected = nil
	p.scanner = protocol.ScannerScanned
}

func (p *Peripheral) setNotify(c *connection, id protocol.CharID, cb func([]byte)) error {
	verb := "notify on "
	if cb == nil {
		verb = "notify off "
	}
	key := verb + id.String()
	if err := p.begin(c, key, key); err != nil {
		return err
	}
	if id != protocol.CharScannerState && id != protocol.CharConfigState {
		return fmt.Errorf("bletest: %s does not notify", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb == nil {
		delete(p.notify, id)
	} else {
		p.notify[id] = cb
	}
	return nil
}

func (p *Peripheral) deliver(id protocol.CharID, cb func([]byte), value byte) {
	if cb == nil {
		return
	}
	p.mu.Lock()
	p.ops = append(p.ops, fmt.Sprintf("notify %s %02x", id, value))
	p.mu.Unlock()
	cb([]byte{value})
}

// Adapter is an in-memory ble.Adapter serving a set of peripherals.
type Adapter struct {
	mu          sync.Mutex
	peripherals []*Peripheral
	enableErr   error
	enables     int
}

// NewAdapter returns an adapter that discovers the given peripherals.
func NewAdapter(peripherals ...*Peripheral) *Adapter {
	return &Adapter{peripherals: peripherals}
}

// FailEnable makes Enable return err.
func (a *Adapter) FailEnable(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableErr = err
}

// Enables returns how often Enable was called.
func (a *Adapter) Enables() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enables
}

func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enables++
	return a.enableErr
}

func (a *Adapter) Scan(ctx context.Context, filter ble.ScanFilter) ([]ble.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var devices []ble.Device
	for _, p := range a.peripherals {
		if filter.ServiceUUID != "" && filter.ServiceUUID != protocol.ScannerServiceUUID {
			continue
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(p.Name, filter.NamePrefix) {
			continue
		}
		devices = append(devices, p.Device())
	}
	return devices, nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	var target *Peripheral
	for _, p := range a.peripherals {
		if strings.EqualFold(p.Address, address) {
			target = p
			break
		}
	}
	a.mu.Unlock()
	if target == nil {
		return nil, fmt.Errorf("bletest: no device at %s", address)
	}
	return target.connect()
}

var _ ble.Adapter = (*Adapter)(nil)

type connection struct {
	p *Peripheral

	// closed is guarded by p.mu.
	closed bool

	mu           sync.Mutex
	disconnectCb func()
}

func (c *connection) DiscoverService(uuid string) (ble.Service, error) {
	if err := c.p.discoverService(c, uuid); err != nil {
		return nil, err
	}
	return &service{c: c, uuid: uuid}, nil
}

func (c *connection) Disconnect() error {
	c.p.mu.Lock()
	owned := c.p.conn == c
	if owned {
		c.p.dropLocked()
	}
	c.closed = true
	c.p.ops = append(c.p.ops, "disconnect")
	c.p.mu.Unlock()
	if owned {
		c.fireDisconnect()
	}
	return nil
}

func (c *connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *connection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type service struct {
	c    *connection
	uuid string
}

func (s *service) DiscoverCharacteristic(uuid string) (ble.Characteristic, error) {
	id, err := s.c.p.discoverCharacteristic(s.c, s.uuid, uuid)
	if err != nil {
		return nil, err
	}
	return &characteristic{c: s.c, id: id}, nil
}

type characteristic struct {
	c  *connection
	id protocol.CharID
}

func (ch *characteristic) Read() ([]byte, error) {
	return ch.c.p.read(ch.c, ch.id)
}

func (ch *characteristic) Write(data []byte) error {
	return ch.c.p.write(ch.c, ch.id, data)
}

func (ch *characteristic) EnableNotifications(cb func([]byte)) error {
	if cb == nil {
		return errors.New("bletest: nil notification callback")
	}
	return ch.c.p.setNotify(ch.c, ch.id, cb)
}

func (ch *characteristic) DisableNotifications() error {
	return ch.c.p.setNotify(ch.c, ch.id, nil)
}
