package ble_test

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/wifiprov/internal/ble"
	"github.com/chaz8081/wifiprov/internal/ble/bletest"
	blecrypto "github.com/chaz8081/wifiprov/internal/ble/crypto"
	"github.com/chaz8081/wifiprov/internal/ble/protocol"
)

const testAddress = "AA:BB:CC:DD:EE:01"

type stateEvent struct {
	src   protocol.Source
	value byte
}

// stateRecorder collects values delivered to the session state listener.
type stateRecorder struct {
	mu     sync.Mutex
	events []stateEvent
}

func (r *stateRecorder) listen(src protocol.Source, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stateEvent{src, value[0]})
}

func (r *stateRecorder) all() []stateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateEvent(nil), r.events...)
}

func newTestSession(t *testing.T, opts ble.SessionOptions) (*ble.Session, *bletest.Peripheral, *bletest.Adapter) {
	t.Helper()
	p := bletest.NewPeripheral(protocol.DefaultLocalName, testAddress)
	adapter := bletest.NewAdapter(p)
	s := ble.NewSession(adapter, opts)
	s.SelectDevice(p.Device())
	return s, p, adapter
}

func countPrefix(ops []string, prefix string) int {
	n := 0
	for _, op := range ops {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

func TestEnsureConnectedDiscoversProfile(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())

	require.NoError(t, s.EnsureConnected(context.Background()))
	assert.True(t, s.Connected())
	assert.NotEmpty(t, s.ID())

	ops := p.Ops()
	assert.Equal(t, "connect", ops[0])
	assert.Equal(t, 3, countPrefix(ops, "discover service "))
	assert.Equal(t, 10, countPrefix(ops, "discover "))

	digest := blecrypto.AuthDigest(blecrypto.DefaultAuthSecret)
	assert.Equal(t, "write auth.key "+hex.EncodeToString(digest), ops[len(ops)-1])
	assert.Equal(t, digest, p.AuthKey())
	assert.True(t, p.Authorized())
}

func TestEnsureConnectedIsNoopWhenCached(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	ctx := context.Background()

	require.NoError(t, s.EnsureConnected(ctx))
	before := len(p.Ops())
	require.NoError(t, s.EnsureConnected(ctx))

	assert.Equal(t, 1, p.Connects())
	assert.Len(t, p.Ops(), before)
}

func TestEnsureConnectedCustomSecret(t *testing.T) {
	opts := ble.DefaultSessionOptions()
	opts.AuthSecret = "device-42"
	s, p, _ := newTestSession(t, opts)
	p.RequireAuth("device-42")

	require.NoError(t, s.EnsureConnected(context.Background()))
	assert.True(t, p.Authorized())
	require.NoError(t, s.WriteState(context.Background(), protocol.SourceScanner, byte(protocol.ScannerScanning)))
}

func TestWrongSecretIsNotDetectedAtConnect(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	p.RequireAuth("other-secret")

	// The handshake has no acknowledgement, so connect succeeds and only a
	// later operation fails.
	require.NoError(t, s.EnsureConnected(context.Background()))
	assert.False(t, p.Authorized())

	err := s.WriteState(context.Background(), protocol.SourceScanner, byte(protocol.ScannerScanning))
	var ioErr *ble.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, bletest.ErrNotAuthorized)
}

func TestEnsureConnectedWithoutDevice(t *testing.T) {
	s := ble.NewSession(bletest.NewAdapter(), ble.DefaultSessionOptions())

	err := s.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.True(t, ble.IsConnectionError(err))
	assert.ErrorIs(t, err, ble.ErrNoDevice)
}

func TestEnsureConnectedMissingAttribute(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		op   string
	}{
		{"scanner service", protocol.ScannerServiceUUID, "discover service"},
		{"auth service", protocol.AuthServiceUUID, "discover service"},
		{"result characteristic", protocol.ScannerResultUUID, "discover characteristic scanner.result"},
		{"psk characteristic", protocol.ConfigPSKUUID, "discover characteristic config.psk"},
		{"auth key characteristic", protocol.AuthKeyUUID, "discover characteristic auth.key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
			p.Remove(tt.uuid)

			err := s.EnsureConnected(context.Background())
			var connErr *ble.ConnectionError
			require.ErrorAs(t, err, &connErr)
			assert.True(t, strings.HasPrefix(connErr.Op, tt.op), "op = %q", connErr.Op)
			assert.False(t, s.Connected())
			assert.False(t, p.Connected(), "link should be released after failed discovery")
			assert.Empty(t, p.AuthKey())
		})
	}
}

func TestEnsureConnectedConnectFailure(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	p.FailConnect(errors.New("page timeout"))

	err := s.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.True(t, ble.IsConnectionError(err))
	assert.Contains(t, err.Error(), "page timeout")

	// The next attempt is independent.
	require.NoError(t, s.EnsureConnected(context.Background()))
}

func TestEnsureConnectedAdapterEnableFailure(t *testing.T) {
	s, _, adapter := newTestSession(t, ble.DefaultSessionOptions())
	adapter.FailEnable(errors.New("powered off"))

	err := s.EnsureConnected(context.Background())
	assert.True(t, ble.IsConnectionError(err))
}

func TestEnsureConnectedAuthWriteFailure(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	p.FailNext("write auth.key", errors.New("att error"))

	err := s.EnsureConnected(context.Background())
	var connErr *ble.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "authenticate", connErr.Op)
	assert.False(t, s.Connected())
	assert.False(t, p.Connected(), "the link is closed after a failed auth write")
	assert.Equal(t, "disconnect", p.Ops()[len(p.Ops())-1])

	// The next attempt opens a fresh link.
	require.NoError(t, s.EnsureConnected(context.Background()))
	assert.Equal(t, 2, p.Connects())
}

func TestAdapterEnabledOnce(t *testing.T) {
	s, p, adapter := newTestSession(t, ble.DefaultSessionOptions())
	ctx := context.Background()

	require.NoError(t, s.EnsureConnected(ctx))
	p.Disconnect()
	require.NoError(t, s.EnsureConnected(ctx))

	assert.Equal(t, 1, adapter.Enables())
	assert.Equal(t, 2, p.Connects())
}

func TestOperationsRequireConnection(t *testing.T) {
	s, _, _ := newTestSession(t, ble.DefaultSessionOptions())
	ctx := context.Background()

	_, err := s.Read(ctx, protocol.CharScannerState)
	var ioErr *ble.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
	assert.Equal(t, "scanner.state", ioErr.Characteristic)
	assert.ErrorIs(t, err, ble.ErrNotConnected)

	assert.ErrorIs(t, s.Write(ctx, protocol.CharConfigSSID, []byte("Home")), ble.ErrNotConnected)
	assert.ErrorIs(t, s.StartNotifications(ctx, protocol.SourceConfig), ble.ErrNotConnected)
}

func TestNotificationsReachStateListener(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	rec := &stateRecorder{}
	s.SetStateListener(rec.listen)
	ctx := context.Background()

	require.NoError(t, s.EnsureConnected(ctx))
	require.NoError(t, s.StartNotifications(ctx, protocol.SourceScanner))
	assert.True(t, p.NotificationsEnabled(protocol.CharScannerState))

	require.NoError(t, s.WriteState(ctx, protocol.SourceScanner, byte(protocol.ScannerScanning)))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, stateEvent{protocol.SourceScanner, byte(protocol.ScannerScanned)}, rec.all()[0])

	require.NoError(t, s.StopNotifications(ctx, protocol.SourceScanner))
	assert.False(t, p.NotificationsEnabled(protocol.CharScannerState))
}

func TestReadStateDispatchesToListener(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	rec := &stateRecorder{}
	s.SetStateListener(rec.listen)
	ctx := context.Background()
	require.NoError(t, s.EnsureConnected(ctx))
	p.SetConfigState(protocol.ConfigJoined)

	state, err := s.ReadState(ctx, protocol.SourceConfig)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.ConfigJoined), state)
	assert.Equal(t, []stateEvent{{protocol.SourceConfig, byte(protocol.ConfigJoined)}}, rec.all())
}

func TestEndpointsDriveChunkedRead(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	ctx := context.Background()
	p.SetRecords(`[{"ssid":"Home","rssi":-40},`, `{"ssid":"Office","rssi":-70}]`)

	require.NoError(t, s.EnsureConnected(ctx))
	require.NoError(t, s.WriteState(ctx, protocol.SourceScanner, byte(protocol.ScannerScanning)))
	p.ClearOps()

	payload, err := protocol.ReadChunks(ctx, s.Endpoint(protocol.CharScannerSelect), s.Endpoint(protocol.CharScannerResult))
	require.NoError(t, err)
	assert.Equal(t, `[{"ssid":"Home","rssi":-40},{"ssid":"Office","rssi":-70}]`, string(payload))
	assert.Equal(t, []string{
		"read scanner.select",
		"write scanner.select 00",
		"read scanner.result",
		"write scanner.select 01",
		"read scanner.result",
	}, p.Ops())
}

func TestResetKeepsTransportLink(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	rec := &stateRecorder{}
	s.SetStateListener(rec.listen)
	ctx := context.Background()
	require.NoError(t, s.EnsureConnected(ctx))
	require.NoError(t, s.StartNotifications(ctx, protocol.SourceConfig))

	s.Reset()

	assert.False(t, s.Connected())
	_, ok := s.Device()
	assert.False(t, ok)
	assert.True(t, p.Connected(), "reset must not disconnect the transport")
	assert.NotContains(t, p.Ops(), "disconnect")
	assert.Contains(t, p.Ops(), "notify off config.state")
	assert.Contains(t, p.Ops(), "notify off scanner.state")
	assert.False(t, p.NotificationsEnabled(protocol.CharConfigState))

	// Late notifications from the old link are not delivered.
	p.SetConfigState(protocol.ConfigJoined)
	assert.Empty(t, rec.all())

	err := s.EnsureConnected(ctx)
	assert.ErrorIs(t, err, ble.ErrNoDevice)
}

func TestDisconnectInvalidatesHandles(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	ctx := context.Background()
	disconnected := make(chan struct{}, 1)
	s.SetDisconnectHandler(func() { disconnected <- struct{}{} })
	require.NoError(t, s.EnsureConnected(ctx))

	p.Disconnect()

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnect handler was not called")
	}
	assert.False(t, s.Connected())
	_, err := s.Read(ctx, protocol.CharScannerState)
	assert.ErrorIs(t, err, ble.ErrNotConnected)

	dev, ok := s.Device()
	require.True(t, ok, "device must survive a disconnect")
	assert.Equal(t, testAddress, dev.Address)
}

func TestRecoverReacquiresAllHandles(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	ctx := context.Background()
	require.NoError(t, s.EnsureConnected(ctx))
	firstID := s.ID()

	p.Disconnect()
	p.ClearOps()
	require.NoError(t, s.Recover(ctx))

	ops := p.Ops()
	assert.Equal(t, "connect", ops[0])
	assert.Equal(t, 7, countPrefix(ops, "discover characteristic "))
	assert.Equal(t, 1, countPrefix(ops, "write auth.key "))
	assert.True(t, s.Connected())
	assert.NotEqual(t, firstID, s.ID())

	state, err := s.ReadState(ctx, protocol.SourceScanner)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.ScannerIdle), state)
}

func TestRecoverFailureIsSurfaced(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	ctx := context.Background()
	require.NoError(t, s.EnsureConnected(ctx))

	p.Disconnect()
	p.FailConnect(errors.New("out of range"))

	err := s.Recover(ctx)
	assert.True(t, ble.IsConnectionError(err))
	assert.False(t, s.Connected())
	assert.Equal(t, 1, p.Connects())
}

func TestCloseDoesNotReportLinkLoss(t *testing.T) {
	s, p, _ := newTestSession(t, ble.DefaultSessionOptions())
	ctx := context.Background()
	calls := 0
	var mu sync.Mutex
	s.SetDisconnectHandler(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, s.EnsureConnected(ctx))

	require.NoError(t, s.Close())
	assert.False(t, p.Connected())

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls, "a local close is not a link loss")
}

func TestOperationTimeout(t *testing.T) {
	opts := ble.DefaultSessionOptions()
	opts.OperationTimeout = 20 * time.Millisecond
	s, p, _ := newTestSession(t, opts)
	ctx := context.Background()
	require.NoError(t, s.EnsureConnected(ctx))
	p.Delay("read scanner.state", 200*time.Millisecond)

	_, err := s.ReadState(ctx, protocol.SourceScanner)
	var ioErr *ble.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelledContext(t *testing.T) {
	s, _, _ := newTestSession(t, ble.DefaultSessionOptions())
	require.NoError(t, s.EnsureConnected(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Write(ctx, protocol.CharConfigSSID, []byte("Home"))
	assert.ErrorIs(t, err, context.Canceled)
}
