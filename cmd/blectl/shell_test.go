package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/ble/bletest"
	"github.com/chaz8081/blectl/internal/comms"
	"github.com/chaz8081/blectl/internal/config"
	"github.com/chaz8081/blectl/internal/device"
)

const testAddr = "AA:AA:AA:AA:AA:01"

func newTestApp(t *testing.T, cfg *config.Config) (*app, *bletest.Adapter) {
	t.Helper()
	adapter := bletest.NewAdapter(
		ble.Sighting{ID: "BB:BB:BB:BB:BB:02", Name: "Speaker-X", RSSI: -70},
		ble.Sighting{ID: testAddr, Name: "Guitar-01", RSSI: -40},
	)
	a, err := openAppWith(cfg, adapter)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, adapter
}

// syncBuffer is a bytes.Buffer safe for the shell's render goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAppConnectScansForDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Address = testAddr
	a, adapter := newTestApp(t, cfg)

	require.NoError(t, a.connect(context.Background()))
	assert.Equal(t, device.StateConnected, a.manager.State())
	assert.False(t, adapter.Scanning(), "scan stops once the device is found")
}

func TestAppConnectRequiresAddress(t *testing.T) {
	a, _ := newTestApp(t, config.Default())
	assert.Error(t, a.connect(context.Background()))
}

func TestAppConnectDeviceNotFound(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Address = "CC:CC:CC:CC:CC:03"
	cfg.Scan.Duration = config.Duration(20 * time.Millisecond)
	a, _ := newTestApp(t, cfg)

	err := a.connect(context.Background())
	assert.ErrorContains(t, err, "not found")
}

func TestAppConnectWithRetry(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Address = testAddr
	a, adapter := newTestApp(t, cfg)

	var mu sync.Mutex
	failures := 1
	adapter.ConnectErr = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("timeout")
		}
		return nil
	}

	require.NoError(t, a.connectWithRetry(context.Background(), 2))
	assert.Equal(t, device.StateConnected, a.manager.State())
}

func TestAppRecordsToJournal(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Address = testAddr
	cfg.Journal.Path = filepath.Join(t.TempDir(), "history.db")
	a, _ := newTestApp(t, cfg)

	require.NoError(t, a.connect(context.Background()))
	require.NoError(t, a.manager.SendCommand(context.Background(), "LED_ON"))

	cmds, err := a.journal.Commands(0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "LED_ON", cmds[0].Text)
	assert.Equal(t, "sent", cmds[0].Status)
}

func TestShellSession(t *testing.T) {
	a, adapter := newTestApp(t, config.Default())
	out := &syncBuffer{}
	sh := newShell(a, out)
	ctx := context.Background()

	_, err := sh.exec(ctx, "scan")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.manager.Registry().Len() == 2 }, 2*time.Second, time.Millisecond)

	_, err = sh.exec(ctx, "devices")
	require.NoError(t, err)
	assert.Contains(t, out.String(), " 1 * Guitar-01")

	_, err = sh.exec(ctx, "connect 1")
	require.NoError(t, err)
	_, err = sh.exec(ctx, "send LED_ON")
	require.NoError(t, err)

	writes := adapter.LatestConnection().Char(ble.CommandCharUUID).Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "LED_ON", string(writes[0]))

	_, err = sh.exec(ctx, "play intro.wav 30")
	require.NoError(t, err)
	assert.Equal(t, "intro.wav:30", string(adapter.LatestConnection().Char(ble.PlayCharUUID).Writes()[0]))

	_, err = sh.exec(ctx, "connect 9")
	assert.Error(t, err)
	_, err = sh.exec(ctx, "bogus")
	assert.Error(t, err)

	quit, err := sh.exec(ctx, "quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestShellRunExitsOnEOF(t *testing.T) {
	a, _ := newTestApp(t, config.Default())
	out := &syncBuffer{}
	sh := newShell(a, out)

	err := sh.run(context.Background(), strings.NewReader("status\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "connection: idle")
}

// endlessInput yields the same line forever, like a terminal that keeps typing.
type endlessInput struct{}

func (endlessInput) Read(p []byte) (int, error) {
	return copy(p, "status\n"), nil
}

func TestReadLinesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := readLines(ctx, endlessInput{})
	assert.Equal(t, "status", <-lines)

	cancel()
	closed := func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}
	require.Eventually(t, closed, 2*time.Second, time.Millisecond, "reader kept running after cancel")
}

func TestDescribeChanges(t *testing.T) {
	now := time.Now()
	prev := comms.Snapshot{
		Power:           ble.PowerOn,
		ConnectionState: device.StateConnected,
		ActiveDevice:    testAddr,
		Received:        []comms.Received{{Text: "OK"}},
		Transfers: []comms.Transfer{
			{ID: "t1", Name: "a.wav", Size: 100, BytesSent: 10, Status: comms.TransferInProgress},
			{ID: "t2", Name: "b.wav", Size: 100, Status: comms.TransferQueued},
		},
	}
	next := prev
	next.ConnectionState = device.StateIdle
	next.ActiveDevice = ""
	next.LastError = comms.ErrConnectionLost
	next.LastDisconnect = &comms.DisconnectEvent{DeviceID: testAddr, Unexpected: true, At: now}
	next.Received = []comms.Received{{Text: "OK"}, {Text: "BYE"}}
	next.Transfers = []comms.Transfer{
		{ID: "t1", Name: "a.wav", Size: 100, BytesSent: 20, Status: comms.TransferFailed, Err: comms.ErrConnectionLost},
		{ID: "t2", Name: "b.wav", Size: 100, Status: comms.TransferQueued},
	}

	lines := describeChanges(prev, next)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "connection: idle")
	assert.Contains(t, joined, "connection lost: "+testAddr)
	assert.Contains(t, joined, "< BYE")
	assert.NotContains(t, joined, "< OK")
	assert.Contains(t, joined, "a.wav failed")
	assert.NotContains(t, joined, "b.wav")

	assert.Empty(t, describeChanges(next, next))
}
