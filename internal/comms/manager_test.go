package comms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/ble/bletest"
	"github.com/chaz8081/blectl/internal/device"
)

func TestNewValidatesOptions(t *testing.T) {
	adapter := bletest.NewAdapter()

	_, err := New(nil, nil, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.ChunkSize = 1000
	_, err = New(adapter, nil, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.ChunkRate = -1
	_, err = New(adapter, nil, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.GATT.CommandChar = ""
	_, err = New(adapter, nil, opts)
	assert.Error(t, err)

	m, err := New(adapter, nil, Options{})
	require.NoError(t, err)
	defer m.Close()
	assert.NotNil(t, m.Registry())
	assert.Equal(t, DefaultOptions().ChunkSize, m.opts.ChunkSize)
}

func TestScanPopulatesRegistry(t *testing.T) {
	adapter := bletest.NewAdapter(testSightings...)
	m, err := New(adapter, nil, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	require.NoError(t, m.StartScan(context.Background()))
	require.Eventually(t, func() bool { return m.Registry().Len() == 2 }, waitFor, time.Millisecond)
	assert.True(t, m.Snapshot().Scanning)

	adapter.Emit(ble.Sighting{ID: "CC:CC:CC:CC:CC:03", Name: "Robot-7", RSSI: -55})
	adapter.Emit(ble.Sighting{ID: deviceB, RSSI: -60})

	devices := m.Devices()
	require.Len(t, devices, 3)
	assert.Equal(t, "Guitar-01", devices[0].Name)
	assert.Equal(t, "Robot-7", devices[1].Name)
	assert.Equal(t, "Speaker-X", devices[2].Name)
	assert.Equal(t, int16(-60), devices[2].RSSI)

	m.StopScan()
	assert.False(t, m.Snapshot().Scanning)
	assert.False(t, adapter.Scanning())
}

func TestStartScanTwiceIsNoop(t *testing.T) {
	m, adapter := newTestManager(t, DefaultOptions())
	require.NoError(t, m.StartScan(context.Background()))
	require.NoError(t, m.StartScan(context.Background()))
	require.Eventually(t, adapter.Scanning, waitFor, time.Millisecond)
	m.StopScan()
	m.StopScan()
}

func TestPowerOffStopsScan(t *testing.T) {
	m, adapter := newTestManager(t, DefaultOptions())
	require.NoError(t, m.StartScan(context.Background()))
	require.Eventually(t, adapter.Scanning, waitFor, time.Millisecond)

	adapter.SetPowerState(ble.PowerOff)

	require.Eventually(t, func() bool { return !m.Snapshot().Scanning }, waitFor, time.Millisecond)
	assert.Equal(t, ble.PowerOff, m.Snapshot().Power)
	assert.ErrorIs(t, m.StartScan(context.Background()), ErrRadioUnavailable)
}

func TestScanAndSessionCoexist(t *testing.T) {
	m, adapter, _ := connectedManager(t, DefaultOptions())
	require.NoError(t, m.StartScan(context.Background()))
	require.Eventually(t, adapter.Scanning, waitFor, time.Millisecond)

	require.NoError(t, m.SendCommand(context.Background(), "LED_ON"))
	snap := m.Snapshot()
	assert.True(t, snap.Scanning)
	assert.Equal(t, device.StateConnected, snap.ConnectionState)
}

func TestEnable(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.SetPowerState(ble.PowerOff)
	m, err := New(adapter, nil, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	require.NoError(t, m.Enable())
	assert.Equal(t, ble.PowerOn, m.Snapshot().Power)

	adapter.EnableErr = errors.New("no adapter")
	err = m.Enable()
	assert.ErrorIs(t, err, ErrRadioUnavailable)
	assert.ErrorIs(t, m.Snapshot().LastError, ErrRadioUnavailable)

	adapter.EnableErr = ErrPermissionDenied
	assert.ErrorIs(t, m.Enable(), ErrPermissionDenied)
}

func TestClearDevicesKeepsPriorityAndConnected(t *testing.T) {
	m, _, _ := connectedManager(t, DefaultOptions())
	m.Registry().Ingest(ble.Sighting{ID: "CC:CC:CC:CC:CC:03", Name: "Lamp"})
	require.NoError(t, m.Connect(context.Background(), deviceB))

	removed := m.ClearDevices(nil)
	assert.Equal(t, 1, removed)

	ids := map[string]bool{}
	for _, d := range m.Devices() {
		ids[d.ID] = true
	}
	assert.True(t, ids[deviceA], "priority device kept")
	assert.True(t, ids[deviceB], "connected device kept")
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	m, _ := newTestManager(t, DefaultOptions())
	updates, unsubscribe := m.Subscribe()

	initial := <-updates
	assert.Equal(t, device.StateIdle, initial.ConnectionState)

	require.NoError(t, m.Connect(context.Background(), deviceA))
	require.NoError(t, m.SendCommand(context.Background(), "LED_ON"))

	// Without reading in between, only the latest snapshot is buffered.
	latest := <-updates
	assert.Equal(t, device.StateConnected, latest.ConnectionState)
	require.Len(t, latest.CommandHistory, 1)
	assert.Equal(t, CommandSent, latest.CommandHistory[0].Status)

	unsubscribe()
	unsubscribe()
	_, open := <-updates
	assert.False(t, open)
}

func TestCloseEndsSessionAndSubscriptions(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	updates, _ := m.Subscribe()
	<-updates

	m.Close()
	assert.True(t, conn.Disconnected())
	assert.Equal(t, device.StateIdle, m.State())

	for range updates {
	}
	late, _ := m.Subscribe()
	_, open := <-late
	assert.False(t, open)
	assert.ErrorIs(t, m.Connect(context.Background(), deviceA), ErrClosed)
}

func TestSnapshotIsACopy(t *testing.T) {
	m, _, _ := connectedManager(t, DefaultOptions())
	require.NoError(t, m.SendCommand(context.Background(), "LED_ON"))

	snap := m.Snapshot()
	snap.CommandHistory[0].Text = "changed"
	snap.Devices[0].Name = "changed"

	again := m.Snapshot()
	assert.Equal(t, "LED_ON", again.CommandHistory[0].Text)
	assert.Equal(t, "Guitar-01", again.Devices[0].Name)
}
