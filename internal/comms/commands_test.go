package comms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/device"
)

func TestSendCommandWritesAndRecordsSent(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())

	require.NoError(t, m.SendCommand(context.Background(), "LED_ON"))

	writes := conn.Char(ble.CommandCharUUID).Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "LED_ON", string(writes[0]))

	history := m.Snapshot().CommandHistory
	require.Len(t, history, 1)
	assert.Equal(t, "LED_ON", history[0].Text)
	assert.Equal(t, CommandSent, history[0].Status)
	assert.Equal(t, deviceA, history[0].DeviceID)
	assert.Equal(t, 1, history[0].Seq)
	assert.False(t, history[0].Marker)
}

func TestSendCommandNotConnected(t *testing.T) {
	m, _ := newTestManager(t, DefaultOptions())

	assert.ErrorIs(t, m.SendCommand(context.Background(), "LED_ON"), ErrNotConnected)
	assert.Empty(t, m.CommandHistory(), "rejected commands are not recorded")
}

func TestSendEmptyCommandIsNoop(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())

	require.NoError(t, m.SendCommand(context.Background(), ""))
	assert.Empty(t, conn.Char(ble.CommandCharUUID).Writes())
	assert.Empty(t, m.CommandHistory())
}

func TestSendCommandWriteFailureDropsSession(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	writeErr := errors.New("GATT write rejected")
	conn.Char(ble.CommandCharUUID).SetWriteErr(func(int, []byte) error { return writeErr })

	err := m.SendCommand(context.Background(), "LED_ON")
	require.ErrorIs(t, err, ErrWrite)
	require.ErrorIs(t, err, writeErr)

	snap := m.Snapshot()
	require.Len(t, snap.CommandHistory, 1)
	assert.Equal(t, CommandFailed, snap.CommandHistory[0].Status)
	assert.Equal(t, device.StateIdle, snap.ConnectionState)
	assert.Empty(t, snap.ActiveDevice)
	require.NotNil(t, snap.LastDisconnect)
	assert.True(t, snap.LastDisconnect.Unexpected)
	assert.ErrorIs(t, snap.LastError, ErrConnectionLost)
	assert.True(t, conn.Disconnected(), "broken link is closed")

	assert.ErrorIs(t, m.SendCommand(context.Background(), "LED_OFF"), ErrNotConnected)
}

func TestSendLongCommandIsChunked(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxCommandSize = 10
	m, _, conn := connectedManager(t, opts)

	text := "move forward then turn left"
	require.NoError(t, m.SendCommand(context.Background(), text))

	writes := conn.Char(ble.CommandCharUUID).Writes()
	require.Greater(t, len(writes), 1)
	var joined strings.Builder
	for _, w := range writes {
		assert.LessOrEqual(t, len(w), 10)
		joined.Write(w)
	}
	assert.Equal(t, text, joined.String())

	history := m.CommandHistory()
	require.Len(t, history, 1, "a chunked command is one history entry")
	assert.Equal(t, CommandSent, history[0].Status)
}

func TestSendCommandsKeepCallOrder(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())

	texts := []string{"A", "B", "C", "D", "E"}
	for _, text := range texts {
		require.NoError(t, m.SendCommand(context.Background(), text))
	}

	writes := conn.Char(ble.CommandCharUUID).Writes()
	require.Len(t, writes, len(texts))
	for i, w := range writes {
		assert.Equal(t, texts[i], string(w))
	}
	for i, c := range m.CommandHistory() {
		assert.Equal(t, i+1, c.Seq)
		assert.Equal(t, texts[i], c.Text)
	}
}

func TestConcurrentCommandsAllSent(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.SendCommand(context.Background(), "PING"))
		}()
	}
	wg.Wait()

	assert.Len(t, conn.Char(ble.CommandCharUUID).Writes(), 20)
	for _, c := range m.CommandHistory() {
		assert.Equal(t, CommandSent, c.Status)
	}
}

func TestQueuedCommandFailsWhenSessionEnds(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	g := newGate(t, 1)
	conn.Char(ble.CommandCharUUID).SetWriteErr(g.hook)

	firstDone := make(chan error, 1)
	go func() { firstDone <- m.SendCommand(context.Background(), "FIRST") }()
	g.waitEntered(t)

	secondDone := make(chan error, 1)
	go func() { secondDone <- m.SendCommand(context.Background(), "SECOND") }()
	require.Eventually(t, func() bool { return len(m.CommandHistory()) == 2 }, waitFor, time.Millisecond)

	conn.SimulateDisconnect()

	select {
	case err := <-secondDone:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("queued command never settled")
	}
	g.open()
	<-firstDone

	history := m.CommandHistory()
	require.Len(t, history, 2)
	assert.Equal(t, CommandFailed, history[1].Status)
	assert.Equal(t, device.StateIdle, m.State())
}

func TestNotificationsAppendToReceivedLog(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	notify := conn.Char(ble.NotifyCharUUID)

	notify.Notify([]byte("OK"))
	notify.Notify([]byte("TEMP=21"))

	received := m.Snapshot().Received
	require.Len(t, received, 2)
	assert.Equal(t, "OK", received[0].Text)
	assert.Equal(t, "TEMP=21", received[1].Text)
	assert.Equal(t, deviceA, received[0].DeviceID)
}

func TestNotificationsFromEndedSessionIgnored(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	m.Disconnect()

	conn.Char(ble.NotifyCharUUID).Notify([]byte("late"))
	assert.Empty(t, m.Snapshot().Received)
}

func TestHistorySurvivesReconnect(t *testing.T) {
	m, _, _ := connectedManager(t, DefaultOptions())
	require.NoError(t, m.SendCommand(context.Background(), "LED_ON"))
	m.Disconnect()
	require.NoError(t, m.Connect(context.Background(), deviceB))
	require.NoError(t, m.SendCommand(context.Background(), "VOLUME_UP"))

	history := m.CommandHistory()
	require.Len(t, history, 2)
	assert.Equal(t, deviceA, history[0].DeviceID)
	assert.Equal(t, deviceB, history[1].DeviceID)
}

func TestCommandStatusNeverRegresses(t *testing.T) {
	statuses := []CommandStatus{CommandPending, CommandSent, CommandFailed}
	for _, from := range statuses {
		for _, to := range statuses {
			want := from == CommandPending && to != CommandPending
			assert.Equal(t, want, from.canAdvance(to), "%s -> %s", from, to)
		}
	}
}

func TestRecorderReceivesSettledEntries(t *testing.T) {
	rec := &memRecorder{}
	opts := DefaultOptions()
	opts.Recorder = rec
	m, _, conn := connectedManager(t, opts)

	require.NoError(t, m.SendCommand(context.Background(), "LED_ON"))
	conn.Char(ble.NotifyCharUUID).Notify([]byte("OK"))

	commands, received, transfers := rec.counts()
	assert.Equal(t, 1, commands)
	assert.Equal(t, 1, received)
	assert.Zero(t, transfers)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, CommandSent, rec.commands[0].Status)
}
