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

func TestListRemoteFiles(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	conn.Char(ble.ListFilesCharUUID).SetValue([]byte("intro.wav::2024-03-01 10:00:00\nsolo.mp3::2024-03-02 11:30:15\n"))

	files, err := m.ListRemoteFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "intro.wav", files[0].Name)
	assert.Equal(t, "solo.mp3", files[1].Name)
	assert.Equal(t, 15, files[1].Modified.Second())
}

func TestListRemoteFilesDeviceError(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	conn.Char(ble.ListFilesCharUUID).SetValue([]byte("Error: sd card missing"))

	_, err := m.ListRemoteFiles(context.Background())
	assert.ErrorContains(t, err, "sd card missing")
}

func TestListRemoteFilesReadError(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	readErr := errors.New("read not permitted")
	conn.Char(ble.ListFilesCharUUID).SetReadFunc(func() ([]byte, error) { return nil, readErr })

	_, err := m.ListRemoteFiles(context.Background())
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, device.StateConnected, m.State(), "media failures keep the session")
}

func TestPlayPauseDelete(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, m.PlayRemoteFile(ctx, "solo.mp3", 90*time.Second))
	require.NoError(t, m.PlayRemoteFile(ctx, "intro.wav", 0))
	require.NoError(t, m.PauseRemote(ctx))
	require.NoError(t, m.DeleteRemoteFile(ctx, "intro.wav"))

	play := conn.Char(ble.PlayCharUUID).Writes()
	require.Len(t, play, 2)
	assert.Equal(t, "solo.mp3:90", string(play[0]))
	assert.Equal(t, "intro.wav", string(play[1]))
	assert.Equal(t, [][]byte{{1}}, conn.Char(ble.PauseCharUUID).Writes())
	assert.Equal(t, [][]byte{[]byte("intro.wav")}, conn.Char(ble.DeleteCharUUID).Writes())
}

func TestPlayRejectsBadName(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())

	assert.Error(t, m.PlayRemoteFile(context.Background(), "a:b", 0))
	assert.Error(t, m.DeleteRemoteFile(context.Background(), " "))
	assert.Empty(t, conn.Char(ble.PlayCharUUID).Writes())
}

func TestMediaWriteFailureKeepsSession(t *testing.T) {
	m, _, conn := connectedManager(t, DefaultOptions())
	conn.Char(ble.PauseCharUUID).SetWriteErr(func(int, []byte) error { return errors.New("busy") })

	err := m.PauseRemote(context.Background())
	assert.ErrorIs(t, err, ErrWrite)
	assert.Equal(t, device.StateConnected, m.State())
}

func TestMediaRequiresConnection(t *testing.T) {
	m, _ := newTestManager(t, DefaultOptions())
	ctx := context.Background()

	_, err := m.ListRemoteFiles(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, m.PauseRemote(ctx), ErrNotConnected)
}

func TestMediaNotSupported(t *testing.T) {
	m, adapter := newTestManager(t, DefaultOptions())
	adapter.NewConnection = func(id string) *bletest.Connection {
		return bletest.NewConnection(id, map[string]*bletest.Characteristic{
			ble.CommandCharUUID: {},
		})
	}
	require.NoError(t, m.Connect(context.Background(), deviceA))
	ctx := context.Background()

	_, err := m.ListRemoteFiles(ctx)
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.ErrorIs(t, m.PlayRemoteFile(ctx, "x.wav", 0), ErrNotSupported)
	assert.ErrorIs(t, m.PauseRemote(ctx), ErrNotSupported)
	assert.ErrorIs(t, m.DeleteRemoteFile(ctx, "x.wav"), ErrNotSupported)
}
