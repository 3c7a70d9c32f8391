package comms

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/ble/protocol"
	"github.com/chaz8081/blectl/internal/device"
)

// mediaChar returns the session and one of its media characteristics.
func (m *Manager) mediaChar(feature string, pick func(characteristics) ble.Characteristic) (*session, ble.Characteristic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || m.state != device.StateConnected {
		return nil, nil, ErrNotConnected
	}
	char := pick(s.chars)
	if char == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotSupported, feature)
	}
	return s, char, nil
}

// ListRemoteFiles returns the files stored on the device.
func (m *Manager) ListRemoteFiles(ctx context.Context) ([]protocol.RemoteFile, error) {
	s, char, err := m.mediaChar("list files", func(c characteristics) ble.Characteristic { return c.list })
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = s.do(ctx, func() error {
		var err error
		raw, err = char.Read()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("comms: list remote files: %w", err)
	}
	return protocol.ParseFileList(raw)
}

// PlayRemoteFile starts playback of a stored file, offset into it.
func (m *Manager) PlayRemoteFile(ctx context.Context, name string, offset time.Duration) error {
	payload, err := protocol.PlayRequest(name, offset)
	if err != nil {
		return err
	}
	return m.mediaWrite(ctx, "play", func(c characteristics) ble.Characteristic { return c.play }, payload)
}

// PauseRemote pauses playback.
func (m *Manager) PauseRemote(ctx context.Context) error {
	return m.mediaWrite(ctx, "pause", func(c characteristics) ble.Characteristic { return c.pause }, []byte{1})
}

// DeleteRemoteFile removes a stored file.
func (m *Manager) DeleteRemoteFile(ctx context.Context, name string) error {
	payload, err := protocol.DeleteRequest(name)
	if err != nil {
		return err
	}
	return m.mediaWrite(ctx, "delete", func(c characteristics) ble.Characteristic { return c.del }, payload)
}

func (m *Manager) mediaWrite(ctx context.Context, feature string, pick func(characteristics) ble.Characteristic, payload []byte) error {
	s, char, err := m.mediaChar(feature, pick)
	if err != nil {
		return err
	}
	if err := s.do(ctx, func() error { return char.Write(payload) }); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, feature, err)
	}
	return nil
}
