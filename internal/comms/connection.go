package comms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/device"
)

// maxRetryShift caps the exponent in RetryDelay so the shift cannot overflow.
const maxRetryShift = 30

// RetryDelay returns the pause before explicit retry attempt n (from 0):
// 1s, 2s, 4s, ... capped at max.
func RetryDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxRetryShift {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// SelectDevice connects to the device the user picked from the list. It is
// Connect under the name the UI uses.
func (m *Manager) SelectDevice(ctx context.Context, id string) error {
	return m.Connect(ctx, id)
}

// Connect opens a session with a device from the registry. An existing
// session, with this or another device, is disconnected first. On failure
// the state returns to idle and the error wraps ErrConnectionFailed; there is
// no automatic retry.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connect(ctx, id)
}

// RetryConnect reconnects to the last selected device.
func (m *Manager) RetryConnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	id := m.selected
	m.mu.Unlock()
	if id == "" {
		return ErrNoDeviceSelected
	}
	slog.Info("[CONN] retrying", "id", id)
	return m.connect(ctx, id)
}

func (m *Manager) connect(ctx context.Context, id string) error {
	if err := m.checkRadio(); err != nil {
		return err
	}
	if _, ok := m.registry.Get(id); !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownDevice, id)
		m.setError(err)
		return err
	}

	m.disconnect()

	s := newSession(id, m.opts)
	m.mu.Lock()
	m.selected = id
	m.session = s
	m.state = device.StateConnecting
	m.lastErr = nil
	m.registry.SetState(id, device.StateConnecting)
	m.mu.Unlock()
	slog.Info("[CONN] connecting", "id", id)
	m.publish()

	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	conn, err := m.adapter.Connect(connectCtx, id)
	if err != nil {
		return m.failConnect(s, nil, err)
	}
	conn.OnDisconnect(func() { m.handleDrop(s) })
	chars, err := discover(conn, m.opts.GATT)
	if err != nil {
		return m.failConnect(s, conn, err)
	}

	m.mu.Lock()
	if s.dropped {
		m.mu.Unlock()
		return m.failConnect(s, nil, ErrConnectionLost)
	}
	s.conn = conn
	s.chars = chars
	m.state = device.StateConnected
	m.registry.SetState(id, device.StateConnected)
	m.mu.Unlock()

	if chars.notify != nil {
		if err := chars.notify.Subscribe(func(data []byte) { m.handleNotification(s, data) }); err != nil {
			slog.Warn("[CONN] subscribe to notifications failed", "id", id, "error", err)
		}
	}
	go s.run()
	go m.runTransfers(s)

	slog.Info("[CONN] connected", "id", id,
		"notify", chars.notify != nil, "file_transfer", chars.file != nil, "media", chars.list != nil)
	m.publish()
	return nil
}

func (m *Manager) failConnect(s *session, conn ble.Connection, cause error) error {
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[CONN] teardown after failed connect", "id", s.deviceID, "error", err)
		}
	}
	err := fmt.Errorf("%w: %w", ErrConnectionFailed, cause)

	m.mu.Lock()
	if m.session == s {
		m.session = nil
		m.state = device.StateIdle
	}
	m.lastErr = err
	m.registry.SetState(s.deviceID, device.StateIdle)
	m.mu.Unlock()
	s.cancel()

	slog.Warn("[CONN] connection failed", "id", s.deviceID, "error", cause)
	m.publish()
	return err
}

// discover performs capability discovery. The command characteristic is
// required; the rest enable optional features.
func discover(conn ble.Connection, g GATT) (characteristics, error) {
	var c characteristics
	var err error
	c.command, err = conn.DiscoverCharacteristic(g.CommandService, g.CommandChar)
	if err != nil {
		return c, fmt.Errorf("discover command characteristic: %w", err)
	}

	optional := func(service, char string) ble.Characteristic {
		if service == "" || char == "" {
			return nil
		}
		ch, err := conn.DiscoverCharacteristic(service, char)
		if err != nil {
			slog.Debug("[CONN] optional characteristic unavailable", "char", char, "error", err)
			return nil
		}
		return ch
	}
	c.notify = optional(g.CommandService, g.NotifyChar)
	c.file = optional(g.FileService, g.FileChar)
	c.list = optional(g.MediaService, g.ListFilesChar)
	c.play = optional(g.MediaService, g.PlayChar)
	c.del = optional(g.MediaService, g.DeleteChar)
	c.pause = optional(g.MediaService, g.PauseChar)
	return c, nil
}

// Disconnect ends the current session. It never fails: teardown errors are
// logged and the state ends idle regardless. Without a session it does
// nothing.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.disconnect()
}

// disconnect requires opMu.
func (m *Manager) disconnect() {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return
	}
	m.state = device.StateDisconnecting
	m.registry.SetState(s.deviceID, device.StateDisconnecting)
	conn := s.conn
	m.mu.Unlock()
	slog.Info("[CONN] disconnecting", "id", s.deviceID)
	m.publish()

	s.cancel()
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[CONN] disconnect error ignored", "id", s.deviceID, "error", err)
		}
	}
	m.endSession(s, false, nil)
}

// handleDrop runs when the transport reports the link gone. A drop while
// s is still connecting is left for connect to act on.
func (m *Manager) handleDrop(s *session) {
	m.mu.Lock()
	if m.session == s && m.state == device.StateConnecting {
		s.dropped = true
		m.mu.Unlock()
		slog.Warn("[CONN] connection dropped during discovery", "id", s.deviceID)
		return
	}
	m.mu.Unlock()
	if m.endSession(s, true, ErrConnectionLost) {
		slog.Warn("[CONN] connection dropped", "id", s.deviceID)
	}
}

// endSession destroys s and returns to idle. Unexpected endings only apply
// while s is connected, so a drop reported during a voluntary disconnect is
// ignored. It reports whether s was ended by this call.
func (m *Manager) endSession(s *session, unexpected bool, cause error) bool {
	now := time.Now()

	m.mu.Lock()
	if m.session != s || (unexpected && m.state != device.StateConnected) {
		m.mu.Unlock()
		return false
	}
	m.session = nil
	m.state = device.StateIdle
	m.registry.SetState(s.deviceID, device.StateIdle)
	m.lastDisconnect = &DisconnectEvent{DeviceID: s.deviceID, Unexpected: unexpected, Cause: cause, At: now}
	if unexpected {
		m.lastErr = cause
	}

	var aborted []Transfer
	abort := func(t *Transfer) {
		if m.advanceTransfer(t, TransferFailed, ErrConnectionLost, now) {
			aborted = append(aborted, *t)
		}
	}
	if s.active != nil {
		abort(s.active)
		s.active = nil
	}
	for _, t := range s.queue {
		abort(t)
	}
	s.queue = nil
	m.mu.Unlock()

	s.cancel()
	for _, t := range aborted {
		slog.Warn("[XFER] aborted", "id", t.ID, "file", t.Name, "bytes_sent", t.BytesSent)
		m.record(func(r Recorder) error { return r.RecordTransfer(t) })
	}
	m.publish()
	return true
}
