package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blectl/internal/ble/protocol"
	"github.com/chaz8081/blectl/internal/device"
)

// SendCommand writes a text command to the connected device. Commands are
// written in call order. Empty text is ignored.
//
// There is no request/response correlation: replies arrive as notifications
// in Snapshot.Received. A failed write marks the command failed and is
// treated as loss of the connection, returning the manager to idle.
func (m *Manager) SendCommand(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	m.mu.Lock()
	s := m.session
	if s == nil || m.state != device.StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	char := s.chars.command
	cmd := m.appendCommand(s.deviceID, text, CommandPending, false)
	m.mu.Unlock()
	m.publish()

	chunks := protocol.ChunkText(text, m.opts.MaxCommandSize)
	err := s.do(ctx, func() error {
		for _, chunk := range chunks {
			if err := char.Write([]byte(chunk)); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		m.settleCommand(cmd, CommandSent)
		slog.Debug("[CMD] sent", "id", s.deviceID, "text", text, "writes", len(chunks))
		return nil
	}

	m.settleCommand(cmd, CommandFailed)
	if errors.Is(err, ErrConnectionLost) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		// The session already ended, or the caller gave up before the write was queued.
		return err
	}

	werr := fmt.Errorf("%w: %w", ErrWrite, err)
	slog.Warn("[CMD] write failed, dropping connection", "id", s.deviceID, "error", err)
	if m.endSession(s, true, fmt.Errorf("%w: %w", ErrConnectionLost, werr)) {
		m.mu.Lock()
		conn := s.conn
		m.mu.Unlock()
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("[CONN] disconnect error ignored", "id", s.deviceID, "error", err)
			}
		}
	}
	return werr
}

// appendCommand adds a history entry. Requires m.mu.
func (m *Manager) appendCommand(deviceID, text string, status CommandStatus, marker bool) *Command {
	c := &Command{
		Seq:      len(m.commands) + 1,
		DeviceID: deviceID,
		Text:     text,
		IssuedAt: time.Now(),
		Status:   status,
		Marker:   marker,
	}
	m.commands = append(m.commands, c)
	return c
}

// settleCommand moves a pending command to its final status.
func (m *Manager) settleCommand(c *Command, status CommandStatus) {
	m.mu.Lock()
	if !c.Status.canAdvance(status) {
		m.mu.Unlock()
		return
	}
	c.Status = status
	settled := *c
	m.mu.Unlock()

	m.record(func(r Recorder) error { return r.RecordCommand(settled) })
	m.publish()
}

// CommandHistory returns a copy of the command history.
func (m *Manager) CommandHistory() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.commands))
	for i, c := range m.commands {
		out[i] = *c
	}
	return out
}

func (m *Manager) handleNotification(s *session, data []byte) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	r := Received{DeviceID: s.deviceID, Text: string(data), At: time.Now()}
	m.received = append(m.received, r)
	m.mu.Unlock()

	slog.Debug("[CMD] received", "id", s.deviceID, "text", r.Text)
	m.record(func(rec Recorder) error { return rec.RecordReceived(r) })
	m.publish()
}
