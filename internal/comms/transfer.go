package comms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/blectl/internal/ble/protocol"
	"github.com/chaz8081/blectl/internal/device"
)

// UploadFile queues the file at path for transfer to the connected device
// and returns the transfer ID. Transfers run one at a time in FIFO order;
// follow them through Snapshot.Transfers or WaitTransfer.
func (m *Manager) UploadFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("comms: upload: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("comms: upload: %s is a directory", path)
	}

	m.mu.Lock()
	s := m.session
	if s == nil || m.state != device.StateConnected {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	if s.chars.file == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: file transfer", ErrNotSupported)
	}
	t := &Transfer{
		ID:        ulid.Make().String(),
		DeviceID:  s.deviceID,
		Path:      path,
		Name:      filepath.Base(path),
		Size:      info.Size(),
		ChunkSize: m.opts.ChunkSize,
		Status:    TransferQueued,
		QueuedAt:  time.Now(),
	}
	m.transfers = append(m.transfers, t)
	s.queue = append(s.queue, t)
	m.mu.Unlock()

	slog.Info("[XFER] queued", "id", t.ID, "file", t.Name, "size", t.Size, "chunks", t.Chunks())
	s.notifyTransfers()
	m.publish()
	return t.ID, nil
}

// Transfer returns the transfer with the given ID.
func (m *Manager) Transfer(id string) (Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transfers {
		if t.ID == id {
			return *t, true
		}
	}
	return Transfer{}, false
}

// WaitTransfer blocks until the transfer completes or fails.
func (m *Manager) WaitTransfer(ctx context.Context, id string) (Transfer, error) {
	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()
	for {
		t, ok := m.Transfer(id)
		if !ok {
			return Transfer{}, fmt.Errorf("comms: unknown transfer %s", id)
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case _, open := <-updates:
			if !open {
				return t, ErrClosed
			}
		}
	}
}

// advanceTransfer applies a status transition if it is allowed. Requires m.mu.
func (m *Manager) advanceTransfer(t *Transfer, status TransferStatus, err error, now time.Time) bool {
	if !t.Status.canAdvance(status) {
		return false
	}
	t.Status = status
	switch status {
	case TransferInProgress:
		t.StartedAt = now
	case TransferCompleted, TransferFailed:
		t.Err = err
		t.FinishedAt = now
	}
	return true
}

// runTransfers is the per-session transfer worker.
func (m *Manager) runTransfers(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for t := m.nextTransfer(s); t != nil; t = m.nextTransfer(s) {
			m.finishTransfer(s, t, m.sendFile(s, t))
		}
	}
}

func (m *Manager) nextTransfer(s *session) *Transfer {
	m.mu.Lock()
	if s.ctx.Err() != nil || len(s.queue) == 0 {
		m.mu.Unlock()
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	if !m.advanceTransfer(t, TransferInProgress, nil, time.Now()) {
		m.mu.Unlock()
		return m.nextTransfer(s)
	}
	s.active = t
	m.mu.Unlock()

	slog.Info("[XFER] started", "id", t.ID, "file", t.Name)
	m.publish()
	return t
}

// sendFile streams one file: header, chunks in order, trailer. Each write
// waits for the previous one to be acknowledged.
func (m *Manager) sendFile(s *session, t *Transfer) error {
	f, err := os.Open(t.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChunkTransferFailed, err)
	}
	defer f.Close()

	m.mu.Lock()
	char := s.chars.file
	m.mu.Unlock()

	header := protocol.FileHeader(t.Name)
	if err := s.do(s.ctx, func() error { return char.Write(header) }); err != nil {
		return transferError(s, "header", err)
	}

	buf := make([]byte, t.ChunkSize)
	for index := 1; ; index++ {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			if s.limiter != nil {
				if err := s.limiter.Wait(s.ctx); err != nil {
					return ErrConnectionLost
				}
			}
			chunk := buf[:n]
			err := s.do(s.ctx, func() error {
				if err := char.Write(chunk); err != nil {
					return err
				}
				if !m.opts.VerifyChunks {
					return nil
				}
				reported, err := char.Read()
				if err != nil {
					return fmt.Errorf("read checksum: %w", err)
				}
				return protocol.VerifyChunk(chunk, reported)
			})
			if err != nil {
				return transferError(s, fmt.Sprintf("chunk %d", index), err)
			}
			m.addProgress(t, n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: read %s: %w", ErrChunkTransferFailed, t.Path, readErr)
		}
	}

	if err := s.do(s.ctx, func() error { return char.Write(protocol.FileTrailer()) }); err != nil {
		return transferError(s, "trailer", err)
	}
	return nil
}

// transferError classifies a failed transfer step. Failures caused by the
// session ending are connection loss; anything else fails only this
// transfer.
func transferError(s *session, step string, err error) error {
	if errors.Is(err, ErrConnectionLost) || s.ctx.Err() != nil {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %s: %w", ErrChunkTransferFailed, step, err)
}

func (m *Manager) addProgress(t *Transfer, n int) {
	m.mu.Lock()
	if t.Status != TransferInProgress {
		m.mu.Unlock()
		return
	}
	t.BytesSent += int64(n)
	t.ChunksSent++
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) finishTransfer(s *session, t *Transfer, err error) {
	status := TransferCompleted
	if err != nil {
		status = TransferFailed
	}

	m.mu.Lock()
	if s.active == t {
		s.active = nil
	}
	if !m.advanceTransfer(t, status, err, time.Now()) {
		// Already failed by the session teardown.
		m.mu.Unlock()
		m.publish()
		return
	}
	settled := *t
	var marker *Command
	if err == nil {
		c := *m.appendCommand(s.deviceID, "File sent: "+t.Name, CommandSent, true)
		marker = &c
	}
	m.mu.Unlock()

	if err != nil {
		slog.Warn("[XFER] failed", "id", t.ID, "file", t.Name, "bytes_sent", settled.BytesSent, "error", err)
	} else {
		slog.Info("[XFER] completed", "id", t.ID, "file", t.Name, "bytes", settled.BytesSent,
			"elapsed", settled.FinishedAt.Sub(settled.StartedAt).Round(time.Millisecond))
	}
	m.record(func(r Recorder) error { return r.RecordTransfer(settled) })
	if marker != nil {
		m.record(func(r Recorder) error { return r.RecordCommand(*marker) })
	}
	m.publish()
}
