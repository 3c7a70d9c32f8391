package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chaz8081/blectl/internal/comms"
)

var _ comms.Recorder = (*DB)(nil)

// CommandEntry is a recorded command.
type CommandEntry struct {
	ID       int64
	DeviceID string
	Text     string
	Status   string
	Marker   bool
	IssuedAt time.Time
}

// ReceivedEntry is a recorded notification.
type ReceivedEntry struct {
	ID         int64
	DeviceID   string
	Text       string
	ReceivedAt time.Time
}

// TransferEntry is a recorded file transfer.
type TransferEntry struct {
	ID         string
	DeviceID   string
	Name       string
	Path       string
	Size       int64
	BytesSent  int64
	Status     string
	Error      string
	QueuedAt   time.Time
	FinishedAt *time.Time
}

// RecordCommand stores a settled command.
func (j *DB) RecordCommand(c comms.Command) error {
	_, err := j.db.Exec(
		`INSERT INTO commands (device_id, text, status, marker, issued_at) VALUES (?, ?, ?, ?, ?)`,
		c.DeviceID, c.Text, c.Status.String(), c.Marker, c.IssuedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

// RecordReceived stores a notification.
func (j *DB) RecordReceived(r comms.Received) error {
	_, err := j.db.Exec(
		`INSERT INTO received (device_id, text, received_at) VALUES (?, ?, ?)`,
		r.DeviceID, r.Text, r.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record received: %w", err)
	}
	return nil
}

// RecordTransfer inserts or updates a transfer by ID.
func (j *DB) RecordTransfer(t comms.Transfer) error {
	errText := ""
	if t.Err != nil {
		errText = t.Err.Error()
	}
	var finished int64
	if !t.FinishedAt.IsZero() {
		finished = t.FinishedAt.UnixNano()
	}
	_, err := j.db.Exec(
		`INSERT INTO transfers (id, device_id, name, path, size, bytes_sent, status, error, queued_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   bytes_sent = excluded.bytes_sent,
		   status = excluded.status,
		   error = excluded.error,
		   finished_at = excluded.finished_at`,
		t.ID, t.DeviceID, t.Name, t.Path, t.Size, t.BytesSent, t.Status.String(), errText,
		t.QueuedAt.UnixNano(), finished,
	)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// Commands returns up to limit commands, newest first. A limit <= 0 returns all.
func (j *DB) Commands(limit int) ([]CommandEntry, error) {
	rows, err := j.db.Query(
		`SELECT id, device_id, text, status, marker, issued_at FROM commands ORDER BY id DESC LIMIT ?`,
		sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var entries []CommandEntry
	for rows.Next() {
		var e CommandEntry
		var issued int64
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Text, &e.Status, &e.Marker, &issued); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		e.IssuedAt = time.Unix(0, issued)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Received returns up to limit notifications, newest first.
func (j *DB) Received(limit int) ([]ReceivedEntry, error) {
	rows, err := j.db.Query(
		`SELECT id, device_id, text, received_at FROM received ORDER BY id DESC LIMIT ?`,
		sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list received: %w", err)
	}
	defer rows.Close()

	var entries []ReceivedEntry
	for rows.Next() {
		var e ReceivedEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Text, &at); err != nil {
			return nil, fmt.Errorf("scan received: %w", err)
		}
		e.ReceivedAt = time.Unix(0, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transfers returns up to limit transfers, most recently queued first.
func (j *DB) Transfers(limit int) ([]TransferEntry, error) {
	rows, err := j.db.Query(
		`SELECT id, device_id, name, path, size, bytes_sent, status, error, queued_at, finished_at
		 FROM transfers ORDER BY queued_at DESC, id DESC LIMIT ?`,
		sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var entries []TransferEntry
	for rows.Next() {
		e, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transfer returns one transfer by ID.
func (j *DB) Transfer(id string) (TransferEntry, bool, error) {
	row := j.db.QueryRow(
		`SELECT id, device_id, name, path, size, bytes_sent, status, error, queued_at, finished_at
		 FROM transfers WHERE id = ?`, id,
	)
	e, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return TransferEntry{}, false, nil
	}
	if err != nil {
		return TransferEntry{}, false, err
	}
	return e, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (TransferEntry, error) {
	var e TransferEntry
	var queued, finished int64
	err := s.Scan(&e.ID, &e.DeviceID, &e.Name, &e.Path, &e.Size, &e.BytesSent, &e.Status, &e.Error, &queued, &finished)
	if err == sql.ErrNoRows {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("scan transfer: %w", err)
	}
	e.QueuedAt = time.Unix(0, queued)
	if finished != 0 {
		ft := time.Unix(0, finished)
		e.FinishedAt = &ft
	}
	return e, nil
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
