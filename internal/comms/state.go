package comms

import (
	"time"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/ble/protocol"
	"github.com/chaz8081/blectl/internal/device"
)

// CommandStatus is the delivery status of a command.
type CommandStatus int

const (
	CommandPending CommandStatus = iota
	CommandSent
	CommandFailed
)

func (s CommandStatus) String() string {
	switch s {
	case CommandSent:
		return "sent"
	case CommandFailed:
		return "failed"
	default:
		return "pending"
	}
}

// canAdvance reports whether a command may move from s to next. Only pending
// commands change.
func (s CommandStatus) canAdvance(next CommandStatus) bool {
	return s == CommandPending && next != CommandPending
}

// Command is one entry of the command history.
type Command struct {
	Seq      int // position in the history, from 1
	DeviceID string
	Text     string
	IssuedAt time.Time
	Status   CommandStatus
	Marker   bool // appended by the app rather than typed by the user
}

// Received is one notification from the device.
type Received struct {
	DeviceID string
	Text     string
	At       time.Time
}

// TransferStatus is the status of a file transfer.
type TransferStatus int

const (
	TransferQueued TransferStatus = iota
	TransferInProgress
	TransferCompleted
	TransferFailed
)

func (s TransferStatus) String() string {
	switch s {
	case TransferInProgress:
		return "in-progress"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	default:
		return "queued"
	}
}

// Terminal reports whether no further transitions are possible.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

func (s TransferStatus) canAdvance(next TransferStatus) bool {
	switch s {
	case TransferQueued:
		return next == TransferInProgress || next == TransferFailed
	case TransferInProgress:
		return next == TransferCompleted || next == TransferFailed
	}
	return false
}

// Transfer is one file upload.
type Transfer struct {
	ID         string
	DeviceID   string
	Path       string
	Name       string // base name sent to the device
	Size       int64
	ChunkSize  int
	BytesSent  int64
	ChunksSent int
	Status     TransferStatus
	Err        error
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Chunks returns the total number of data chunks.
func (t Transfer) Chunks() int {
	return protocol.ChunkCount(t.Size, t.ChunkSize)
}

// Progress returns the fraction of bytes sent, in [0, 1].
func (t Transfer) Progress() float64 {
	if t.Size <= 0 {
		if t.Status == TransferCompleted {
			return 1
		}
		return 0
	}
	return float64(t.BytesSent) / float64(t.Size)
}

// DisconnectEvent describes how the last session ended.
type DisconnectEvent struct {
	DeviceID   string
	Unexpected bool
	Cause      error
	At         time.Time
}

// Snapshot is the state the UI renders. Slices are copies owned by the
// receiver.
type Snapshot struct {
	Power           ble.PowerState
	Scanning        bool
	ConnectionState device.State
	ActiveDevice    string // device of the current session, if any
	SelectedDevice  string // target of RetryConnect
	Devices         []device.Device
	CommandHistory  []Command
	Received        []Received
	Transfers       []Transfer
	ActiveTransfer  *Transfer
	LastError       error
	LastDisconnect  *DisconnectEvent
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Power:           m.power,
		Scanning:        m.scanCancel != nil,
		ConnectionState: m.state,
		SelectedDevice:  m.selected,
		Devices:         m.registry.List(),
		CommandHistory:  make([]Command, len(m.commands)),
		Received:        append([]Received(nil), m.received...),
		Transfers:       make([]Transfer, len(m.transfers)),
		LastError:       m.lastErr,
	}
	for i, c := range m.commands {
		snap.CommandHistory[i] = *c
	}
	for i, t := range m.transfers {
		snap.Transfers[i] = *t
	}
	if s := m.session; s != nil {
		snap.ActiveDevice = s.deviceID
		if s.active != nil {
			t := *s.active
			snap.ActiveTransfer = &t
		}
	}
	if m.lastDisconnect != nil {
		ev := *m.lastDisconnect
		snap.LastDisconnect = &ev
	}
	return snap
}

// Subscribe returns a channel that receives the current snapshot immediately
// and then one after every change. A slow reader only misses intermediate
// snapshots, never the latest one. The returned function unsubscribes and
// closes the channel.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.subMu.Lock()
	if m.subs == nil {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	ch <- m.Snapshot()
	m.subs[id] = ch
	m.subMu.Unlock()

	done := false
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if done {
			return
		}
		done = true
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// publish pushes the current snapshot to every subscriber. It must not be
// called with m.mu held.
func (m *Manager) publish() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if len(m.subs) == 0 {
		return
	}
	snap := m.Snapshot()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Replace the stale snapshot the reader has not picked up yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// closeSubscribers closes every subscription; later Subscribe calls get a
// closed channel.
func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subs = nil
}
