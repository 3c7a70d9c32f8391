// Package comms is the device communication manager: it owns scanning, the
// single active connection, the command channel and the file transfer queue,
// and publishes its state as snapshots for the UI to render.
package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/device"
)

// Manager controls one peripheral at a time. Construct it once at the
// application root and hand it to whatever renders its state. All methods are
// safe for concurrent use.
type Manager struct {
	adapter  ble.Adapter
	registry *device.Registry
	opts     Options

	// opMu serializes connect and disconnect.
	opMu sync.Mutex

	// mu guards the fields below and the session fields documented as such.
	mu             sync.Mutex
	closed         bool
	power          ble.PowerState
	state          device.State
	session        *session
	selected       string
	lastErr        error
	lastDisconnect *DisconnectEvent
	commands       []*Command
	received       []Received
	transfers      []*Transfer
	scanCancel     context.CancelFunc
	scanDone       chan struct{}

	// subMu guards subscribers. Lock order: subMu, then mu.
	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates a Manager on top of adapter. A nil registry gets a fresh one
// with the default priority prefixes.
func New(adapter ble.Adapter, registry *device.Registry, opts Options) (*Manager, error) {
	if adapter == nil {
		return nil, errors.New("comms: adapter must not be nil")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = device.NewRegistry(nil)
	}
	m := &Manager{
		adapter:  adapter,
		registry: registry,
		opts:     opts,
		power:    adapter.PowerState(),
		subs:     make(map[int]chan Snapshot),
	}
	adapter.OnPowerStateChange(m.handlePower)
	return m, nil
}

// Registry returns the device registry the manager fills.
func (m *Manager) Registry() *device.Registry {
	return m.registry
}

// Enable powers on the radio.
func (m *Manager) Enable() error {
	if err := m.adapter.Enable(); err != nil {
		if !errors.Is(err, ErrRadioUnavailable) && !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrRadioUnavailable, err)
		}
		m.setError(err)
		return err
	}
	return nil
}

// Close stops scanning, ends the session and closes every subscription.
func (m *Manager) Close() {
	m.StopScan()
	m.opMu.Lock()
	m.disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.opMu.Unlock()
	m.closeSubscribers()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// checkRadio fails fast when the radio cannot scan or connect.
func (m *Manager) checkRadio() error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.adapter.PowerState().Err(); err != nil {
		m.setError(err)
		return err
	}
	return nil
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) handlePower(s ble.PowerState) {
	m.mu.Lock()
	m.power = s
	cancel := m.scanCancel
	m.mu.Unlock()

	slog.Info("[BLE] power state changed", "state", s)
	if s != ble.PowerOn && cancel != nil {
		cancel()
	}
	m.publish()
}

// StartScan starts filling the registry from advertisements. It returns at
// once; scanning continues until StopScan, ctx cancellation, or the radio
// powering down. Starting an active scan is a no-op.
func (m *Manager) StartScan(ctx context.Context) error {
	if err := m.checkRadio(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.scanCancel != nil {
		m.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.scanCancel = cancel
	m.scanDone = done
	m.mu.Unlock()

	slog.Info("[SCAN] started", "filter", m.opts.ScanServices)
	m.publish()

	go m.scan(scanCtx, cancel, done)
	return nil
}

func (m *Manager) scan(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	err := m.adapter.Scan(ctx, m.opts.ScanServices, m.ingest)
	cancel()

	m.mu.Lock()
	if m.scanDone == done {
		m.scanCancel = nil
		m.scanDone = nil
	}
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()

	if err != nil {
		slog.Warn("[SCAN] stopped with error", "error", err)
	} else {
		slog.Info("[SCAN] stopped")
	}
	m.publish()
}

// StopScan stops an active scan and waits for it to wind down.
func (m *Manager) StopScan() {
	m.mu.Lock()
	cancel, done := m.scanCancel, m.scanDone
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) ingest(s ble.Sighting) {
	d, isNew := m.registry.Ingest(s)
	if isNew {
		slog.Debug("[SCAN] discovered", "id", d.ID, "name", d.DisplayName(), "rssi", d.RSSI, "priority", d.IsPriority)
	}
	m.publish()
}

// Devices returns the registry listing, priority devices first.
func (m *Manager) Devices() []device.Device {
	return m.registry.List()
}

// ClearDevices removes devices matching remove (nil: device.Removable) and
// returns how many were removed.
func (m *Manager) ClearDevices(remove func(device.Device) bool) int {
	n := m.registry.Clear(remove)
	if n > 0 {
		m.publish()
	}
	return n
}

// State returns the connection state.
func (m *Manager) State() device.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// record hands settled entries to the configured Recorder.
func (m *Manager) record(fn func(Recorder) error) {
	if m.opts.Recorder == nil {
		return
	}
	if err := fn(m.opts.Recorder); err != nil {
		slog.Warn("[BLE] history recorder failed", "error", err)
	}
}
