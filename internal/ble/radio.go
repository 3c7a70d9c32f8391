package ble

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

const (
	// readBufferSize bounds a single characteristic read (max ATT attribute length).
	readBufferSize = 512

	// stopScanRetry is how often a cancelled scan re-requests a stop until
	// the platform scan loop returns.
	stopScanRetry = 50 * time.Millisecond
)

// ValidUUID reports whether s is a 128-bit UUID in canonical
// 8-4-4-4-12 form. The 16- and 32-bit short forms are rejected.
func ValidUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := bluetooth.ParseUUID(s)
	return err == nil
}

// RadioAdapter wraps tinygo-org/bluetooth. Device IDs are whatever the
// platform uses as an address: a MAC on Linux and Windows, a CoreBluetooth
// UUID on macOS.
type RadioAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu          sync.Mutex
	power       PowerState
	powerCbs    []func(PowerState)
	connections map[string]*radioConnection // keyed by Address.String()
	scanning    bool
	stopWatch   func()
}

// NewRadioAdapter creates an adapter on the platform's default radio.
func NewRadioAdapter() *RadioAdapter {
	return &RadioAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*radioConnection),
	}
}

// Compile-time check that RadioAdapter implements Adapter.
var _ Adapter = (*RadioAdapter)(nil)

func (a *RadioAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		a.setPower(PowerOff)
		return fmt.Errorf("%w: enable: %w", ErrRadioUnavailable, err)
	}

	// tinygo/bluetooth fires this callback with connected=false when a
	// peripheral drops, on every platform backend.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	a.setPower(PowerOn)

	a.mu.Lock()
	watching := a.stopWatch != nil
	a.mu.Unlock()
	if !watching {
		stop, err := watchPower(a.setPower)
		if err != nil {
			slog.Warn("[BLE] power state watch unavailable", "error", err)
		} else {
			a.mu.Lock()
			a.stopWatch = stop
			a.mu.Unlock()
		}
	}
	return nil
}

// Close stops watching the adapter power state.
func (a *RadioAdapter) Close() error {
	a.mu.Lock()
	stop := a.stopWatch
	a.stopWatch = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func (a *RadioAdapter) PowerState() PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power
}

func (a *RadioAdapter) OnPowerStateChange(cb func(PowerState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powerCbs = append(a.powerCbs, cb)
}

func (a *RadioAdapter) setPower(s PowerState) {
	a.mu.Lock()
	if a.power == s {
		a.mu.Unlock()
		return
	}
	a.power = s
	cbs := slices.Clone(a.powerCbs)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

func (a *RadioAdapter) Scan(ctx context.Context, serviceUUIDs []string, onSighting func(Sighting)) error {
	if err := a.PowerState().Err(); err != nil {
		return err
	}

	filter := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		filter = append(filter, uuid)
	}

	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return fmt.Errorf("ble: scan already in progress")
	}
	a.scanning = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stopUntil(done, a.adapter.StopScan, stopScanRetry)
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil {
			return
		}
		var matched []string
		for i, uuid := range filter {
			if result.HasServiceUUID(uuid) {
				matched = append(matched, serviceUUIDs[i])
			}
		}
		if len(filter) > 0 && len(matched) == 0 {
			return
		}
		onSighting(Sighting{
			ID:           result.Address.String(),
			Name:         result.LocalName(),
			RSSI:         result.RSSI,
			ServiceUUIDs: matched,
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// stopUntil calls stop until done is closed. The platform refuses a stop
// request until its scan loop is running, so a single early call can be lost.
func stopUntil(done <-chan struct{}, stop func() error, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := stop(); err != nil {
			slog.Debug("[BLE] stop scan not accepted yet", "error", err)
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *RadioAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	if err := a.PowerState().Err(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled; ctx only bounds how long we wait for it.
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go releaseLate(id, ch, bluetooth.Device.Disconnect)
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &radioConnection{id: id, device: result.device}

		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// releaseLate waits for an abandoned connect attempt and disconnects it if
// it succeeded, so the peripheral is not left connected but untracked.
func releaseLate(id string, ch <-chan connectResult, disconnect func(bluetooth.Device) error) {
	result := <-ch
	if result.err != nil {
		return
	}
	slog.Info("[BLE] releasing connection that completed after timeout", "id", id)
	if err := disconnect(result.device); err != nil {
		slog.Warn("[BLE] release late connection", "id", id, "error", err)
	}
}

type radioConnection struct {
	id     string
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *radioConnection) ID() string { return c.id }

func (c *radioConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: service %s", ErrCharacteristicNotFound, serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	}

	return &radioCharacteristic{
		deviceID:    c.id,
		serviceUUID: serviceUUID,
		char:        chars[0],
	}, nil
}

func (c *radioConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *radioConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *radioConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type radioCharacteristic struct {
	deviceID    string
	serviceUUID string
	char        bluetooth.DeviceCharacteristic

	// path is the resolved BlueZ object path, set on first write (Linux only).
	mu   sync.Mutex
	path string
}

func (c *radioCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *radioCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
