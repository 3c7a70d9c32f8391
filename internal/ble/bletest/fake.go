// Package bletest provides in-memory fakes of the ble interfaces with
// failure injection for tests.
package bletest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/chaz8081/blectl/internal/ble"
)

// Characteristic records writes and allows subscribing.
type Characteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	value    []byte
	callback func([]byte)
	writeErr func(n int, data []byte) error
	readFunc func() ([]byte, error)
	attempts int
}

// SetWriteErr installs a hook consulted before each write with the 1-based
// attempt number. A non-nil result fails that write without recording it.
// The hook may block to hold the write in flight.
func (c *Characteristic) SetWriteErr(fn func(n int, data []byte) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = fn
}

// SetReadFunc replaces the stored value on Read.
func (c *Characteristic) SetReadFunc(fn func() ([]byte, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readFunc = fn
}

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	hook := c.writeErr
	c.mu.Unlock()

	if hook != nil {
		if err := hook(n, data); err != nil {
			return err
		}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	return nil
}

func (c *Characteristic) Read() ([]byte, error) {
	c.mu.Lock()
	fn := c.readFunc
	value := append([]byte(nil), c.value...)
	c.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return value, nil
}

func (c *Characteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SetValue sets what Read returns.
func (c *Characteristic) SetValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
}

// Writes returns a copy of every successful write, in order.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Subscribed reports whether a notification callback is registered.
func (c *Characteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// Notify sends a notification to the subscriber.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Connection simulates a BLE connection. Characteristics are looked up by
// characteristic UUID; missing ones fail discovery.
type Connection struct {
	id string

	mu           sync.Mutex
	chars        map[string]*Characteristic
	disconnectCb func()
	disconnected bool

	// DisconnectErr is returned by Disconnect.
	DisconnectErr error
	// DropOnDisconnect fires the disconnect callback from inside Disconnect,
	// as some radio stacks do.
	DropOnDisconnect bool
	// DropDuringDiscovery fires the disconnect callback from the first
	// DiscoverCharacteristic call, before it returns.
	DropDuringDiscovery bool
}

// NewConnection returns a connection exposing the given characteristics.
func NewConnection(id string, chars map[string]*Characteristic) *Connection {
	if chars == nil {
		chars = make(map[string]*Characteristic)
	}
	return &Connection{id: id, chars: chars}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) DiscoverCharacteristic(_, charUUID string) (ble.Characteristic, error) {
	c.mu.Lock()
	var drop func()
	if c.DropDuringDiscovery {
		c.DropDuringDiscovery = false
		drop = c.disconnectCb
	}
	ch, ok := c.chars[charUUID]
	c.mu.Unlock()
	if drop != nil {
		drop()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ble.ErrCharacteristicNotFound, charUUID)
	}
	return ch, nil
}

// Char returns the characteristic registered for uuid, or nil.
func (c *Connection) Char(uuid string) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chars[uuid]
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.disconnected = true
	err := c.DisconnectErr
	cb := c.disconnectCb
	drop := c.DropOnDisconnect
	c.mu.Unlock()
	if drop && cb != nil {
		cb()
	}
	return err
}

// Disconnected reports whether Disconnect was called.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback, as a radio drop would.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Adapter simulates the BLE adapter. Scan replays Sightings then blocks until
// the context is cancelled.
type Adapter struct {
	mu          sync.Mutex
	power       ble.PowerState
	powerCbs    []func(ble.PowerState)
	sightings   []ble.Sighting
	onSighting  func(ble.Sighting)
	connections []*Connection

	// NewConnection builds the connection returned by Connect. Defaults to
	// FullConnection.
	NewConnection func(id string) *Connection
	// ConnectErr, when set, fails Connect for the given ID.
	ConnectErr func(id string) error
	// EnableErr is returned by Enable.
	EnableErr error
}

// NewAdapter returns a powered-on adapter that reports sightings on scan.
func NewAdapter(sightings ...ble.Sighting) *Adapter {
	return &Adapter{power: ble.PowerOn, sightings: sightings}
}

// Compile-time interface checks.
var (
	_ ble.Adapter        = (*Adapter)(nil)
	_ ble.Connection     = (*Connection)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
)

// FullConnection exposes every characteristic the device server offers.
func FullConnection(id string) *Connection {
	return NewConnection(id, map[string]*Characteristic{
		ble.CommandCharUUID:   {},
		ble.NotifyCharUUID:    {},
		ble.FileCharUUID:      {},
		ble.ListFilesCharUUID: {},
		ble.PlayCharUUID:      {},
		ble.DeleteCharUUID:    {},
		ble.PauseCharUUID:     {},
	})
}

func (a *Adapter) Enable() error {
	if a.EnableErr != nil {
		return a.EnableErr
	}
	a.SetPowerState(ble.PowerOn)
	return nil
}

func (a *Adapter) PowerState() ble.PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power
}

func (a *Adapter) OnPowerStateChange(cb func(ble.PowerState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powerCbs = append(a.powerCbs, cb)
}

// SetPowerState changes the power state and notifies listeners.
func (a *Adapter) SetPowerState(s ble.PowerState) {
	a.mu.Lock()
	a.power = s
	cbs := slices.Clone(a.powerCbs)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

func (a *Adapter) Scan(ctx context.Context, _ []string, onSighting func(ble.Sighting)) error {
	if err := a.PowerState().Err(); err != nil {
		return err
	}
	a.mu.Lock()
	sightings := append([]ble.Sighting(nil), a.sightings...)
	a.onSighting = onSighting
	a.mu.Unlock()

	for _, s := range sightings {
		if ctx.Err() != nil {
			break
		}
		onSighting(s)
	}
	<-ctx.Done()

	a.mu.Lock()
	a.onSighting = nil
	a.mu.Unlock()
	return nil
}

// Emit delivers a sighting to the running scan, if any. It reports whether a
// scan was running.
func (a *Adapter) Emit(s ble.Sighting) bool {
	a.mu.Lock()
	cb := a.onSighting
	a.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(s)
	return true
}

// Scanning reports whether Scan is currently blocked.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onSighting != nil
}

func (a *Adapter) Connect(ctx context.Context, id string) (ble.Connection, error) {
	if err := a.PowerState().Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.ConnectErr != nil {
		if err := a.ConnectErr(id); err != nil {
			return nil, err
		}
	}
	build := a.NewConnection
	if build == nil {
		build = FullConnection
	}
	conn := build(id)
	a.mu.Lock()
	a.connections = append(a.connections, conn)
	a.mu.Unlock()
	return conn, nil
}

// LatestConnection returns the most recently created connection, or nil.
func (a *Adapter) LatestConnection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) == 0 {
		return nil
	}
	return a.connections[len(a.connections)-1]
}

// Connections returns every connection created so far.
func (a *Adapter) Connections() []*Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Connection(nil), a.connections...)
}
