// Package ble is the transport layer: it wraps a single BLE radio behind small
// interfaces for power state, scanning, connections and GATT characteristics.
// It performs no retries; retry policy belongs to the caller.
package ble

import (
	"context"
	"errors"
)

// Command service (Nordic UART layout) and the file/media services exposed by
// the device server.
const (
	CommandServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	CommandCharUUID    = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NotifyCharUUID     = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	FileServiceUUID = "0000180e-0000-1000-8000-00805f9b34fb"
	FileCharUUID    = "00002a3b-0000-1000-8000-00805f9b34fb"

	MediaServiceUUID  = "0000180f-0000-1000-8000-00805f9b34fb"
	ListFilesCharUUID = "00002a3c-0000-1000-8000-00805f9b34fb"
	PlayCharUUID      = "00002a3d-0000-1000-8000-00805f9b34fb"
	DeleteCharUUID    = "00002a3e-0000-1000-8000-00805f9b34fb"
	PauseCharUUID     = "00002a3f-0000-1000-8000-00805f9b34fb"
)

var (
	// ErrRadioUnavailable is returned when the radio is not powered on.
	ErrRadioUnavailable = errors.New("ble: radio unavailable")
	// ErrPermissionDenied is returned when the OS has not granted Bluetooth access.
	ErrPermissionDenied = errors.New("ble: permission denied")
	// ErrCharacteristicNotFound is returned by DiscoverCharacteristic.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
)

// PowerState is the adapter power state as reported by the radio stack.
type PowerState int

const (
	PowerUnknown PowerState = iota // nothing reported yet
	PowerResetting
	PowerUnauthorized
	PowerUnsupported
	PowerOff
	PowerOn
)

func (s PowerState) String() string {
	switch s {
	case PowerResetting:
		return "resetting"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerUnsupported:
		return "unsupported"
	case PowerOff:
		return "poweredOff"
	case PowerOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Err maps a power state onto the error a scan or connect attempt would
// return in that state. It is nil only for PowerOn.
func (s PowerState) Err() error {
	switch s {
	case PowerOn:
		return nil
	case PowerUnauthorized:
		return ErrPermissionDenied
	default:
		return ErrRadioUnavailable
	}
}

// Sighting is one advertisement seen during a scan.
type Sighting struct {
	ID           string // hardware address (a CoreBluetooth UUID on macOS)
	Name         string // empty when the advertisement carries no local name
	RSSI         int16  // 0 when not reported
	ServiceUUIDs []string
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data and returns once the peripheral acknowledged it.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	// Notifications stop when the connection ends.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// ID returns the identifier the connection was opened with.
	ID() string
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// PowerState returns the last reported power state.
	PowerState() PowerState
	// OnPowerStateChange registers a callback for power state transitions.
	OnPowerStateChange(callback func(PowerState))
	// Scan reports every advertisement matching any of serviceUUIDs (all
	// advertisements when empty) until ctx is cancelled. It blocks.
	Scan(ctx context.Context, serviceUUIDs []string, onSighting func(Sighting)) error
	// Connect establishes a connection to the device with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}
