//go:build linux

package ble

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// tinygo/bluetooth does not report adapter power changes on Linux, so the
// radio adapter watches BlueZ directly.
const (
	bluezBus          = "org.bluez"
	bluezAdapterPath  = dbus.ObjectPath("/org/bluez/hci0")
	bluezAdapterIface = "org.bluez.Adapter1"
	propsIface        = "org.freedesktop.DBus.Properties"
	propsSignal       = propsIface + ".PropertiesChanged"
)

// watchPower reports the current adapter power state and every change
// after it until stop is called.
func watchPower(onChange func(PowerState)) (stop func(), err error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}

	var powered dbus.Variant
	if err := conn.Object(bluezBus, bluezAdapterPath).
		Call(propsIface+".Get", 0, bluezAdapterIface, "Powered").Store(&powered); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: read adapter power: %w", err)
	}
	if on, ok := powered.Value().(bool); ok {
		onChange(powerFromBool(on))
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(bluezAdapterPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: subscribe to adapter properties: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if s, ok := powerFromSignal(sig); ok {
					slog.Debug("[BLE] adapter power changed", "state", s)
					onChange(s)
				}
			}
		}
	}()

	return func() {
		close(done)
		conn.RemoveSignal(signals)
		conn.Close()
	}, nil
}

// powerFromSignal extracts the adapter power state from a BlueZ
// PropertiesChanged signal.
func powerFromSignal(sig *dbus.Signal) (PowerState, bool) {
	if sig == nil || sig.Name != propsSignal || sig.Path != bluezAdapterPath {
		return PowerUnknown, false
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return PowerUnknown, false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezAdapterIface {
		return PowerUnknown, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PowerUnknown, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return PowerUnknown, false
	}
	on, ok := v.Value().(bool)
	if !ok {
		return PowerUnknown, false
	}
	return powerFromBool(on), true
}

func powerFromBool(on bool) PowerState {
	if on {
		return PowerOn
	}
	return PowerOff
}
