//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	gattServiceIface = "org.bluez.GattService1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	objectManager    = "org.freedesktop.DBus.ObjectManager"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Write sends data as a GATT write request. tinygo/bluetooth only offers
// write-without-response on Linux, so the request goes to BlueZ directly
// and returns after the peripheral's write response.
func (c *radioCharacteristic) Write(data []byte) error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect to system bus: %w", err)
	}
	path, err := c.objectPath(bus)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := bus.Object(bluezBus, path).Call(gattCharIface+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write %s: %w", c.char.UUID().String(), err)
	}
	return nil
}

func (c *radioCharacteristic) objectPath(bus *dbus.Conn) (dbus.ObjectPath, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		return dbus.ObjectPath(c.path), nil
	}

	var objects managedObjects
	if err := bus.Object(bluezBus, "/").Call(objectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("ble: list BlueZ objects: %w", err)
	}
	path, ok := findCharacteristic(objects, devicePath(c.deviceID), c.serviceUUID, c.char.UUID().String())
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCharacteristicNotFound, c.char.UUID().String())
	}
	c.path = string(path)
	return path, nil
}

// devicePath is the BlueZ object path of a peripheral on the default adapter.
func devicePath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(string(bluezAdapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(id), ":", "_"))
}

// findCharacteristic locates the characteristic charUUID inside service
// serviceUUID of the device at dev.
func findCharacteristic(objects managedObjects, dev dbus.ObjectPath, serviceUUID, charUUID string) (dbus.ObjectPath, bool) {
	prefix := string(dev) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[gattCharIface]
		if !ok || !sameUUID(props["UUID"], charUUID) {
			continue
		}
		svcPath, ok := props["Service"].Value().(dbus.ObjectPath)
		if !ok {
			continue
		}
		if svc, ok := objects[svcPath][gattServiceIface]; ok && sameUUID(svc["UUID"], serviceUUID) {
			return path, true
		}
	}
	return "", false
}

func sameUUID(v dbus.Variant, want string) bool {
	s, ok := v.Value().(string)
	return ok && strings.EqualFold(s, want)
}
