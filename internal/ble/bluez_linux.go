//go:build linux

package ble

import (
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName     = "org.bluez"
	bluezAdapterPath = "/org/bluez/hci0"
	bluezAdapterIf   = "org.bluez.Adapter1"
	dbusPropsIf      = "org.freedesktop.DBus.Properties"
)

// errNoBlueZ means the system bus has no org.bluez name, i.e. there is no
// usable Bluetooth stack on this host.
var errNoBlueZ = fmt.Errorf("ble: org.bluez not found on system bus")

// systemAdapterPowered reads org.bluez.Adapter1.Powered for hci0.
func systemAdapterPowered() (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("ble: connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return false, fmt.Errorf("ble: list bus names: %w", err)
	}
	if !slices.Contains(names, bluezBusName) {
		return false, errNoBlueZ
	}

	var v dbus.Variant
	obj := conn.Object(bluezBusName, dbus.ObjectPath(bluezAdapterPath))
	if err := obj.Call(dbusPropsIf+".Get", 0, bluezAdapterIf, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("ble: read adapter power: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: adapter Powered property is %T, not bool", v.Value())
	}
	return powered, nil
}
