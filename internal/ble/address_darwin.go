package ble

import "tinygo.org/x/bluetooth"

// parseAddress parses a CoreBluetooth peripheral UUID.
func parseAddress(s string) (bluetooth.Address, error) {
	var addr bluetooth.Address
	addr.Set(s)
	return addr, nil
}
