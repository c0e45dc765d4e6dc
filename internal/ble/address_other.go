//go:build !darwin

package ble

import "tinygo.org/x/bluetooth"

// parseAddress parses a MAC address such as "AA:BB:CC:DD:EE:FF".
func parseAddress(s string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(s)
	if err != nil {
		return bluetooth.Address{}, err
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}
