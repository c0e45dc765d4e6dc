//go:build !linux

package ble

import "errors"

var errNoBlueZ = errors.New("ble: power state not readable on this platform")

func systemAdapterPowered() (bool, error) {
	return false, errNoBlueZ
}
