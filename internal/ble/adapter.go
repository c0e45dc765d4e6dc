// Package ble provides the Bluetooth Low Energy transport for the robot. It
// handles scanning, GATT connection, command writes and telemetry
// notifications against a fixed service and characteristic pair.
package ble

import "context"

// Default GATT layout of the robot's Raspberry Pi peripheral (Nordic UART
// service layout). Overridable through Options.
const (
	ServiceUUID   = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	WriteCharUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	ReadCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and waits for the acknowledgment.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
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
	// Scan reports peripherals advertising serviceUUID (all peripherals when
	// empty) until ctx is cancelled. Each MAC is reported once per call.
	Scan(ctx context.Context, serviceUUID string, onDevice func(Device)) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}

// PowerReporter is implemented by adapters that can read the radio power
// state without side effects.
type PowerReporter interface {
	Powered() (bool, error)
}
