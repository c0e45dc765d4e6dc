package transport

import (
	"errors"

	"github.com/chaz8081/trashbot-remote/internal/command"
)

// Error taxonomy shared by every transport and the connection manager.
// Adapter failures are wrapped with one of these so callers can use errors.Is.
var (
	ErrPermissionDenied      = errors.New("bluetooth permissions not granted")
	ErrTransportUnavailable  = errors.New("transport unavailable")
	ErrPoweredOff            = errors.New("radio is powered off")
	ErrScanFailed            = errors.New("scan failed")
	ErrConnectFailed         = errors.New("connect failed")
	ErrAlreadyConnecting     = errors.New("connect already in progress")
	ErrAlreadyConnected      = errors.New("already connected")
	ErrWriteFailed           = errors.New("write failed")
	ErrNotConnected          = errors.New("not connected")
	ErrUnsolicitedDisconnect = errors.New("peer disconnected")
	ErrClosed                = errors.New("closed")

	ErrInvalidCommand = command.ErrInvalidCommand
)

// Retryable reports whether a user retry could plausibly succeed. Missing
// hardware and denied permissions are not retryable; UIs should disable
// their scan/connect controls instead of prompting a rescan.
func Retryable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrTransportUnavailable) &&
		!errors.Is(err, ErrPermissionDenied) &&
		!errors.Is(err, ErrInvalidCommand)
}
