package comms

import (
	"errors"

	"github.com/chaz8081/blectl/internal/ble"
)

// Error kinds surfaced to the UI. Check them with errors.Is; most are
// returned wrapped around the transport error that caused them.
var (
	ErrRadioUnavailable = ble.ErrRadioUnavailable
	ErrPermissionDenied = ble.ErrPermissionDenied

	ErrConnectionFailed    = errors.New("comms: connection failed")
	ErrNotConnected        = errors.New("comms: not connected")
	ErrWrite               = errors.New("comms: write failed")
	ErrChunkTransferFailed = errors.New("comms: chunk transfer failed")
	ErrConnectionLost      = errors.New("comms: connection lost")

	ErrUnknownDevice    = errors.New("comms: unknown device")
	ErrNoDeviceSelected = errors.New("comms: no device selected")
	ErrNotSupported     = errors.New("comms: not supported by device")
	ErrClosed           = errors.New("comms: manager closed")
)
