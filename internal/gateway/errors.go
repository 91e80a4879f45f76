package gateway

import "errors"

var (
	// ErrAlreadyConnected is returned by Connect when the device has an active
	// session or a connect in flight.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrConnectionRefused wraps dial failures other than timeouts.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrTimeout is returned when the device does not answer within the dial
	// timeout.
	ErrTimeout = errors.New("connection timed out")
	// ErrNotConnected is returned by Disconnect for a device without an active
	// session.
	ErrNotConnected = errors.New("not connected")
	// ErrGatewayClosed is returned by Connect after Shutdown.
	ErrGatewayClosed = errors.New("gateway is shut down")
)
