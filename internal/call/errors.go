package call

import "errors"

var (
	// ErrMediaAcquisition wraps capture-device failures (no device,
	// permission denied). Fatal to the session.
	ErrMediaAcquisition = errors.New("media acquisition failed")

	// ErrTransport wraps unrecoverable connectivity failures reported by
	// the native transport.
	ErrTransport = errors.New("transport failure")
)
