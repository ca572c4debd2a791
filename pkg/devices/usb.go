package devices

import (
	"context"
	"errors"
)

// Handle describes an opened Android USB interface, either fastboot or adb.
// Both protocols are plain request/response over one bulk endpoint pair.
type Handle interface {
	// Serial returns the USB serial number string of the device.
	Serial() string

	// Read performs a single bulk IN transfer. Transfers that run out of
	// time (context deadline or libusb timeout) return ErrUsbTimeout.
	Read(ctx context.Context, buf []byte) (int, error)

	// Write performs a single bulk OUT transfer, with the same timeout
	// semantics as Read.
	Write(ctx context.Context, buf []byte) (int, error)

	// Close disposes of this handle. No other functions may be called on the
	// interface afterwards.
	Close() error
}

// Bus finds and opens devices.
type Bus interface {
	// Open returns a handle to the first device exposing an interface of the
	// given kind, restricted to the given serial if non-empty. A nil handle
	// and nil error mean no such device is currently attached.
	Open(ctx context.Context, kind InterfaceKind, serial string) (Handle, error)
}

var (
	ErrUsbTimeout = errors.New("USB timeout error")
	// ErrBusy is returned by Bus.Open when the interface is claimed by
	// somebody else, usually a running adb server.
	ErrBusy = errors.New("USB interface busy")
	// ErrFatal wraps USB stack failures that retrying cannot fix.
	ErrFatal = errors.New("fatal USB error")
)
