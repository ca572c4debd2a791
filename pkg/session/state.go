package session

import (
	"errors"
	"fmt"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	ConnectedFastboot
	ConnectedAdbDevice
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ConnectedFastboot:
		return "fastboot"
	case ConnectedAdbDevice:
		return "adb"
	}
	return "UNKNOWN"
}

// OutcomeKind classifies the answer to one oem command.
type OutcomeKind int

const (
	// Okay means the bootloader answered OKAY.
	Okay OutcomeKind = iota
	// Failed means the bootloader answered FAIL with something other than
	// its 'unknown command' fingerprint.
	Failed
	NotFound
	TimedOut
	UsbError
)

func (k OutcomeKind) String() string {
	switch k {
	case Okay:
		return "okay"
	case Failed:
		return "failed"
	case NotFound:
		return "not-found"
	case TimedOut:
		return "timed-out"
	case UsbError:
		return "usb-error"
	}
	return "UNKNOWN"
}

// Outcome is the classified result of sending a single oem command.
type Outcome struct {
	Kind OutcomeKind
	// Response is the newline-joined text the device sent back.
	Response string
	// Message is the FAIL payload, set for Failed.
	Message string
}

// RemoteFailure is the device rejecting a command.
type RemoteFailure struct {
	Message string
}

func (r *RemoteFailure) Error() string {
	return fmt.Sprintf("remote failure: %s", r.Message)
}

// TransportFault is a USB level problem after which the session has been
// disconnected.
type TransportFault struct {
	Err error
}

func (t *TransportFault) Error() string {
	return fmt.Sprintf("transport fault: %v", t.Err)
}

func (t *TransportFault) Unwrap() error {
	return t.Err
}

// ErrTimeout is returned by issue when the caller allowed timeouts.
var ErrTimeout = errors.New("command timed out")
