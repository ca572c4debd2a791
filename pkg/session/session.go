// Package session owns the connection to one Android device and issues
// fastboot commands on it, moving the device from adb to fastboot mode and
// reconnecting after USB faults as needed.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/golang/glog"

	"github.com/alephresearch/abootool/pkg/adb"
	"github.com/alephresearch/abootool/pkg/config"
	"github.com/alephresearch/abootool/pkg/devices"
	"github.com/alephresearch/abootool/pkg/fastboot"
)

// Adb reboots a device through an opened adb interface.
type Adb interface {
	RebootBootloader(ctx context.Context, h devices.Handle) error
}

// AdbTool is the external adb binary.
type AdbTool interface {
	RebootBootloader(ctx context.Context, serial string) error
	DeviceAttached(ctx context.Context, serial string) bool
}

type Session struct {
	bus     devices.Bus
	adb     Adb
	adbTool AdbTool

	serial       string
	sentinel     string
	timeout      time.Duration
	pollInterval time.Duration
	retryDelay   time.Duration
	rebootDelay  time.Duration

	state  State
	handle devices.Handle
	client *fastboot.Client
	vars   map[string]string

	fingerprint         string
	fingerprintResolved bool
	fingerprintTimeout  bool
	lastOutput          string
}

func New(cfg *config.Config, bus devices.Bus, a Adb, tool AdbTool) *Session {
	return &Session{
		bus:          bus,
		adb:          a,
		adbTool:      tool,
		serial:       cfg.Serial,
		sentinel:     cfg.OEMErrorSentinel,
		timeout:      cfg.Timeout(),
		pollInterval: cfg.PollInterval,
		retryDelay:   time.Second,
		rebootDelay:  5 * time.Second,
		state:        Disconnected,
		vars:         make(map[string]string),
	}
}

func (s *Session) State() State {
	return s.state
}

// LastOutput returns the info lines of the last issued command.
func (s *Session) LastOutput() string {
	return s.lastOutput
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// fatal returns whether err must abort whatever the session is doing.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, devices.ErrFatal)
}

func (s *Session) attach(h devices.Handle, state State) {
	s.handle = h
	s.state = state
	if state == ConnectedFastboot {
		s.client = &fastboot.Client{Handle: h, Timeout: s.timeout}
	}
}

// WaitForDevice blocks until a device is attached in either fastboot or adb
// mode. It only returns an error if ctx is done or the USB stack is
// unusable.
func (s *Session) WaitForDevice(ctx context.Context) error {
	for s.state == Disconnected {
		if err := ctx.Err(); err != nil {
			return err
		}

		// A fastboot interface that cannot be opened may belong to another
		// device, so adb still gets its chance in the same pass.
		h, err := s.bus.Open(ctx, devices.Fastboot, s.serial)
		switch {
		case err != nil:
			if fatal(ctx, err) {
				return err
			}
			glog.Warningf("fastboot: could not open device: %v", err)
		case h != nil:
			glog.Infof("fastboot connected to %s", h.Serial())
			s.attach(h, ConnectedFastboot)
			continue
		}

		h, err = s.bus.Open(ctx, devices.Adb, s.serial)
		switch {
		case errors.Is(err, devices.ErrBusy):
			if s.adbTool.DeviceAttached(ctx, s.serial) {
				glog.Infof("adb: connected (through adb server)")
				s.state = ConnectedAdbDevice
				continue
			}
		case err != nil:
			if fatal(ctx, err) {
				return err
			}
			glog.Warningf("adb: could not open device: %v", err)
		case h != nil:
			glog.Infof("adb: connected to %s", h.Serial())
			s.attach(h, ConnectedAdbDevice)
			continue
		default:
			glog.Infof("Waiting for device...")
		}
		if err := sleep(ctx, s.pollInterval); err != nil {
			return err
		}
	}
	return nil
}

// WaitForFastboot blocks until the device is in fastboot mode, rebooting it
// out of adb mode if necessary.
func (s *Session) WaitForFastboot(ctx context.Context) error {
	for s.state != ConnectedFastboot {
		if s.state == ConnectedAdbDevice {
			if err := s.rebootBootloader(ctx); err != nil {
				return err
			}
		}
		if err := s.WaitForDevice(ctx); err != nil {
			return err
		}
	}
	return nil
}

var errNoAdbHandle = errors.New("adb interface owned by adb server")

// rebootBootloader tries the adb protocol first and falls back to the adb
// binary on the errors the protocol path is known to fail with.
func (s *Session) rebootBootloader(ctx context.Context) error {
	glog.Infof("adb: rebooting to bootloader")

	err := errNoAdbHandle
	if s.handle != nil && s.adb != nil {
		err = s.adb.RebootBootloader(ctx, s.handle)
	}
	s.Disconnect()

	switch {
	case err == nil:
	case fatal(ctx, err):
		return err
	case errors.Is(err, errNoAdbHandle), errors.Is(err, adb.ErrWriteFailed), errors.Is(err, adb.ErrUnauthorized), errors.Is(err, adb.ErrProtocol), errors.Is(err, devices.ErrUsbTimeout):
		glog.V(1).Infof("adb: protocol reboot unavailable (%v), falling back to adb binary", err)
		if err := s.adbTool.RebootBootloader(ctx, s.serial); err != nil {
			if fatal(ctx, err) {
				return err
			}
			glog.Warningf("adb: %v", err)
		}
	default:
		glog.Warningf("adb: reboot to bootloader failed: %v", err)
	}
	return sleep(ctx, s.rebootDelay)
}

// Serial returns the USB serial number of the device, waiting for one to
// show up.
func (s *Session) Serial(ctx context.Context) (string, error) {
	if err := s.WaitForDevice(ctx); err != nil {
		return "", err
	}
	if s.handle == nil {
		return s.serial, nil
	}
	return s.handle.Serial(), nil
}

// Disconnect forgets the error fingerprint and closes the device. It is
// safe to call in any state.
func (s *Session) Disconnect() {
	s.fingerprint = ""
	s.fingerprintResolved = false
	s.fingerprintTimeout = false
	s.state = Disconnected
	s.client = nil
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			glog.V(1).Infof("closing device: %v", err)
		}
		s.handle = nil
	}
}

// issue sends a single fastboot command and returns the newline-joined info
// lines. Errors are *RemoteFailure, *TransportFault (session disconnected),
// ErrTimeout (only if allowTimeout), fastboot.ErrCommandTooLong, or fatal
// ones.
func (s *Session) issue(ctx context.Context, verb fastboot.Verb, arg string, allowTimeout bool) (string, error) {
	if err := s.WaitForFastboot(ctx); err != nil {
		return "", err
	}

	var col fastboot.Collector
	_, err := s.client.Command(ctx, verb, arg, col.Info)
	s.lastOutput = col.String()
	if err == nil {
		return s.lastOutput, nil
	}

	var rf *fastboot.RemoteFailure
	switch {
	case fatal(ctx, err), errors.Is(err, fastboot.ErrCommandTooLong):
		return "", err
	case errors.As(err, &rf):
		return "", &RemoteFailure{Message: rf.Message}
	case errors.Is(err, fastboot.ErrStateMismatch):
		glog.Warningf("fastboot state mismatch")
	case errors.Is(err, devices.ErrUsbTimeout):
		if allowTimeout {
			glog.V(1).Infof("Allowed timeout during fastboot command: %s", verb.Format(arg))
			return "", ErrTimeout
		}
		glog.V(1).Infof("timeout during fastboot command: %s", verb.Format(arg))
	}
	s.Disconnect()
	return "", &TransportFault{Err: err}
}

// issueWithRetry resolves the error fingerprint and issues the command,
// reconnecting and retrying after transport faults unless allowUsbError is
// set, in which case the fault is returned.
func (s *Session) issueWithRetry(ctx context.Context, verb fastboot.Verb, arg string, allowTimeout, allowUsbError bool) (string, error) {
	for {
		err := s.ResolveErrorFingerprint(ctx)
		if err == nil {
			var out string
			out, err = s.issue(ctx, verb, arg, allowTimeout)
			if err == nil {
				return out, nil
			}
		}

		var tf *TransportFault
		if !errors.As(err, &tf) || allowUsbError {
			return "", err
		}
		glog.Warningf("USB Error (%v) detected during command: %s", tf.Err, verb.Format(arg))
		if err := sleep(ctx, s.retryDelay); err != nil {
			return "", err
		}
	}
}

// Oem sends 'oem <cmd>' and classifies the answer. The returned error is
// only set for conditions that should abort a campaign.
func (s *Session) Oem(ctx context.Context, cmd string, allowTimeout, allowUsbError bool) (Outcome, error) {
	out, err := s.issueWithRetry(ctx, fastboot.VerbOem, cmd, allowTimeout, allowUsbError)

	var rf *RemoteFailure
	var tf *TransportFault
	switch {
	case err == nil:
		if s.IsNotFoundResponse(out, cmd) {
			return Outcome{Kind: NotFound, Response: out}, nil
		}
		return Outcome{Kind: Okay, Response: out}, nil
	case errors.Is(err, ErrTimeout):
		if s.fingerprintTimeout {
			return Outcome{Kind: NotFound}, nil
		}
		return Outcome{Kind: TimedOut, Response: s.lastOutput}, nil
	case errors.As(err, &rf):
		if s.IsNotFoundResponse(rf.Message+s.lastOutput, cmd) {
			return Outcome{Kind: NotFound, Response: s.lastOutput, Message: rf.Message}, nil
		}
		return Outcome{Kind: Failed, Response: s.lastOutput, Message: rf.Message}, nil
	case errors.As(err, &tf):
		return Outcome{Kind: UsbError, Response: s.lastOutput, Message: tf.Err.Error()}, nil
	case errors.Is(err, fastboot.ErrCommandTooLong):
		glog.V(1).Infof("Not sending %q: %v", cmd, err)
		return Outcome{Kind: NotFound}, nil
	}
	return Outcome{}, err
}

// Getvar reads a bootloader variable. Values are cached for the lifetime of
// the session. A variable the bootloader refuses to report reads as "".
func (s *Session) Getvar(ctx context.Context, name string) (string, error) {
	if v, ok := s.vars[name]; ok {
		return v, nil
	}
	out, err := s.issueWithRetry(ctx, fastboot.VerbGetvar, name, false, false)
	if err != nil {
		var rf *RemoteFailure
		if errors.As(err, &rf) {
			return "", nil
		}
		return "", err
	}
	s.vars[name] = out
	return out, nil
}

// ResolveErrorFingerprint learns what the bootloader answers to an oem
// command that does not exist by sending the configured sentinel. Some
// bootloaders answer with a generic error, some do not answer at all, in
// which case timeouts mean 'not found' from then on.
func (s *Session) ResolveErrorFingerprint(ctx context.Context) error {
	if s.fingerprintResolved {
		return nil
	}

	out, err := s.issue(ctx, fastboot.VerbOem, s.sentinel, true)
	var rf *RemoteFailure
	switch {
	case err == nil:
		s.fingerprint = normalize(out)
	case errors.As(err, &rf):
		s.fingerprint = normalize(rf.Message + s.lastOutput)
	case errors.Is(err, ErrTimeout):
		glog.V(1).Infof("Error is indicated by USB timeout")
		s.fingerprintTimeout = true
	default:
		return err
	}
	s.fingerprintResolved = true
	glog.V(1).Infof("Error str: %q", s.fingerprint)
	return nil
}

// IsNotFoundResponse returns whether msg, received for cmd, is the device's
// 'unknown command' answer. Besides an exact match it accepts the
// fingerprint with the sentinel replaced by the command, or by the first
// word of the command, as some bootloaders echo what they failed to find.
func (s *Session) IsNotFoundResponse(msg, cmd string) bool {
	if !s.fingerprintResolved || s.fingerprintTimeout {
		return false
	}
	cmd = normalize(cmd)
	msg = normalize(msg)
	if msg == s.fingerprint {
		return true
	}

	sentinel := normalize(s.sentinel)
	if normalize(strings.ReplaceAll(s.fingerprint, sentinel, cmd)) == msg {
		return true
	}
	verb := cmd
	if i := strings.IndexFunc(cmd, unicode.IsSpace); i >= 0 {
		verb = cmd[:i]
	}
	return normalize(strings.ReplaceAll(s.fingerprint, sentinel, verb)) == msg
}

func normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "\n", ""))
}
