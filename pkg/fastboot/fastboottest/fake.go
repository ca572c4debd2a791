// Package fastboottest provides a scripted in-memory fastboot device.
package fastboottest

import (
	"context"
	"fmt"
	"sync"

	"github.com/alephresearch/abootool/pkg/devices"
)

// Packet is a single scripted response. A Packet with Err set makes the
// corresponding read fail instead.
type Packet struct {
	Data string
	Err  error
}

func Info(s string) Packet { return Packet{Data: "INFO" + s} }
func Okay(s string) Packet { return Packet{Data: "OKAY" + s} }
func Fail(s string) Packet { return Packet{Data: "FAIL" + s} }

// Timeout makes the read time out.
func Timeout() Packet { return Packet{Err: devices.ErrUsbTimeout} }

// Responder maps a received command to the packets the device answers with.
type Responder func(cmd string) []Packet

// Device is a fake fastboot handle.
type Device struct {
	SerialNumber string
	Respond      Responder

	mu       sync.Mutex
	pending  []Packet
	Commands []string
	Closed   bool
}

func (d *Device) Serial() string {
	return d.SerialNumber
}

func (d *Device) Write(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Closed {
		return 0, fmt.Errorf("write on closed device")
	}
	cmd := string(buf)
	d.Commands = append(d.Commands, cmd)
	d.pending = append(d.pending, d.Respond(cmd)...)
	return len(buf), nil
}

func (d *Device) Read(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Closed {
		return 0, fmt.Errorf("read on closed device")
	}
	if len(d.pending) == 0 {
		return 0, devices.ErrUsbTimeout
	}
	p := d.pending[0]
	d.pending = d.pending[1:]
	if p.Err != nil {
		return 0, p.Err
	}
	return copy(buf, p.Data), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	d.pending = nil
	return nil
}

// Bus always finds Device in fastboot mode and never finds an adb device.
// Every open revives the device if the session closed it.
type Bus struct {
	Device *Device
	Opens  int
}

func (b *Bus) Open(ctx context.Context, kind devices.InterfaceKind, serial string) (devices.Handle, error) {
	if kind != devices.Fastboot {
		return nil, nil
	}
	b.Opens++
	b.Device.mu.Lock()
	b.Device.Closed = false
	b.Device.mu.Unlock()
	return b.Device, nil
}
