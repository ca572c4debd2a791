package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	"github.com/hashicorp/go-multierror"

	"github.com/alephresearch/abootool/pkg/devices"
)

// desktopBus finds Android devices through libusb.
type desktopBus struct {
	ctx *gousb.Context
}

func newBus() (*desktopBus, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	return &desktopBus{ctx: ctx}, nil
}

func (b *desktopBus) Close() error {
	if err := b.ctx.Close(); err != nil {
		return fmt.Errorf("when closing context: %w", err)
	}
	return nil
}

// findSetting returns the first interface setting of an active
// configuration matching the given kind.
func findSetting(desc *gousb.DeviceDesc, kind devices.InterfaceKind) (cfg int, setting *gousb.InterfaceSetting) {
	want := kind.Description()
	for n, c := range desc.Configs {
		for _, intf := range c.Interfaces {
			for i, s := range intf.AltSettings {
				if want.Matches(s.Class, s.SubClass, s.Protocol) {
					return n, &intf.AltSettings[i]
				}
			}
		}
	}
	return 0, nil
}

func (b *desktopBus) Open(ctx context.Context, kind devices.InterfaceKind, serial string) (devices.Handle, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, s := findSetting(desc, kind)
		return s != nil
	})
	var errs error
	if err != nil {
		if errors.Is(err, gousb.ErrorNotSupported) || errors.Is(err, gousb.ErrorNoMem) {
			return nil, fmt.Errorf("%w: %v", devices.ErrFatal, err)
		}
		errs = multierror.Append(errs, err)
	}

	var found devices.Handle
	for _, dev := range devs {
		if found != nil {
			dev.Close()
			continue
		}
		// Devices other than the requested one are left alone, so that their
		// errors never hide it.
		sn, err := dev.SerialNumber()
		switch {
		case err != nil && serial != "":
			glog.V(2).Infof("%s: skipping %s: %v", kind, usbid.Describe(dev.Desc), err)
			dev.Close()
			continue
		case err != nil:
			dev.Close()
			errs = multierror.Append(errs, fmt.Errorf("reading serial number: %w", err))
			continue
		case serial != "" && sn != serial:
			glog.V(2).Infof("%s: skipping %s", kind, sn)
			dev.Close()
			continue
		}
		h, err := claim(dev, kind, sn)
		if err != nil {
			dev.Close()
			errs = multierror.Append(errs, err)
			continue
		}
		glog.V(1).Infof("%s: found %s (%s)", kind, usbid.Describe(dev.Desc), h.serial)
		found = h
	}
	if found != nil {
		return found, nil
	}

	var me *multierror.Error
	if errors.As(errs, &me) {
		for _, err := range me.Errors {
			if errors.Is(err, devices.ErrBusy) {
				return nil, err
			}
		}
	}
	return nil, errs
}

// desktopUsb is a claimed fastboot or adb interface.
type desktopUsb struct {
	usb    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	serial string
}

func claim(dev *gousb.Device, kind devices.InterfaceKind, serial string) (*desktopUsb, error) {
	cfgNum, setting := findSetting(dev.Desc, kind)
	if setting == nil {
		return nil, fmt.Errorf("no %s interface", kind)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, err
	}

	d := &desktopUsb{usb: dev, serial: serial}
	var err error
	d.cfg, err = dev.Config(cfgNum)
	if err != nil {
		return nil, mapClaimError(kind, err)
	}
	d.intf, err = d.cfg.Interface(setting.Number, setting.Alternate)
	if err != nil {
		d.cfg.Close()
		return nil, mapClaimError(kind, err)
	}

	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			d.in, err = d.intf.InEndpoint(ep.Number)
		case gousb.EndpointDirectionOut:
			d.out, err = d.intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			d.release()
			return nil, err
		}
	}
	if d.in == nil || d.out == nil {
		d.release()
		return nil, fmt.Errorf("did not find both IN and OUT endpoint on %s interface", kind)
	}
	return d, nil
}

// mapClaimError flags interfaces held by somebody else. gousb formats the
// libusb error into its own, so the message is all there is to go by.
func mapClaimError(kind devices.InterfaceKind, err error) error {
	if errors.Is(err, gousb.ErrorBusy) || strings.Contains(err.Error(), gousb.ErrorBusy.Error()) {
		return fmt.Errorf("%s: %w", kind, devices.ErrBusy)
	}
	return fmt.Errorf("%s: could not claim interface: %w", kind, err)
}

// mapTransferError converts libusb timeouts, which show up differently
// depending on whether libusb or the context deadline fired first.
func mapTransferError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		return devices.ErrUsbTimeout
	case errors.Is(err, gousb.TransferCancelled) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return devices.ErrUsbTimeout
	}
	return err
}

func (d *desktopUsb) Serial() string {
	return d.serial
}

func (d *desktopUsb) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := d.in.ReadContext(ctx, buf)
	return n, mapTransferError(ctx, err)
}

func (d *desktopUsb) Write(ctx context.Context, buf []byte) (int, error) {
	n, err := d.out.WriteContext(ctx, buf)
	return n, mapTransferError(ctx, err)
}

func (d *desktopUsb) release() {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
}

func (d *desktopUsb) Close() error {
	d.release()
	return d.usb.Close()
}

func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}
