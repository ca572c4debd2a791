package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/golang/glog"
)

// Binary drives the platform-tools adb executable.
type Binary struct {
	Path string
}

func (b *Binary) args(serial string, args ...string) []string {
	if serial != "" {
		return append([]string{"-s", serial}, args...)
	}
	return args
}

// RebootBootloader runs 'adb reboot bootloader'.
func (b *Binary) RebootBootloader(ctx context.Context, serial string) error {
	cmd := exec.CommandContext(ctx, b.Path, b.args(serial, "reboot", "bootloader")...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s reboot bootloader: %w (%s)", b.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DeviceAttached runs 'adb get-state' and returns whether a device in the
// 'device' state is attached.
func (b *Binary) DeviceAttached(ctx context.Context, serial string) bool {
	cmd := exec.CommandContext(ctx, b.Path, b.args(serial, "get-state")...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		glog.V(1).Infof("adb get-state: %v", err)
		return false
	}
	return bytes.Contains(out, []byte("device"))
}
