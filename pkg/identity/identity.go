// Package identity figures out which device is attached, from what its
// bootloader reports over getvar.
package identity

import (
	"context"
	"strings"
)

// Vars reads bootloader variables.
type Vars interface {
	Getvar(ctx context.Context, name string) (string, error)
}

type Resolver struct {
	Vars Vars
	// Aliases maps bootloader names to canonical device names.
	Aliases map[string]string
}

// BootloaderName returns the product name the bootloader reports. OnePlus
// bootloaders report the SoC as their product and carry the actual name in
// oem_project_name.
func (r *Resolver) BootloaderName(ctx context.Context) (string, error) {
	product, err := r.Vars.Getvar(ctx, "product")
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(product, "msm") {
		project, err := r.Vars.Getvar(ctx, "oem_project_name")
		if err != nil {
			return "", err
		}
		if project != "" {
			return project, nil
		}
	}
	return product, nil
}

// KnownAliasFor maps a bootloader name to a device name, returning raw
// unchanged when there is no alias for it.
func (r *Resolver) KnownAliasFor(raw string) string {
	if alias, ok := r.Aliases[raw]; ok {
		return alias
	}
	return raw
}

// DeviceID returns the canonical name of the attached device, or "" if the
// bootloader does not say.
func (r *Resolver) DeviceID(ctx context.Context) (string, error) {
	name, err := r.BootloaderName(ctx)
	if err != nil {
		return "", err
	}
	return r.KnownAliasFor(name), nil
}

// Unlocked returns the bootloader's 'unlocked' variable.
func (r *Resolver) Unlocked(ctx context.Context) (string, error) {
	return r.Vars.Getvar(ctx, "unlocked")
}
