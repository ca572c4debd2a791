package fuzz

import (
	"context"

	"github.com/golang/glog"

	"github.com/alephresearch/abootool/pkg/config"
	"github.com/alephresearch/abootool/pkg/corpus"
)

// Identity resolves the attached device's canonical name.
type Identity interface {
	DeviceID(ctx context.Context) (string, error)
}

// SelectRecords picks the bootloader records relevant to the attached
// device: configured overrides first, then the detected device, then its
// vendor, then everything. id may be nil if the device cannot be asked.
func SelectRecords(ctx context.Context, c *corpus.Corpus, cfg *config.Config, id Identity) ([]*corpus.Record, error) {
	records, err := selectRecords(ctx, c, cfg, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		glog.Infof("No matching bootloaders, considering all ABOOTs")
		records = c.All()
	}
	if cfg.Build != "" {
		var narrowed []*corpus.Record
		for _, r := range records {
			if r.Build == cfg.Build {
				narrowed = append(narrowed, r)
			}
		}
		if len(narrowed) == 0 {
			glog.Warningf("No bootloader with build %q, ignoring build", cfg.Build)
		} else {
			records = narrowed
		}
	}
	return records, nil
}

func selectRecords(ctx context.Context, c *corpus.Corpus, cfg *config.Config, id Identity) ([]*corpus.Record, error) {
	if cfg.Device != "" {
		return c.ByDevice(cfg.Device), nil
	}
	if cfg.OEM != "" {
		return c.ByOEM(cfg.OEM), nil
	}

	var device string
	if id != nil {
		var err error
		device, err = id.DeviceID(ctx)
		if err != nil {
			return nil, err
		}
	}
	if device == "" {
		glog.Infof("Cannot detect device identifier, considering all ABOOTs")
		return c.All(), nil
	}

	if records := c.ByDevice(device); len(records) > 0 {
		return records, nil
	}
	glog.Infof("Cannot find bootloader images for %s, trying to resolve its OEM", device)
	vendor, ok := cfg.OEMs[device]
	if !ok {
		glog.Infof("Cannot resolve oem of %s, considering all ABOOTs", device)
		return c.All(), nil
	}
	glog.Infof("Falling back for images of %s", vendor)
	return c.ByOEM(vendor), nil
}
