package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/alephresearch/abootool/pkg/corpus"
	"github.com/alephresearch/abootool/pkg/filter"
	"github.com/alephresearch/abootool/pkg/fuzz"
	"github.com/alephresearch/abootool/pkg/identity"
	"github.com/alephresearch/abootool/pkg/report"
)

var fuzzCmd = &cobra.Command{
	Use:   "fuzz",
	Short: "Try every known ABOOT string as an oem command",
	Long: `Waits for a device, picks the ABOOT strings corpus matching it (or the one
given by --device/--oem), then sends every candidate string as 'fastboot oem'
and prints what the bootloader accepted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		c, err := corpus.Load(cfg.DataPath)
		if c == nil {
			return err
		}
		if err != nil {
			glog.Warningf("Some bootloaders could not be loaded: %v", err)
		}
		if len(c.All()) == 0 {
			return fmt.Errorf("no bootloaders in %s, add some with 'corpus add-blob'", cfg.DataPath)
		}

		f, err := filter.New(cfg)
		if err != nil {
			return err
		}

		s, done, err := newSession()
		if err != nil {
			return err
		}
		defer done()

		id := &identity.Resolver{Vars: s, Aliases: cfg.BootloaderNames}
		name, err := id.DeviceID(ctx)
		if err != nil {
			return err
		}
		if name != "" {
			glog.Infof("Device reported name = %s", name)
		}

		records, err := fuzz.SelectRecords(ctx, c, cfg, id)
		if err != nil {
			return err
		}
		glog.Infof("Using %d ABOOTs", len(records))
		for _, r := range records {
			glog.V(1).Infof("  %s", r)
		}

		e := &fuzz.Engine{
			Device:     s,
			Stream:     fuzz.NewStream(records, f, cfg.Substrings, cfg.SplitSpace),
			Sink:       &report.Terminal{W: os.Stdout, Streaming: cfg.UseStringsGenerator, ShowOutput: cfg.ShowOutput},
			Streaming:  cfg.UseStringsGenerator,
			Keywords:   cfg.RestrictionKeywords,
			ShowOutput: cfg.ShowOutput,
		}
		_, err = e.Run(ctx, cfg.ResumeIndex)
		return err
	},
}
