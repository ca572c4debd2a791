package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/alephresearch/abootool/pkg/corpus"
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Manage the ABOOT strings corpus",
}

var corpusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available ABOOTs by OEM and by device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := corpus.Load(cfg.DataPath)
		if c == nil {
			return err
		}
		if err != nil {
			glog.Warningf("Some bootloaders could not be loaded: %v", err)
		}

		fmt.Println("BY OEM:")
		fmt.Println("-------")
		dumpCounts(c.OEMs(), func(k string) int { return len(c.ByOEM(k)) })
		fmt.Println()
		fmt.Println("BY DEVICE:")
		fmt.Println("----------")
		dumpCounts(c.Devices(), func(k string) int { return len(c.ByDevice(k)) })
		return nil
	},
}

// dumpCounts prints keys and their counts two per line.
func dumpCounts(keys []string, count func(string) int) {
	for i := 0; i+1 < len(keys); i += 2 {
		fmt.Printf("%17s: %3d    %17s: %3d\n", keys[i], count(keys[i]), keys[i+1], count(keys[i+1]))
	}
	if len(keys)%2 == 1 {
		k := keys[len(keys)-1]
		fmt.Printf("%17s: %3d\n", k, count(k))
	}
}

var addBlobPrefix string

var addBlobCmd = &cobra.Command{
	Use:   "add-blob [path]",
	Short: "Add the strings of a raw ABOOT image to the corpus",
	Long: `Scrapes printable strings out of a raw bootloader image and stores them in the
corpus. --oem, --device and --build are required to name the record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.OEM == "" || cfg.Device == "" || cfg.Build == "" {
			return fmt.Errorf("missing OEM/Device/Build specifiers")
		}
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("could not read image: %w", err)
		}

		rec := corpus.FromBlob(data, cfg.OEM, cfg.Device, cfg.Build, filepath.Base(path), addBlobPrefix)
		glog.V(1).Infof("SHA256 = %s", rec.SHA256)
		out, err := rec.Save(cfg.DataPath)
		switch {
		case errors.Is(err, corpus.ErrExists):
			glog.Infof("%s already exists, skipping", out)
			return nil
		case err != nil:
			return err
		}
		glog.Infof("Added %s with %d strings to %s", rec, len(rec.Strings), out)
		return nil
	},
}
