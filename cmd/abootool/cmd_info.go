package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alephresearch/abootool/pkg/identity"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show what the attached bootloader says about itself",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, done, err := newSession()
		if err != nil {
			return err
		}
		defer done()

		id := &identity.Resolver{Vars: s, Aliases: cfg.BootloaderNames}
		serial, err := s.Serial(ctx)
		if err != nil {
			return err
		}
		name, err := id.BootloaderName(ctx)
		if err != nil {
			return err
		}
		unlocked, err := id.Unlocked(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Serial:     %s\n", serial)
		fmt.Printf("Bootloader: %s\n", name)
		fmt.Printf("Device:     %s\n", id.KnownAliasFor(name))
		if oem, ok := cfg.OEMs[id.KnownAliasFor(name)]; ok {
			fmt.Printf("OEM:        %s\n", oem)
		}
		fmt.Printf("Unlocked:   %s\n", unlocked)
		return nil
	},
}
