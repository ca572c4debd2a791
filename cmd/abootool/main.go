package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/alephresearch/abootool/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "abootool",
	Short: "abootool discovers hidden fastboot oem commands",
	Long: `Sends every string found in bootloader images of a device (or of its vendor)
as a fastboot oem command, and reports which ones the bootloader accepts,
refuses for lack of permission, or chokes on.

The device is rebooted into fastboot mode if it is found in adb mode.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var (
	configPath string
	verboseLog bool
	traceLog   bool

	// flagConfig receives command line options; only the ones actually set
	// are applied over the configuration file.
	flagConfig = config.Default()
	// cfg is the effective configuration.
	cfg *config.Config
)

func loadConfig(cmd *cobra.Command, args []string) error {
	switch {
	case traceLog:
		flag.Set("v", "2")
	case verboseLog:
		flag.Set("v", "1")
	}

	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	overlay := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	bindConfigFlags(overlay, c)
	var errs []error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if overlay.Lookup(f.Name) == nil {
			return
		}
		if err := overlay.Set(f.Name, f.Value.String()); err != nil {
			errs = append(errs, err)
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("invalid flag: %w", errs[0])
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	glog.V(2).Infof("Config = %+v", *cfg)
	return nil
}

// bindConfigFlags registers the command line counterparts of the config
// file options.
func bindConfigFlags(fs *pflag.FlagSet, c *config.Config) {
	fs.StringVarP(&c.OEM, "oem", "e", c.OEM, "OEM to load ABOOT strings of, otherwise autodetect")
	fs.StringVarP(&c.Device, "device", "d", c.Device, "Device to load ABOOT strings of, otherwise autodetect")
	fs.StringVarP(&c.Build, "build", "b", c.Build, "Build to load ABOOT strings of")
	fs.StringVarP(&c.Serial, "serial", "s", c.Serial, "USB serial number of the device to use")
	fs.IntVarP(&c.ResumeIndex, "resume", "r", c.ResumeIndex, "Resume from specified string index")
	fs.StringVarP(&c.IgnorePattern, "ignore", "i", c.IgnorePattern, "Ignore strings matching this regexp")
	fs.BoolVarP(&c.UseStringsGenerator, "use-strings-generator", "g", c.UseStringsGenerator, "Generate strings lazily instead of loading them all first (fast but degrades progress)")
	fs.BoolVarP(&c.ShowOutput, "output", "o", c.ShowOutput, "Show output of succeeded fastboot commands")
	fs.BoolVar(&c.Substrings, "substrings", c.Substrings, "Try every substring of every string")
	fs.BoolVar(&c.SplitSpace, "split-space", c.SplitSpace, "Also try the first word of strings containing whitespace")
	fs.BoolVar(&c.OEMOnly, "oem-only", c.OEMOnly, "Only try strings starting with 'oem '")
	fs.BoolVar(&c.StripWhitespace, "strip-whitespace", c.StripWhitespace, "Trim whitespace around strings")
	fs.BoolVar(&c.RemoveBreaks, "remove-breaks", c.RemoveBreaks, "Remove line breaks within strings")
	fs.IntVar(&c.MaxLen, "max-len", c.MaxLen, "Skip strings longer than this (0 for no limit)")
	fs.BoolVar(&c.AlphanumOnly, "alphanum-only", c.AlphanumOnly, "Skip strings with characters other than alphanumerics, '-', '_' and whitespace")
	fs.IntVarP(&c.TimeoutMs, "timeout", "t", c.TimeoutMs, "USB I/O timeout (ms)")
	fs.StringVar(&c.OEMErrorSentinel, "error-sentinel", c.OEMErrorSentinel, "Bogus oem command used to learn how the bootloader reports unknown commands")
	fs.StringVar(&c.DataPath, "data", c.DataPath, "Directory holding the ABOOT strings corpus")
	fs.StringVar(&c.AdbPath, "adb", c.AdbPath, "Path to the adb binary")
	fs.StringVar(&c.AdbKeyPath, "adb-key", c.AdbKeyPath, "Path to the adb private key")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "How often to look for a device while none is attached")
}

func main() {
	flag.Set("logtostderr", "true")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&verboseLog, "verbose", false, "Enable verbose logging (same as -v 1)")
	rootCmd.PersistentFlags().BoolVar(&traceLog, "trace", false, "Enable even more logging (same as -v 2)")
	bindConfigFlags(rootCmd.PersistentFlags(), flagConfig)

	addBlobCmd.Flags().StringVarP(&addBlobPrefix, "string-prefix", "S", "", "Only keep strings starting with this prefix")
	corpusCmd.AddCommand(corpusListCmd)
	corpusCmd.AddCommand(addBlobCmd)
	rootCmd.AddCommand(fuzzCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(corpusCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}
