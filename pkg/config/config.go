// Package config holds the options every abootool component consumes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Device, OEM and Build override corpus selection.
	Device string `yaml:"device"`
	OEM    string `yaml:"oem"`
	Build  string `yaml:"build"`
	// Serial restricts the session to one USB serial number.
	Serial string `yaml:"serial"`

	ResumeIndex         int    `yaml:"resume_index"`
	IgnorePattern       string `yaml:"ignore_pattern"`
	UseStringsGenerator bool   `yaml:"use_strings_generator"`
	Substrings          bool   `yaml:"substrings"`
	SplitSpace          bool   `yaml:"split_space"`
	OEMOnly             bool   `yaml:"oem_only"`
	StripWhitespace     bool   `yaml:"strip_whitespace"`
	RemoveBreaks        bool   `yaml:"remove_breaks"`
	MaxLen              int    `yaml:"max_len"`
	AlphanumOnly        bool   `yaml:"alphanum_only"`
	ShowOutput          bool   `yaml:"show_output"`
	TimeoutMs           int    `yaml:"timeout_ms"`
	// OEMErrorSentinel is a syntactically invalid oem command, used to learn
	// what the bootloader answers for commands it does not know.
	OEMErrorSentinel string `yaml:"oem_error_sentinel"`

	DataPath     string        `yaml:"data_path"`
	AdbPath      string        `yaml:"adb_path"`
	AdbKeyPath   string        `yaml:"adb_key_path"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// RestrictionKeywords mark a FAIL answer as 'exists, but not for you'.
	RestrictionKeywords []string `yaml:"restriction_keywords"`
	// BootloaderNames maps product names reported by the bootloader to
	// canonical device names.
	BootloaderNames map[string]string `yaml:"bootloader_names"`
	// OEMs maps device names to their vendor.
	OEMs map[string]string `yaml:"oems"`
}

func Default() *Config {
	return &Config{
		StripWhitespace:  true,
		RemoveBreaks:     true,
		AlphanumOnly:     true,
		MaxLen:           0,
		TimeoutMs:        5000,
		OEMErrorSentinel: "foobarbaz",
		DataPath:         filepath.Join(xdg.DataHome, "abootool", "corpus"),
		AdbPath:          "adb",
		AdbKeyPath:       filepath.Join(xdg.Home, ".android", "adbkey"),
		PollInterval:     5 * time.Second,
		RestrictionKeywords: []string{
			"lock",
			"restricted",
			"support",
			"not allowed",
			"permission denied",
		},
		BootloaderNames: map[string]string{},
		OEMs:            map[string]string{},
	}
}

// Timeout returns TimeoutMs as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// DefaultPath returns the user's config file path, or "" if there is none.
func DefaultPath() string {
	p, err := xdg.SearchConfigFile(filepath.Join("abootool", "abootool.yaml"))
	if err != nil {
		return ""
	}
	return p
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.OEMErrorSentinel == "" {
		return errors.New("oem_error_sentinel must not be empty")
	}
	if c.MaxLen < 0 {
		return errors.New("max_len must not be negative")
	}
	if c.TimeoutMs < 0 {
		return errors.New("timeout_ms must not be negative")
	}
	if c.ResumeIndex < 0 {
		return errors.New("resume_index must not be negative")
	}
	return nil
}
