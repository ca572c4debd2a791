// Package filter sanitizes and validates candidate oem commands.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/golang/glog"

	"github.com/alephresearch/abootool/pkg/config"
)

const oemPrefix = "oem "

var alphanum = regexp.MustCompile(`^([0-9a-zA-Z_-]|\s)+$`)

// Filter is stateless once built; every method is a pure function of its
// arguments and the policy it was built from.
type Filter struct {
	stripWhitespace bool
	removeBreaks    bool
	oemOnly         bool
	ignore          *regexp.Regexp
	maxLen          int
	alphanumOnly    bool
}

func New(cfg *config.Config) (*Filter, error) {
	f := &Filter{
		stripWhitespace: cfg.StripWhitespace,
		removeBreaks:    cfg.RemoveBreaks,
		oemOnly:         cfg.OEMOnly,
		maxLen:          cfg.MaxLen,
		alphanumOnly:    cfg.AlphanumOnly,
	}
	if cfg.IgnorePattern != "" {
		// Anchored at the start, like a match rather than a search.
		re, err := regexp.Compile(`^(?:` + cfg.IgnorePattern + `)`)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern: %w", err)
		}
		f.ignore = re
	}
	return f, nil
}

var breaks = strings.NewReplacer("\n", "", "\r", "", "\f", "", "\v", "")

// Sanitize normalizes a raw string into a candidate. Candidates never carry
// the oem verb.
func (f *Filter) Sanitize(s string) string {
	if f.stripWhitespace {
		s = strings.TrimSpace(s)
	}
	if f.removeBreaks {
		s = breaks.Replace(s)
	}
	for strings.HasPrefix(s, oemPrefix) {
		s = s[len(oemPrefix):]
	}
	return s
}

// Validate returns whether candidate s, derived from the raw corpus string
// original, should be sent.
func (f *Filter) Validate(original, s string) bool {
	if len(s) == 0 {
		return false
	}
	if f.oemOnly && !strings.HasPrefix(original, oemPrefix) {
		return false
	}
	if f.ignore != nil && f.ignore.MatchString(s) {
		glog.V(2).Infof("Ignoring %q (matches pattern)", s)
		return false
	}
	if f.maxLen > 0 && len(s) > f.maxLen {
		glog.V(2).Infof("Ignoring %q (%d > %d)", s, len(s), f.maxLen)
		return false
	}
	if f.alphanumOnly && !alphanum.MatchString(s) {
		glog.V(2).Infof("Ignoring %q (not alphanum)", s)
		return false
	}
	return true
}
