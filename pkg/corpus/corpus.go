// Package corpus stores the strings extracted from bootloader images, which
// are the source of candidate oem commands.
package corpus

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// Record is the set of strings scraped from one bootloader image.
type Record struct {
	Src     string   `json:"src"`
	Name    string   `json:"name"`
	OEM     string   `json:"oem"`
	Device  string   `json:"device"`
	Build   string   `json:"build"`
	SHA256  string   `json:"sha256"`
	Strings []string `json:"strings"`
}

func (r *Record) String() string {
	return fmt.Sprintf("%s/%s/%s", r.OEM, r.Device, r.Build)
}

// Corpus is an immutable, indexed collection of records.
type Corpus struct {
	all      []*Record
	byDevice map[string][]*Record
	byOEM    map[string][]*Record
}

func New(records []*Record) *Corpus {
	c := &Corpus{
		all:      records,
		byDevice: make(map[string][]*Record),
		byOEM:    make(map[string][]*Record),
	}
	for _, r := range records {
		c.byDevice[r.Device] = append(c.byDevice[r.Device], r)
		c.byOEM[r.OEM] = append(c.byOEM[r.OEM], r)
	}
	return c
}

func (c *Corpus) All() []*Record {
	return c.all
}

func (c *Corpus) ByDevice(device string) []*Record {
	return c.byDevice[device]
}

func (c *Corpus) ByOEM(oem string) []*Record {
	return c.byOEM[oem]
}

// Devices returns all device names, sorted.
func (c *Corpus) Devices() []string {
	k := maps.Keys(c.byDevice)
	slices.Sort(k)
	return k
}

// OEMs returns all OEM names, sorted.
func (c *Corpus) OEMs() []string {
	k := maps.Keys(c.byOEM)
	slices.Sort(k)
	return k
}
