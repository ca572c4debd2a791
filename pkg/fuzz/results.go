package fuzz

import (
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// Status is the single character a candidate is tagged with in the logs.
type Status byte

const (
	StatusPositive   Status = '+'
	StatusFailed     Status = '-'
	StatusRestricted Status = 'R'
	StatusTimedOut   Status = 'T'
	StatusUsbError   Status = 'E'
)

func (s Status) String() string {
	return string(s)
}

type Result struct {
	// Response is the text the device sent back.
	Response string
	// Message is the FAIL payload, if any.
	Message string
	Status  Status
}

// Set maps candidates to what the device answered.
type Set map[string]Result

// Sorted returns the candidates in s in lexical order.
func (s Set) Sorted() []string {
	k := maps.Keys(s)
	slices.Sort(k)
	return k
}

// Results holds the outcome of a run. A candidate is in at most one set.
type Results struct {
	Positives  Set
	Restricted Set
	TimedOut   Set
	UsbErrors  Set
}

func NewResults() *Results {
	return &Results{
		Positives:  make(Set),
		Restricted: make(Set),
		TimedOut:   make(Set),
		UsbErrors:  make(Set),
	}
}

func (r *Results) record(into Set, cmd string, res Result) {
	for _, s := range []Set{r.Positives, r.Restricted, r.TimedOut, r.UsbErrors} {
		delete(s, cmd)
	}
	into[cmd] = res
}

// NamedSet is a result set with the name it is reported under.
type NamedSet struct {
	Name string
	Set  Set
}

// Named returns the sets in reporting order.
func (r *Results) Named() []NamedSet {
	return []NamedSet{
		{"Positive", r.Positives},
		{"Restricted", r.Restricted},
		{"USB Error", r.UsbErrors},
		{"Timed-out", r.TimedOut},
	}
}

// Reduce drops every candidate that has another candidate of the same set
// as a proper prefix: 'helpfoo' says nothing 'help' does not.
func Reduce(s Set) Set {
	out := make(Set, len(s))
	for c1, res := range s {
		redundant := false
		for c2 := range s {
			if c1 != c2 && strings.HasPrefix(c1, c2) {
				redundant = true
				break
			}
		}
		if !redundant {
			out[c1] = res
		}
	}
	return out
}

// Reduced returns a copy of r with every set reduced.
func (r *Results) Reduced() *Results {
	return &Results{
		Positives:  Reduce(r.Positives),
		Restricted: Reduce(r.Restricted),
		TimedOut:   Reduce(r.TimedOut),
		UsbErrors:  Reduce(r.UsbErrors),
	}
}
