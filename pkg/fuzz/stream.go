package fuzz

import (
	"strings"
	"unicode"

	"github.com/alephresearch/abootool/pkg/corpus"
	"github.com/alephresearch/abootool/pkg/filter"
)

// Stream yields candidate commands out of bootloader records in a
// deterministic order, never yielding the same candidate twice.
type Stream struct {
	records    []*corpus.Record
	filter     *filter.Filter
	substrings bool
	splitSpace bool

	record  int
	str     int
	pending []string
	seen    map[string]bool

	materialized []string
	pos          int
	isMaterial   bool
}

func NewStream(records []*corpus.Record, f *filter.Filter, substrings, splitSpace bool) *Stream {
	return &Stream{
		records:    records,
		filter:     f,
		substrings: substrings,
		splitSpace: splitSpace,
		seen:       make(map[string]bool),
	}
}

// Substrings returns every contiguous substring of s, shortest first and
// by offset within a length. A string of length L has L(L+1)/2 of them,
// duplicates included.
func Substrings(s string) []string {
	out := make([]string, 0, len(s)*(len(s)+1)/2)
	for n := 1; n <= len(s); n++ {
		for i := 0; i+n <= len(s); i++ {
			out = append(out, s[i:i+n])
		}
	}
	return out
}

func (s *Stream) offer(original, c string) {
	if s.seen[c] || !s.filter.Validate(original, c) {
		return
	}
	s.seen[c] = true
	s.pending = append(s.pending, c)
}

// expand queues the candidates derived from one raw corpus string.
func (s *Stream) expand(raw string) {
	c := s.filter.Sanitize(raw)
	if s.seen[c] {
		return
	}
	if s.substrings {
		for _, sub := range Substrings(c) {
			s.offer(raw, sub)
		}
		return
	}
	if s.splitSpace {
		if i := strings.IndexFunc(c, unicode.IsSpace); i >= 0 {
			s.offer(raw, c[:i])
		}
	}
	s.offer(raw, c)
}

func (s *Stream) generate() (string, bool) {
	for len(s.pending) == 0 {
		if s.record >= len(s.records) {
			return "", false
		}
		r := s.records[s.record]
		if s.str >= len(r.Strings) {
			s.record++
			s.str = 0
			continue
		}
		s.expand(r.Strings[s.str])
		s.str++
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, true
}

// Next returns the next candidate, or false once the stream is exhausted.
func (s *Stream) Next() (string, bool) {
	if s.isMaterial {
		if s.pos >= len(s.materialized) {
			return "", false
		}
		c := s.materialized[s.pos]
		s.pos++
		return c, true
	}
	return s.generate()
}

// Materialize pulls every remaining candidate into memory so that the total
// is known up front, and returns that total.
func (s *Stream) Materialize() int {
	if !s.isMaterial {
		for {
			c, ok := s.generate()
			if !ok {
				break
			}
			s.materialized = append(s.materialized, c)
		}
		s.isMaterial = true
	}
	return len(s.materialized) - s.pos
}

// Skip drops the next n candidates and returns how many were dropped, which
// is less than n only if the stream ran out.
func (s *Stream) Skip(n int) int {
	if s.isMaterial {
		if rest := len(s.materialized) - s.pos; n > rest {
			n = rest
		}
		s.pos += n
		return n
	}
	for i := 0; i < n; i++ {
		if _, ok := s.generate(); !ok {
			return i
		}
	}
	return n
}

// All drains the stream.
func (s *Stream) All() []string {
	var out []string
	for {
		c, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}
