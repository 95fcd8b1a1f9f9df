/*
 * smpcore - N-way associative cache set (C3).
 *
 * Copyright 2026, AXP-SMP Contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package cacheset implements the associative bucket of lines within a
// cache level (§4.3, C3): lookup, victim selection under LRU/Random/FIFO,
// and tag-scoped invalidate/snoop.
package cacheset

import (
	"math/rand"

	"github.com/alphaaxp/smpcore/internal/cacheline"
)

// Policy selects how a set picks a victim when all ways are occupied.
type Policy uint8

const (
	LRU Policy = iota
	Random
	FIFO
)

// Set is one associative bucket of `ways` cache lines.
type Set struct {
	lines    []*cacheline.Line
	policy   Policy
	counter  uint64 // monotonically increasing per-set access counter
	fifoNext int    // next way to evict under FIFO, round-robin over fill order
	rng      *rand.Rand
}

// New allocates a set with the given associativity, line size and
// replacement policy. rngSeed makes Random-policy victim choice
// deterministic for tests; pass a seed derived from process entropy in
// production.
func New(ways, lineSize int, policy Policy, rngSeed int64) *Set {
	lines := make([]*cacheline.Line, ways)
	for i := range lines {
		lines[i] = cacheline.New(lineSize)
	}
	return &Set{
		lines:  lines,
		policy: policy,
		rng:    rand.New(rand.NewSource(rngSeed)), //nolint:gosec // deterministic replacement, not security sensitive
	}
}

// Ways returns the set's associativity.
func (s *Set) Ways() int {
	return len(s.lines)
}

// Lookup returns the valid line matching tag, if any.
func (s *Set) Lookup(tag uint64) (*cacheline.Line, bool) {
	for _, l := range s.lines {
		if l.Matches(tag) {
			return l, true
		}
	}
	return nil, false
}

// Touch bumps a line's LRU timestamp to the set's current counter value and
// advances the counter. Call on every hit and every fill.
func (s *Set) Touch(l *cacheline.Line) {
	s.counter++
	l.Touch(s.counter)
}

// ReplacementVictim selects a line to evict: any Invalid line first, else
// the line chosen by the set's configured policy. Returns the line and its
// way index.
func (s *Set) ReplacementVictim() (*cacheline.Line, int) {
	for i, l := range s.lines {
		if !l.IsValid() {
			return l, i
		}
	}
	switch s.policy {
	case Random:
		i := s.rng.Intn(len(s.lines))
		return s.lines[i], i
	case FIFO:
		i := s.fifoNext % len(s.lines)
		s.fifoNext++
		return s.lines[i], i
	default: // LRU
		best := 0
		bestAccess := s.lines[0].LastAccess()
		for i := 1; i < len(s.lines); i++ {
			if s.lines[i].LastAccess() < bestAccess {
				bestAccess = s.lines[i].LastAccess()
				best = i
			}
		}
		return s.lines[best], best
	}
}

// InvalidateByTag invalidates the line matching tag, if present, via
// writeback (caller supplies the writeback sink; nil if not needed).
func (s *Set) InvalidateByTag(tag uint64, writeback func(data []byte)) bool {
	l, ok := s.Lookup(tag)
	if !ok {
		return false
	}
	l.Snoop(cacheline.SnoopInvalidate, writeback)
	return true
}

// Snoop applies a coherency effect to the line matching tag, if present.
func (s *Set) Snoop(tag uint64, kind cacheline.SnoopKind, writeback func(data []byte)) bool {
	l, ok := s.Lookup(tag)
	if !ok {
		return false
	}
	l.Snoop(kind, writeback)
	return true
}

// Lines exposes the set's ways for hierarchy-wide introspection (test and
// console use only; not part of the translation/coherency hot path).
func (s *Set) Lines() []*cacheline.Line {
	return s.lines
}
