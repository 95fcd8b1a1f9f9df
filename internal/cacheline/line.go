/*
 * smpcore - Cache line state machine (C2).
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

// Package cacheline implements the fixed-size MESI-style cache line (§4.2,
// C2): tag, state, dirty bit, LRU timestamp and a fixed byte payload.
package cacheline

// State is one of the MESI-like line states.
type State uint8

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "Invalid"
	case Shared:
		return "Shared"
	case Exclusive:
		return "Exclusive"
	case Modified:
		return "Modified"
	default:
		return "unknown"
	}
}

// SnoopKind identifies a coherency snoop applied to a line from outside.
type SnoopKind uint8

const (
	SnoopInvalidate SnoopKind = iota
	SnoopFlush
	SnoopRead // peer is about to read-share this line
)

// Line is one way of a cache set.
type Line struct {
	tag        uint64
	state      State
	dirty      bool
	lastAccess uint64
	data       []byte
}

// New allocates a line with the given payload size.
func New(lineSize int) *Line {
	return &Line{data: make([]byte, lineSize), state: Invalid}
}

// IsValid reports whether the line holds a live mapping.
func (l *Line) IsValid() bool {
	return l.state != Invalid
}

// Matches reports whether the line's tag equals tag and it is valid.
func (l *Line) Matches(tag uint64) bool {
	return l.IsValid() && l.tag == tag
}

// State returns the line's current MESI-like state.
func (l *Line) State() State {
	return l.state
}

// Dirty reports the line's dirty bit.
func (l *Line) Dirty() bool {
	return l.dirty
}

// Tag returns the line's tag.
func (l *Line) Tag() uint64 {
	return l.tag
}

// LastAccess returns the line's LRU timestamp.
func (l *Line) LastAccess() uint64 {
	return l.lastAccess
}

// Touch bumps the line's LRU timestamp.
func (l *Line) Touch(counter uint64) {
	l.lastAccess = counter
}

// Read copies len(dst) bytes starting at offset out of the line's payload.
func (l *Line) Read(offset int, dst []byte) {
	copy(dst, l.data[offset:offset+len(dst)])
}

// FillExclusive installs tag into an Invalid line as the sole owner.
func (l *Line) FillExclusive(tag uint64, payload []byte, counter uint64) {
	l.tag = tag
	l.state = Exclusive
	l.dirty = false
	copy(l.data, payload)
	l.lastAccess = counter
}

// FillShared installs tag into an Invalid line alongside other sharers.
func (l *Line) FillShared(tag uint64, payload []byte, counter uint64) {
	l.tag = tag
	l.state = Shared
	l.dirty = false
	copy(l.data, payload)
	l.lastAccess = counter
}

// Write stores len(src) bytes at offset and leaves the line Modified and
// dirty whatever its prior state. A still-Invalid line takes tag first (a
// raw write-allocate; the common case is a line already installed via
// FillExclusive/FillShared), and Shared goes to Modified. invalidatePeers is invoked only on the Shared->Modified
// transition, matching §4.2's "must first transition to Modified and notify
// peers". Write to an already-Exclusive line goes straight to Modified with
// no peer traffic.
func (l *Line) Write(offset int, src []byte, tag uint64, invalidatePeers func()) {
	switch l.state {
	case Invalid:
		l.tag = tag
	case Shared:
		if invalidatePeers != nil {
			invalidatePeers()
		}
	case Exclusive, Modified:
		// no peer traffic needed
	}
	l.state = Modified
	l.dirty = true
	copy(l.data[offset:offset+len(src)], src)
}

// Invalidate transitions the line to Invalid. The caller must already have
// performed any required writeback; Invalidate itself only clears state.
func (l *Line) Invalidate() {
	l.state = Invalid
	l.dirty = false
}

// MarkClean clears the dirty bit after a writeback without changing state
// (used by FlushLine snoops, which writeback but do not invalidate).
func (l *Line) MarkClean() {
	l.dirty = false
}

// DowngradeToShared is applied when a Modified line observes a peer read
// (snoop-read): the peer will also hold Shared after an implicit writeback.
func (l *Line) DowngradeToShared() {
	l.state = Shared
	l.dirty = false
}

// Snoop applies an external coherency effect. writeback is invoked exactly
// when the line is Modified and the snoop requires the dirty data to be
// published before the state changes (Invalidate, Flush, or a peer Read).
func (l *Line) Snoop(kind SnoopKind, writeback func(data []byte)) {
	switch kind {
	case SnoopInvalidate:
		if l.state == Modified {
			if writeback != nil {
				writeback(l.data)
			}
		}
		l.Invalidate()
	case SnoopFlush:
		if l.state == Modified {
			if writeback != nil {
				writeback(l.data)
			}
			l.MarkClean()
		}
	case SnoopRead:
		if l.state == Modified {
			if writeback != nil {
				writeback(l.data)
			}
			l.DowngradeToShared()
		} else if l.state == Exclusive {
			l.state = Shared
		}
	}
}

// Payload exposes the line's raw backing bytes (read-only use by the level
// when it needs to write the whole line back to the next level).
func (l *Line) Payload() []byte {
	return l.data
}
