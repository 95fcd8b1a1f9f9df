/*
 * smpcore - Virtual-to-physical memory map collaborator.
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

// Package memmap implements the MemoryMap collaborator described in §6: an
// immutable-for-the-life-of-a-translation-call table of virtual ranges to
// physical backing, updated by a dedicated mapper under its own lock. The
// coordinator is the only consumer; a page table walker or OS facade
// outside this module's scope owns calling Install/Unmap as the guest's
// address space changes.
package memmap

import (
	"sort"
	"sync"

	"github.com/alphaaxp/smpcore/internal/faults"
	"github.com/alphaaxp/smpcore/internal/tlb"
)

// Entry describes one mapped virtual range. Global marks a mapping (such
// as kernel text or a shared library segment) whose TLB entries should be
// visible regardless of the translating ASN, per §3's global-page flag.
type Entry struct {
	VABase uint64
	PABase uint64
	Size   uint64
	Prot   tlb.ProtFlags
	Global bool
}

func (e Entry) contains(va uint64) bool {
	return va >= e.VABase && va < e.VABase+e.Size
}

// Map is the coordinator's view of the guest address space: a sorted,
// non-overlapping set of virtual ranges, each backed by a physical range
// and a protection mask.
type Map struct {
	mu      sync.RWMutex
	entries []Entry // kept sorted by VABase
}

// New creates an empty map.
func New() *Map {
	return &Map{}
}

// Lookup returns the entry containing va, if any.
func (m *Map) Lookup(va uint64) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].VABase+m.entries[i].Size > va })
	if i < len(m.entries) && m.entries[i].contains(va) {
		return m.entries[i], true
	}
	return Entry{}, false
}

// Install adds or replaces the mapping for e.VABase..e.VABase+e.Size.
// Returns GeometryError if it overlaps an existing, distinct entry.
func (m *Map) Install(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.entries {
		if existing.VABase == e.VABase {
			m.entries[i] = e
			return nil
		}
		if e.VABase < existing.VABase+existing.Size && existing.VABase < e.VABase+e.Size {
			return &faults.GeometryError{Reason: "overlapping memory map entry"}
		}
	}
	m.entries = append(m.entries, e)
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].VABase < m.entries[j].VABase })
	return nil
}

// Unmap removes the entry whose VABase equals vaBase, if any.
func (m *Map) Unmap(vaBase uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.VABase == vaBase {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

// Entries returns a copy of the current mapping table, for introspection.
func (m *Map) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
