/*
 * smpcore - Per-CPU translation lookaside buffer (C6).
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

// Package tlb implements one CPU's translation lookaside buffer (§4.6, C6):
// a set-associative VA→PA cache tagged by ASN, privilege level and
// instruction-vs-data kind, with LRU replacement and a dynamic resize path.
//
// Lookups take the table's reader lock and bump each entry's LRU timestamp
// through an atomic so that a hit never needs to upgrade to the writer
// lock; insert, invalidate and resize all take the writer lock.
package tlb

import (
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alphaaxp/smpcore/internal/faults"
)

// ProtFlags is a bitset of the readable/writable/executable permissions
// carried by a TLB entry.
type ProtFlags uint8

const (
	ProtRead ProtFlags = 1 << iota
	ProtWrite
	ProtExec
)

// Entry is one translation. LastAccess is atomic so Lookup can bump it
// while holding only the table's reader lock.
type Entry struct {
	VA         uint64
	PA         uint64
	ASN        uint16
	Prot       ProtFlags
	Valid      bool
	Kernel     bool
	IsInstr    bool
	Global     bool
	lastAccess atomic.Uint64
}

// Config configures a TLB's geometry and auto-tune behavior.
type Config struct {
	PageSize    uint64
	InitialSets int
	InitialWays int
	MaxSets     int
	MaxWays     int
	AutoTuneOn  bool
}

// Geometry is the TLB's current addressing layout, for introspection.
type Geometry struct {
	Sets     int
	Ways     int
	PageSize uint64
	MaxSets  int
	MaxWays  int
}

// Stats is a pull-time snapshot of a TLB's counters.
type Stats struct {
	Lookups       uint64
	Hits          uint64
	Misses        uint64
	Insertions    uint64
	Evictions     uint64
	Invalidations uint64
}

// TLB is one CPU's translation cache.
type TLB struct {
	mu       sync.RWMutex
	pageSize uint64
	maxSets  int
	maxWays  int
	sets     [][]*Entry // len(sets) == activeSets, len(sets[i]) == activeWays
	autoTune bool
	counter  atomic.Uint64

	lookups       atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	insertions    atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
}

// New builds a TLB from cfg. Returns a GeometryError if sets/ways are not
// powers of two or initial exceeds max.
func New(cfg Config) (*TLB, error) {
	if bits.OnesCount(uint(cfg.InitialSets)) != 1 || bits.OnesCount(uint(cfg.MaxSets)) != 1 {
		return nil, &faults.GeometryError{Reason: "tlb sets must be a power of two"}
	}
	if bits.OnesCount(uint(cfg.InitialWays)) != 1 || bits.OnesCount(uint(cfg.MaxWays)) != 1 {
		return nil, &faults.GeometryError{Reason: "tlb ways must be a power of two"}
	}
	if cfg.InitialSets > cfg.MaxSets || cfg.InitialWays > cfg.MaxWays {
		return nil, &faults.GeometryError{Reason: "tlb initial geometry exceeds configured maxima"}
	}
	t := &TLB{
		pageSize: cfg.PageSize,
		maxSets:  cfg.MaxSets,
		maxWays:  cfg.MaxWays,
		autoTune: cfg.AutoTuneOn,
	}
	t.sets = allocSets(cfg.InitialSets, cfg.InitialWays)
	return t, nil
}

func allocSets(numSets, ways int) [][]*Entry {
	sets := make([][]*Entry, numSets)
	for i := range sets {
		row := make([]*Entry, ways)
		for w := range row {
			row[w] = &Entry{}
		}
		sets[i] = row
	}
	return sets
}

// Geometry returns the TLB's current addressing layout.
func (t *TLB) Geometry() Geometry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ways := 0
	if len(t.sets) > 0 {
		ways = len(t.sets[0])
	}
	return Geometry{Sets: len(t.sets), Ways: ways, PageSize: t.pageSize, MaxSets: t.maxSets, MaxWays: t.maxWays}
}

// Stats returns a pull-time snapshot of this TLB's counters.
func (t *TLB) Stats() Stats {
	return Stats{
		Lookups:       t.lookups.Load(),
		Hits:          t.hits.Load(),
		Misses:        t.misses.Load(),
		Insertions:    t.insertions.Load(),
		Evictions:     t.evictions.Load(),
		Invalidations: t.invalidations.Load(),
	}
}

func (t *TLB) page(va uint64) uint64 {
	return va &^ (t.pageSize - 1)
}

func (t *TLB) indexLocked(page uint64) int {
	return int((page / t.pageSize) % uint64(len(t.sets)))
}

// Lookup returns the physical address for va if a matching, valid entry is
// resident. Permission enforcement is the caller's responsibility.
func (t *TLB) Lookup(va uint64, asn uint16, kernel, isInstr bool) (pa uint64, ok bool) {
	pa, _, ok = t.LookupEntry(va, asn, kernel, isInstr)
	return pa, ok
}

// LookupEntry is Lookup plus the matched entry's protection bits, so a
// caller can enforce read/write/execute without a second table walk.
func (t *TLB) LookupEntry(va uint64, asn uint16, kernel, isInstr bool) (pa uint64, prot ProtFlags, ok bool) {
	t.lookups.Add(1)
	page := t.page(va)

	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.sets[t.indexLocked(page)]
	for _, e := range set {
		if !e.Valid || e.VA != page || e.Kernel != kernel || e.IsInstr != isInstr {
			continue
		}
		if !e.Global && e.ASN != asn {
			continue
		}
		e.lastAccess.Store(t.counter.Add(1))
		t.hits.Add(1)
		return e.PA | (va & (t.pageSize - 1)), e.Prot, true
	}
	t.misses.Add(1)
	return 0, 0, false
}

// Insert installs or replaces the translation for va. global marks the
// entry as visible to any ASN, per §3. Victim selection is any invalid way
// first, else the lowest-LastAccess way (ties favor the lowest way index).
func (t *TLB) Insert(va, pa uint64, asn uint16, prot ProtFlags, kernel, isInstr, global bool) {
	page := t.page(va)
	ppage := t.page(pa)

	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.sets[t.indexLocked(page)]

	for _, e := range set {
		if e.Valid && e.VA == page && e.ASN == asn && e.Kernel == kernel && e.IsInstr == isInstr {
			t.fill(e, page, ppage, asn, prot, kernel, isInstr, global)
			t.insertions.Add(1)
			return
		}
	}

	victim := set[0]
	for _, e := range set {
		if !e.Valid {
			victim = e
			break
		}
	}
	if victim.Valid {
		best := set[0]
		for _, e := range set {
			if e.lastAccess.Load() < best.lastAccess.Load() {
				best = e
			}
		}
		victim = best
		t.evictions.Add(1)
	}
	t.fill(victim, page, ppage, asn, prot, kernel, isInstr, global)
	t.insertions.Add(1)
}

func (t *TLB) fill(e *Entry, page, ppage uint64, asn uint16, prot ProtFlags, kernel, isInstr, global bool) {
	e.VA = page
	e.PA = ppage
	e.ASN = asn
	e.Prot = prot
	e.Valid = true
	e.Kernel = kernel
	e.IsInstr = isInstr
	e.Global = global
	e.lastAccess.Store(t.counter.Add(1))
}

// reset clears an entry in place without copying its atomic LastAccess
// field by value.
func (e *Entry) reset() {
	e.VA, e.PA, e.ASN, e.Prot = 0, 0, 0, 0
	e.Valid, e.Kernel, e.IsInstr, e.Global = false, false, false, false
	e.lastAccess.Store(0)
}

// InvalidateAll invalidates every entry.
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.sets {
		for _, e := range set {
			if e.Valid {
				e.reset()
				t.invalidations.Add(1)
			}
		}
	}
}

// InvalidateASN invalidates every non-global entry tagged with asn.
func (t *TLB) InvalidateASN(asn uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.sets {
		for _, e := range set {
			if e.Valid && !e.Global && e.ASN == asn {
				e.reset()
				t.invalidations.Add(1)
			}
		}
	}
}

// InvalidateAddress invalidates the entry for va. asn==0 is treated as a
// wildcard matching any ASN, per the broadcast convention in §9's
// resolution of ASN 0's dual use; a nonzero asn matches that ASN or a
// global entry.
func (t *TLB) InvalidateAddress(va uint64, asn uint16) {
	page := t.page(va)
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.sets[t.indexLocked(page)]
	for _, e := range set {
		if !e.Valid || e.VA != page {
			continue
		}
		if asn != 0 && !e.Global && e.ASN != asn {
			continue
		}
		e.reset()
		t.invalidations.Add(1)
	}
}

// InvalidateKind invalidates every entry whose IsInstr matches isInstr.
func (t *TLB) InvalidateKind(isInstr bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.sets {
		for _, e := range set {
			if e.Valid && e.IsInstr == isInstr {
				e.reset()
				t.invalidations.Add(1)
			}
		}
	}
}

// AutoTune inspects the lifetime hit/miss counters and may grow sets, grow
// ways, or shrink ways within the configured maxima. A no-op if AutoTuneOn
// was false at construction or fewer than 64 lookups have been counted.
func (t *TLB) AutoTune() {
	if !t.autoTune {
		return
	}
	hits, misses := t.hits.Load(), t.misses.Load()
	total := hits + misses
	if total < 64 {
		return
	}
	missRate := float64(misses) / float64(total)

	t.mu.Lock()
	defer t.mu.Unlock()
	sets, ways := len(t.sets), len(t.sets[0])
	switch {
	case missRate > 0.5 && sets*2 <= t.maxSets:
		t.resizeLocked(sets*2, ways)
	case missRate > 0.3 && ways*2 <= t.maxWays:
		t.resizeLocked(sets, ways*2)
	case missRate < 0.02 && ways > 1:
		t.resizeLocked(sets, ways/2)
	}
}

// resizeLocked rebuilds the table at a new geometry, preserving every
// valid entry whose recomputed set index still fits, dropping the
// least-recently-used entries first if a target set would overflow the new
// way count. Caller must hold t.mu for writing.
func (t *TLB) resizeLocked(newSets, newWays int) {
	live := make([]*Entry, 0)
	for _, set := range t.sets {
		for _, e := range set {
			if e.Valid {
				live = append(live, e)
			}
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].lastAccess.Load() > live[j].lastAccess.Load() })

	next := allocSets(newSets, newWays)
	filled := make([]int, newSets)
	for _, e := range live {
		idx := int((e.VA / t.pageSize) % uint64(newSets))
		if filled[idx] >= newWays {
			continue // least-recently-used entries sorted last are silently dropped
		}
		dst := next[idx][filled[idx]]
		dst.VA, dst.PA, dst.ASN, dst.Prot = e.VA, e.PA, e.ASN, e.Prot
		dst.Valid, dst.Kernel, dst.IsInstr, dst.Global = e.Valid, e.Kernel, e.IsInstr, e.Global
		dst.lastAccess.Store(e.lastAccess.Load())
		filled[idx]++
	}
	t.sets = next
}
