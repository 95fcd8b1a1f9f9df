/*
 * smpcore - Per-CPU cache hierarchy chain (C5).
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

// Package cachehierarchy wires four cachelevel.Level instances into the
// fixed chain described in §4.5 (C5): private L1I and L1D feeding a shared
// L2, which feeds a shared L3 backed by physical memory. A read or write
// routes to L1I on instruction fetch and L1D otherwise; a miss falls
// through level by level and the fill propagates back upward automatically
// because each level's PullLine hook is the next level's Access call.
//
// All four levels in a hierarchy must share one line size: the fill and
// writeback plumbing moves whole lines between levels and does not handle
// a size mismatch at the boundary.
package cachehierarchy

import (
	"github.com/alphaaxp/smpcore/internal/cacheline"
	"github.com/alphaaxp/smpcore/internal/cacheset"
	"github.com/alphaaxp/smpcore/internal/faults"
	"github.com/alphaaxp/smpcore/internal/memory"

	"github.com/alphaaxp/smpcore/internal/cachelevel"
)

// LevelConfig describes one level's geometry and policy, mirroring the
// parameters accepted by cachelevel.New.
type LevelConfig struct {
	TotalBytes    int
	LineSize      int
	Associativity int
	Policy        cachelevel.WritePolicy
	Replacement   cacheset.Policy
	RNGSeed       int64
}

// NewLevel is a thin constructor wrapper kept here so callers assembling a
// hierarchy never need to import cachelevel directly for the common case.
func NewLevel(cfg LevelConfig) (*cachelevel.Level, error) {
	return cachelevel.New(cfg.TotalBytes, cfg.LineSize, cfg.Associativity, cfg.Policy, cfg.Replacement, cfg.RNGSeed)
}

// NewBackingLevel builds a level whose misses pull from physical memory and
// whose writebacks and write-through stores land in physical memory. This
// is the shape used for the last level in a chain (typically L3).
func NewBackingLevel(cfg LevelConfig, mem *memory.Memory) (*cachelevel.Level, error) {
	lv, err := NewLevel(cfg)
	if err != nil {
		return nil, err
	}
	lv.PullLine = func(pa uint64) ([]byte, error) {
		buf := make([]byte, cfg.LineSize)
		if err := mem.ReadBytes(pa, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	lv.WritebackLine = func(pa uint64, data []byte) error {
		return mem.WriteBytes(pa, data)
	}
	lv.WriteThroughWord = func(pa uint64, data []byte) error {
		return mem.WriteBytes(pa, data)
	}
	return lv, nil
}

// NewChainedLevel builds a level whose misses pull from next and whose
// dirty evictions and write-through stores are pushed into next as a
// whole-line write. Used to stack L2 on L3, or L1 on L2.
func NewChainedLevel(cfg LevelConfig, next *cachelevel.Level) (*cachelevel.Level, error) {
	lv, err := NewLevel(cfg)
	if err != nil {
		return nil, err
	}
	if next.Geometry().LineSize != cfg.LineSize {
		return nil, &faults.GeometryError{Reason: "chained levels must share one line size"}
	}
	lv.PullLine = func(pa uint64) ([]byte, error) {
		buf := make([]byte, cfg.LineSize)
		if _, err := next.Access(pa, cachelevel.Read, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	lv.WritebackLine = func(pa uint64, data []byte) error {
		_, err := next.Access(pa, cachelevel.Write, data)
		return err
	}
	lv.WriteThroughWord = func(pa uint64, data []byte) error {
		_, err := next.Access(pa, cachelevel.Write, data)
		return err
	}
	return lv, nil
}

// Hierarchy is one CPU's view of the chain: private L1I/L1D and (normally
// shared, pointer-aliased across CPUs) L2 and L3.
type Hierarchy struct {
	L1I, L1D, L2, L3 *cachelevel.Level

	// SharersExist, when set, lets the coordinator tell this CPU's L1s
	// whether a peer CPU already holds the line being filled, so the fill
	// installs Shared instead of Exclusive. Nil means every read-miss fill
	// is Exclusive (single-CPU use).
	SharersExist func(pa uint64) bool

	// NotifyPeerInvalidate, when set, is called whenever this CPU's L1
	// upgrades a Shared line to Modified by writing it, so the coordinator
	// can broadcast an invalidate to peer CPUs holding the same line.
	NotifyPeerInvalidate func(pa uint64)
}

// New assembles a per-CPU hierarchy from four already-constructed levels.
// l2 and l3 are typically shared pointers handed to every CPU's Hierarchy.
func New(l1i, l1d, l2, l3 *cachelevel.Level) (*Hierarchy, error) {
	line := l1i.Geometry().LineSize
	if l1d.Geometry().LineSize != line || l2.Geometry().LineSize != line || l3.Geometry().LineSize != line {
		return nil, &faults.GeometryError{Reason: "all levels in a hierarchy must share one line size"}
	}
	h := &Hierarchy{L1I: l1i, L1D: l1d, L2: l2, L3: l3}
	for _, l1 := range []*cachelevel.Level{l1i, l1d} {
		l1 := l1
		l1.FillState = func(pa uint64) cacheline.State {
			if h.SharersExist != nil && h.SharersExist(pa) {
				return cacheline.Shared
			}
			return cacheline.Exclusive
		}
		l1.NotifyUpgrade = func(pa uint64) {
			if h.NotifyPeerInvalidate != nil {
				h.NotifyPeerInvalidate(pa)
			}
		}
	}
	return h, nil
}

// Access routes a read or write to L1I (isInstr true) or L1D, falling
// through to L2 and L3 on a miss.
func (h *Hierarchy) Access(pa uint64, kind cachelevel.AccessKind, isInstr bool, buf []byte) (hit bool, err error) {
	if isInstr {
		return h.L1I.Access(pa, kind, buf)
	}
	return h.L1D.Access(pa, kind, buf)
}

// InvalidateLine propagates an invalidate top-down through this CPU's
// chain: L1I and L1D first (writing back to L2 if Modified), then L2
// (writing back to L3), then L3.
func (h *Hierarchy) InvalidateLine(pa uint64) {
	h.L1I.InvalidateLine(pa)
	h.L1D.InvalidateLine(pa)
	h.L2.InvalidateLine(pa)
	h.L3.InvalidateLine(pa)
}

// SnoopRead applies a peer-read snoop top-down to L1I, L1D and L2,
// downgrading a Modified line there to Shared and writing back the dirty
// data first. L3 is not snooped.
func (h *Hierarchy) SnoopRead(pa uint64) {
	h.L1I.SnoopRead(pa)
	h.L1D.SnoopRead(pa)
	h.L2.SnoopRead(pa)
}

// MemoryBarrier drains writebacks bottom-to-top, establishing the
// happens-before point required by §4.7. Because this implementation
// performs every writeback synchronously as it happens, draining is a
// formality that also serializes on every level's mutex in the required
// order, which is what callers actually depend on for ordering.
func (h *Hierarchy) MemoryBarrier() error {
	for _, lv := range []*cachelevel.Level{h.L3, h.L2, h.L1D, h.L1I} {
		if err := lv.DrainWritebacks(); err != nil {
			return err
		}
	}
	return nil
}

// LineState reports the state of the line backing pa in the level it would
// be found in (L1I or L1D, else L2, else L3), for introspection.
func (h *Hierarchy) LineState(pa uint64, isInstr bool) (state cacheline.State, dirty bool, ok bool) {
	l1 := h.L1D
	if isInstr {
		l1 = h.L1I
	}
	if state, dirty, ok = l1.LineState(pa); ok {
		return
	}
	if state, dirty, ok = h.L2.LineState(pa); ok {
		return
	}
	return h.L3.LineState(pa)
}

// Stats aggregates per-level counters for introspection and metrics export.
type Stats struct {
	L1I, L1D, L2, L3 cachelevel.Stats
}

func (h *Hierarchy) Stats() Stats {
	return Stats{
		L1I: h.L1I.Stats(),
		L1D: h.L1D.Stats(),
		L2:  h.L2.Stats(),
		L3:  h.L3.Stats(),
	}
}
