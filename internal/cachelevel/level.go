/*
 * smpcore - Single cache level (C4).
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

// Package cachelevel implements one level of the cache hierarchy (§4.4,
// C4): geometry derived from total size/line size/associativity, a write
// policy, hit/miss/eviction/writeback counters, and a pull-from-next-level
// hook. A level is serialized by a level-local mutex; the exclusive/shared
// fill decision on a read miss and the peer-invalidate on a Shared write
// are delegated to hooks so that C5 can inject cross-CPU coherency
// awareness without this package knowing about siblings.
package cachelevel

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/alphaaxp/smpcore/internal/cacheline"
	"github.com/alphaaxp/smpcore/internal/cacheset"
	"github.com/alphaaxp/smpcore/internal/faults"
)

// WritePolicy selects whether stores are deferred to eviction or pushed to
// the next level immediately.
type WritePolicy uint8

const (
	WriteBack WritePolicy = iota
	WriteThrough
)

// AccessKind distinguishes a read from a write at the cache level.
type AccessKind uint8

const (
	Read AccessKind = iota
	Write
)

// Geometry is a level's derived addressing layout.
type Geometry struct {
	TotalBytes    int
	LineSize      int
	Associativity int
	NumSets       int
	OffsetBits    int
	IndexBits     int
	TagBits       int
}

// Stats is a pull-time snapshot of a level's counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// Level is one level of the cache hierarchy (L1I, L1D, L2 or L3).
type Level struct {
	mu       sync.Mutex
	geometry Geometry
	sets     []*cacheset.Set
	policy   WritePolicy

	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	writebacks atomic.Uint64

	// PullLine fetches the line-aligned payload containing pa from the next
	// level (or physical memory, for the last level in the chain).
	PullLine func(pa uint64) ([]byte, error)

	// WritebackLine pushes a full dirty line's payload down to the next
	// level on eviction or an explicit flush.
	WritebackLine func(pa uint64, data []byte) error

	// WriteThroughWord pushes just the written bytes down immediately; only
	// consulted when policy is WriteThrough.
	WriteThroughWord func(pa uint64, data []byte) error

	// FillState decides whether a read-miss fill should install the line as
	// Exclusive or Shared, based on cross-CPU sharer state the level itself
	// does not track. Defaults to always-Exclusive when nil.
	FillState func(pa uint64) cacheline.State

	// NotifyUpgrade is invoked whenever a Shared line transitions to
	// Modified because of a local write, so the hierarchy can broadcast an
	// invalidate to peer caches holding the same line.
	NotifyUpgrade func(pa uint64)
}

// New builds a level from total size, line size and associativity. Returns
// a GeometryError if totalBytes is not line_size*assoc*power_of_two.
func New(totalBytes, lineSize, assoc int, policy WritePolicy, replacement cacheset.Policy, rngSeed int64) (*Level, error) {
	if lineSize <= 0 || assoc <= 0 || totalBytes <= 0 {
		return nil, &faults.GeometryError{Reason: "sizes must be positive"}
	}
	if bits.OnesCount(uint(lineSize)) != 1 {
		return nil, &faults.GeometryError{Reason: "line_size must be a power of two"}
	}
	perSet := lineSize * assoc
	if perSet == 0 || totalBytes%perSet != 0 {
		return nil, &faults.GeometryError{Reason: "total_bytes must be line_size*assoc*N"}
	}
	numSets := totalBytes / perSet
	if bits.OnesCount(uint(numSets)) != 1 {
		return nil, &faults.GeometryError{Reason: "derived num_sets must be a power of two"}
	}

	sets := make([]*cacheset.Set, numSets)
	for i := range sets {
		sets[i] = cacheset.New(assoc, lineSize, replacement, rngSeed+int64(i))
	}

	return &Level{
		geometry: Geometry{
			TotalBytes:    totalBytes,
			LineSize:      lineSize,
			Associativity: assoc,
			NumSets:       numSets,
			OffsetBits:    bits.TrailingZeros(uint(lineSize)),
			IndexBits:     bits.TrailingZeros(uint(numSets)),
			TagBits:       64 - bits.TrailingZeros(uint(lineSize)) - bits.TrailingZeros(uint(numSets)),
		},
		sets:   sets,
		policy: policy,
	}, nil
}

// Geometry returns the level's derived addressing layout.
func (lv *Level) Geometry() Geometry {
	return lv.geometry
}

// Stats returns a pull-time snapshot of this level's counters.
func (lv *Level) Stats() Stats {
	return Stats{
		Hits:       lv.hits.Load(),
		Misses:     lv.misses.Load(),
		Evictions:  lv.evictions.Load(),
		Writebacks: lv.writebacks.Load(),
	}
}

func (lv *Level) addr(pa uint64) (tag uint64, index uint64, offset int) {
	offset = int(pa & uint64(lv.geometry.LineSize-1))
	index = (pa >> uint(lv.geometry.OffsetBits)) & uint64(lv.geometry.NumSets-1)
	tag = pa >> uint(lv.geometry.OffsetBits+lv.geometry.IndexBits)
	return
}

func (lv *Level) lineBase(tag, index uint64) uint64 {
	return (tag << uint(lv.geometry.OffsetBits+lv.geometry.IndexBits)) | (index << uint(lv.geometry.OffsetBits))
}

// Access performs a read or write of len(buf) bytes at pa, which must not
// cross a line boundary. Returns hit=true if the line was already resident.
func (lv *Level) Access(pa uint64, kind AccessKind, buf []byte) (hit bool, err error) {
	if len(buf) == 0 {
		return true, nil
	}
	tag, index, offset := lv.addr(pa)
	if offset+len(buf) > lv.geometry.LineSize {
		return false, &faults.MemoryFault{Kind: faults.MemoryAlignmentFault, PA: pa, Size: len(buf)}
	}

	lv.mu.Lock()
	defer lv.mu.Unlock()

	set := lv.sets[index]
	line, ok := set.Lookup(tag)
	if ok {
		hit = true
		lv.hits.Add(1)
		set.Touch(line)
	} else {
		lv.misses.Add(1)
		base := lv.lineBase(tag, index)
		// FillState is consulted before the pull, not after: when it
		// reports a sharer, the hierarchy's hook may force that peer to
		// write back a Modified line as a side effect, and the pull below
		// must observe the result of that writeback rather than stale
		// next-level content.
		state := cacheline.Exclusive
		if lv.FillState != nil {
			state = lv.FillState(base)
		}
		payload, perr := lv.pull(base)
		if perr != nil {
			return false, perr
		}
		victim, _ := set.ReplacementVictim()
		if victim.IsValid() && victim.Dirty() {
			if err := lv.writeback(victim, index); err != nil {
				return false, err
			}
			lv.evictions.Add(1)
		}
		if state == cacheline.Shared {
			victim.FillShared(tag, payload, 0)
		} else {
			victim.FillExclusive(tag, payload, 0)
		}
		set.Touch(victim)
		line = victim
	}

	switch kind {
	case Read:
		line.Read(offset, buf)
	case Write:
		line.Write(offset, buf, tag, func() {
			if lv.NotifyUpgrade != nil {
				lv.NotifyUpgrade(pa)
			}
		})
		if lv.policy == WriteThrough && lv.WriteThroughWord != nil {
			if err := lv.WriteThroughWord(pa, buf); err != nil {
				return hit, err
			}
		}
	}
	return hit, nil
}

func (lv *Level) pull(base uint64) ([]byte, error) {
	if lv.PullLine == nil {
		return make([]byte, lv.geometry.LineSize), nil
	}
	return lv.PullLine(base)
}

// writeback pushes a dirty line's full payload to the next level and marks
// it clean without changing its coherency state; callers that also need to
// invalidate do so via Invalidate() after writeback returns.
func (lv *Level) writeback(l *cacheline.Line, index uint64) error {
	if l.Dirty() && lv.WritebackLine != nil {
		base := lv.lineBase(l.Tag(), index)
		if err := lv.WritebackLine(base, l.Payload()); err != nil {
			return err
		}
		lv.writebacks.Add(1)
	}
	l.MarkClean()
	return nil
}

// InvalidateLine invalidates the line backing pa, if present, writing back
// first if it was Modified.
func (lv *Level) InvalidateLine(pa uint64) {
	tag, index, _ := lv.addr(pa)
	lv.mu.Lock()
	defer lv.mu.Unlock()
	set := lv.sets[index]
	set.Snoop(tag, cacheline.SnoopInvalidate, func(data []byte) {
		if lv.WritebackLine != nil {
			_ = lv.WritebackLine(lv.lineBase(tag, index), data)
			lv.writebacks.Add(1)
		}
	})
}

// FlushLine writes back the line backing pa if Modified, without changing
// its state otherwise.
func (lv *Level) FlushLine(pa uint64) {
	tag, index, _ := lv.addr(pa)
	lv.mu.Lock()
	defer lv.mu.Unlock()
	set := lv.sets[index]
	set.Snoop(tag, cacheline.SnoopFlush, func(data []byte) {
		if lv.WritebackLine != nil {
			_ = lv.WritebackLine(lv.lineBase(tag, index), data)
			lv.writebacks.Add(1)
		}
	})
}

// SnoopRead applies a peer-read snoop to the line backing pa: a Modified
// line writes back and downgrades to Shared.
func (lv *Level) SnoopRead(pa uint64) {
	tag, index, _ := lv.addr(pa)
	lv.mu.Lock()
	defer lv.mu.Unlock()
	set := lv.sets[index]
	set.Snoop(tag, cacheline.SnoopRead, func(data []byte) {
		if lv.WritebackLine != nil {
			_ = lv.WritebackLine(lv.lineBase(tag, index), data)
			lv.writebacks.Add(1)
		}
	})
}

// LineState reports the MESI-like state and dirty bit of the line currently
// backing pa, for test and console introspection only.
func (lv *Level) LineState(pa uint64) (state cacheline.State, dirty bool, ok bool) {
	tag, index, _ := lv.addr(pa)
	lv.mu.Lock()
	defer lv.mu.Unlock()
	l, found := lv.sets[index].Lookup(tag)
	if !found {
		return cacheline.Invalid, false, false
	}
	return l.State(), l.Dirty(), true
}

// DrainWritebacks is this level's half of memory_barrier (§4.5). Writebacks
// in this implementation are applied synchronously at eviction/invalidation
// time, so there is nothing queued to drain; the method exists so C5 can
// treat every level uniformly when establishing the bottom-to-top fence.
func (lv *Level) DrainWritebacks() error {
	return nil
}

func (g Geometry) String() string {
	return fmt.Sprintf("sets=%d ways=%d line=%d", g.NumSets, g.Associativity, g.LineSize)
}
