/*
 * smpcore - Registry of per-CPU TLBs and cross-CPU shootdown primitives (C7).
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

// Package tlbsystem implements the registry of per-CPU TLBs and the
// cross-CPU shootdown primitives built on top of it (§4.7, C7). Broadcasts
// fan out to every registered CPU but the excluded source concurrently via
// golang.org/x/sync/errgroup and return only once every targeted CPU's TLB
// has applied the effect, matching the synchronous-delivery contract.
package tlbsystem

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alphaaxp/smpcore/internal/faults"
	"github.com/alphaaxp/smpcore/internal/tlb"
)

// System is the registry of per-CPU TLBs.
type System struct {
	mu   sync.RWMutex
	cpus map[int]*tlb.TLB
	cfg  tlb.Config
}

// New creates an empty registry. cfg is the geometry template used to
// construct each newly registered CPU's TLB.
func New(cfg tlb.Config) *System {
	return &System{
		cpus: make(map[int]*tlb.TLB),
		cfg:  cfg,
	}
}

// RegisterCPU creates an empty TLB for id with the registry's configured
// geometry. Returns RegistrationError if id is already registered.
func (s *System) RegisterCPU(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cpus[id]; exists {
		return &faults.RegistrationError{CPU: id, Reason: "cpu id already registered"}
	}
	t, err := tlb.New(s.cfg)
	if err != nil {
		return err
	}
	s.cpus[id] = t
	return nil
}

// UnregisterCPU drops id's TLB.
func (s *System) UnregisterCPU(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cpus, id)
}

// TLBFor returns the per-CPU TLB for id, for callers (the coordinator)
// that need direct access beyond this package's broadcast primitives.
func (s *System) TLBFor(id int) (*tlb.TLB, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cpus[id]
	return t, ok
}

// CheckTB looks up va on cpu's TLB and returns the matched entry's
// protection bits alongside the physical address. A miss is reported as
// absence, not a fault; the coordinator is responsible for walking the
// memory map and raising ProtectionFault or InvalidEntry as appropriate.
// The TLB's own Stats() already counts this lookup as a hit or miss.
func (s *System) CheckTB(cpu int, va uint64, asn uint16, kernel bool, access faults.AccessKind) (pa uint64, prot tlb.ProtFlags, ok bool) {
	t, present := s.TLBFor(cpu)
	if !present {
		return 0, 0, false
	}
	isInstr := access == faults.AccessExecute
	return t.LookupEntry(va, asn, kernel, isInstr)
}

// broadcast fans the given per-TLB effect out to every registered CPU
// except exclude, blocking until every targeted TLB has applied it.
func (s *System) broadcast(exclude int, apply func(*tlb.TLB)) error {
	s.mu.RLock()
	targets := make([]*tlb.TLB, 0, len(s.cpus))
	for id, t := range s.cpus {
		if id == exclude {
			continue
		}
		targets = append(targets, t)
	}
	s.mu.RUnlock()

	g, _ := errgroup.WithContext(context.Background())
	for _, t := range targets {
		t := t
		g.Go(func() error {
			apply(t)
			return nil
		})
	}
	return g.Wait()
}

// InvalidateEntryAllCPUs shoots down va on every CPU other than exclude.
func (s *System) InvalidateEntryAllCPUs(va uint64, asn uint16, exclude int) error {
	return s.broadcast(exclude, func(t *tlb.TLB) { t.InvalidateAddress(va, asn) })
}

// InvalidateByASNAllCPUs shoots down every non-global entry tagged asn on
// every CPU other than exclude.
func (s *System) InvalidateByASNAllCPUs(asn uint16, exclude int) error {
	return s.broadcast(exclude, func(t *tlb.TLB) { t.InvalidateASN(asn) })
}

// InvalidateAllCPUs clears every CPU's TLB other than exclude.
func (s *System) InvalidateAllCPUs(exclude int) error {
	return s.broadcast(exclude, func(t *tlb.TLB) { t.InvalidateAll() })
}

// CPUIDs returns the ids of every currently registered CPU, for
// introspection.
func (s *System) CPUIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.cpus))
	for id := range s.cpus {
		ids = append(ids, id)
	}
	return ids
}
