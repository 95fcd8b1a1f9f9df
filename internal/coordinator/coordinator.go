/*
 * smpcore - SMP memory coordinator: the public façade (C10).
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

// Package coordinator ties translation (C6/C7), the cache hierarchy (C5),
// LL/SC reservations (C8) and the coherency bus (C9) together behind the
// single public entry point a CPU executor talks to (§4.10, C10). It owns
// the CPU registry, the shared L2/L3 levels and physical memory, and the
// immutable-between-updates memory map; every per-CPU artifact (TLB,
// reservation slot, private L1I/L1D) is reached only through a cpu id.
package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphaaxp/smpcore/internal/cachehierarchy"
	"github.com/alphaaxp/smpcore/internal/cachelevel"
	"github.com/alphaaxp/smpcore/internal/coherency"
	"github.com/alphaaxp/smpcore/internal/faults"
	"github.com/alphaaxp/smpcore/internal/memmap"
	"github.com/alphaaxp/smpcore/internal/memory"
	"github.com/alphaaxp/smpcore/internal/reservation"
	"github.com/alphaaxp/smpcore/internal/tlb"
	"github.com/alphaaxp/smpcore/internal/tlbsystem"
)

// BarrierKind selects which side of the memory-ordering fence
// memory_barrier establishes.
type BarrierKind uint8

const (
	BarrierRead BarrierKind = iota
	BarrierWrite
	BarrierFull
)

// Config bundles every construction-time geometry and policy knob listed
// in §6's recognized CoreConfig options.
type Config struct {
	PageSize         uint64
	MaxCPUs          int
	MemoryBytes      uint64
	EnforceAlignment bool

	TLB tlb.Config

	L1I, L1D, L2, L3 cachehierarchy.LevelConfig

	// CoherencyLogLimit bounds the bus's ring buffer of recently delivered
	// messages (0 disables logging).
	CoherencyLogLimit int
}

// CPURegistryEntry is a read-only snapshot of one CPU's registry state
// (§3's CPU Registry Entry, plus the ASN/kernel-mode processor state a
// real translate call needs but §4.10's operation list leaves implicit).
type CPURegistryEntry struct {
	CPUID             int
	Online            bool
	PendingInterrupts uint64
	LastActivityTS    int64
	ASN               uint16
	Kernel            bool
}

// cpuState is the coordinator's private bookkeeping for one registered CPU.
type cpuState struct {
	hierarchy         *cachehierarchy.Hierarchy
	online            bool
	pendingInterrupts uint64
	lastActivity      int64
	asn               uint16
	kernel            bool
}

// Stats is a pull-time snapshot of the coordinator's own counters, on top
// of the per-TLB and per-cache-level counters each subsystem already
// exposes.
type Stats struct {
	TotalAccesses        uint64
	CoherencyEvents      uint64
	ReservationConflicts uint64
	TLBInvalidations     uint64
}

// Coordinator is the top-level memory substrate façade.
type Coordinator struct {
	cfg Config

	mu   sync.RWMutex
	cpus map[int]*cpuState

	mem          *memory.Memory
	l2, l3       *cachelevel.Level
	tlbSystem    *tlbsystem.System
	reservations *reservation.Table
	bus          *coherency.Bus
	memMap       *memmap.Map

	totalAccesses        atomic.Uint64
	coherencyEvents      atomic.Uint64
	reservationConflicts atomic.Uint64
	tlbInvalidations     atomic.Uint64
}

// New assembles physical memory, the shared L2/L3 levels, the TLB system,
// reservation table and coherency bus from cfg. CPUs are registered
// afterward via RegisterCPU.
func New(cfg Config) (*Coordinator, error) {
	mem := memory.New(cfg.MemoryBytes, cfg.EnforceAlignment)

	l3, err := cachehierarchy.NewBackingLevel(cfg.L3, mem)
	if err != nil {
		return nil, err
	}
	l2, err := cachehierarchy.NewChainedLevel(cfg.L2, l3)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:          cfg,
		cpus:         make(map[int]*cpuState),
		mem:          mem,
		l2:           l2,
		l3:           l3,
		tlbSystem:    tlbsystem.New(cfg.TLB),
		reservations: reservation.New(),
		bus:          coherency.New(cfg.CoherencyLogLimit),
		memMap:       memmap.New(),
	}, nil
}

// Memory exposes the backing physical store, for callers (device models,
// loaders) that need direct physical access outside the cache hierarchy.
func (c *Coordinator) Memory() *memory.Memory { return c.mem }

// MemoryMap exposes the virtual-to-physical mapping table so an external
// page-table walker or OS facade can install and remove mappings.
func (c *Coordinator) MemoryMap() *memmap.Map { return c.memMap }

// RegisterCPU builds a private L1I/L1D pair chained onto the shared L2,
// assembles this CPU's hierarchy, and registers it with the TLB system,
// reservation table and coherency bus. Returns RegistrationError if id is
// already registered or max_cpus would be exceeded.
func (c *Coordinator) RegisterCPU(cpu int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cpus[cpu]; exists {
		return &faults.RegistrationError{CPU: cpu, Reason: "cpu id already registered"}
	}
	if c.cfg.MaxCPUs > 0 && len(c.cpus) >= c.cfg.MaxCPUs {
		return &faults.RegistrationError{CPU: cpu, Reason: "max_cpus exceeded"}
	}

	l1i, err := cachehierarchy.NewChainedLevel(c.cfg.L1I, c.l2)
	if err != nil {
		return err
	}
	l1d, err := cachehierarchy.NewChainedLevel(c.cfg.L1D, c.l2)
	if err != nil {
		return err
	}
	h, err := cachehierarchy.New(l1i, l1d, c.l2, c.l3)
	if err != nil {
		return err
	}
	h.SharersExist = func(pa uint64) bool { return c.anyPeerHoldsLine(cpu, pa) }

	if err := c.tlbSystem.RegisterCPU(cpu); err != nil {
		return err
	}
	c.reservations.Register(cpu)
	c.bus.RegisterCPU(cpu, &cpuCoherencyTarget{coord: c, cpu: cpu})

	c.cpus[cpu] = &cpuState{
		hierarchy:    h,
		online:       true,
		lastActivity: time.Now().UnixNano(),
	}
	return nil
}

// UnregisterCPU drops cpu from every subsystem's registry.
func (c *Coordinator) UnregisterCPU(cpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cpus, cpu)
	c.tlbSystem.UnregisterCPU(cpu)
	c.reservations.Unregister(cpu)
	c.bus.UnregisterCPU(cpu)
}

func (c *Coordinator) cpuState(cpu int) (*cpuState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.cpus[cpu]
	return cs, ok
}

// SetASN sets cpu's current address space number, consulted by every
// subsequent translate call on that CPU.
func (c *Coordinator) SetASN(cpu int, asn uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.cpus[cpu]; ok {
		cs.asn = asn
	}
}

// SetKernelMode sets cpu's current privilege level, consulted by every
// subsequent translate call on that CPU.
func (c *Coordinator) SetKernelMode(cpu int, kernel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.cpus[cpu]; ok {
		cs.kernel = kernel
	}
}

// SetPendingInterrupts records the pending-interrupt count an external IRQ
// controller wants reflected in this CPU's registry entry.
func (c *Coordinator) SetPendingInterrupts(cpu int, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.cpus[cpu]; ok {
		cs.pendingInterrupts = n
	}
}

// CPUs returns a snapshot of every registered CPU's registry entry.
func (c *Coordinator) CPUs() []CPURegistryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CPURegistryEntry, 0, len(c.cpus))
	for id, cs := range c.cpus {
		out = append(out, cpuEntry(id, cs))
	}
	return out
}

// CPUInfo returns a snapshot of one CPU's registry entry.
func (c *Coordinator) CPUInfo(id int) (CPURegistryEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cs, ok := c.cpus[id]
	if !ok {
		return CPURegistryEntry{}, false
	}
	return cpuEntry(id, cs), true
}

func cpuEntry(id int, cs *cpuState) CPURegistryEntry {
	return CPURegistryEntry{
		CPUID:             id,
		Online:            cs.online,
		PendingInterrupts: cs.pendingInterrupts,
		LastActivityTS:    cs.lastActivity,
		ASN:               cs.asn,
		Kernel:            cs.kernel,
	}
}

func (c *Coordinator) touch(cs *cpuState) {
	cs.lastActivity = time.Now().UnixNano()
}

// anyPeerHoldsLine reports whether any registered CPU other than exclude
// has pa resident in its private L1I or L1D. A peer found holding it
// Modified is snooped first so the caller's eventual fill observes the
// freshest data instead of stale L2/L3 content.
func (c *Coordinator) anyPeerHoldsLine(exclude int, pa uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	found := false
	for id, cs := range c.cpus {
		if id == exclude || !cs.online {
			continue
		}
		for _, lvl := range []*cachelevel.Level{cs.hierarchy.L1I, cs.hierarchy.L1D} {
			if _, _, ok := lvl.LineState(pa); !ok {
				continue
			}
			found = true
			// A peer holding the line Exclusive or Modified must downgrade
			// to Shared (writing back first if dirty) before this CPU's
			// fill observes it as shared; SnoopRead is a no-op if the peer
			// was already Shared.
			lvl.SnoopRead(pa)
		}
	}
	return found
}

func requiredProt(access faults.AccessKind) tlb.ProtFlags {
	switch access {
	case faults.AccessWrite:
		return tlb.ProtWrite
	case faults.AccessExecute:
		return tlb.ProtExec
	default:
		return tlb.ProtRead
	}
}

// Translate resolves va to a physical address for cpu (§4.10): a TLB hit
// with adequate permission returns immediately; a miss walks the memory
// map, checks protection, installs a fresh TLB entry and returns the
// physical address. Returns TLBFault{InvalidEntry} if no mapping covers
// va, or TLBFault{ProtectionFault} if access conflicts with the mapping
// (or a stale TLB entry)'s protection.
func (c *Coordinator) Translate(cpu int, va uint64, pc uint64, access faults.AccessKind) (uint64, error) {
	cs, ok := c.cpuState(cpu)
	if !ok {
		return 0, &faults.RegistrationError{CPU: cpu, Reason: "cpu not registered"}
	}
	c.mu.Lock()
	asn, kernel := cs.asn, cs.kernel
	c.touch(cs)
	c.mu.Unlock()

	need := requiredProt(access)

	if pa, prot, ok := c.tlbSystem.CheckTB(cpu, va, asn, kernel, access); ok {
		if prot&need == 0 {
			return 0, &faults.TLBFault{Kind: faults.ProtectionFault, CPU: cpu, VA: va, ASN: asn, PC: pc, Access: access}
		}
		return pa, nil
	}

	entry, found := c.memMap.Lookup(va)
	if !found {
		return 0, &faults.TLBFault{Kind: faults.InvalidEntry, CPU: cpu, VA: va, ASN: asn, PC: pc, Access: access}
	}
	if entry.Prot&need == 0 {
		return 0, &faults.TLBFault{Kind: faults.ProtectionFault, CPU: cpu, VA: va, ASN: asn, PC: pc, Access: access}
	}

	pa := entry.PABase + (va - entry.VABase)
	isInstr := access == faults.AccessExecute
	t, _ := c.tlbSystem.TLBFor(cpu)
	t.Insert(va, pa, asn, entry.Prot, kernel, isInstr, entry.Global)
	return pa, nil
}

// TranslateNonfaulting is Translate without a raised fault: any failure is
// reported as absence.
func (c *Coordinator) TranslateNonfaulting(cpu int, va uint64, pc uint64, access faults.AccessKind) (uint64, bool) {
	pa, err := c.Translate(cpu, va, pc, access)
	if err != nil {
		return 0, false
	}
	return pa, true
}

func (c *Coordinator) checkAlignment(cpu int, va uint64, size int, pc uint64, access faults.AccessKind) error {
	if !c.cfg.EnforceAlignment || size <= 1 {
		return nil
	}
	if va%uint64(size) != 0 {
		return &faults.TLBFault{Kind: faults.TLBAlignmentFault, CPU: cpu, VA: va, PC: pc, Size: size, Access: access}
	}
	return nil
}

// translateAndAccess performs translate, alignment checking and the cache
// access, returning the resolved physical address alongside any error so
// callers that need pa for a follow-on step (LL/SC arming) don't have to
// translate twice.
func (c *Coordinator) translateAndAccess(cpu int, va uint64, buf []byte, pc uint64, access faults.AccessKind, kind cachelevel.AccessKind) (pa uint64, err error) {
	if err := c.checkAlignment(cpu, va, len(buf), pc, access); err != nil {
		return 0, err
	}
	pa, err = c.Translate(cpu, va, pc, access)
	if err != nil {
		return 0, err
	}
	cs, ok := c.cpuState(cpu)
	if !ok {
		return 0, &faults.RegistrationError{CPU: cpu, Reason: "cpu not registered"}
	}
	if _, err := cs.hierarchy.Access(pa, kind, false, buf); err != nil {
		return pa, err
	}
	return pa, nil
}

// ReadVirtual translates va and returns size bytes from the cache
// hierarchy.
func (c *Coordinator) ReadVirtual(cpu int, va uint64, size int, pc uint64) ([]byte, error) {
	c.totalAccesses.Add(1)
	buf := make([]byte, size)
	_, err := c.translateAndAccess(cpu, va, buf, pc, faults.AccessRead, cachelevel.Read)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteVirtual translates va, writes data through the cache hierarchy,
// then clears overlapping peer reservations and broadcasts an invalidate
// — in that fixed order, so the triple appears atomic to observers per
// §4.10 and §5.
func (c *Coordinator) WriteVirtual(cpu int, va uint64, data []byte, pc uint64) error {
	c.totalAccesses.Add(1)
	pa, err := c.translateAndAccess(cpu, va, data, pc, faults.AccessWrite, cachelevel.Write)
	if err != nil {
		return err
	}

	if cleared := c.reservations.ClearOverlapping(pa, len(data), cpu); cleared > 0 {
		c.reservationConflicts.Add(uint64(cleared))
	}

	err = c.bus.EnqueueAndDeliver(coherency.Message{
		Kind:      coherency.InvalidateLine,
		PhysAddr:  pa,
		Size:      len(data),
		SourceCPU: cpu,
		Broadcast: true,
	})
	c.coherencyEvents.Add(1)
	return err
}

func decodeLE(buf []byte) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(buf[i])
	}
	return v
}

func encodeLE(v uint64, size int) []byte {
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

// LoadLocked reads size bytes from va and arms cpu's reservation over the
// 8-byte-aligned range containing it.
func (c *Coordinator) LoadLocked(cpu int, va uint64, size int, pc uint64) (uint64, error) {
	c.totalAccesses.Add(1)
	buf := make([]byte, size)
	pa, err := c.translateAndAccess(cpu, va, buf, pc, faults.AccessRead, cachelevel.Read)
	if err != nil {
		return 0, err
	}
	c.reservations.Arm(cpu, pa, size)
	return decodeLE(buf), nil
}

// StoreConditional commits value to va only if cpu's reservation still
// covers pa/size, via the normal write_virtual path (so the write obeys
// the same clear-then-broadcast ordering), then clears the arming CPU's
// own reservation.
func (c *Coordinator) StoreConditional(cpu int, va uint64, value uint64, size int, pc uint64) (bool, error) {
	pa, err := c.Translate(cpu, va, pc, faults.AccessWrite)
	if err != nil {
		return false, err
	}
	if !c.reservations.Matches(cpu, pa, size) {
		return false, nil
	}
	if err := c.WriteVirtual(cpu, va, encodeLE(value, size), pc); err != nil {
		return false, err
	}
	c.reservations.Clear(cpu)
	return true, nil
}

// InvalidateTLBSingle shoots down va on every CPU other than sourceCPU.
func (c *Coordinator) InvalidateTLBSingle(va uint64, asn uint16, sourceCPU int) error {
	c.tlbInvalidations.Add(1)
	return c.tlbSystem.InvalidateEntryAllCPUs(va, asn, sourceCPU)
}

// InvalidateTLBByASN shoots down every non-global entry tagged asn on
// every CPU other than sourceCPU.
func (c *Coordinator) InvalidateTLBByASN(asn uint16, sourceCPU int) error {
	c.tlbInvalidations.Add(1)
	return c.tlbSystem.InvalidateByASNAllCPUs(asn, sourceCPU)
}

// InvalidateTLBAll clears every CPU's TLB other than sourceCPU.
func (c *Coordinator) InvalidateTLBAll(sourceCPU int) error {
	c.tlbInvalidations.Add(1)
	return c.tlbSystem.InvalidateAllCPUs(sourceCPU)
}

// InvalidateCacheLines broadcasts InvalidateLine for every line in
// [pa, pa+size) to every peer CPU's private L1I/L1D.
func (c *Coordinator) InvalidateCacheLines(pa uint64, size int, sourceCPU int) error {
	return c.walkLines(pa, size, func(linePA uint64) error {
		err := c.bus.EnqueueAndDeliver(coherency.Message{
			Kind: coherency.InvalidateLine, PhysAddr: linePA, SourceCPU: sourceCPU, Broadcast: true,
		})
		c.coherencyEvents.Add(1)
		return err
	})
}

// FlushCacheLines broadcasts FlushLine for every line in [pa, pa+size) to
// every peer CPU's private L1I/L1D.
func (c *Coordinator) FlushCacheLines(pa uint64, size int, sourceCPU int) error {
	return c.walkLines(pa, size, func(linePA uint64) error {
		err := c.bus.EnqueueAndDeliver(coherency.Message{
			Kind: coherency.FlushLine, PhysAddr: linePA, SourceCPU: sourceCPU, Broadcast: true,
		})
		c.coherencyEvents.Add(1)
		return err
	})
}

func (c *Coordinator) walkLines(pa uint64, size int, apply func(linePA uint64) error) error {
	lineSize := uint64(c.cfg.L1D.LineSize)
	if lineSize == 0 {
		lineSize = 64
	}
	start := pa &^ (lineSize - 1)
	end := pa + uint64(size)
	for base := start; base < end; base += lineSize {
		if err := apply(base); err != nil {
			return err
		}
	}
	return nil
}

// MemoryBarrier drains cache-level writebacks per kind, establishing a
// happens-before point. Read/Write drain only the calling CPU's
// hierarchy; Full drains every registered CPU's to establish the
// total-order fence described in §5.
func (c *Coordinator) MemoryBarrier(kind BarrierKind, cpu int) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if kind != BarrierFull {
		cs, ok := c.cpus[cpu]
		if !ok {
			return &faults.RegistrationError{CPU: cpu, Reason: "cpu not registered"}
		}
		return cs.hierarchy.MemoryBarrier()
	}
	for _, cs := range c.cpus {
		if err := cs.hierarchy.MemoryBarrier(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a pull-time snapshot of the coordinator's own counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		TotalAccesses:        c.totalAccesses.Load(),
		CoherencyEvents:      c.coherencyEvents.Load(),
		ReservationConflicts: c.reservationConflicts.Load(),
		TLBInvalidations:     c.tlbInvalidations.Load(),
	}
}

// Reset zeroes the coordinator's own counters, for test isolation and
// resetting between workload phases on a long-running instance.
func (c *Coordinator) Reset() {
	c.totalAccesses.Store(0)
	c.coherencyEvents.Store(0)
	c.reservationConflicts.Store(0)
	c.tlbInvalidations.Store(0)
}

// CoherencyLog returns the bus's bounded ring buffer of recently delivered
// messages, for test and console introspection.
func (c *Coordinator) CoherencyLog() []coherency.Message {
	return c.bus.Log()
}

// HierarchyStats returns cpu's private cache hierarchy counters.
func (c *Coordinator) HierarchyStats(cpu int) (cachehierarchy.Stats, bool) {
	cs, ok := c.cpuState(cpu)
	if !ok {
		return cachehierarchy.Stats{}, false
	}
	return cs.hierarchy.Stats(), true
}

// TLBStats returns cpu's TLB counters.
func (c *Coordinator) TLBStats(cpu int) (tlb.Stats, bool) {
	t, ok := c.tlbSystem.TLBFor(cpu)
	if !ok {
		return tlb.Stats{}, false
	}
	return t.Stats(), true
}

// cpuCoherencyTarget adapts one CPU's private hierarchy to the
// coherency.Target interface the bus delivers messages through. Only the
// CPU's private L1I/L1D are touched: L2/L3 are shared-pointer aliased
// across every CPU's hierarchy, so invalidating them here on every peer's
// behalf would repeatedly blow away cache state that a single local
// invalidation (performed by the writer's own hierarchy, not through the
// bus) has already handled. ReservationClear is not delivered over the
// bus at all — write_virtual clears overlapping reservations directly
// through the reservation table — so Apply treats it as a no-op should a
// future producer ever emit one.
type cpuCoherencyTarget struct {
	coord *Coordinator
	cpu   int
}

func (t *cpuCoherencyTarget) Apply(msg coherency.Message) error {
	cs, ok := t.coord.cpuState(t.cpu)
	if !ok {
		return nil
	}
	switch msg.Kind {
	case coherency.InvalidateLine:
		cs.hierarchy.L1I.InvalidateLine(msg.PhysAddr)
		cs.hierarchy.L1D.InvalidateLine(msg.PhysAddr)
	case coherency.FlushLine:
		cs.hierarchy.L1I.FlushLine(msg.PhysAddr)
		cs.hierarchy.L1D.FlushLine(msg.PhysAddr)
	case coherency.WriteBack:
		cs.hierarchy.L1I.SnoopRead(msg.PhysAddr)
		cs.hierarchy.L1D.SnoopRead(msg.PhysAddr)
	case coherency.ReservationClear:
		// handled directly via reservation.Table.ClearOverlapping.
	}
	return nil
}
