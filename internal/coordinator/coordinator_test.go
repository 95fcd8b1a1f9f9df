/*
 * smpcore - Coordinator integration tests.
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

package coordinator

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/alphaaxp/smpcore/internal/cachehierarchy"
	"github.com/alphaaxp/smpcore/internal/cachelevel"
	"github.com/alphaaxp/smpcore/internal/cacheline"
	"github.com/alphaaxp/smpcore/internal/cacheset"
	"github.com/alphaaxp/smpcore/internal/faults"
	"github.com/alphaaxp/smpcore/internal/memmap"
	"github.com/alphaaxp/smpcore/internal/tlb"
)

func testConfig() Config {
	l1 := cachehierarchy.LevelConfig{TotalBytes: 256, LineSize: 64, Associativity: 2, Policy: cachelevel.WriteBack, Replacement: cacheset.LRU}
	l2 := cachehierarchy.LevelConfig{TotalBytes: 1024, LineSize: 64, Associativity: 4, Policy: cachelevel.WriteBack, Replacement: cacheset.LRU}
	l3 := cachehierarchy.LevelConfig{TotalBytes: 4096, LineSize: 64, Associativity: 8, Policy: cachelevel.WriteBack, Replacement: cacheset.LRU}
	return Config{
		PageSize:         4096,
		MaxCPUs:          8,
		MemoryBytes:      1 << 20,
		EnforceAlignment: true,
		TLB: tlb.Config{
			PageSize: 4096, InitialSets: 4, InitialWays: 2, MaxSets: 8, MaxWays: 4,
		},
		L1I: l1, L1D: l1, L2: l2, L3: l3,
		CoherencyLogLimit: 64,
	}
}

func newTestCoordinator(t *testing.T, nCPUs int) *Coordinator {
	t.Helper()
	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < nCPUs; i++ {
		if err := c.RegisterCPU(i); err != nil {
			t.Fatalf("RegisterCPU(%d): %v", i, err)
		}
	}
	return c
}

func mustMap(t *testing.T, c *Coordinator, va, pa, size uint64, prot tlb.ProtFlags) {
	t.Helper()
	if err := c.MemoryMap().Install(memmap.Entry{VABase: va, PABase: pa, Size: size, Prot: prot}); err != nil {
		t.Fatalf("Install mapping: %v", err)
	}
}

// A global mapping's TLB entry must satisfy a lookup under any ASN, so a
// second translation under a different ASN hits instead of re-walking the
// memory map.
func TestGlobalMappingServesAnyASN(t *testing.T) {
	c := newTestCoordinator(t, 1)
	if err := c.MemoryMap().Install(memmap.Entry{VABase: 0x9000, PABase: 0xA000, Size: 0x1000, Prot: tlb.ProtRead, Global: true}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	c.SetASN(0, 1)
	if _, err := c.Translate(0, 0x9000, 0, faults.AccessRead); err != nil {
		t.Fatalf("Translate asn=1: %v", err)
	}

	c.SetASN(0, 2)
	if _, err := c.Translate(0, 0x9000, 0, faults.AccessRead); err != nil {
		t.Fatalf("Translate asn=2: %v", err)
	}

	stats, ok := c.TLBStats(0)
	if !ok {
		t.Fatal("TLBStats not found")
	}
	if stats.Misses != 1 {
		t.Errorf("TLB misses = %d, want 1", stats.Misses)
	}
	if stats.Hits != 1 {
		t.Errorf("TLB hits = %d, want 1 (global entry should serve the second ASN)", stats.Hits)
	}
}

// Scenario 1: basic translate-read.
func TestBasicTranslateRead(t *testing.T) {
	c := newTestCoordinator(t, 1)
	mustMap(t, c, 0x1000, 0x2000, 0x1000, tlb.ProtRead|tlb.ProtWrite)

	var want [8]byte
	binary.LittleEndian.PutUint64(want[:], 0xDEADBEEFDEADBEEF)
	if err := c.Memory().WriteU64(0x2000, 0xDEADBEEFDEADBEEF); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}

	data, err := c.ReadVirtual(0, 0x1000, 8, 0x100)
	if err != nil {
		t.Fatalf("ReadVirtual: %v", err)
	}
	if got := binary.LittleEndian.Uint64(data); got != 0xDEADBEEFDEADBEEF {
		t.Errorf("ReadVirtual = %#x, want 0xDEADBEEFDEADBEEF", got)
	}

	tb, ok := c.tlbSystem.TLBFor(0)
	if !ok {
		t.Fatal("expected cpu 0 to have a TLB")
	}
	if _, _, ok := tb.LookupEntry(0x1000, 0, false, false); !ok {
		t.Error("expected TLB[0] to hold the va=0x1000 translation after the read")
	}
}

// Scenario 2: protection fault.
func TestProtectionFault(t *testing.T) {
	c := newTestCoordinator(t, 1)
	mustMap(t, c, 0x3000, 0x4000, 0x1000, tlb.ProtRead)

	err := c.WriteVirtual(0, 0x3000, []byte{0xFF}, 0x100)
	if err == nil {
		t.Fatal("expected ProtectionFault writing to a read-only mapping")
	}
	tf, ok := err.(*faults.TLBFault)
	if !ok || tf.Kind != faults.ProtectionFault {
		t.Errorf("err = %v, want TLBFault(ProtectionFault)", err)
	}

	if got, _ := c.Memory().ReadU8(0x4000); got != 0 {
		t.Errorf("memory was mutated despite the protection fault: %#x", got)
	}
	if _, ok := c.tlbSystem.TLBFor(0); !ok {
		t.Fatal("expected cpu 0 TLB to exist")
	}
}

// Scenario 3: LL/SC success.
func TestLoadLockedStoreConditionalSuccess(t *testing.T) {
	c := newTestCoordinator(t, 2)
	mustMap(t, c, 0x1000, 0x2000, 0x1000, tlb.ProtRead|tlb.ProtWrite)
	if err := c.Memory().WriteU64(0x2000, 42); err != nil {
		t.Fatalf("WriteU64: %v", err)
	}

	v, err := c.LoadLocked(0, 0x1000, 8, 0x100)
	if err != nil {
		t.Fatalf("LoadLocked: %v", err)
	}
	ok, err := c.StoreConditional(0, 0x1000, v+1, 8, 0x104)
	if err != nil {
		t.Fatalf("StoreConditional: %v", err)
	}
	if !ok {
		t.Fatal("StoreConditional = false, want true with no intervening interference")
	}

	got, err := c.ReadVirtual(1, 0x1000, 8, 0x200)
	if err != nil {
		t.Fatalf("ReadVirtual(cpu1): %v", err)
	}
	if val := binary.LittleEndian.Uint64(got); val != v+1 {
		t.Errorf("cpu1 read %d, want %d", val, v+1)
	}
}

// Scenario 4: LL/SC failure via a peer store.
func TestStoreConditionalFailsAfterPeerWrite(t *testing.T) {
	c := newTestCoordinator(t, 2)
	mustMap(t, c, 0x1000, 0x2000, 0x1000, tlb.ProtRead|tlb.ProtWrite)

	v, err := c.LoadLocked(0, 0x1000, 8, 0x100)
	if err != nil {
		t.Fatalf("LoadLocked: %v", err)
	}

	peerWrite := make([]byte, 8)
	binary.LittleEndian.PutUint64(peerWrite, 0x1111)
	if err := c.WriteVirtual(1, 0x1000, peerWrite, 0x200); err != nil {
		t.Fatalf("peer WriteVirtual: %v", err)
	}

	ok, err := c.StoreConditional(0, 0x1000, v+1, 8, 0x104)
	if err != nil {
		t.Fatalf("StoreConditional: %v", err)
	}
	if ok {
		t.Fatal("StoreConditional = true, want false after an intervening peer write")
	}

	got, err := c.ReadVirtual(0, 0x1000, 8, 0x300)
	if err != nil {
		t.Fatalf("ReadVirtual: %v", err)
	}
	if val := binary.LittleEndian.Uint64(got); val != 0x1111 {
		t.Errorf("final value = %#x, want cpu1's write 0x1111", val)
	}
}

// Scenario 5: cross-CPU TLB shootdown.
func TestCrossCPUTLBShootdown(t *testing.T) {
	c := newTestCoordinator(t, 2)
	mustMap(t, c, 0x5000, 0x6000, 0x1000, tlb.ProtRead)

	if _, err := c.ReadVirtual(0, 0x5000, 8, 0x100); err != nil {
		t.Fatalf("cpu0 ReadVirtual: %v", err)
	}
	if _, err := c.ReadVirtual(1, 0x5000, 8, 0x100); err != nil {
		t.Fatalf("cpu1 ReadVirtual: %v", err)
	}

	if err := c.InvalidateTLBSingle(0x5000, 0, 0); err != nil {
		t.Fatalf("InvalidateTLBSingle: %v", err)
	}

	tb1, _ := c.tlbSystem.TLBFor(1)
	if _, _, ok := tb1.LookupEntry(0x5000, 0, false, false); ok {
		t.Error("cpu1 should have lost its entry after the shootdown")
	}

	if _, err := c.ReadVirtual(1, 0x5000, 8, 0x200); err != nil {
		t.Fatalf("cpu1 re-translate after shootdown: %v", err)
	}
	if _, _, ok := tb1.LookupEntry(0x5000, 0, false, false); !ok {
		t.Error("cpu1 should have reinstalled the entry on its next translate")
	}
}

// Scenario 6: cache coherency on write.
func TestCacheCoherencyOnWrite(t *testing.T) {
	c := newTestCoordinator(t, 2)
	mustMap(t, c, 0x1000, 0x2000, 0x1000, tlb.ProtRead|tlb.ProtWrite)

	if _, err := c.ReadVirtual(0, 0x1040, 8, 0x100); err != nil {
		t.Fatalf("cpu0 ReadVirtual: %v", err)
	}
	if _, err := c.ReadVirtual(1, 0x1040, 8, 0x100); err != nil {
		t.Fatalf("cpu1 ReadVirtual: %v", err)
	}

	cs0, _ := c.cpuState(0)
	cs1, _ := c.cpuState(1)
	if state, _, ok := cs0.hierarchy.L1D.LineState(0x2040); !ok || state != cacheline.Shared {
		t.Errorf("cpu0 line state = %v (ok=%v), want Shared before the write", state, ok)
	}
	if state, _, ok := cs1.hierarchy.L1D.LineState(0x2040); !ok || state != cacheline.Shared {
		t.Errorf("cpu1 line state = %v (ok=%v), want Shared before the write", state, ok)
	}

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 0xCAFE)
	if err := c.WriteVirtual(0, 0x1040, payload, 0x104); err != nil {
		t.Fatalf("cpu0 WriteVirtual: %v", err)
	}

	if state, _, ok := cs0.hierarchy.L1D.LineState(0x2040); !ok || state != cacheline.Modified {
		t.Errorf("cpu0 line state after write = %v (ok=%v), want Modified", state, ok)
	}
	if _, _, ok := cs1.hierarchy.L1D.LineState(0x2040); ok {
		t.Error("cpu1 line should be Invalid (evicted) after cpu0's write")
	}

	got, err := c.ReadVirtual(1, 0x1040, 8, 0x200)
	if err != nil {
		t.Fatalf("cpu1 re-read: %v", err)
	}
	if val := binary.LittleEndian.Uint64(got); val != 0xCAFE {
		t.Errorf("cpu1 re-read = %#x, want 0xCAFE", val)
	}
}

func TestRegisterCPUDuplicateFails(t *testing.T) {
	c := newTestCoordinator(t, 1)
	if err := c.RegisterCPU(0); err == nil {
		t.Fatal("expected RegistrationError for duplicate cpu id")
	}
}

func TestRegisterCPUBeyondMaxFails(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCPUs = 1
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.RegisterCPU(0); err != nil {
		t.Fatalf("RegisterCPU(0): %v", err)
	}
	if err := c.RegisterCPU(1); err == nil {
		t.Fatal("expected RegistrationError beyond max_cpus")
	}
}

func TestInvalidEntryFault(t *testing.T) {
	c := newTestCoordinator(t, 1)
	_, err := c.ReadVirtual(0, 0x9000, 8, 0x100)
	if err == nil {
		t.Fatal("expected InvalidEntry fault for an unmapped address")
	}
	tf, ok := err.(*faults.TLBFault)
	if !ok || tf.Kind != faults.InvalidEntry {
		t.Errorf("err = %v, want TLBFault(InvalidEntry)", err)
	}
}

func TestUnalignedAccessFaultsWhenEnforced(t *testing.T) {
	c := newTestCoordinator(t, 1)
	mustMap(t, c, 0x1000, 0x2000, 0x1000, tlb.ProtRead)
	_, err := c.ReadVirtual(0, 0x1001, 8, 0x100)
	if err == nil {
		t.Fatal("expected an alignment fault for an unaligned 8-byte read")
	}
}

func TestStatsTrackAccessesAndCoherencyEvents(t *testing.T) {
	c := newTestCoordinator(t, 2)
	mustMap(t, c, 0x1000, 0x2000, 0x1000, tlb.ProtRead|tlb.ProtWrite)

	if _, err := c.ReadVirtual(0, 0x1000, 8, 0x100); err != nil {
		t.Fatalf("ReadVirtual: %v", err)
	}
	if err := c.WriteVirtual(0, 0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0x104); err != nil {
		t.Fatalf("WriteVirtual: %v", err)
	}

	want := Stats{TotalAccesses: 2, CoherencyEvents: 1}
	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}

	c.Reset()
	if diff := cmp.Diff(Stats{}, c.Stats()); diff != "" {
		t.Errorf("Stats() after Reset mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryBarrierFullDrainsEveryCPU(t *testing.T) {
	c := newTestCoordinator(t, 2)
	mustMap(t, c, 0x1000, 0x2000, 0x1000, tlb.ProtRead|tlb.ProtWrite)
	if err := c.WriteVirtual(0, 0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0x100); err != nil {
		t.Fatalf("WriteVirtual: %v", err)
	}
	if err := c.MemoryBarrier(BarrierFull, 0); err != nil {
		t.Fatalf("MemoryBarrier(Full): %v", err)
	}
}

func TestCPUsAndCPUInfo(t *testing.T) {
	c := newTestCoordinator(t, 2)
	c.SetASN(0, 7)
	c.SetKernelMode(1, true)

	entries := c.CPUs()
	if len(entries) != 2 {
		t.Fatalf("CPUs() returned %d entries, want 2", len(entries))
	}
	info, ok := c.CPUInfo(0)
	if !ok {
		t.Fatal("CPUInfo(0) not found")
	}
	wantInfo := CPURegistryEntry{CPUID: 0, Online: true, ASN: 7}
	if diff := cmp.Diff(wantInfo, info, cmpopts.IgnoreFields(CPURegistryEntry{}, "LastActivityTS")); diff != "" {
		t.Errorf("CPUInfo(0) mismatch (-want +got):\n%s", diff)
	}

	info1, ok := c.CPUInfo(1)
	if !ok {
		t.Fatal("CPUInfo(1) not found")
	}
	wantInfo1 := CPURegistryEntry{CPUID: 1, Online: true, Kernel: true}
	if diff := cmp.Diff(wantInfo1, info1, cmpopts.IgnoreFields(CPURegistryEntry{}, "LastActivityTS")); diff != "" {
		t.Errorf("CPUInfo(1) mismatch (-want +got):\n%s", diff)
	}

	c.UnregisterCPU(1)
	if _, ok := c.CPUInfo(1); ok {
		t.Error("expected cpu 1 to be gone after UnregisterCPU")
	}
}
