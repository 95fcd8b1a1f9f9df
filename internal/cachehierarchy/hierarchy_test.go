/*
 * smpcore - Cache hierarchy tests.
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

package cachehierarchy

import (
	"testing"

	"github.com/alphaaxp/smpcore/internal/cacheline"
	"github.com/alphaaxp/smpcore/internal/cacheset"
	"github.com/alphaaxp/smpcore/internal/memory"
)

const testLineSize = 16

func baseConfig(totalBytes, assoc int) LevelConfig {
	return LevelConfig{
		TotalBytes:    totalBytes,
		LineSize:      testLineSize,
		Associativity: assoc,
		Policy:        0, // WriteBack
		Replacement:   cacheset.LRU,
		RNGSeed:       1,
	}
}

func newTestHierarchy(t *testing.T) (*Hierarchy, *memory.Memory) {
	t.Helper()
	mem := memory.New(1<<16, false)
	l3, err := NewBackingLevel(baseConfig(512, 4), mem)
	if err != nil {
		t.Fatalf("NewBackingLevel(L3): %v", err)
	}
	l2, err := NewChainedLevel(baseConfig(256, 4), l3)
	if err != nil {
		t.Fatalf("NewChainedLevel(L2): %v", err)
	}
	l1i, err := NewChainedLevel(baseConfig(64, 2), l2)
	if err != nil {
		t.Fatalf("NewChainedLevel(L1I): %v", err)
	}
	l1d, err := NewChainedLevel(baseConfig(64, 2), l2)
	if err != nil {
		t.Fatalf("NewChainedLevel(L1D): %v", err)
	}
	h, err := New(l1i, l1d, l2, l3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, mem
}

func TestReadFallsThroughToMemoryAndFillsUpward(t *testing.T) {
	h, mem := newTestHierarchy(t)
	if err := mem.WriteBytes(0x1000, []byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	var out [2]byte
	hit, err := h.Access(0x1000, 0 /* Read */, false, out[:])
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if hit {
		t.Error("first access should miss all levels")
	}
	if out[0] != 0xDE || out[1] != 0xAD {
		t.Errorf("got %v, want [0xDE 0xAD]", out)
	}
	if state, _, ok := h.L1D.LineState(0x1000); !ok || state != cacheline.Exclusive {
		t.Errorf("L1D line state = %s ok=%v, want Exclusive", state, ok)
	}
	if _, _, ok := h.L2.LineState(0x1000); !ok {
		t.Error("L2 should also hold the line after fill-upward")
	}
	if _, _, ok := h.L3.LineState(0x1000); !ok {
		t.Error("L3 should also hold the line after fill-upward")
	}
}

func TestInstructionFetchRoutesToL1I(t *testing.T) {
	h, mem := newTestHierarchy(t)
	if err := mem.WriteBytes(0x2000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	if _, err := h.Access(0x2000, 0, true, make([]byte, 4)); err != nil {
		t.Fatalf("Access: %v", err)
	}
	if _, _, ok := h.L1I.LineState(0x2000); !ok {
		t.Error("instruction fetch should fill L1I")
	}
	if _, _, ok := h.L1D.LineState(0x2000); ok {
		t.Error("instruction fetch should not fill L1D")
	}
}

func TestWriteThenInvalidatePropagatesWritebackDownward(t *testing.T) {
	h, mem := newTestHierarchy(t)
	if _, err := h.Access(0x3000, 1 /* Write */, false, []byte{0x7, 0x7}); err != nil {
		t.Fatalf("Access write: %v", err)
	}
	h.InvalidateLine(0x3000)
	if _, _, ok := h.L1D.LineState(0x3000); ok {
		t.Error("L1D line should be invalidated")
	}
	got := make([]byte, 2)
	if err := mem.ReadBytes(0x3000, got); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if got[0] != 0x7 || got[1] != 0x7 {
		t.Errorf("memory = %v, want dirty data to have drained down to backing store", got)
	}
}

func TestSharersExistHookInstallsSharedState(t *testing.T) {
	h, mem := newTestHierarchy(t)
	if err := mem.WriteBytes(0x4000, []byte{1}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	h.SharersExist = func(pa uint64) bool { return true }
	if _, err := h.Access(0x4000, 0, false, make([]byte, 1)); err != nil {
		t.Fatalf("Access: %v", err)
	}
	if state, _, ok := h.L1D.LineState(0x4000); !ok || state != cacheline.Shared {
		t.Errorf("L1D state = %s ok=%v, want Shared", state, ok)
	}
}

func TestWriteToSharedNotifiesPeerInvalidateHook(t *testing.T) {
	h, _ := newTestHierarchy(t)
	h.SharersExist = func(pa uint64) bool { return true }
	notified := false
	h.NotifyPeerInvalidate = func(pa uint64) { notified = true }

	if _, err := h.Access(0x5000, 0 /* Read, to fill Shared */, false, make([]byte, 1)); err != nil {
		t.Fatalf("Access read: %v", err)
	}
	if _, err := h.Access(0x5000, 1 /* Write */, false, []byte{0x9}); err != nil {
		t.Fatalf("Access write: %v", err)
	}
	if !notified {
		t.Error("writing a Shared L1D line must invoke NotifyPeerInvalidate")
	}
}

func TestMismatchedLineSizeRejected(t *testing.T) {
	mem := memory.New(4096, false)
	l3, err := NewBackingLevel(baseConfig(256, 4), mem)
	if err != nil {
		t.Fatalf("NewBackingLevel: %v", err)
	}
	badCfg := baseConfig(256, 4)
	badCfg.LineSize = 32
	if _, err := NewChainedLevel(badCfg, l3); err == nil {
		t.Fatal("expected GeometryError for mismatched line size")
	}
}

func TestSharedL2AcrossTwoHierarchies(t *testing.T) {
	mem := memory.New(1<<16, false)
	l3, err := NewBackingLevel(baseConfig(512, 4), mem)
	if err != nil {
		t.Fatalf("NewBackingLevel: %v", err)
	}
	l2, err := NewChainedLevel(baseConfig(256, 4), l3)
	if err != nil {
		t.Fatalf("NewChainedLevel(L2): %v", err)
	}

	newPrivateL1Pair := func() (*Hierarchy, error) {
		l1i, err := NewChainedLevel(baseConfig(64, 2), l2)
		if err != nil {
			return nil, err
		}
		l1d, err := NewChainedLevel(baseConfig(64, 2), l2)
		if err != nil {
			return nil, err
		}
		return New(l1i, l1d, l2, l3)
	}

	cpu0, err := newPrivateL1Pair()
	if err != nil {
		t.Fatalf("cpu0 hierarchy: %v", err)
	}
	cpu1, err := newPrivateL1Pair()
	if err != nil {
		t.Fatalf("cpu1 hierarchy: %v", err)
	}

	if err := mem.WriteBytes(0x6000, []byte{0x11}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	if _, err := cpu0.Access(0x6000, 0, false, make([]byte, 1)); err != nil {
		t.Fatalf("cpu0 access: %v", err)
	}
	// cpu1's private L1D is empty, but the shared L2 was already filled by
	// cpu0's miss, so cpu1 should observe a hit at L2 (not L1D).
	if _, _, ok := cpu1.L1D.LineState(0x6000); ok {
		t.Fatal("cpu1 L1D should not be pre-filled")
	}
	if _, _, ok := cpu1.L2.LineState(0x6000); !ok {
		t.Error("shared L2 should already hold the line filled by cpu0")
	}
}
