/*
 * smpcore - Cache level tests.
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

package cachelevel

import (
	"testing"

	"github.com/alphaaxp/smpcore/internal/cacheline"
	"github.com/alphaaxp/smpcore/internal/cacheset"
)

func newTestLevel(t *testing.T) *Level {
	t.Helper()
	lv, err := New(256, 16, 2, WriteBack, cacheset.LRU, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return lv
}

func TestGeometryDerivation(t *testing.T) {
	lv := newTestLevel(t)
	g := lv.Geometry()
	// 256 bytes / (16 byte line * 2 way) = 8 sets
	if g.NumSets != 8 {
		t.Errorf("NumSets = %d, want 8", g.NumSets)
	}
	if g.OffsetBits != 4 {
		t.Errorf("OffsetBits = %d, want 4", g.OffsetBits)
	}
	if g.IndexBits != 3 {
		t.Errorf("IndexBits = %d, want 3", g.IndexBits)
	}
	if g.TagBits != 64-4-3 {
		t.Errorf("TagBits = %d, want %d", g.TagBits, 64-4-3)
	}
}

func TestRejectsNonPowerOfTwoLineSize(t *testing.T) {
	if _, err := New(256, 12, 2, WriteBack, cacheset.LRU, 1); err == nil {
		t.Fatal("expected GeometryError for non power-of-two line size")
	}
}

func TestMissPullsThenHitsOnSecondAccess(t *testing.T) {
	lv := newTestLevel(t)
	pulled := 0
	lv.PullLine = func(pa uint64) ([]byte, error) {
		pulled++
		buf := make([]byte, 16)
		buf[0] = 0x7A
		return buf, nil
	}

	var out [1]byte
	hit, err := lv.Access(0x100, Read, out[:])
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if hit {
		t.Error("first access should miss")
	}
	if out[0] != 0x7A {
		t.Errorf("got %#x, want 0x7a", out[0])
	}

	hit, err = lv.Access(0x100, Read, out[:])
	if err != nil {
		t.Fatalf("Access: %v", err)
	}
	if !hit {
		t.Error("second access to same line should hit")
	}
	if pulled != 1 {
		t.Errorf("PullLine called %d times, want 1", pulled)
	}
	if lv.Stats().Hits != 1 || lv.Stats().Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", lv.Stats())
	}
}

func TestWriteToSharedFillNotifiesUpgrade(t *testing.T) {
	lv := newTestLevel(t)
	lv.PullLine = func(pa uint64) ([]byte, error) { return make([]byte, 16), nil }
	lv.FillState = func(pa uint64) cacheline.State { return cacheline.Shared }

	notified := false
	lv.NotifyUpgrade = func(pa uint64) { notified = true }

	if _, err := lv.Access(0x200, Write, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Access: %v", err)
	}
	if !notified {
		t.Error("write-miss fill as Shared then write should notify upgrade")
	}
	state, dirty, ok := lv.LineState(0x200)
	if !ok || state != cacheline.Modified || !dirty {
		t.Errorf("LineState = (%s, dirty=%v, ok=%v), want Modified/true/true", state, dirty, ok)
	}
}

func TestDirtyEvictionWritesBackBeforeFill(t *testing.T) {
	// Single set (1 way) forces every new tag to evict the resident line.
	lv, err := New(16, 16, 1, WriteBack, cacheset.LRU, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lv.PullLine = func(pa uint64) ([]byte, error) { return make([]byte, 16), nil }
	var writtenBack []byte
	lv.WritebackLine = func(pa uint64, data []byte) error {
		writtenBack = append([]byte{}, data...)
		return nil
	}

	if _, err := lv.Access(0x0, Write, []byte{0xAA}); err != nil {
		t.Fatalf("Access: %v", err)
	}
	// Different tag, same (only) set: forces eviction of the dirty line above.
	if _, err := lv.Access(0x10000, Read, make([]byte, 1)); err != nil {
		t.Fatalf("Access: %v", err)
	}
	if writtenBack == nil || writtenBack[0] != 0xAA {
		t.Errorf("expected writeback of dirty victim, got %v", writtenBack)
	}
	if lv.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", lv.Stats().Evictions)
	}
	if lv.Stats().Writebacks != 1 {
		t.Errorf("Writebacks = %d, want 1", lv.Stats().Writebacks)
	}
}

func TestWriteThroughPushesWordImmediately(t *testing.T) {
	lv, err := New(256, 16, 2, WriteThrough, cacheset.LRU, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lv.PullLine = func(pa uint64) ([]byte, error) { return make([]byte, 16), nil }
	var pushed []byte
	lv.WriteThroughWord = func(pa uint64, data []byte) error {
		pushed = append([]byte{}, data...)
		return nil
	}
	if _, err := lv.Access(0x40, Write, []byte{0x55}); err != nil {
		t.Fatalf("Access: %v", err)
	}
	if pushed == nil || pushed[0] != 0x55 {
		t.Errorf("expected immediate write-through, got %v", pushed)
	}
}

func TestAccessCrossingLineBoundaryRejected(t *testing.T) {
	lv := newTestLevel(t)
	lv.PullLine = func(pa uint64) ([]byte, error) { return make([]byte, 16), nil }
	// Line size is 16; offset 15 plus a 2-byte access crosses the boundary.
	if _, err := lv.Access(0x0F, Read, make([]byte, 2)); err == nil {
		t.Fatal("expected error for access crossing line boundary")
	}
}

func TestInvalidateLineWritesBackModified(t *testing.T) {
	lv := newTestLevel(t)
	lv.PullLine = func(pa uint64) ([]byte, error) { return make([]byte, 16), nil }
	var writtenBack []byte
	lv.WritebackLine = func(pa uint64, data []byte) error {
		writtenBack = append([]byte{}, data...)
		return nil
	}
	if _, err := lv.Access(0x30, Write, []byte{0x9}); err != nil {
		t.Fatalf("Access: %v", err)
	}
	lv.InvalidateLine(0x30)
	if writtenBack == nil || writtenBack[0] != 0x9 {
		t.Errorf("expected writeback on invalidate of Modified line, got %v", writtenBack)
	}
	if _, _, ok := lv.LineState(0x30); ok {
		t.Error("line should no longer be resident after invalidate")
	}
}
