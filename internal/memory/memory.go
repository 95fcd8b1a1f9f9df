/*
 * smpcore - Physical memory (C1).
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

// Package memory implements the flat physical store (§4.1, C1): a
// bounds-checked, alignment-enforcing byte array shared by all CPUs and
// serialized by a single reader-writer lock at whole-store granularity.
package memory

import (
	"encoding/binary"
	"sync"

	"github.com/alphaaxp/smpcore/internal/faults"
)

// Memory is a fixed-capacity, byte-addressable physical store.
type Memory struct {
	mu               sync.RWMutex
	bytes            []byte
	enforceAlignment bool
}

// New creates a Memory of the given capacity in bytes.
func New(capacity uint64, enforceAlignment bool) *Memory {
	return &Memory{
		bytes:            make([]byte, capacity),
		enforceAlignment: enforceAlignment,
	}
}

// Size returns the store's capacity in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.bytes))
}

func inRange(pa, ln, capacity uint64) bool {
	if ln == 0 {
		return pa <= capacity
	}
	end := pa + ln
	return end >= pa && end <= capacity
}

// ReadBytes copies len(dst) bytes starting at pa into dst.
func (m *Memory) ReadBytes(pa uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !inRange(pa, uint64(len(dst)), uint64(len(m.bytes))) {
		return &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: len(dst)}
	}
	copy(dst, m.bytes[pa:pa+uint64(len(dst))])
	return nil
}

// WriteBytes copies src into the store starting at pa.
func (m *Memory) WriteBytes(pa uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(pa, uint64(len(src)), uint64(len(m.bytes))) {
		return &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: len(src)}
	}
	copy(m.bytes[pa:pa+uint64(len(src))], src)
	return nil
}

// Zero clears ln bytes starting at pa.
func (m *Memory) Zero(pa, ln uint64) error {
	return m.Fill(pa, ln, 0)
}

// Fill sets ln bytes starting at pa to b.
func (m *Memory) Fill(pa, ln uint64, b byte) error {
	if ln == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(pa, ln, uint64(len(m.bytes))) {
		return &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: int(ln)}
	}
	region := m.bytes[pa : pa+ln]
	for i := range region {
		region[i] = b
	}
	return nil
}

func (m *Memory) checkAligned(pa uint64, size int) error {
	// An access that runs past the end of the store is InvalidAddress
	// whatever its alignment.
	if !inRange(pa, uint64(size), uint64(len(m.bytes))) {
		return &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: size}
	}
	if m.enforceAlignment && pa%uint64(size) != 0 {
		return &faults.MemoryFault{Kind: faults.MemoryAlignmentFault, PA: pa, Size: size}
	}
	return nil
}

// ReadU8 reads a single byte at pa.
func (m *Memory) ReadU8(pa uint64) (uint8, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !inRange(pa, 1, uint64(len(m.bytes))) {
		return 0, &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: 1}
	}
	return m.bytes[pa], nil
}

// WriteU8 writes a single byte at pa.
func (m *Memory) WriteU8(pa uint64, v uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(pa, 1, uint64(len(m.bytes))) {
		return &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: 1}
	}
	m.bytes[pa] = v
	return nil
}

// ReadU16 reads a little-endian uint16 at pa.
func (m *Memory) ReadU16(pa uint64) (uint16, error) {
	if err := m.checkAligned(pa, 2); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !inRange(pa, 2, uint64(len(m.bytes))) {
		return 0, &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: 2}
	}
	return binary.LittleEndian.Uint16(m.bytes[pa : pa+2]), nil
}

// WriteU16 writes a little-endian uint16 at pa.
func (m *Memory) WriteU16(pa uint64, v uint16) error {
	if err := m.checkAligned(pa, 2); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(pa, 2, uint64(len(m.bytes))) {
		return &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: 2}
	}
	binary.LittleEndian.PutUint16(m.bytes[pa:pa+2], v)
	return nil
}

// ReadU32 reads a little-endian uint32 at pa.
func (m *Memory) ReadU32(pa uint64) (uint32, error) {
	if err := m.checkAligned(pa, 4); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !inRange(pa, 4, uint64(len(m.bytes))) {
		return 0, &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: 4}
	}
	return binary.LittleEndian.Uint32(m.bytes[pa : pa+4]), nil
}

// WriteU32 writes a little-endian uint32 at pa.
func (m *Memory) WriteU32(pa uint64, v uint32) error {
	if err := m.checkAligned(pa, 4); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(pa, 4, uint64(len(m.bytes))) {
		return &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: 4}
	}
	binary.LittleEndian.PutUint32(m.bytes[pa:pa+4], v)
	return nil
}

// ReadU64 reads a little-endian uint64 at pa.
func (m *Memory) ReadU64(pa uint64) (uint64, error) {
	if err := m.checkAligned(pa, 8); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !inRange(pa, 8, uint64(len(m.bytes))) {
		return 0, &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: 8}
	}
	return binary.LittleEndian.Uint64(m.bytes[pa : pa+8]), nil
}

// WriteU64 writes a little-endian uint64 at pa.
func (m *Memory) WriteU64(pa uint64, v uint64) error {
	if err := m.checkAligned(pa, 8); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(pa, 8, uint64(len(m.bytes))) {
		return &faults.MemoryFault{Kind: faults.InvalidAddress, PA: pa, Size: 8}
	}
	binary.LittleEndian.PutUint64(m.bytes[pa:pa+8], v)
	return nil
}

// ReadUnaligned synthesizes a little-endian value of the given size by
// concatenating byte reads, for use when alignment enforcement is off.
func (m *Memory) ReadUnaligned(pa uint64, size int) (uint64, error) {
	buf := make([]byte, size)
	if err := m.ReadBytes(pa, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = (v << 8) | uint64(buf[i])
	}
	return v, nil
}
