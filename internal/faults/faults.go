/*
 * smpcore - Fault taxonomy for the translation and memory substrate.
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

// Package faults defines the error taxonomy raised across the translation
// and memory boundary (§7): TLB faults, memory faults, registration errors
// and geometry errors. Faults are data, never panics or exceptions — callers
// are expected to inspect Kind and the attached context to raise the
// corresponding architectural trap.
package faults

import "fmt"

// AccessKind identifies the kind of access that produced a fault.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

func (a AccessKind) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// TLBFaultKind enumerates the translation-fault subkinds of §7.
type TLBFaultKind uint8

const (
	InvalidEntry TLBFaultKind = iota
	ProtectionFault
	TLBAlignmentFault
)

func (k TLBFaultKind) String() string {
	switch k {
	case InvalidEntry:
		return "InvalidEntry"
	case ProtectionFault:
		return "ProtectionFault"
	case TLBAlignmentFault:
		return "AlignmentFault"
	default:
		return "unknown"
	}
}

// TLBFault is raised by translate when the memory map has no entry covering
// the virtual address, or when the requested access conflicts with the
// mapping's protection, or when an unaligned typed access is rejected.
type TLBFault struct {
	Kind   TLBFaultKind
	CPU    int
	VA     uint64
	ASN    uint16
	PC     uint64
	Size   int
	Access AccessKind // access type that triggered the fault
}

func (f *TLBFault) Error() string {
	return fmt.Sprintf("TLBFault(%s) cpu=%d va=%#x asn=%d pc=%#x access=%s",
		f.Kind, f.CPU, f.VA, f.ASN, f.PC, f.Access)
}

// MemoryFaultKind enumerates the physical-access fault subkinds of §7.
type MemoryFaultKind uint8

const (
	InvalidAddress MemoryFaultKind = iota
	MemoryAlignmentFault
	WriteError
)

func (k MemoryFaultKind) String() string {
	switch k {
	case InvalidAddress:
		return "InvalidAddress"
	case MemoryAlignmentFault:
		return "AlignmentFault"
	case WriteError:
		return "WriteError"
	default:
		return "unknown"
	}
}

// MemoryFault is raised by C1/C5 when translation succeeded but the
// physical access itself cannot be carried out.
type MemoryFault struct {
	Kind MemoryFaultKind
	CPU  int
	PA   uint64
	Size int
	PC   uint64
}

func (f *MemoryFault) Error() string {
	return fmt.Sprintf("MemoryFault(%s) cpu=%d pa=%#x size=%d pc=%#x",
		f.Kind, f.CPU, f.PA, f.Size, f.PC)
}

// RegistrationError is raised when a CPU id is reused or max_cpus is
// exceeded.
type RegistrationError struct {
	CPU    int
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("RegistrationError: cpu=%d: %s", e.CPU, e.Reason)
}

// GeometryError is raised when a TLB resize exceeds configured maxima, or a
// cache geometry does not satisfy line_size * assoc * power_of_two.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "GeometryError: " + e.Reason
}
