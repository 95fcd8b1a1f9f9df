/*
 * smpcore - Coherency message bus (C9).
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

// Package coherency implements the process-wide, totally ordered message
// bus (§4.9, C9) that the coordinator uses to fan cache-line effects out to
// every peer CPU. A single FIFO mutex gives total delivery order;
// golang.org/x/sync/errgroup applies a message to every target CPU
// concurrently and EnqueueAndDeliver blocks until all of them are done, matching the
// "returns only after every targeted CPU has applied the effect" contract.
package coherency

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Kind identifies the effect a CoherencyMessage asks peer CPUs to apply.
type Kind uint8

const (
	InvalidateLine Kind = iota
	FlushLine
	WriteBack
	ReservationClear
)

func (k Kind) String() string {
	switch k {
	case InvalidateLine:
		return "InvalidateLine"
	case FlushLine:
		return "FlushLine"
	case WriteBack:
		return "WriteBack"
	case ReservationClear:
		return "ReservationClear"
	default:
		return "unknown"
	}
}

// Message is one entry in the bus's total order.
type Message struct {
	Kind      Kind
	PhysAddr  uint64
	Size      int
	SourceCPU int
	Broadcast bool // true: every CPU but SourceCPU; false: TargetCPU only
	TargetCPU int
}

// Target is a peer CPU's coherency-effect applier, supplied by the
// coordinator when it registers a CPU with the bus.
type Target interface {
	Apply(msg Message) error
}

// Bus is the system-wide coherency message queue.
type Bus struct {
	mu      sync.Mutex // serializes enqueue_and_deliver into one total order
	targets map[int]Target

	logMu    sync.Mutex
	log      []Message
	logLimit int
}

// New creates a Bus with a bounded message log of logLimit entries (the
// oldest messages are dropped once the log is full). A logLimit of 0
// disables logging.
func New(logLimit int) *Bus {
	return &Bus{
		targets:  make(map[int]Target),
		logLimit: logLimit,
	}
}

// RegisterCPU attaches cpu's coherency-effect applier to the bus.
func (b *Bus) RegisterCPU(cpu int, t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[cpu] = t
}

// UnregisterCPU detaches cpu from the bus.
func (b *Bus) UnregisterCPU(cpu int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, cpu)
}

// EnqueueAndDeliver applies msg to its targets and returns only once every
// one of them has applied the effect. The bus-wide mutex totally orders
// concurrent calls: no two deliveries interleave.
func (b *Bus) EnqueueAndDeliver(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appendLog(msg)

	var recipients []Target
	if msg.Broadcast {
		for cpu, t := range b.targets {
			if cpu == msg.SourceCPU {
				continue
			}
			recipients = append(recipients, t)
		}
	} else if t, ok := b.targets[msg.TargetCPU]; ok {
		recipients = append(recipients, t)
	}

	g, _ := errgroup.WithContext(context.Background())
	for _, t := range recipients {
		t := t
		g.Go(func() error { return t.Apply(msg) })
	}
	return g.Wait()
}

func (b *Bus) appendLog(msg Message) {
	if b.logLimit == 0 {
		return
	}
	b.logMu.Lock()
	defer b.logMu.Unlock()
	b.log = append(b.log, msg)
	if len(b.log) > b.logLimit {
		b.log = b.log[len(b.log)-b.logLimit:]
	}
}

// Log returns a copy of the bounded recent-message ring buffer, oldest
// first, for test and console introspection.
func (b *Bus) Log() []Message {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	out := make([]Message, len(b.log))
	copy(out, b.log)
	return out
}
