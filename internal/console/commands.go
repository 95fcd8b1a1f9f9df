/*
 * smpcore - Console command table.
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

// Package console implements an operator REPL over a Coordinator: the
// "outward APIs exposed to the executor" (§6) made interactive. It is
// not part of the core's contract — an executor can call the
// Coordinator directly and never import this package.
package console

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alphaaxp/smpcore/internal/coordinator"
	"github.com/alphaaxp/smpcore/internal/faults"
	"github.com/alphaaxp/smpcore/internal/stats"
)

// Session bundles the coordinator a console is attached to with the
// optional statistics registry "metrics" reports from.
type Session struct {
	Coord   *coordinator.Coordinator
	Metrics *stats.Registry
}

type cmd struct {
	Name     string
	Min      int // shortest unambiguous prefix length
	Process  func(args []string, s *Session) (quit bool, err error)
	Complete func(prefix string) []string
}

var cmdList = []cmd{
	{Name: "stats", Min: 2, Process: statsCmd},
	{Name: "cpus", Min: 2, Process: cpusCmd},
	{Name: "translate", Min: 1, Process: translateCmd},
	{Name: "metrics", Min: 1, Process: metricsCmd},
	{Name: "quit", Min: 1, Process: quitCmd},
	{Name: "help", Min: 1, Process: helpCmd},
}

// ProcessCommand splits line into a command word and arguments, finds
// the unique command it's an unambiguous prefix of, and runs it.
func ProcessCommand(line string, s *Session) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	match := matchCmd(name)
	switch len(match) {
	case 0:
		return false, fmt.Errorf("unknown command %q", name)
	case 1:
		return match[0].Process(args, s)
	default:
		return false, fmt.Errorf("ambiguous command %q", name)
	}
}

// CompleteCmd is wired into liner.SetCompleter.
func CompleteCmd(line string) []string {
	var out []string
	for _, c := range cmdList {
		if strings.HasPrefix(c.Name, strings.ToLower(line)) {
			out = append(out, c.Name)
		}
	}
	return out
}

func matchCmd(name string) []cmd {
	var out []cmd
	for _, c := range cmdList {
		if c.Name == name {
			return []cmd{c}
		}
		if len(name) >= c.Min && strings.HasPrefix(c.Name, name) {
			out = append(out, c)
		}
	}
	return out
}

func statsCmd(_ []string, s *Session) (bool, error) {
	st := s.Coord.Stats()
	fmt.Printf("accesses=%d coherency_events=%d reservation_conflicts=%d tlb_invalidations=%d\n",
		st.TotalAccesses, st.CoherencyEvents, st.ReservationConflicts, st.TLBInvalidations)
	return false, nil
}

func cpusCmd(_ []string, s *Session) (bool, error) {
	for _, c := range s.Coord.CPUs() {
		fmt.Printf("cpu=%d online=%v asn=%d kernel=%v pending_interrupts=%d\n",
			c.CPUID, c.Online, c.ASN, c.Kernel, c.PendingInterrupts)
	}
	return false, nil
}

func translateCmd(args []string, s *Session) (bool, error) {
	if len(args) != 2 {
		return false, errors.New("usage: translate <cpu> <va>")
	}
	cpu, err := strconv.Atoi(args[0])
	if err != nil {
		return false, fmt.Errorf("bad cpu id %q: %w", args[0], err)
	}
	va, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
	if err != nil {
		return false, fmt.Errorf("bad virtual address %q: %w", args[1], err)
	}
	pa, err := s.Coord.Translate(cpu, va, 0, faults.AccessRead)
	if err != nil {
		return false, err
	}
	fmt.Printf("va=%#x -> pa=%#x\n", va, pa)
	return false, nil
}

// metricsCmd prints the current Prometheus gauge values one per line,
// sorted by metric name, mirroring what a /metrics scrape would return.
func metricsCmd(_ []string, s *Session) (bool, error) {
	if s.Metrics == nil {
		return false, errors.New("metrics registry not configured")
	}
	families, err := s.Metrics.Gatherer().Gather()
	if err != nil {
		return false, fmt.Errorf("gather metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			if len(labels) == 0 {
				fmt.Printf("%s %g\n", fam.GetName(), m.GetGauge().GetValue())
				continue
			}
			fmt.Printf("%s{%s} %g\n", fam.GetName(), strings.Join(labels, ","), m.GetGauge().GetValue())
		}
	}
	return false, nil
}

func quitCmd(_ []string, _ *Session) (bool, error) {
	return true, nil
}

func helpCmd(_ []string, _ *Session) (bool, error) {
	fmt.Println("commands: stats, cpus, translate <cpu> <va>, metrics, quit")
	return false, nil
}
