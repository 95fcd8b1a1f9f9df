/*
 * smpcore - Prometheus-backed statistics registry.
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

// Package stats exposes the coordinator's own atomic counters (§6, §9
// "aggregation is a pull-time snapshot") as Prometheus gauges. It does
// not keep a second, independent set of counters: every GaugeFunc
// reads straight from the Coordinator/TLB/cache-hierarchy snapshot
// getters at scrape time, so the Prometheus view and the plain-Go
// getters can never drift apart.
package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alphaaxp/smpcore/internal/cachehierarchy"
	"github.com/alphaaxp/smpcore/internal/cachelevel"
	"github.com/alphaaxp/smpcore/internal/coordinator"
)

// Registry wraps a dedicated prometheus.Registry scoped to one
// coordinator, so embedding callers never collide with the default
// global registry.
type Registry struct {
	reg *prometheus.Registry
}

// New builds a Registry that scrapes coord and the named cpus at
// collection time. cpus should match whatever was passed to
// Coordinator.RegisterCPU.
func New(coord *coordinator.Coordinator, cpus []int) *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "smpcore", Name: "total_accesses", Help: "Total virtual read, write and LL/SC accesses across all CPUs."},
		func() float64 { return float64(coord.Stats().TotalAccesses) },
	))
	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "smpcore", Name: "coherency_events", Help: "Coherency bus messages enqueued and delivered."},
		func() float64 { return float64(coord.Stats().CoherencyEvents) },
	))
	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "smpcore", Name: "reservation_conflicts", Help: "LL/SC reservations cleared by an overlapping write."},
		func() float64 { return float64(coord.Stats().ReservationConflicts) },
	))
	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "smpcore", Name: "tlb_invalidations", Help: "TLB shootdown operations issued."},
		func() float64 { return float64(coord.Stats().TLBInvalidations) },
	))

	for _, cpu := range cpus {
		r.registerTLB(coord, cpu)
		r.registerHierarchy(coord, cpu)
	}
	return r
}

func (r *Registry) registerTLB(coord *coordinator.Coordinator, cpu int) {
	labels := prometheus.Labels{"cpu": strconv.Itoa(cpu)}
	mustGauge := func(name, help string, get func() float64) {
		r.reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "smpcore", Subsystem: "tlb", Name: name, Help: help, ConstLabels: labels},
			get,
		))
	}
	mustGauge("hits", "TLB hits.", func() float64 { s, _ := coord.TLBStats(cpu); return float64(s.Hits) })
	mustGauge("misses", "TLB misses.", func() float64 { s, _ := coord.TLBStats(cpu); return float64(s.Misses) })
	mustGauge("evictions", "TLB entry evictions.", func() float64 { s, _ := coord.TLBStats(cpu); return float64(s.Evictions) })
	mustGauge("invalidations", "TLB entries invalidated.", func() float64 { s, _ := coord.TLBStats(cpu); return float64(s.Invalidations) })
}

func (r *Registry) registerHierarchy(coord *coordinator.Coordinator, cpu int) {
	levels := []struct {
		name string
		pick func(cachehierarchy.Stats) cachelevel.Stats
	}{
		{"l1i", func(s cachehierarchy.Stats) cachelevel.Stats { return s.L1I }},
		{"l1d", func(s cachehierarchy.Stats) cachelevel.Stats { return s.L1D }},
		{"l2", func(s cachehierarchy.Stats) cachelevel.Stats { return s.L2 }},
		{"l3", func(s cachehierarchy.Stats) cachelevel.Stats { return s.L3 }},
	}

	for _, lvl := range levels {
		lvl := lvl
		labels := prometheus.Labels{"cpu": strconv.Itoa(cpu), "level": lvl.name}
		mustGauge := func(name, help string, field func(cachelevel.Stats) uint64) {
			r.reg.MustRegister(prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{Namespace: "smpcore", Subsystem: "cache", Name: name, Help: help, ConstLabels: labels},
				func() float64 {
					hs, ok := coord.HierarchyStats(cpu)
					if !ok {
						return 0
					}
					return float64(field(lvl.pick(hs)))
				},
			))
		}
		mustGauge("hits", "Cache level hits.", func(s cachelevel.Stats) uint64 { return s.Hits })
		mustGauge("misses", "Cache level misses.", func(s cachelevel.Stats) uint64 { return s.Misses })
		mustGauge("evictions", "Cache level evictions.", func(s cachelevel.Stats) uint64 { return s.Evictions })
		mustGauge("writebacks", "Cache level writebacks.", func(s cachelevel.Stats) uint64 { return s.Writebacks })
	}
}

// Gatherer exposes the underlying prometheus.Registry for wiring into
// promhttp or any other Prometheus-compatible scrape handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
