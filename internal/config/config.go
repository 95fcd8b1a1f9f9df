/*
 * smpcore - Coordinator construction-time configuration.
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

// Package config builds a coordinator.Config from either a Default()
// baseline or an optional JWCC/JSON5 file, using hujson to standardize
// the relaxed syntax before handing the result to encoding/json.
// Construction is always in-process and synchronous: §6 treats
// configuration as construction-time, so this package has no notion of
// hot reload or watch.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/alphaaxp/smpcore/internal/cachehierarchy"
	"github.com/alphaaxp/smpcore/internal/cachelevel"
	"github.com/alphaaxp/smpcore/internal/cacheset"
	"github.com/alphaaxp/smpcore/internal/coordinator"
	"github.com/alphaaxp/smpcore/internal/tlb"
)

// CoreConfig is the JSON-facing mirror of coordinator.Config. Fields use
// snake_case tags so an axpmem.jsonc file reads the way the rest of the
// §6 option surface is described.
type CoreConfig struct {
	PageSize         uint64 `json:"page_size"`
	MaxCPUs          int    `json:"max_cpus"`
	MemoryBytes      uint64 `json:"memory_bytes"`
	EnforceAlignment bool   `json:"enforce_alignment"`

	TLB struct {
		InitialSets int  `json:"initial_sets"`
		InitialWays int  `json:"initial_ways"`
		MaxSets     int  `json:"max_sets"`
		MaxWays     int  `json:"max_ways"`
		AutoTuneOn  bool `json:"auto_tune_on"`
	} `json:"tlb"`

	Cache struct {
		L1I levelConfig `json:"l1i"`
		L1D levelConfig `json:"l1d"`
		L2  levelConfig `json:"l2"`
		L3  levelConfig `json:"l3"`
	} `json:"cache"`

	CoherencyLogLimit int `json:"coherency_log_limit"`
}

// levelConfig is one cache level's JSON shape; replacement/policy are
// small enumerations spelled as strings so a hand-edited config file
// never has to know cacheset/cachelevel's numeric encoding.
type levelConfig struct {
	TotalBytes    int    `json:"total_bytes"`
	LineSize      int    `json:"line_size"`
	Associativity int    `json:"associativity"`
	WritePolicy   string `json:"write_policy"`
	Replacement   string `json:"replacement"`
	RNGSeed       int64  `json:"rng_seed"`
}

// Default returns the baseline CoreConfig: a 4-way 16KB L1I/L1D, a
// shared 256KB 8-way L2, a shared 4MB 16-way L3, a 64-entry 4-way TLB
// with auto-tuning enabled, and a 256-message coherency log.
func Default() CoreConfig {
	var c CoreConfig
	c.PageSize = 8192
	c.MaxCPUs = 16
	c.MemoryBytes = 256 << 20
	c.EnforceAlignment = true

	c.TLB.InitialSets = 16
	c.TLB.InitialWays = 4
	c.TLB.MaxSets = 64
	c.TLB.MaxWays = 8
	c.TLB.AutoTuneOn = true

	c.Cache.L1I = levelConfig{TotalBytes: 16384, LineSize: 64, Associativity: 4, WritePolicy: "writeback", Replacement: "lru", RNGSeed: 1}
	c.Cache.L1D = levelConfig{TotalBytes: 16384, LineSize: 64, Associativity: 4, WritePolicy: "writeback", Replacement: "lru", RNGSeed: 2}
	c.Cache.L2 = levelConfig{TotalBytes: 262144, LineSize: 64, Associativity: 8, WritePolicy: "writeback", Replacement: "lru", RNGSeed: 3}
	c.Cache.L3 = levelConfig{TotalBytes: 4 << 20, LineSize: 64, Associativity: 16, WritePolicy: "writeback", Replacement: "lru", RNGSeed: 4}

	c.CoherencyLogLimit = 256
	return c
}

// Load reads an optional JWCC config file (comments, trailing commas
// permitted) at path, standardizes it to plain JSON with hujson, and
// unmarshals over a Default() baseline so a file only needs to mention
// the fields it overrides. A missing file is not an error: it just
// means the caller gets Default() back untouched.
func Load(path string) (CoreConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return CoreConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return CoreConfig{}, fmt.Errorf("invalid JWCC in %s: %w", path, err)
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return CoreConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func parseWritePolicy(s string) cachelevel.WritePolicy {
	if s == "writethrough" {
		return cachelevel.WriteThrough
	}
	return cachelevel.WriteBack
}

func parseReplacement(s string) cacheset.Policy {
	switch s {
	case "random":
		return cacheset.Random
	case "fifo":
		return cacheset.FIFO
	default:
		return cacheset.LRU
	}
}

func (l levelConfig) toLevelConfig() cachehierarchy.LevelConfig {
	return cachehierarchy.LevelConfig{
		TotalBytes:    l.TotalBytes,
		LineSize:      l.LineSize,
		Associativity: l.Associativity,
		Policy:        parseWritePolicy(l.WritePolicy),
		Replacement:   parseReplacement(l.Replacement),
		RNGSeed:       l.RNGSeed,
	}
}

// ToCoordinatorConfig converts the JSON-facing CoreConfig into the
// coordinator.Config the core package actually consumes.
func (c CoreConfig) ToCoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		PageSize:         c.PageSize,
		MaxCPUs:          c.MaxCPUs,
		MemoryBytes:      c.MemoryBytes,
		EnforceAlignment: c.EnforceAlignment,
		TLB: tlb.Config{
			PageSize:    c.PageSize,
			InitialSets: c.TLB.InitialSets,
			InitialWays: c.TLB.InitialWays,
			MaxSets:     c.TLB.MaxSets,
			MaxWays:     c.TLB.MaxWays,
			AutoTuneOn:  c.TLB.AutoTuneOn,
		},
		L1I:               c.Cache.L1I.toLevelConfig(),
		L1D:               c.Cache.L1D.toLevelConfig(),
		L2:                c.Cache.L2.toLevelConfig(),
		L3:                c.Cache.L3.toLevelConfig(),
		CoherencyLogLimit: c.CoherencyLogLimit,
	}
}
