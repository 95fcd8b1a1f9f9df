/*
 * smpcore - Main process.
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

package main

import (
	"io"
	"log/slog"
	"net/http"
	"os"

	getopt "github.com/pborman/getopt/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alphaaxp/smpcore/internal/config"
	"github.com/alphaaxp/smpcore/internal/console"
	"github.com/alphaaxp/smpcore/internal/coordinator"
	"github.com/alphaaxp/smpcore/internal/corelog"
	"github.com/alphaaxp/smpcore/internal/stats"
)

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file (JWCC)")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optCPUs := getopt.IntLong("cpus", 'n', 1, "Number of CPUs to register at startup")
	optMetricsAddr := getopt.StringLong("metrics-addr", 'm', "", "Address to serve Prometheus /metrics on (disabled if empty)")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var logOut io.Writer = io.Discard
	if *optLogFile != "" {
		file, err := os.Create(*optLogFile)
		if err != nil {
			slog.Error("cannot create log file", "path", *optLogFile, "error", err)
			os.Exit(1)
		}
		defer file.Close()
		logOut = file
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelInfo)
	logger := slog.New(corelog.NewHandler(logOut, programLevel, false))
	slog.SetDefault(logger)

	logger.Info("axpmemd started")

	coreCfg, err := config.Load(*optConfig)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	coord, err := coordinator.New(coreCfg.ToCoordinatorConfig())
	if err != nil {
		logger.Error("coordinator construction failed", "error", err)
		os.Exit(1)
	}

	if *optCPUs < 1 {
		*optCPUs = 1
	}
	cpuIDs := make([]int, 0, *optCPUs)
	for id := 0; id < *optCPUs; id++ {
		if err := coord.RegisterCPU(id); err != nil {
			logger.Error("cpu registration failed", "cpu", id, "error", err)
			os.Exit(1)
		}
		cpuIDs = append(cpuIDs, id)
	}
	logger.Info("cpus registered", "count", *optCPUs)

	metrics := stats.New(coord, cpuIDs)
	if *optMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*optMetricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "addr", *optMetricsAddr, "error", err)
			}
		}()
		logger.Info("metrics endpoint listening", "addr", *optMetricsAddr)
	}

	console.Run(&console.Session{Coord: coord, Metrics: metrics})

	logger.Info("axpmemd shutting down")
}
