// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// specleak: a static detector for speculative-execution leakage (Spectre v1 and v4) in
// compiled functions.
//
// Usage:
//
//	specleak -config config.yaml package...
//
// The config file selects the leakage class and the analysis bounds. Results land in the
// configured output directory: leakage.txt, transmitters.txt and one DOT witness per leak.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"
	"golang.org/x/tools/go/ssa"

	"github.com/specleak/specleak/analysis"
	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/config"
	"github.com/specleak/specleak/analysis/frontend"
	"github.com/specleak/specleak/analysis/ir"
	"github.com/specleak/specleak/analysis/leakage"
)

var (
	configPath = flag.String("config", "", "Config file path for the leakage analysis")

	// worker-mode flags; set when the parent re-executes this binary for one transmitter
	workerFunc        = flag.String("worker-func", "", "internal: analyze one function as a worker")
	workerTransmitter = flag.Int("worker-transmitter", -1, "internal: transmitter node for the worker")
	workerOut         = flag.String("worker-out", "", "internal: worker result file")
)

const usage = ` Detect speculative-execution leakage in your packages.
Usage:
    specleak -config config.yaml <package path(s)>
Examples:
% specleak -config config.yaml ./...
`

func main() {
	flag.Parse()

	if flag.NArg() == 0 || *configPath == "" {
		_, _ = fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
		os.Exit(2)
	}

	config.SetGlobalConfig(*configPath)
	cfgVal, err := config.LoadGlobal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	logger := config.NewLogGroup(cfgVal)

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupted
		logger.Warnf("interrupted; exiting")
		os.Exit(130)
	}()

	logger.Infof("reading sources")
	prog, _, err := frontend.LoadProgram(ssa.BuilderMode(0), flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load program: %v\n", err)
		os.Exit(1)
	}

	if *workerFunc != "" {
		os.Exit(runWorker(prog, cfgVal, logger))
	}

	start := time.Now()
	fns := frontend.SourceFunctions(prog)
	lowerer := frontend.NewLowerer()
	total := 0
	leaks := 0
	for i, ssaFn := range fns {
		name := ssaFn.String()
		if !cfgVal.MatchFunction(name) {
			continue
		}
		if analysis.AlreadyAnalyzed(name) {
			logger.Infof("skipping analyzed function %s", name)
			continue
		}
		progress(i+1, len(fns), name)

		fn, err := lowerer.Lower(ssaFn)
		if err != nil || fn == nil {
			logger.Warnf("could not lower %s: %v", name, err)
			continue
		}
		res, err := analysis.RunFunction(fn, cfgVal, analysis.Options{
			Log:     logger,
			Spawner: spawner(name, flag.Args()),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "analysis failed: %v\n", err)
			os.Exit(1)
		}
		if res.Skipped {
			logger.Infof("%s: %s", name, res.SkipWhy)
			continue
		}
		total++
		leaks += len(res.Leaks)
		for _, leak := range res.Leaks {
			logger.Infof("%s: leakage %s", name, leak.Key())
		}
	}
	logger.Infof("analyzed %d functions, %d leaks, %.2f s", total, leaks, time.Since(start).Seconds())
}

// spawner re-executes this binary to search one transmitter in an isolated process.
func spawner(funcName string, patterns []string) leakage.WorkerSpawner {
	return func(t cfg.NodeRef, outPath string) *exec.Cmd {
		args := []string{
			"-config", *configPath,
			"-worker-func", funcName,
			"-worker-transmitter", strconv.Itoa(int(t)),
			"-worker-out", outPath,
		}
		args = append(args, patterns...)
		return exec.Command(os.Args[0], args...)
	}
}

// runWorker rebuilds the pipeline for the named function and searches a single transmitter,
// streaming results to the worker output file.
func runWorker(prog *ssa.Program, cfgVal *config.Config, logger *config.LogGroup) int {
	lowerer := frontend.NewLowerer()
	var fn *ir.Func
	for _, ssaFn := range frontend.SourceFunctions(prog) {
		if ssaFn.String() == *workerFunc {
			var err error
			fn, err = lowerer.Lower(ssaFn)
			if err != nil {
				logger.Errorf("worker: could not lower %s: %v", *workerFunc, err)
				return 1
			}
			break
		}
	}
	if fn == nil {
		logger.Errorf("worker: no function named %s", *workerFunc)
		return 1
	}

	d, err := analysis.BuildDetector(fn, cfgVal, analysis.Options{Log: logger})
	if err != nil {
		logger.Errorf("worker: %v", err)
		return 1
	}
	out, err := os.Create(*workerOut)
	if err != nil {
		logger.Errorf("worker: could not open result file: %v", err)
		return 1
	}
	defer out.Close()

	err = d.RunWorker(cfg.NodeRef(*workerTransmitter), func(m *leakage.LeakageMsg) error {
		return leakage.WriteDelimited(out, m)
	})
	if err != nil && !leakage.IsSkip(err) {
		logger.Errorf("worker: %v", err)
		return 1
	}
	return 0
}

// progress prints a one-line progress indicator when stderr is a terminal.
func progress(i int, n int, name string) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return
	}
	width := 80
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 0 {
		width = w
	}
	line := fmt.Sprintf("[%d/%d] %s", i, n, name)
	if len(line) >= width {
		line = line[:width-1]
	}
	fmt.Fprintf(os.Stderr, "\r%-*s", width-1, line)
}
