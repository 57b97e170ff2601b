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

// Package analysis runs the full pipeline for one function at a time: loop unrolling, call
// inlining, speculative expansion, AEG construction and leakage detection.
package analysis

import (
	"fmt"
	"sync"

	"github.com/specleak/specleak/analysis/aeg"
	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/config"
	"github.com/specleak/specleak/analysis/ir"
	"github.com/specleak/specleak/analysis/leakage"
)

// analyzedFunctions is the only process-wide mutable state: the names already analyzed.
// Only the parent process writes it.
var (
	analyzedMu        sync.Mutex
	analyzedFunctions = make(map[string]bool)
)

// AlreadyAnalyzed reports whether the function was analyzed in this process.
func AlreadyAnalyzed(name string) bool {
	analyzedMu.Lock()
	defer analyzedMu.Unlock()
	return analyzedFunctions[name]
}

// MarkAnalyzed records the function as analyzed.
func MarkAnalyzed(name string) {
	analyzedMu.Lock()
	defer analyzedMu.Unlock()
	analyzedFunctions[name] = true
}

// ResetAnalyzed clears the analyzed set (used by tests).
func ResetAnalyzed() {
	analyzedMu.Lock()
	defer analyzedMu.Unlock()
	analyzedFunctions = make(map[string]bool)
}

// Options carries the optional collaborators of a pipeline run.
type Options struct {
	Oracle  ir.AliasOracle
	Layout  ir.Layout
	Log     *config.LogGroup
	Spawner leakage.WorkerSpawner
}

// PolicyFor returns the speculation policy of the configured leakage class.
func PolicyFor(c *config.Config) cfg.Policy {
	if c.LeakageClass == config.SpectreV4 {
		return cfg.SpectreV4Policy{StbSize: c.SpectreV4Mode.StbSize}
	}
	return cfg.SpectreV1Policy{}
}

// BuildPipeline runs the three CFG stages for fn and returns the expanded skeleton.
func BuildPipeline(fn *ir.Func, c *config.Config, log *config.LogGroup) (*cfg.Expanded, error) {
	unrolled, err := cfg.Unroll(fn, *c.NumUnrolls)
	if err != nil {
		return nil, err
	}
	calls, err := cfg.InlineCalls(unrolled, *c.SpecDepth, *c.NumUnrolls)
	if err != nil {
		return nil, err
	}
	expanded, err := cfg.Expand(calls, PolicyFor(c), *c.SpecDepth)
	if err != nil {
		return nil, err
	}
	if c.OutputGraphs && c.OutputDir != "" {
		dumps := map[string]*cfg.Graph{
			"unrolled": unrolled,
			"calls":    calls,
			"expanded": expanded.Graph,
		}
		for name, g := range dumps {
			path := c.RelPath(fmt.Sprintf("%s-%s.dot", name, fn.Name))
			if err := g.WriteDOT(path); err != nil {
				log.Warnf("could not dump %s graph: %v", name, err)
			}
		}
	}
	if log != nil {
		log.Debugf("%s: %d unrolled nodes, %d inlined, %d expanded",
			fn.Name, unrolled.Size(), calls.Size(), expanded.Size())
	}
	return expanded, nil
}

// BuildDetector runs the pipeline and AEG construction and returns a ready detector.
func BuildDetector(fn *ir.Func, c *config.Config, opts Options) (*leakage.Detector, error) {
	if opts.Log == nil {
		opts.Log = config.NewLogGroup(c)
	}
	expanded, err := BuildPipeline(fn, c, opts.Log)
	if err != nil {
		return nil, err
	}
	a, err := aeg.Construct(expanded, aeg.Params{
		Config: c,
		Oracle: opts.Oracle,
		Layout: opts.Layout,
		Log:    opts.Log,
	})
	if err != nil {
		return nil, err
	}
	d, err := leakage.NewDetector(a, c, opts.Log, opts.Layout)
	if err != nil {
		return nil, err
	}
	if opts.Spawner != nil {
		d.SetWorkerSpawner(opts.Spawner)
	}
	return d, nil
}

// Result is the outcome of one function analysis.
type Result struct {
	FuncName string
	Leaks    []leakage.Leakage
	Stats    leakage.CheckStats
	Skipped  bool
	SkipWhy  string
}

// RunFunction analyzes one function end to end. A resumable skip is reported in the result,
// not as an error.
func RunFunction(fn *ir.Func, c *config.Config, opts Options) (*Result, error) {
	if AlreadyAnalyzed(fn.Name) {
		return &Result{FuncName: fn.Name, Skipped: true, SkipWhy: "already analyzed"}, nil
	}
	d, err := BuildDetector(fn, c, opts)
	if err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", fn.Name, err)
	}
	res := &Result{FuncName: fn.Name}
	if err := d.Run(); err != nil {
		if leakage.IsSkip(err) {
			res.Skipped = true
			res.SkipWhy = err.Error()
		} else {
			return nil, fmt.Errorf("analyzing %s: %w", fn.Name, err)
		}
	}
	res.Leaks = d.Leaks()
	res.Stats = d.Stats
	MarkAnalyzed(fn.Name)
	return res, nil
}
