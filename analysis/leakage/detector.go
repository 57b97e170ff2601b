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

package leakage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/specleak/specleak/analysis/aeg"
	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/config"
	"github.com/specleak/specleak/analysis/ir"
	"github.com/specleak/specleak/analysis/solver"
)

// SkipError marks a resumable analysis skip: the caller logs it and continues with the next
// function.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "analysis skipped: " + e.Reason
}

// IsSkip reports whether err is a resumable skip.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}

// Leakage is one found leak: the dependency chain in source order and the transmitter.
type Leakage struct {
	Vec         []cfg.NodeRef
	Transmitter cfg.NodeRef
	Desc        string
}

// Key identifies a leak for deduplication.
func (l Leakage) Key() string {
	parts := make([]string, 0, len(l.Vec)+1)
	for _, r := range l.Vec {
		parts = append(parts, fmt.Sprintf("%d", r))
	}
	return fmt.Sprintf("%d:%s", l.Transmitter, strings.Join(parts, "-"))
}

// CheckStats counts the solver verdicts of one detector run.
type CheckStats struct {
	Sat     int
	Unsat   int
	Unknown int
}

// Total returns the number of checks.
func (s CheckStats) Total() int {
	return s.Sat + s.Unsat + s.Unknown
}

func (s CheckStats) String() string {
	return fmt.Sprintf("sat: %d, unsat: %d, unknown: %d", s.Sat, s.Unsat, s.Unknown)
}

// FlagEdge is a dependency edge committed on the current search path, highlighted in the
// witness output.
type FlagEdge struct {
	Src  cfg.NodeRef
	Dst  cfg.NodeRef
	Kind aeg.EdgeKind
}

type rfSource struct {
	Store cfg.NodeRef
	Cond  solver.Bool
}

// Detector searches one function's AEG for leakage witnesses of one variant.
type Detector struct {
	a       *aeg.AEG
	cfg     *config.Config
	log     *config.LogGroup
	variant Variant
	layout  ir.Layout

	sol  *solver.Solver
	mems *Mems

	execWindow  map[cfg.NodeRef]bool
	transWindow map[cfg.NodeRef]bool

	rfMemo     map[cfg.NodeRef][]rfSource
	rfFiltered int

	leaks            []Leakage
	actions          []string
	flagEdges        []FlagEdge
	seenTransmitters map[*ir.Instr]bool

	// Stats counts the solver checks; printed at shutdown
	Stats CheckStats

	spawn WorkerSpawner

	// mu serializes result incorporation from parallel workers
	mu sync.Mutex

	// failed records transmitters whose workers crashed twice
	failed []cfg.NodeRef
}

// NewDetector builds a detector over a constructed AEG. The variant comes from the
// configuration's leakage class.
func NewDetector(a *aeg.AEG, c *config.Config, log *config.LogGroup, layout ir.Layout) (*Detector, error) {
	variant, err := NewVariant(c)
	if err != nil {
		return nil, err
	}
	if layout == nil {
		layout = ir.DefaultLayout{}
	}
	if log == nil {
		log = config.NewLogGroup(&config.Config{LogLevel: int(config.WarnLevel)})
	}
	return &Detector{
		a:                a,
		cfg:              c,
		log:              log,
		variant:          variant,
		layout:           layout,
		sol:              a.Ctx.NewSolver(),
		mems:             NewMems(a),
		seenTransmitters: make(map[*ir.Instr]bool),
	}, nil
}

// SetWorkerSpawner installs the process-pool spawner used when max-parallel exceeds one.
func (d *Detector) SetWorkerSpawner(s WorkerSpawner) {
	d.spawn = s
}

// Leaks returns the deduplicated leaks found so far.
func (d *Detector) Leaks() []Leakage {
	return d.leaks
}

// Variant returns the active variant.
func (d *Detector) Variant() Variant {
	return d.variant
}

// CandidateTransmitters enumerates the nodes eligible as transmitters: may-access instances
// that can execute transiently and have an incoming dependency edge of the variant's
// transmitter-adjacent kind.
func (d *Detector) CandidateTransmitters() ([]cfg.NodeRef, error) {
	kind := d.variant.Deps()[0].Kind
	set := make(map[cfg.NodeRef]bool)
	d.a.ForEachEdgeOfKind(kind, func(e *aeg.Edge) {
		if e.Exists.IsFalse() {
			return
		}
		node := d.a.Lookup(e.Dst)
		if node.Trans.IsFalse() || !node.MayAccess() || d.a.IsExit(e.Dst) {
			return
		}
		set[e.Dst] = true
	})
	if len(set) == 0 {
		return nil, &SkipError{Reason: fmt.Sprintf("no candidate %s edges in %s", kind, d.a.PO.FuncName)}
	}
	cands := make([]cfg.NodeRef, 0, len(set))
	for ref := range set {
		cands = append(cands, ref)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i] < cands[j] })
	return cands, nil
}

// Run enumerates transmitters, searches each one, deduplicates the results and writes the
// output files. It returns a SkipError when the function has nothing to search.
func (d *Detector) Run() error {
	defer func() {
		d.log.Infof("detector stats for %s: %s, rf candidates filtered: %d",
			d.a.PO.FuncName, d.Stats, d.rfFiltered)
	}()

	cands, err := d.CandidateTransmitters()
	if err != nil {
		return err
	}

	d.a.AddToSolver(d.sol)
	for _, pin := range d.mems.Pins {
		d.sol.Assert(pin)
	}
	if res := d.solverCheck(); res == solver.Unsat {
		return &SkipError{Reason: fmt.Sprintf("base AEG for %s is unsat", d.a.PO.FuncName)}
	}

	if *d.cfg.MaxParallel > 1 && d.spawn != nil {
		if err := d.runParallel(cands); err != nil {
			return err
		}
	} else {
		d.log.Infof("%s: using 1 worker for %d transmitters", d.a.PO.FuncName, len(cands))
		for i, t := range cands {
			d.log.Debugf("%s: transmitter %d/%d (node %d)", d.a.PO.FuncName, i+1, len(cands), t)
			d.forOneTransmitter(t)
		}
	}

	d.dedupLeaks()
	if err := d.writeOutputs(); err != nil {
		return err
	}
	return nil
}

// RunWorker searches a single transmitter and streams the found leaks as length-delimited
// protobuf messages; it is the body of one pool worker process.
func (d *Detector) RunWorker(transmitter cfg.NodeRef, sink func(*LeakageMsg) error) error {
	d.a.AddToSolver(d.sol)
	for _, pin := range d.mems.Pins {
		d.sol.Assert(pin)
	}
	if res := d.solverCheck(); res == solver.Unsat {
		return &SkipError{Reason: "base AEG is unsat"}
	}
	d.forOneTransmitter(transmitter)
	d.dedupLeaks()
	for _, leak := range d.leaks {
		if err := sink(leakToMsg(leak)); err != nil {
			return fmt.Errorf("could not write leakage message: %w", err)
		}
	}
	return nil
}

// predWindow returns the predecessor ball of the given radius around t, t included. The
// radius counts slot-consuming instructions only, the same metric the expansion uses for
// the transient budget.
func (d *Detector) predWindow(t cfg.NodeRef, radius int) map[cfg.NodeRef]bool {
	slot := func(ref cfg.NodeRef) int {
		if d.a.Lookup(ref).Instr.TakesSlot() {
			return 1
		}
		return 0
	}
	cost := map[cfg.NodeRef]int{t: 0}
	queue := []cfg.NodeRef{t}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		for _, pred := range d.a.PO.Rel.Preds(ref) {
			nc := cost[ref] + slot(pred)
			if nc > radius {
				continue
			}
			if old, ok := cost[pred]; !ok || nc < old {
				cost[pred] = nc
				queue = append(queue, pred)
			}
		}
	}
	window := make(map[cfg.NodeRef]bool, len(cost))
	for ref := range cost {
		window[ref] = true
	}
	return window
}

// forOneTransmitter runs the windowed search for a single transmitter.
func (d *Detector) forOneTransmitter(t cfg.NodeRef) {
	node := d.a.Lookup(t)
	if d.seenTransmitters[node.Instr] {
		d.log.Debugf("skipping transmitter %d: instruction already has a witness", t)
		return
	}
	if d.a.IsExit(t) {
		return
	}

	d.rfMemo = make(map[cfg.NodeRef][]rfSource)
	d.execWindow = d.predWindow(t, *d.cfg.WindowSize)
	d.transWindow = d.predWindow(t, *d.cfg.SpecDepth)
	d.mems = NewWindowMems(d.a, d.execWindow)

	d.sol.Push()
	defer d.sol.Pop()

	for _, pin := range d.mems.Pins {
		d.sol.Assert(pin)
	}

	// nullify everything outside the windows
	for _, ref := range d.a.NodeRange() {
		n := d.a.Lookup(ref)
		if !d.execWindow[ref] && !d.a.IsExit(ref) {
			d.sol.Assert(d.a.Ctx.Not(n.Exec(d.a.Ctx)))
		} else if !d.transWindow[ref] {
			d.sol.Assert(d.a.Ctx.Not(n.Trans))
		}
	}
	d.a.ForEachEdge(func(e *aeg.Edge) {
		if e.Exists.IsConst() {
			return
		}
		if !(d.execWindow[e.Src] || d.a.IsExit(e.Src)) || !(d.execWindow[e.Dst] || d.a.IsExit(e.Dst)) {
			d.sol.Assert(d.a.Ctx.Not(e.Exists))
		}
	})

	// the transmitter must access transiently
	d.sol.Assert(node.Access(d.a.Ctx))
	d.sol.Assert(node.Trans)

	if res := d.solverCheck(); res == solver.Unsat {
		d.log.Debugf("skipping transmitter %d: windowed model unsat", t)
		return
	}

	d.a.AssertXSAccessOrder(d.execWindow, d.sol)

	// structural lookahead before any solver-backed recursion
	if !d.fastSearch(d.variant.Deps(), t, 0, t, make(map[fastKey]bool)) {
		d.log.Debugf("skipping transmitter %d: failed lookahead", t)
		return
	}

	d.actions = []string{fmt.Sprintf("transmitter %d", t)}
	d.flagEdges = nil
	d.tracebackDeps(t)
}

func (d *Detector) solverCheck() solver.Result {
	res := d.sol.Check()
	switch res {
	case solver.Sat:
		d.Stats.Sat++
	case solver.Unsat:
		d.Stats.Unsat++
	default:
		// unknown counts as a local backtrack, never as a leak
		d.Stats.Unknown++
		d.log.Warnf("solver returned unknown; treating as unsat for this step")
		return solver.Unsat
	}
	return res
}

func (d *Detector) dedupLeaks() {
	seen := make(map[string]bool, len(d.leaks))
	var out []Leakage
	for _, l := range d.leaks {
		if seen[l.Key()] {
			continue
		}
		seen[l.Key()] = true
		out = append(out, l)
	}
	d.leaks = out
}

// checkEdge is the structural edge filter: the edge can exist and both ends are inside the
// exec window. The dependency mode constrains the consumer's execution flag, not the
// source's locality; only the rf traceback restricts its stores to the trans window.
func (d *Detector) checkEdge(e *aeg.Edge, mode aeg.ExecMode) bool {
	if e.Exists.IsFalse() {
		return false
	}
	return d.execWindow[e.Src] && d.execWindow[e.Dst]
}

// rfSources returns the memoized reads-from candidates of load: the may-write ancestors
// inside the window surviving the type, size and allocation-order filters, each with its
// snapshot condition, plus the initial memory.
func (d *Detector) rfSources(load cfg.NodeRef) []rfSource {
	if srcs, ok := d.rfMemo[load]; ok {
		return srcs
	}
	var srcs []rfSource
	defer func() { d.rfMemo[load] = srcs }()

	node := d.a.Lookup(load)
	if node.Read.IsFalse() || node.Instr.IsSpecial() || d.a.IsExit(load) {
		return srcs
	}

	// ancestors of the load inside the exec window
	window := make(map[cfg.NodeRef]bool)
	stack := []cfg.NodeRef{load}
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if window[ref] || !d.execWindow[ref] {
			continue
		}
		window[ref] = true
		stack = append(stack, d.a.PO.Rel.Preds(ref)...)
	}

	topo := d.a.PO.TopoIndex()
	var cands []cfg.NodeRef
	for ref := range window {
		if ref != load && !d.a.Lookup(ref).Write.IsFalse() {
			cands = append(cands, ref)
		}
	}
	sort.Slice(cands, func(i, j int) bool { return topo[cands[i]] < topo[cands[j]] })

	loadType := node.Instr.Type()
	for _, w := range cands {
		wNode := d.a.Lookup(w)
		// reject size-mismatched store forwarding
		if storeVal := wNode.Instr.Val; storeVal != nil && loadType != nil && storeVal.Type() != nil {
			st := storeVal.Type()
			if st.IsPointer() != loadType.IsPointer() {
				d.rfFiltered++
				continue
			}
			if d.layout.SizeBits(st) != d.layout.SizeBits(loadType) {
				d.rfFiltered++
				continue
			}
		}
		// a store sequenced before the allocation of the load's address cannot be a source
		if addrOp := node.CFG.ResolvedAddr(); addrOp != nil {
			if defs := node.CFG.Refs[addrOp]; len(defs) == 1 {
				if def := d.a.Lookup(defs[0]); def.Instr.Alloc && topo[w] < topo[defs[0]] {
					d.rfFiltered++
					continue
				}
			}
		}
		if cond, ok := d.mems.ReadSource(load, w); ok {
			srcs = append(srcs, rfSource{Store: w, Cond: cond})
		}
	}
	if cond, ok := d.mems.ReadSource(load, d.a.Entry); ok {
		srcs = append(srcs, rfSource{Store: d.a.Entry, Cond: cond})
	}
	return srcs
}
