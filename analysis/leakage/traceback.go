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
	"fmt"

	"github.com/specleak/specleak/analysis/aeg"
	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/solver"
)

// The traceback is a depth-first search realized as an explicit step stack instead of
// recursion with callbacks: an explore step expands the alternatives of one dependency
// position, a commit step opens a solver scope and asserts one alternative, and a cleanup
// step is the ticket that closes whatever its commit opened. Cancellation (fast mode) drains
// the stack executing only the cleanup tickets.
type step interface {
	isStep()
}

type stepExplore struct {
	deps []Dep
	ref  cfg.NodeRef
	tb   int
}

type stepCommit struct {
	asserts []solver.Bool
	action  string
	flag    *FlagEdge
	vecPush []cfg.NodeRef
	child   stepExplore
}

type stepCleanup struct {
	scope  bool
	action bool
	vecN   int
	flag   bool
}

func (stepExplore) isStep() {}
func (stepCommit) isStep()  {}
func (stepCleanup) isStep() {}

type fastKey struct {
	ref  cfg.NodeRef
	left int
	tb   int
}

// tracebackDeps searches for dependency chains ending at transmitter t: the variant's dep
// vector is consumed front-first, extra traceback steps chain backwards through rf×data and
// addr edges up to the max-traceback budget, and a chain is only accepted once it cannot be
// extended further (so every witness carries its full dependency history). Each committed
// alternative runs under its own solver scope.
func (d *Detector) tracebackDeps(t cfg.NodeRef) {
	stack := []step{stepExplore{deps: d.variant.Deps(), ref: t, tb: 0}}
	var vec []cfg.NodeRef
	stop := false

	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch s := s.(type) {
		case stepCleanup:
			if s.scope {
				d.sol.Pop()
			}
			if s.action {
				d.actions = d.actions[:len(d.actions)-1]
			}
			if s.vecN > 0 {
				vec = vec[:len(vec)-s.vecN]
			}
			if s.flag {
				d.flagEdges = d.flagEdges[:len(d.flagEdges)-1]
			}

		case stepCommit:
			if stop {
				continue
			}
			d.sol.Push()
			for _, b := range s.asserts {
				d.sol.Assert(b)
			}
			d.actions = append(d.actions, s.action)
			cleanup := stepCleanup{scope: true, action: true, vecN: len(s.vecPush)}
			vec = append(vec, s.vecPush...)
			if s.flag != nil {
				d.flagEdges = append(d.flagEdges, *s.flag)
				cleanup.flag = true
			}
			stack = append(stack, cleanup, s.child)

		case stepExplore:
			if stop {
				continue
			}
			vec = append(vec, s.ref)
			stack = append(stack, stepCleanup{vecN: 1})

			// lookahead: no solver work unless a structural chain exists from here
			if !d.fastSearch(s.deps, s.ref, s.tb, t, make(map[fastKey]bool)) {
				continue
			}

			deps := s.deps
			if len(deps) > 0 && d.skippableTail(deps, s.ref, t) {
				deps = nil
			}

			var alts []stepCommit
			if len(deps) > 0 {
				alts = d.depAlternatives(deps, s.ref, s.tb)
			}
			tbAlts := d.tracebackAlternatives(deps, s.ref, s.tb, t)
			alts = append(alts, tbAlts...)

			if len(deps) == 0 && len(tbAlts) == 0 {
				// maximal chain: accept if the model agrees
				if d.solverCheck() == solver.Unsat {
					d.log.Debugf("backtrack: chain %v unsat", vec)
					continue
				}
				d.outputExecution(vec)
				if d.cfg.FastMode {
					stop = true
				}
				continue
			}

			for i := len(alts) - 1; i >= 0; i-- {
				stack = append(stack, alts[i])
			}
		}
	}
}

// skippableTail reports whether the one remaining dep step can bind nothing at ref and the
// chain may terminate here: only the final step is skippable, only away from the
// transmitter, and only when ref offers no candidate edge of its kind (e.g. a stale store
// holding a constant has no data source; the chain ends at the store).
func (d *Detector) skippableTail(deps []Dep, ref cfg.NodeRef, root cfg.NodeRef) bool {
	if len(deps) != 1 || ref == root {
		return false
	}
	for _, e := range d.a.EdgesIn(ref, deps[0].Kind) {
		if !e.Exists.IsFalse() {
			return false
		}
	}
	return true
}

// depAlternatives builds the commit steps consuming the next dep vector entry at ref. The
// TRANS mode lands on the side that carries the speculative flavor of the step: a
// value-flow step (addr, addr_gep, data) requires its source load to have executed
// transiently, while a control or reads-from step requires the consumer to be transient and
// lets the source execute either way. A reads-from step is a store-buffer bypass: it counts
// against the traceback budget, excludes the initial memory and carries the bypass
// obligation of a stale same-address store in between.
func (d *Detector) depAlternatives(deps []Dep, ref cfg.NodeRef, tb int) []stepCommit {
	c := d.a.Ctx
	node := d.a.Lookup(ref)
	dep := deps[0]
	rest := deps[1:]
	var alts []stepCommit

	rfStep := dep.Kind == aeg.RF
	if rfStep && (tb >= *d.cfg.MaxTraceback || !d.variant.RfBypassEligible(node)) {
		return nil
	}
	if consumerMode(dep.Kind) && dep.Mode == aeg.ExecTrans && node.Trans.IsFalse() {
		return nil
	}

	for _, e := range d.a.EdgesIn(ref, dep.Kind) {
		if !d.checkEdge(e, dep.Mode) {
			continue
		}
		src := d.a.Lookup(e.Src)
		var asserts []solver.Bool
		if consumerMode(dep.Kind) {
			asserts = []solver.Bool{
				e.Exists,
				node.ExecIn(c, dep.Mode),
				src.Exec(c),
			}
		} else {
			if dep.Mode == aeg.ExecTrans && src.Trans.IsFalse() {
				continue
			}
			asserts = []solver.Bool{
				e.Exists,
				node.Exec(c),
				src.ExecIn(c, dep.Mode),
			}
		}
		asserts = append(asserts,
			c.Implies(src.Trans, node.Trans),
			c.Implies(node.Arch, src.Arch))
		childTB := tb
		if rfStep {
			if e.Src == d.a.Entry {
				continue
			}
			asserts = append(asserts, d.staleness(e.Src, ref))
			childTB = tb + 1
		}
		var vecPush []cfg.NodeRef
		if e.Via != nil {
			vecPush = []cfg.NodeRef{*e.Via}
		}
		alts = append(alts, stepCommit{
			asserts: asserts,
			action:  fmt.Sprintf("%d -%s-> %d", e.Src, dep.Kind, ref),
			flag:    &FlagEdge{Src: e.Src, Dst: ref, Kind: dep.Kind},
			vecPush: vecPush,
			child:   stepExplore{deps: rest, ref: e.Src, tb: childTB},
		})
	}
	return alts
}

// consumerMode reports whether the TRANS mode of a dep kind binds the consumer (ctrl and
// reads-from) rather than the source load (the value-flow kinds).
func consumerMode(kind aeg.EdgeKind) bool {
	switch kind {
	case aeg.CTRL, aeg.RF:
		return true
	default:
		return false
	}
}

// tracebackAlternatives builds the commit steps that extend the chain without consuming the
// dep vector: rf×data pairs (the store's value came from an earlier load) and addr edges
// (the address came from an earlier load).
func (d *Detector) tracebackAlternatives(deps []Dep, ref cfg.NodeRef, tb int, root cfg.NodeRef) []stepCommit {
	c := d.a.Ctx
	node := d.a.Lookup(ref)
	if ref == root || tb >= *d.cfg.MaxTraceback || node.Read.IsFalse() || !d.variant.RfBypassEligible(node) {
		return nil
	}

	loadExec := c.And(node.Exec(c), node.Read)
	var alts []stepCommit
	for _, rs := range d.rfSources(ref) {
		if !d.transWindow[rs.Store] {
			continue
		}
		store := d.a.Lookup(rs.Store)
		for _, de := range d.a.EdgesIn(rs.Store, aeg.DATA) {
			if de.Exists.IsFalse() || !d.execWindow[de.Src] {
				continue
			}
			alts = append(alts, stepCommit{
				asserts: []solver.Bool{
					loadExec,
					rs.Cond,
					store.Exec(c),
					de.Exists,
					d.a.Lookup(de.Src).Exec(c),
				},
				action: fmt.Sprintf("%d -rf-> %d; %d -data-> %d", rs.Store, ref, de.Src, rs.Store),
				flag:   &FlagEdge{Src: rs.Store, Dst: ref, Kind: aeg.RF},
				child:  stepExplore{deps: deps, ref: de.Src, tb: tb + 1},
			})
		}
	}
	for _, ae := range d.a.EdgesIn(ref, aeg.ADDR) {
		if ae.Exists.IsFalse() || !d.execWindow[ae.Src] {
			continue
		}
		alts = append(alts, stepCommit{
			asserts: []solver.Bool{
				loadExec,
				ae.Exists,
				d.a.Lookup(ae.Src).Exec(c),
			},
			action: fmt.Sprintf("%d -addr-> %d", ae.Src, ref),
			flag:   &FlagEdge{Src: ae.Src, Dst: ref, Kind: aeg.ADDR},
			child:  stepExplore{deps: deps, ref: ae.Src, tb: tb + 1},
		})
	}
	return alts
}

// staleness is the bypass obligation of a reads-from step (w, r): some store sequenced
// between them to the same address executes without its write becoming visible.
func (d *Detector) staleness(w cfg.NodeRef, r cfg.NodeRef) solver.Bool {
	c := d.a.Ctx
	raddr, ok := d.a.Lookup(r).MemoryAddress()
	if !ok {
		return c.False()
	}
	topo := d.a.PO.TopoIndex()
	var cases []solver.Bool
	for _, mid := range d.a.NodeRange() {
		if topo[mid] <= topo[w] || topo[mid] >= topo[r] || !d.execWindow[mid] {
			continue
		}
		midNode := d.a.Lookup(mid)
		if midNode.Write.IsFalse() {
			continue
		}
		midAddr, ok := midNode.MemoryAddress()
		if !ok {
			continue
		}
		cases = append(cases, c.And(
			midNode.Exec(c),
			c.EqInt(midAddr, raddr),
			c.Not(midNode.Write)))
	}
	return c.Or(cases...)
}

// fastSearch mirrors the alternative generation structurally, without touching the solver:
// it reports whether any chain shape exists from the given position. It is the lookahead
// that gates every slow exploration.
func (d *Detector) fastSearch(deps []Dep, ref cfg.NodeRef, tb int, root cfg.NodeRef, seen map[fastKey]bool) bool {
	key := fastKey{ref: ref, left: len(deps), tb: tb}
	if seen[key] {
		return false
	}
	seen[key] = true

	if len(deps) > 0 && d.skippableTail(deps, ref, root) {
		deps = nil
	}
	if len(deps) == 0 {
		return true
	}
	node := d.a.Lookup(ref)
	dep := deps[0]

	rfStep := dep.Kind == aeg.RF
	depOK := !(consumerMode(dep.Kind) && dep.Mode == aeg.ExecTrans && node.Trans.IsFalse()) &&
		!(rfStep && (tb >= *d.cfg.MaxTraceback || !d.variant.RfBypassEligible(node)))
	if depOK {
		for _, e := range d.a.EdgesIn(ref, dep.Kind) {
			if !d.checkEdge(e, dep.Mode) {
				continue
			}
			if !consumerMode(dep.Kind) && dep.Mode == aeg.ExecTrans &&
				d.a.Lookup(e.Src).Trans.IsFalse() {
				continue
			}
			childTB := tb
			if rfStep {
				if e.Src == d.a.Entry {
					continue
				}
				childTB = tb + 1
			}
			if d.fastSearch(deps[1:], e.Src, childTB, root, seen) {
				return true
			}
		}
	}

	if ref != root && tb < *d.cfg.MaxTraceback && !node.Read.IsFalse() && d.variant.RfBypassEligible(node) {
		for _, rs := range d.rfSources(ref) {
			if !d.transWindow[rs.Store] {
				continue
			}
			for _, de := range d.a.EdgesIn(rs.Store, aeg.DATA) {
				if de.Exists.IsFalse() || !d.execWindow[de.Src] {
					continue
				}
				if d.fastSearch(deps, de.Src, tb+1, root, seen) {
					return true
				}
			}
		}
		for _, ae := range d.a.EdgesIn(ref, aeg.ADDR) {
			if ae.Exists.IsFalse() || !d.execWindow[ae.Src] {
				continue
			}
			if d.fastSearch(deps, ae.Src, tb+1, root, seen) {
				return true
			}
		}
	}
	return false
}
