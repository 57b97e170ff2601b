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

package cfg

import (
	"fmt"
	"sort"

	"github.com/specleak/specleak/analysis/ir"
)

// Expanded is the final CFG stage: every node annotated with execution options and a refs map
// resolved against the expanded skeleton, with speculative paths represented as distinct
// transient-only node sequences.
type Expanded struct {
	*Graph

	policy Policy

	// SpecDepth is the transient window depth the clones were built with
	SpecDepth int
}

// Expand clones, after every node where the policy may introduce speculation, the successor
// chains into transient-only copies up to specDepth steps, terminating early at
// resynchronization points. The architectural skeleton keeps the node references of the input
// graph; clones are appended after it. Finally the refs maps are resolved against the
// expanded relation by a reaching-definitions pass.
func Expand(g *Graph, policy Policy, specDepth int) (*Expanded, error) {
	e := &Expanded{Graph: newGraph(g.FuncName), policy: policy, SpecDepth: specDepth}

	// architectural copies, one per input node, same refs
	for _, ref := range g.NodeRange() {
		src := g.Lookup(ref)
		exec := ExecOpt{Arch: ir.May, Trans: ir.No}
		if ref == EntryRef {
			exec.Arch = ir.Must
		}
		copyRef := e.addNode(&Node{
			Instr: src.Instr,
			ID:    src.ID,
			Exec:  exec,
			subst: src.subst,
		})
		if copyRef != ref {
			return nil, fmt.Errorf("expanding %s: node arena out of sync", g.FuncName)
		}
		if g.IsExit(ref) {
			e.Exits[copyRef] = true
		}
	}
	for _, u := range g.NodeRange() {
		for _, v := range g.Rel.Succs(u) {
			e.Rel.Insert(u, v)
		}
	}

	// transient clone families, one per speculation point
	exitRef := e.anyExit()
	for _, origin := range g.NodeRange() {
		if !policy.MayIntroduceSpeculation(g.Lookup(origin)) {
			continue
		}
		e.cloneFamily(g, origin, specDepth, exitRef)
	}

	e.resolveRefs()

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("expanding %s: %w", g.FuncName, err)
	}
	return e, nil
}

// MaySpeculate reports whether execution may go transient right after ref.
func (e *Expanded) MaySpeculate(ref NodeRef) bool {
	return e.policy.MayIntroduceSpeculation(e.Lookup(ref))
}

// PolicyName returns the name of the speculation policy the graph was expanded with.
func (e *Expanded) PolicyName() string {
	return e.policy.Name()
}

func (e *Expanded) anyExit() NodeRef {
	best := NodeRef(0)
	found := false
	for x := range e.Exits {
		if !found || x < best {
			best = x
			found = true
		}
	}
	return best
}

// cloneFamily clones the nodes reachable from origin within a transient budget of depth
// slots as transient-only copies hanging off origin. Only slot-consuming instructions count
// against the budget; address arithmetic is cloned for free. Chains end at
// resynchronization points; dead-end clones are linked to the exit to keep the skeleton
// well-formed (the link never carries an existing edge, since the exit does not execute
// transiently).
func (e *Expanded) cloneFamily(g *Graph, origin NodeRef, depth int, exitRef NodeRef) {
	if depth <= 0 {
		return
	}
	slot := func(ref NodeRef) int {
		if g.Lookup(ref).Instr.TakesSlot() {
			return 1
		}
		return 0
	}

	// minimum transient cost per reachable node
	cost := make(map[NodeRef]int)
	var queue []NodeRef
	relax := func(ref NodeRef, c int) {
		if old, ok := cost[ref]; !ok || c < old {
			cost[ref] = c
			queue = append(queue, ref)
		}
	}
	for _, succ := range g.Rel.Succs(origin) {
		if sc := slot(succ); sc <= depth && !e.policy.Resync(g.Lookup(succ)) {
			relax(succ, sc)
		}
	}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		for _, succ := range g.Rel.Succs(ref) {
			if e.policy.Resync(g.Lookup(succ)) {
				continue
			}
			if nc := cost[ref] + slot(succ); nc <= depth {
				relax(succ, nc)
			}
		}
	}

	clones := make(map[NodeRef]NodeRef)
	var cloneOrder []NodeRef
	for _, srcRef := range g.NodeRange() {
		d, ok := cost[srcRef]
		if !ok {
			continue
		}
		src := g.Lookup(srcRef)
		cloneRef := e.addNode(&Node{
			Instr:      src.Instr,
			ID:         src.ID,
			Exec:       e.policy.Execs(src, d),
			subst:      src.subst,
			SpecOrigin: origin,
			TransClone: true,
		})
		clones[srcRef] = cloneRef
		cloneOrder = append(cloneOrder, srcRef)
	}

	// wire the family: origin fans out into the clones, clone edges mirror the skeleton
	for _, succ := range g.Rel.Succs(origin) {
		if c, ok := clones[succ]; ok {
			e.Rel.Insert(origin, c)
		}
	}
	for _, srcRef := range cloneOrder {
		c := clones[srcRef]
		for _, succ := range g.Rel.Succs(srcRef) {
			if cs, ok := clones[succ]; ok {
				e.Rel.Insert(c, cs)
			}
		}
		if len(e.Rel.Fwd[c]) == 0 {
			e.Rel.Insert(c, exitRef)
		}
	}
}

// resolveRefs computes, for every node and every resolved value operand, the set of defining
// node instances reaching it: a forward pass in reverse postorder where a redefinition of a
// value kills the incoming definitions.
func (e *Expanded) resolveRefs() {
	outs := make(map[NodeRef]map[ir.Value][]NodeRef, e.Size())
	for _, ref := range e.ReversePostorder() {
		node := e.Lookup(ref)

		in := make(map[ir.Value][]NodeRef)
		for _, pred := range e.Rel.Preds(ref) {
			for v, defs := range outs[pred] {
				in[v] = mergeRefs(in[v], defs)
			}
		}

		node.Refs = make(map[ir.Value][]NodeRef, len(node.Instr.Operands))
		for _, op := range node.Instr.Operands {
			rv := node.Resolve(op)
			if defs, ok := in[rv]; ok {
				node.Refs[rv] = defs
			}
		}

		if !node.Instr.IsSpecial() {
			in[node.Instr] = []NodeRef{ref}
		}
		outs[ref] = in
	}
}

func mergeRefs(a []NodeRef, b []NodeRef) []NodeRef {
	if len(a) == 0 {
		return append([]NodeRef{}, b...)
	}
	seen := make(map[NodeRef]bool, len(a)+len(b))
	out := make([]NodeRef, 0, len(a)+len(b))
	for _, r := range a {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, r := range b {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
