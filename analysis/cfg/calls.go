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

	"github.com/specleak/specleak/analysis/ir"
)

// InlineCalls duplicates the bodies of directly-called functions into the unrolled graph, up
// to depth levels of nesting. Inlined instances carry a call scope extending the caller's, so
// the alias oracle can distinguish allocations from different call contexts; callee arguments
// are substituted by the caller's operands. Calls without a known callee, and calls below the
// depth budget, stay as opaque CALL nodes.
func InlineCalls(g *Graph, depth int, numUnrolls int) (*Graph, error) {
	dst := newGraph(g.FuncName)
	entryInstr, exitInstr := ir.NewEntry(), ir.NewExit()
	entry := dst.addNode(&Node{Instr: entryInstr, ID: ir.NewID(nil, entryInstr)})
	exit := dst.addNode(&Node{Instr: exitInstr, ID: ir.NewID(nil, exitInstr)})
	dst.Exits[exit] = true

	in := &inliner{dst: dst, numUnrolls: numUnrolls}
	entries, exits, err := in.splice(g, nil, nil, depth)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		dst.Rel.Insert(entry, e)
	}
	for _, x := range exits {
		dst.Rel.Insert(x, exit)
	}
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("inlining calls in %s: %w", g.FuncName, err)
	}
	return dst, nil
}

type inliner struct {
	dst        *Graph
	numUnrolls int
}

// connector is the set of dst nodes standing in for one src node: a single copy for ordinary
// nodes, the body boundary for inlined calls, nothing for entry/exit markers.
type connector struct {
	heads []NodeRef
	tails []NodeRef
}

func (in *inliner) splice(src *Graph, scope []string, subst map[ir.Value]ir.Value, depth int) ([]NodeRef, []NodeRef, error) {
	conns := make(map[NodeRef]*connector, src.Size())

	for _, ref := range src.NodeRange() {
		node := src.Lookup(ref)
		switch {
		case node.Instr.IsSpecial():
			conns[ref] = &connector{}

		case node.Instr.Kind == ir.Call && node.Instr.Callee != nil && depth > 0:
			callee := node.Instr.Callee
			calleeGraph, err := Unroll(callee, in.numUnrolls)
			if err != nil {
				return nil, nil, fmt.Errorf("unrolling callee %s: %w", callee.Name, err)
			}
			calleeScope := append(append([]string{}, scope...), fmt.Sprintf("%s@%d", callee.Name, ref))
			calleeSubst := make(map[ir.Value]ir.Value, len(subst)+len(callee.Params))
			for k, v := range subst {
				calleeSubst[k] = v
			}
			for i, p := range callee.Params {
				if i < len(node.Instr.Args) {
					calleeSubst[p] = resolveThrough(subst, node.Instr.Args[i])
				}
			}
			heads, tails, err := in.splice(calleeGraph, calleeScope, calleeSubst, depth-1)
			if err != nil {
				return nil, nil, err
			}
			if len(heads) == 0 || len(tails) == 0 {
				// empty body: keep the call opaque instead of vanishing the node
				copyRef := in.copyNode(node, scope, subst)
				conns[ref] = &connector{heads: []NodeRef{copyRef}, tails: []NodeRef{copyRef}}
			} else {
				conns[ref] = &connector{heads: heads, tails: tails}
			}

		default:
			copyRef := in.copyNode(node, scope, subst)
			conns[ref] = &connector{heads: []NodeRef{copyRef}, tails: []NodeRef{copyRef}}
		}
	}

	for _, u := range src.NodeRange() {
		for _, v := range src.Rel.Succs(u) {
			for _, t := range conns[u].tails {
				for _, h := range conns[v].heads {
					in.dst.Rel.Insert(t, h)
				}
			}
		}
	}

	var entries, exits []NodeRef
	for _, v := range src.Rel.Succs(EntryRef) {
		entries = append(entries, conns[v].heads...)
	}
	for x := range src.Exits {
		for _, u := range src.Rel.Preds(x) {
			exits = append(exits, conns[u].tails...)
		}
	}
	return entries, exits, nil
}

func (in *inliner) copyNode(node *Node, scope []string, subst map[ir.Value]ir.Value) NodeRef {
	return in.dst.addNode(&Node{
		Instr: node.Instr,
		ID:    ir.NewID(scope, node.ID.Instr),
		subst: subst,
	})
}

func resolveThrough(subst map[ir.Value]ir.Value, v ir.Value) ir.Value {
	for {
		next, ok := subst[v]
		if !ok || next == v {
			return v
		}
		v = next
	}
}
