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

// Package cfg implements the three CFG stages preceding AEG construction: bounded loop
// unrolling, inline-by-duplication of direct calls, and per-path speculative-context
// expansion. Every stage produces a Graph: an arena of instruction-instance nodes addressed
// by dense NodeRef indices with forward/reverse adjacency in a binrel.
package cfg

import (
	"fmt"

	"github.com/specleak/specleak/analysis/binrel"
	"github.com/specleak/specleak/analysis/ir"
)

// NodeRef is the dense index of a node in a Graph arena.
type NodeRef uint32

// ExecOpt annotates a node with its architectural and transient execution options.
type ExecOpt struct {
	Arch  ir.Opt
	Trans ir.Opt
}

func (e ExecOpt) String() string {
	return fmt.Sprintf("{arch:%s,trans:%s}", e.Arch, e.Trans)
}

// Node is one speculative instance of one source instruction.
type Node struct {
	// Instr is the source instruction; synthetic for entry/exit markers
	Instr *ir.Instr

	// ID scopes the instance for the alias oracle: call stack plus source instruction
	ID ir.ID

	// Exec is the execution-option pair, filled by the expansion stage
	Exec ExecOpt

	// Refs maps each resolved value operand to the set of defining node instances,
	// resolved against this graph. Filled by the expansion stage.
	Refs map[ir.Value][]NodeRef

	// subst rewrites operands introduced by call inlining (callee argument → caller value)
	subst map[ir.Value]ir.Value

	// SpecOrigin is the speculation-introducing node a transient clone hangs off, or the
	// node itself for non-clones
	SpecOrigin NodeRef

	// TransClone marks transient-only copies made by the expansion
	TransClone bool
}

// Resolve maps an operand through the inlining substitution of this node.
func (n *Node) Resolve(v ir.Value) ir.Value {
	for {
		next, ok := n.subst[v]
		if !ok || next == v {
			return v
		}
		v = next
	}
}

// ResolvedAddr returns the memory address operand after substitution, nil for non-memory
// instructions.
func (n *Node) ResolvedAddr() ir.Value {
	if op := n.Instr.MemoryOperand(); op != nil {
		return n.Resolve(op)
	}
	return nil
}

// Graph is one CFG stage: a node arena plus the program-order relation. Node 0 is always the
// unique entry.
type Graph struct {
	FuncName string
	Nodes    []*Node
	Exits    map[NodeRef]bool
	Rel      *binrel.Rel[NodeRef]
}

// EntryRef is the NodeRef of the entry node in every Graph.
const EntryRef NodeRef = 0

func newGraph(funcName string) *Graph {
	return &Graph{
		FuncName: funcName,
		Exits:    make(map[NodeRef]bool),
		Rel:      binrel.New[NodeRef](func(a, b NodeRef) bool { return a < b }),
	}
}

func (g *Graph) addNode(n *Node) NodeRef {
	ref := NodeRef(len(g.Nodes))
	if n.SpecOrigin == 0 && !n.TransClone {
		n.SpecOrigin = ref
	}
	g.Nodes = append(g.Nodes, n)
	g.Rel.AddNode(ref)
	return ref
}

// Lookup returns the node for ref.
func (g *Graph) Lookup(ref NodeRef) *Node {
	return g.Nodes[ref]
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.Nodes)
}

// NodeRange returns every node reference in arena order.
func (g *Graph) NodeRange() []NodeRef {
	out := make([]NodeRef, len(g.Nodes))
	for i := range g.Nodes {
		out[i] = NodeRef(i)
	}
	return out
}

// IsExit reports whether ref is an exit node.
func (g *Graph) IsExit(ref NodeRef) bool {
	return g.Exits[ref]
}

// ReversePostorder returns all nodes reachable from the entry in reverse postorder.
func (g *Graph) ReversePostorder() []NodeRef {
	return g.Rel.ReversePostorder(EntryRef)
}

// Postorder returns all nodes reachable from the entry in postorder.
func (g *Graph) Postorder() []NodeRef {
	return g.Rel.Postorder(EntryRef)
}

// Validate checks the structural invariants of a stage output: exactly one entry, at least
// one exit, every non-entry node has a predecessor, every non-exit node has a successor, and
// the graph is acyclic.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 || g.Nodes[EntryRef].Instr.Kind != ir.Entry {
		return fmt.Errorf("graph for %s: node 0 is not the entry", g.FuncName)
	}
	if len(g.Exits) == 0 {
		return fmt.Errorf("graph for %s: no exit node", g.FuncName)
	}
	for _, ref := range g.NodeRange() {
		node := g.Lookup(ref)
		if node.Instr.Kind == ir.Entry && ref != EntryRef {
			return fmt.Errorf("graph for %s: second entry at %d", g.FuncName, ref)
		}
		if ref != EntryRef && len(g.Rel.Rev[ref]) == 0 {
			return fmt.Errorf("graph for %s: node %d (%s) has no predecessor", g.FuncName, ref, node.Instr)
		}
		if !g.IsExit(ref) && len(g.Rel.Fwd[ref]) == 0 {
			return fmt.Errorf("graph for %s: node %d (%s) has no successor", g.FuncName, ref, node.Instr)
		}
	}
	// acyclicity: a reverse postorder of a DAG has all edges pointing forward
	order := g.ReversePostorder()
	pos := make(map[NodeRef]int, len(order))
	for i, ref := range order {
		pos[ref] = i
	}
	for _, src := range order {
		for succ := range g.Rel.Fwd[src] {
			if pos[succ] <= pos[src] {
				return fmt.Errorf("graph for %s: cycle through edge %d -> %d", g.FuncName, src, succ)
			}
		}
	}
	return nil
}

// TopoIndex returns the position of every reachable node in a fixed topological order.
func (g *Graph) TopoIndex() map[NodeRef]int {
	order := g.ReversePostorder()
	pos := make(map[NodeRef]int, len(order))
	for i, ref := range order {
		pos[ref] = i
	}
	return pos
}
