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

// Package aeg builds the abstract event graph: one symbolic node per expanded-CFG instruction
// instance, carrying propositional execution flags, and symbolic edges for program order,
// transient-fetch order, the communication relations and the syntactic dependencies. The
// accumulated constraints form the axiomatic model the leakage detector queries.
package aeg

import (
	"fmt"

	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/ir"
	"github.com/specleak/specleak/analysis/solver"
)

// EdgeKind classifies an AEG edge.
type EdgeKind uint8

// The edge kinds.
const (
	PO EdgeKind = iota
	TFO
	RF
	CO
	FR
	RFX
	COX
	FRX
	ADDR
	ADDRGEP
	DATA
	CTRL
)

func (k EdgeKind) String() string {
	switch k {
	case PO:
		return "po"
	case TFO:
		return "tfo"
	case RF:
		return "rf"
	case CO:
		return "co"
	case FR:
		return "fr"
	case RFX:
		return "rfx"
	case COX:
		return "cox"
	case FRX:
		return "frx"
	case ADDR:
		return "addr"
	case ADDRGEP:
		return "addr_gep"
	case DATA:
		return "data"
	case CTRL:
		return "ctrl"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ExecMode selects which execution flag of a node a condition refers to.
type ExecMode uint8

// The execution modes.
const (
	// ExecArch requires architectural execution
	ExecArch ExecMode = iota

	// ExecTrans requires transient execution
	ExecTrans

	// ExecEither requires execution of either kind
	ExecEither
)

func (m ExecMode) String() string {
	switch m {
	case ExecArch:
		return "arch"
	case ExecTrans:
		return "trans"
	default:
		return "exec"
	}
}

// Edge is a symbolic edge: its Exists proposition decides whether the edge is part of a
// witness execution.
type Edge struct {
	Kind   EdgeKind
	Src    cfg.NodeRef
	Dst    cfg.NodeRef
	Exists solver.Bool

	// Via is the mediating node of a composite dependency (the branch of a CTRL edge);
	// witness chains include it between Src and Dst
	Via *cfg.NodeRef
}

func (e *Edge) String() string {
	return fmt.Sprintf("%d -%s-> %d", e.Src, e.Kind, e.Dst)
}

// Node is the symbolic event for one instruction instance.
type Node struct {
	// Instr is the source instruction of the instance
	Instr *ir.Instr

	// CFG is the expanded skeleton node
	CFG *cfg.Node

	// Arch and Trans are the execution flags, mutually exclusive by constraint
	Arch  solver.Bool
	Trans solver.Bool

	// Read and Write are the access flags; constant false when the kind cannot
	Read  solver.Bool
	Write solver.Bool

	// XSRead and XSWrite flag transient-visible accesses to the extra-architectural state
	XSRead  solver.Bool
	XSWrite solver.Bool

	// XState is the microarchitectural address footprint, constrained equal to the
	// memory address; nil for nodes without xs accesses
	XState *solver.Int

	// XSAccessOrder linearizes all xs accesses; nil for nodes without xs accesses
	XSAccessOrder *solver.Int

	// AddrDef is the symbolic address this instance defines when it produces a pointer
	AddrDef *solver.Int

	// AddrRefs maps resolved address operands to their symbolic addresses
	AddrRefs map[ir.Value]solver.Int

	// StoresIn and StoresOut are the static minimum store counts on any path from the
	// entry, used to gate the Spectre-v4 store-buffer search
	StoresIn  int
	StoresOut int
}

// Exec returns the proposition that this instance executes at all.
func (n *Node) Exec(c *solver.Ctx) solver.Bool {
	return c.Or(n.Arch, n.Trans)
}

// ExecIn returns the execution proposition for the given mode.
func (n *Node) ExecIn(c *solver.Ctx, mode ExecMode) solver.Bool {
	switch mode {
	case ExecArch:
		return n.Arch
	case ExecTrans:
		return n.Trans
	default:
		return n.Exec(c)
	}
}

// Access returns the proposition that this instance accesses memory.
func (n *Node) Access(c *solver.Ctx) solver.Bool {
	return c.Or(n.Read, n.Write)
}

// MayAccess reports whether the instance can access memory at all.
func (n *Node) MayAccess() bool {
	return !n.Read.IsFalse() || !n.Write.IsFalse()
}

// MemoryAddress returns the symbolic address of the memory operand, and false for
// non-memory instances.
func (n *Node) MemoryAddress() (solver.Int, bool) {
	op := n.CFG.ResolvedAddr()
	if op == nil {
		return solver.Int{}, false
	}
	addr, ok := n.AddrRefs[op]
	return addr, ok
}

// NamedConstraint is one labeled clause of the axiomatic model.
type NamedConstraint struct {
	Name string
	Prop solver.Bool
}

// AEG is the abstract event graph of one function.
type AEG struct {
	// PO is the expanded skeleton the graph was built over
	PO *cfg.Expanded

	// Ctx is the solver context owning every symbolic term
	Ctx *solver.Ctx

	Nodes []*Node

	// Entry is the entry node reference; Exits the exit set
	Entry cfg.NodeRef
	Exits map[cfg.NodeRef]bool

	// Constraints is the accumulated axiomatic model
	Constraints []NamedConstraint

	// Dependencies maps each node to the transitive closure of its use-def sources
	Dependencies map[cfg.NodeRef]map[cfg.NodeRef]bool

	// Dominators maps d to the set of nodes d dominates; Postdominators its dual
	Dominators     map[cfg.NodeRef]map[cfg.NodeRef]bool
	Postdominators map[cfg.NodeRef]map[cfg.NodeRef]bool

	// ControlEquivalents maps n to the earlier nodes control-equivalent with it
	ControlEquivalents map[cfg.NodeRef]map[cfg.NodeRef]bool

	edges []*Edge
	out   map[cfg.NodeRef]map[EdgeKind][]*Edge
	in    map[cfg.NodeRef]map[EdgeKind][]*Edge

	// argAddrs caches the symbolic addresses of arguments, globals and other
	// graph-external values, per resolved value
	argAddrs map[ir.Value]solver.Int

	// AliasStats counts the oracle verdicts during alias-constraint emission
	AliasStats AliasStats
}

// AliasStats counts the alias-constraint verdicts.
type AliasStats struct {
	NoAlias   int
	MayAlias  int
	MustAlias int
	Invalid   int
}

// Lookup returns the node for ref.
func (a *AEG) Lookup(ref cfg.NodeRef) *Node {
	return a.Nodes[ref]
}

// Size returns the number of nodes.
func (a *AEG) Size() int {
	return len(a.Nodes)
}

// NodeRange returns every node reference in arena order.
func (a *AEG) NodeRange() []cfg.NodeRef {
	out := make([]cfg.NodeRef, len(a.Nodes))
	for i := range a.Nodes {
		out[i] = cfg.NodeRef(i)
	}
	return out
}

// IsExit reports whether ref is an exit.
func (a *AEG) IsExit(ref cfg.NodeRef) bool {
	return a.Exits[ref]
}

func (a *AEG) constrain(name string, prop solver.Bool) {
	if prop.IsTrue() {
		return
	}
	a.Constraints = append(a.Constraints, NamedConstraint{Name: name, Prop: prop})
}

func (a *AEG) addEdge(kind EdgeKind, src cfg.NodeRef, dst cfg.NodeRef, exists solver.Bool) *Edge {
	e := &Edge{Kind: kind, Src: src, Dst: dst, Exists: exists}
	a.edges = append(a.edges, e)
	if a.out[src] == nil {
		a.out[src] = make(map[EdgeKind][]*Edge)
	}
	if a.in[dst] == nil {
		a.in[dst] = make(map[EdgeKind][]*Edge)
	}
	a.out[src][kind] = append(a.out[src][kind], e)
	a.in[dst][kind] = append(a.in[dst][kind], e)
	return e
}

// EdgesOut returns the out-edges of ref with the given kind.
func (a *AEG) EdgesOut(ref cfg.NodeRef, kind EdgeKind) []*Edge {
	return a.out[ref][kind]
}

// EdgesIn returns the in-edges of ref with the given kind.
func (a *AEG) EdgesIn(ref cfg.NodeRef, kind EdgeKind) []*Edge {
	return a.in[ref][kind]
}

// ForEachEdge calls f on every edge.
func (a *AEG) ForEachEdge(f func(*Edge)) {
	for _, e := range a.edges {
		f(e)
	}
}

// ForEachEdgeOfKind calls f on every edge of the given kind.
func (a *AEG) ForEachEdgeOfKind(kind EdgeKind, f func(*Edge)) {
	for _, e := range a.edges {
		if e.Kind == kind {
			f(e)
		}
	}
}

// NumEdges returns the total edge count.
func (a *AEG) NumEdges() int {
	return len(a.edges)
}

// AddToSolver asserts the whole axiomatic model.
func (a *AEG) AddToSolver(s *solver.Solver) {
	for _, nc := range a.Constraints {
		s.Assert(nc.Prop)
	}
}

// MemoryAddressTerms returns the distinct symbolic address terms used by may-access nodes,
// for pinning the initial-memory snapshot.
func (a *AEG) MemoryAddressTerms() []solver.Int {
	var out []solver.Int
	for _, ref := range a.NodeRange() {
		node := a.Lookup(ref)
		if !node.MayAccess() {
			continue
		}
		if addr, ok := node.MemoryAddress(); ok {
			out = append(out, addr)
		}
	}
	return out
}
