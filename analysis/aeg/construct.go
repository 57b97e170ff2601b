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

package aeg

import (
	"fmt"
	"sort"

	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/config"
	"github.com/specleak/specleak/analysis/ir"
	"github.com/specleak/specleak/analysis/solver"
	"github.com/specleak/specleak/internal/funcutil"
)

// Params bundles the collaborators the constructor consumes.
type Params struct {
	Config *config.Config

	// Oracle answers alias queries; defaults to may-alias-everything
	Oracle ir.AliasOracle

	// Layout sizes element types; defaults to the sizes recorded on the types
	Layout ir.Layout

	Log *config.LogGroup
}

func (p *Params) fill() {
	if p.Oracle == nil {
		p.Oracle = ir.MayAliasAll()
	}
	if p.Layout == nil {
		p.Layout = ir.DefaultLayout{}
	}
	if p.Log == nil {
		p.Log = config.NewLogGroup(&config.Config{LogLevel: int(config.WarnLevel)})
	}
}

// Construct builds the abstract event graph over the expanded skeleton and emits the
// axiomatic model: node flags, PO and TFO edges, execution constraints, the address model
// with alias constraints, the communication relations, the syntactic dependencies and the
// dominator maps.
func Construct(po *cfg.Expanded, params Params) (*AEG, error) {
	params.fill()
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("constructing AEG for %s: %w", po.FuncName, err)
	}

	a := &AEG{
		PO:    po,
		Ctx:   solver.NewCtx(params.Config.SolverTimeout),
		Entry: cfg.EntryRef,
		Exits: po.Exits,
		out:   make(map[cfg.NodeRef]map[EdgeKind][]*Edge),
		in:    make(map[cfg.NodeRef]map[EdgeKind][]*Edge),
	}

	log := params.Log
	log.Debugf("constructing nodes for %s (%d instances)", po.FuncName, po.Size())
	a.constructNodes(params)
	log.Debugf("constructing po")
	a.constructPO(params)
	log.Debugf("constructing tfo")
	a.constructTFO(params)
	log.Debugf("constructing exec constraints")
	a.constructExec(params)
	log.Debugf("constructing address model")
	a.constructAddrDefs()
	a.constructAddrRefs()
	log.Debugf("constructing alias constraints")
	a.constructAliases(params)
	log.Debugf("constructing com")
	a.constructCom()
	log.Debugf("constructing comx")
	a.constructComx()
	log.Debugf("constructing dependencies")
	a.constructDependencies()
	log.Debugf("constructing dominators")
	a.Dominators = a.constructDominatorsShared(false)
	a.Postdominators = a.constructDominatorsShared(true)
	a.constructControlEquivalents()
	log.Debugf("constructing syntactic dependency edges")
	a.constructAddr()
	a.constructAddrGEP()
	a.constructData()
	a.constructCtrl()
	if params.Config.PartialExecutions || params.Config.SpectreV4Mode.StbSize > 0 {
		a.computeMinStorePaths()
	}
	log.Debugf("AEG for %s: %d nodes, %d edges, %d constraints",
		po.FuncName, a.Size(), a.NumEdges(), len(a.Constraints))
	return a, nil
}

func (a *AEG) optBool(o ir.Opt, prefix string) solver.Bool {
	switch o {
	case ir.Must:
		return a.Ctx.True()
	case ir.May:
		return a.Ctx.FreshBool(prefix)
	default:
		return a.Ctx.False()
	}
}

func (a *AEG) maxTransient(c *config.Config) int {
	max := *c.SpecDepth
	if c.MaxTransientNodes != nil {
		max = funcutil.Min(max, *c.MaxTransientNodes)
	}
	return max
}

func (a *AEG) constructNodes(params Params) {
	for _, ref := range a.PO.NodeRange() {
		cn := a.PO.Lookup(ref)
		node := &Node{
			Instr:    cn.Instr,
			CFG:      cn,
			Arch:     a.optBool(cn.Exec.Arch, "arch"),
			Trans:    a.optBool(cn.Exec.Trans, "trans"),
			Read:     a.Ctx.False(),
			Write:    a.Ctx.False(),
			XSRead:   a.Ctx.False(),
			XSWrite:  a.Ctx.False(),
			AddrRefs: make(map[ir.Value]solver.Int),
		}
		// access flags are free variables: an executed access may still miss its memory
		// effect inside the window (e.g. a store that has not drained)
		if cn.Instr.MayRead() {
			node.Read = a.Ctx.FreshBool("read")
		}
		if cn.Instr.MayWrite() {
			node.Write = a.Ctx.FreshBool("write")
		}
		a.Nodes = append(a.Nodes, node)
	}

	// min-distance-to-speculation pruning: instances provably farther from every
	// speculation point than the transient budget cannot execute transiently
	if params.Config.MaxTransientNodes != nil {
		max := *params.Config.MaxTransientNodes
		minSpecsOut := make(map[cfg.NodeRef]int, a.Size())
		for _, ref := range a.PO.ReversePostorder() {
			min := max
			for _, pred := range a.PO.Rel.Preds(ref) {
				if out, ok := minSpecsOut[pred]; ok && out < min {
					min = out
				}
			}
			if min >= max {
				a.Lookup(ref).Trans = a.Ctx.False()
			}
			if a.PO.MaySpeculate(ref) {
				min = 0
			} else if a.Lookup(ref).Instr.TakesSlot() {
				min = funcutil.Min(max, min+1)
			}
			minSpecsOut[ref] = min
		}
	}
}

func existsList(edges []*Edge) []solver.Bool {
	out := make([]solver.Bool, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.Exists)
	}
	return out
}

// addOptionalEdge creates an edge with a fresh existence variable implying cond; when cond is
// known false the edge is constant-absent.
func (a *AEG) addOptionalEdge(kind EdgeKind, src cfg.NodeRef, dst cfg.NodeRef, cond solver.Bool, name string) *Edge {
	if cond.IsFalse() {
		return a.addEdge(kind, src, dst, a.Ctx.False())
	}
	exists := a.Ctx.FreshBool(name)
	a.constrain(name, a.Ctx.Implies(exists, cond))
	return a.addEdge(kind, src, dst, exists)
}

func (a *AEG) constructPO(params Params) {
	for _, src := range a.PO.NodeRange() {
		srcNode := a.Lookup(src)
		for _, dst := range a.PO.Rel.Succs(src) {
			cond := a.Ctx.And(srcNode.Arch, a.Lookup(dst).Arch)
			a.addOptionalEdge(PO, src, dst, cond, "po")
		}
	}

	exactly := func(bs []solver.Bool) solver.Bool {
		if params.Config.PartialExecutions {
			return a.Ctx.AtMost(bs, 1)
		}
		return a.Ctx.Exactly(bs, 1)
	}

	for _, src := range a.PO.NodeRange() {
		if a.IsExit(src) {
			continue
		}
		srcNode := a.Lookup(src)
		vec := existsList(a.EdgesOut(src, PO))
		a.constrain("po-succ", a.Ctx.Implies(srcNode.Arch, exactly(vec)))
	}
	for _, dst := range a.PO.NodeRange() {
		if dst == a.Entry {
			continue
		}
		if params.Config.PartialExecutions && a.IsExit(dst) {
			continue
		}
		dstNode := a.Lookup(dst)
		vec := existsList(a.EdgesIn(dst, PO))
		a.constrain("po-pred", a.Ctx.Implies(dstNode.Arch, exactly(vec)))
	}

	if params.Config.PartialExecutions {
		// exactly one cold start: an architecturally executing node with no incoming po
		var intros []solver.Bool
		for _, ref := range a.PO.NodeRange() {
			if ref == a.Entry || a.IsExit(ref) {
				continue
			}
			anyIn := a.Ctx.Or(existsList(a.EdgesIn(ref, PO))...)
			intros = append(intros, a.Ctx.And(a.Lookup(ref).Arch, a.Ctx.Not(anyIn)))
		}
		a.constrain("exactly-1-cold-po-start", a.Ctx.Exactly(intros, 1))
	}
}

func (a *AEG) constructTFO(params Params) {
	for _, src := range a.PO.NodeRange() {
		srcNode := a.Lookup(src)
		for _, dst := range a.PO.Rel.Succs(src) {
			dstNode := a.Lookup(dst)
			conds := []solver.Bool{a.Ctx.And(srcNode.Arch, dstNode.Arch)}
			if a.PO.MaySpeculate(src) {
				conds = append(conds, a.Ctx.And(srcNode.Arch, dstNode.Trans))
			}
			conds = append(conds, a.Ctx.And(srcNode.Trans, dstNode.Trans))
			a.addOptionalEdge(TFO, src, dst, a.Ctx.Or(conds...), "tfo")
		}
	}

	// at most one tfo successor per executing node
	for _, src := range a.PO.NodeRange() {
		if a.IsExit(src) {
			continue
		}
		srcNode := a.Lookup(src)
		vec := existsList(a.EdgesOut(src, TFO))
		a.constrain("tfo-succ", a.Ctx.Implies(srcNode.Exec(a.Ctx), a.Ctx.AtMost(vec, 1)))
	}

	// a transient instance needs an incoming tfo edge from an executing source
	for _, dst := range a.PO.NodeRange() {
		dstNode := a.Lookup(dst)
		if dstNode.Trans.IsFalse() {
			continue
		}
		var feeds []solver.Bool
		for _, e := range a.EdgesIn(dst, TFO) {
			feeds = append(feeds, a.Ctx.And(e.Exists, a.Lookup(e.Src).Exec(a.Ctx)))
		}
		a.constrain("trans-tfo", a.Ctx.Implies(dstNode.Trans, a.Ctx.Or(feeds...)))
	}

	// a single speculation introduction per execution
	var intros []solver.Bool
	a.ForEachEdgeOfKind(TFO, func(e *Edge) {
		intros = append(intros, a.Ctx.And(e.Exists, a.Lookup(e.Src).Arch, a.Lookup(e.Dst).Trans))
	})
	a.constrain("at-most-one-spec-intro", a.Ctx.AtMost(intros, 1))
}

func (a *AEG) constructExec(params Params) {
	for _, ref := range a.PO.NodeRange() {
		node := a.Lookup(ref)
		a.constrain(fmt.Sprintf("excl-exec-%d", ref), a.Ctx.Not(a.Ctx.And(node.Arch, node.Trans)))
	}

	a.constrain("entry-arch", a.Lookup(a.Entry).Arch)

	var exitArchs []solver.Bool
	for _, ref := range funcutil.SortedKeys(a.Exits) {
		exitArchs = append(exitArchs, a.Lookup(ref).Arch)
	}
	a.constrain("exit-arch", a.Ctx.Exactly(exitArchs, 1))

	// the budget counts slot-consuming transient instances; arithmetic rides free
	var trans []solver.Bool
	for _, ref := range a.PO.NodeRange() {
		if a.Lookup(ref).Instr.TakesSlot() {
			trans = append(trans, a.Lookup(ref).Trans)
		}
	}
	a.constrain("trans-limit-max", a.Ctx.AtMost(trans, a.maxTransient(params.Config)))
}

func (a *AEG) constructAddrDefs() {
	for _, ref := range a.PO.NodeRange() {
		node := a.Lookup(ref)
		if !node.Instr.IsSpecial() && node.Instr.PointerResult {
			addr := a.Ctx.FreshInt("addr")
			node.AddrDef = &addr
		}
	}
}

// addrDefOf returns the address defined by ref, creating it on demand for producers the
// front end did not flag as pointer results.
func (a *AEG) addrDefOf(ref cfg.NodeRef) solver.Int {
	node := a.Lookup(ref)
	if node.AddrDef == nil {
		addr := a.Ctx.FreshInt("addr")
		node.AddrDef = &addr
	}
	return *node.AddrDef
}

// externalAddr returns the cached address of a graph-external value: an argument, a global,
// a non-null constant or an opaque result. Null is fixed to 0.
func (a *AEG) externalAddr(v ir.Value) solver.Int {
	if c, ok := v.(*ir.Const); ok && c.IsNull() {
		return a.Ctx.IntVal(0)
	}
	if a.argAddrs == nil {
		a.argAddrs = make(map[ir.Value]solver.Int)
	}
	if addr, ok := a.argAddrs[v]; ok {
		return addr
	}
	addr := a.Ctx.FreshInt("addr")
	a.argAddrs[v] = addr
	return addr
}

func (a *AEG) constructAddrRefs() {
	for _, ref := range a.PO.NodeRange() {
		node := a.Lookup(ref)
		var ops []ir.Value
		switch {
		case node.Instr.IsMemory():
			ops = append(ops, node.CFG.Resolve(node.Instr.Addr))
		case node.Instr.GEP:
			ops = append(ops, node.CFG.Resolve(node.Instr.Base))
		}
		for _, rv := range ops {
			defs := node.CFG.Refs[rv]
			var e solver.Int
			switch len(defs) {
			case 0:
				e = a.externalAddr(rv)
			case 1:
				e = a.addrDefOf(defs[0])
			default:
				// several reaching definitions: the reference equals one of them
				e = a.Ctx.FreshInt("addr")
				var eqs []solver.Bool
				for _, def := range defs {
					eqs = append(eqs, a.Ctx.EqInt(a.addrDefOf(def), e))
				}
				a.constrain("addr-ref", a.Ctx.Or(eqs...))
			}
			node.AddrRefs[rv] = e
		}
	}
}

// reachability returns, for every node, the set of nodes with a path to it.
func (a *AEG) reachability() map[cfg.NodeRef]map[cfg.NodeRef]bool {
	reach := make(map[cfg.NodeRef]map[cfg.NodeRef]bool, a.Size())
	for _, ref := range a.PO.ReversePostorder() {
		in := make(map[cfg.NodeRef]bool)
		for _, pred := range a.PO.Rel.Preds(ref) {
			in[pred] = true
			for r := range reach[pred] {
				in[r] = true
			}
		}
		reach[ref] = in
	}
	return reach
}

// constructCom emits the communication relations. RF candidates come from a sweep that walks
// the potential writers from nearest to farthest, accumulating the no-intervening-write chain
// so the candidate conditions partition: every executing read has exactly one source, with
// the entry standing in for the initial memory.
func (a *AEG) constructCom() {
	topo := a.PO.TopoIndex()
	reach := a.reachability()

	writersBefore := func(ref cfg.NodeRef) []cfg.NodeRef {
		var ws []cfg.NodeRef
		for w := range reach[ref] {
			if !a.Lookup(w).Write.IsFalse() {
				ws = append(ws, w)
			}
		}
		// nearest first
		sort.Slice(ws, func(i, j int) bool { return topo[ws[i]] > topo[ws[j]] })
		return ws
	}

	// rf
	for _, r := range a.PO.NodeRange() {
		rNode := a.Lookup(r)
		if rNode.Read.IsFalse() || rNode.Instr.IsSpecial() {
			continue
		}
		raddr, ok := rNode.MemoryAddress()
		if !ok {
			continue
		}
		rExec := a.Ctx.And(rNode.Exec(a.Ctx), rNode.Read)
		no := a.Ctx.True()
		for _, w := range writersBefore(r) {
			wNode := a.Lookup(w)
			waddr, ok := wNode.MemoryAddress()
			if !ok {
				continue
			}
			hit := a.Ctx.And(wNode.Exec(a.Ctx), wNode.Write, a.Ctx.EqInt(waddr, raddr))
			a.addEdge(RF, w, r, a.Ctx.And(rExec, no, hit))
			no = a.Ctx.And(no, a.Ctx.Not(hit))
		}
		// initial memory
		a.addEdge(RF, a.Entry, r, a.Ctx.And(rExec, no))
	}

	// co: a total order per address among the writes of one execution, directed along the
	// skeleton's topological order
	for _, w2 := range a.PO.NodeRange() {
		w2Node := a.Lookup(w2)
		if w2Node.Write.IsFalse() {
			continue
		}
		w2addr, ok := w2Node.MemoryAddress()
		if !ok {
			continue
		}
		for _, w1 := range writersBefore(w2) {
			w1Node := a.Lookup(w1)
			w1addr, ok := w1Node.MemoryAddress()
			if !ok {
				continue
			}
			cond := a.Ctx.And(
				w1Node.Exec(a.Ctx), w1Node.Write,
				w2Node.Exec(a.Ctx), w2Node.Write,
				a.Ctx.EqInt(w1addr, w2addr))
			a.addEdge(CO, w1, w2, cond)
		}
	}

	// fr = rf⁻¹ ; co
	var frs []*Edge
	a.ForEachEdgeOfKind(RF, func(rf *Edge) {
		for _, co := range a.EdgesOut(rf.Src, CO) {
			frs = append(frs, &Edge{
				Kind:   FR,
				Src:    rf.Dst,
				Dst:    co.Dst,
				Exists: a.Ctx.And(rf.Exists, co.Exists),
			})
		}
	})
	for _, e := range frs {
		a.addEdge(e.Kind, e.Src, e.Dst, e.Exists)
	}
}

func (a *AEG) constructComx() {
	var xsaccesses []cfg.NodeRef
	for _, ref := range a.PO.NodeRange() {
		node := a.Lookup(ref)
		node.XSRead = a.optBool(node.Instr.MayXSRead(), "xsread")
		node.XSWrite = a.optBool(node.Instr.MayXSWrite(), "xswrite")
		if node.XSRead.IsFalse() && node.XSWrite.IsFalse() {
			continue
		}
		xsaccesses = append(xsaccesses, ref)
		order := a.Ctx.FreshInt("xsaccess_order")
		node.XSAccessOrder = &order
		if !node.Instr.IsSpecial() {
			if addr, ok := node.MemoryAddress(); ok {
				xstate := a.Ctx.FreshInt("xstate")
				node.XState = &xstate
				a.constrain("xstate-addr-eq", a.Ctx.EqInt(xstate, addr))
			}
		}
	}

	// the initial state is written before anything else is accessed
	entryNode := a.Lookup(a.Entry)
	if entryNode.XSAccessOrder != nil {
		for _, ref := range xsaccesses {
			if ref == a.Entry {
				continue
			}
			a.constrain("xsaccess-order-entry",
				a.Ctx.LTInt(*entryNode.XSAccessOrder, *a.Lookup(ref).XSAccessOrder))
		}
	}
}

// XSAccesses returns the nodes carrying an xsaccess order variable.
func (a *AEG) XSAccesses() []cfg.NodeRef {
	var out []cfg.NodeRef
	for _, ref := range a.NodeRange() {
		if a.Lookup(ref).XSAccessOrder != nil {
			out = append(out, ref)
		}
	}
	return out
}

// AssertXSAccessOrder asserts, for the given window, that the xsaccess order is injective on
// executing accesses and strictly increases along existing transient-fetch edges. No other
// ordering constraint is asserted. The order variables replace explicit RFX/COX/FRX edge
// enumeration.
func (a *AEG) AssertXSAccessOrder(window map[cfg.NodeRef]bool, s *solver.Solver) {
	var xs []cfg.NodeRef
	for _, ref := range a.XSAccesses() {
		if window == nil || window[ref] || ref == a.Entry {
			xs = append(xs, ref)
		}
	}
	accessing := func(ref cfg.NodeRef) solver.Bool {
		n := a.Lookup(ref)
		return a.Ctx.And(n.Exec(a.Ctx), a.Ctx.Or(n.XSRead, n.XSWrite))
	}
	for i := 0; i < len(xs); i++ {
		for j := i + 1; j < len(xs); j++ {
			ni, nj := a.Lookup(xs[i]), a.Lookup(xs[j])
			s.Assert(a.Ctx.Implies(
				a.Ctx.And(accessing(xs[i]), accessing(xs[j])),
				a.Ctx.NeqInt(*ni.XSAccessOrder, *nj.XSAccessOrder)))
		}
	}
	// monotone along transient fetch
	for _, src := range xs {
		for _, e := range a.EdgesOut(src, TFO) {
			dst := a.Lookup(e.Dst)
			if dst.XSAccessOrder == nil {
				continue
			}
			if window != nil && !window[e.Dst] {
				continue
			}
			s.Assert(a.Ctx.Implies(
				a.Ctx.And(e.Exists, accessing(src), accessing(e.Dst)),
				a.Ctx.LTInt(*a.Lookup(src).XSAccessOrder, *dst.XSAccessOrder)))
		}
	}
}

func (a *AEG) constructDependencies() {
	// The closure stops at loads: a load is the frontier of a syntactic dependency chain,
	// and whatever flows into it is only reachable through an explicit traceback step.
	a.Dependencies = make(map[cfg.NodeRef]map[cfg.NodeRef]bool, a.Size())
	for _, dst := range a.PO.ReversePostorder() {
		node := a.PO.Lookup(dst)
		out := make(map[cfg.NodeRef]bool)
		for _, defs := range node.Refs {
			for _, refRef := range defs {
				out[refRef] = true
				if a.Lookup(refRef).Instr.MayRead() {
					continue
				}
				for dep := range a.Dependencies[refRef] {
					out[dep] = true
				}
			}
		}
		a.Dependencies[dst] = out
	}
}

// constructDominatorsShared runs the intersection dataflow in the forward direction for
// dominators and backward for postdominators, returning dominator → dominees maps.
func (a *AEG) constructDominatorsShared(post bool) map[cfg.NodeRef]map[cfg.NodeRef]bool {
	var order []cfg.NodeRef
	preds := func(ref cfg.NodeRef) []cfg.NodeRef { return a.PO.Rel.Preds(ref) }
	if post {
		order = a.PO.Postorder()
		preds = func(ref cfg.NodeRef) []cfg.NodeRef { return a.PO.Rel.Succs(ref) }
	} else {
		order = a.PO.ReversePostorder()
	}

	outs := make(map[cfg.NodeRef]map[cfg.NodeRef]bool, len(order))
	for _, ref := range order {
		var in map[cfg.NodeRef]bool
		for i, pred := range preds(ref) {
			predOut, ok := outs[pred]
			if !ok {
				// unreached predecessor in this direction (e.g. a transient dead end
				// for postdominators); it constrains nothing
				continue
			}
			if i == 0 || in == nil {
				in = make(map[cfg.NodeRef]bool, len(predOut))
				for r := range predOut {
					in[r] = true
				}
			} else {
				for r := range in {
					if !predOut[r] {
						delete(in, r)
					}
				}
			}
		}
		if in == nil {
			in = make(map[cfg.NodeRef]bool)
		}
		in[ref] = true
		outs[ref] = in
	}

	doms := make(map[cfg.NodeRef]map[cfg.NodeRef]bool)
	for ref, set := range outs {
		for dom := range set {
			if doms[dom] == nil {
				doms[dom] = make(map[cfg.NodeRef]bool)
			}
			doms[dom][ref] = true
		}
	}
	return doms
}

func (a *AEG) constructControlEquivalents() {
	a.ControlEquivalents = make(map[cfg.NodeRef]map[cfg.NodeRef]bool)
	order := a.PO.ReversePostorder()
	for i, x := range order {
		for _, y := range order[i+1:] {
			if a.Dominators[x][y] && a.Postdominators[y][x] {
				// y is dominated by x... the pair executes together
				if a.ControlEquivalents[y] == nil {
					a.ControlEquivalents[y] = make(map[cfg.NodeRef]bool)
				}
				a.ControlEquivalents[y][x] = true
			}
		}
	}
}

// forEachDependency applies f to every node the resolved operand v of ref transitively
// depends on, including the direct definers.
func (a *AEG) forEachDependency(ref cfg.NodeRef, v ir.Value, f func(dep cfg.NodeRef)) {
	node := a.PO.Lookup(ref)
	for _, refRef := range node.Refs[v] {
		f(refRef)
		if a.Lookup(refRef).Instr.MayRead() {
			continue
		}
		for _, dep := range funcutil.SortedKeys(a.Dependencies[refRef]) {
			f(dep)
		}
	}
}

func (a *AEG) constructAddr() {
	for _, dst := range a.PO.NodeRange() {
		dstNode := a.Lookup(dst)
		if !dstNode.MayAccess() || !dstNode.Instr.IsMemory() {
			continue
		}
		dstAddr := dstNode.CFG.ResolvedAddr()
		seen := make(map[cfg.NodeRef]bool)
		a.forEachDependency(dst, dstAddr, func(src cfg.NodeRef) {
			if seen[src] {
				return
			}
			seen[src] = true
			srcNode := a.Lookup(src)
			if srcNode.Read.IsFalse() {
				return
			}
			a.addEdge(ADDR, src, dst, a.Ctx.And(
				srcNode.Exec(a.Ctx), srcNode.Read,
				dstNode.Exec(a.Ctx), dstNode.Access(a.Ctx)))
		})
	}
}

func (a *AEG) constructAddrGEP() {
	type pair struct{ src, dst cfg.NodeRef }
	conds := make(map[pair]solver.Bool)
	var orderKeys []pair

	for _, dst := range a.PO.NodeRange() {
		dstNode := a.Lookup(dst)
		if !dstNode.MayAccess() || !dstNode.Instr.IsMemory() {
			continue
		}
		dstAddr := dstNode.CFG.ResolvedAddr()
		for _, gep := range a.PO.Lookup(dst).Refs[dstAddr] {
			gepNode := a.Lookup(gep)
			if !gepNode.Instr.GEP {
				continue
			}
			for _, idx := range gepNode.Instr.Indices {
				rv := gepNode.CFG.Resolve(idx)
				a.forEachDependency(gep, rv, func(src cfg.NodeRef) {
					srcNode := a.Lookup(src)
					if srcNode.Read.IsFalse() {
						return
					}
					cond := a.Ctx.And(
						srcNode.Exec(a.Ctx), srcNode.Read,
						gepNode.Exec(a.Ctx),
						dstNode.Exec(a.Ctx), dstNode.Access(a.Ctx))
					key := pair{src, dst}
					if old, ok := conds[key]; ok {
						conds[key] = a.Ctx.Or(old, cond)
					} else {
						conds[key] = cond
						orderKeys = append(orderKeys, key)
					}
				})
			}
		}
	}
	for _, key := range orderKeys {
		a.addEdge(ADDRGEP, key.src, key.dst, conds[key])
	}
}

func (a *AEG) constructData() {
	for _, store := range a.PO.NodeRange() {
		if store == a.Entry {
			continue
		}
		storeNode := a.Lookup(store)
		if storeNode.Write.IsFalse() || storeNode.Instr.Kind != ir.Store {
			continue
		}
		v := storeNode.CFG.Resolve(storeNode.Instr.Val)
		seen := make(map[cfg.NodeRef]bool)
		a.forEachDependency(store, v, func(src cfg.NodeRef) {
			if seen[src] {
				return
			}
			seen[src] = true
			srcNode := a.Lookup(src)
			if srcNode.Read.IsFalse() {
				return
			}
			a.addEdge(DATA, src, store, a.Ctx.And(
				storeNode.Exec(a.Ctx), storeNode.Write,
				srcNode.Exec(a.Ctx), srcNode.Read))
		})
	}
}

func (a *AEG) constructCtrl() {
	// the dominees of a branch that do not postdominate it: the branch is a real control
	// point for exactly those
	exclDoms := make(map[cfg.NodeRef][]cfg.NodeRef)
	for _, dominator := range funcutil.SortedKeys(a.Dominators) {
		for _, dominee := range funcutil.SortedKeys(a.Dominators[dominator]) {
			if !a.Postdominators[dominee][dominator] {
				exclDoms[dominator] = append(exclDoms[dominator], dominee)
			}
		}
	}

	for _, br := range a.PO.NodeRange() {
		brNode := a.Lookup(br)
		if !brNode.Instr.IsBranch() {
			continue
		}
		for _, loadDep := range funcutil.SortedKeys(a.Dependencies[br]) {
			loadNode := a.Lookup(loadDep)
			if loadNode.Read.IsFalse() {
				continue
			}
			for _, access := range exclDoms[br] {
				accessNode := a.Lookup(access)
				if !accessNode.MayAccess() {
					continue
				}
				br := br
				e := a.addEdge(CTRL, loadDep, access, a.Ctx.And(
					loadNode.Exec(a.Ctx), loadNode.Read,
					brNode.Exec(a.Ctx),
					accessNode.Exec(a.Ctx), accessNode.Access(a.Ctx)))
				e.Via = &br
			}
		}
	}
}

// computeMinStorePaths fills the static minimum store counts used to gate the Spectre-v4
// store-buffer search.
func (a *AEG) computeMinStorePaths() {
	const unbounded = int(^uint(0) >> 1)
	for _, ref := range a.PO.ReversePostorder() {
		node := a.Lookup(ref)
		if ref == a.Entry {
			node.StoresIn = 0
			node.StoresOut = 0
			continue
		}
		min := unbounded
		for _, pred := range a.PO.Rel.Preds(ref) {
			if out := a.Lookup(pred).StoresOut; out < min {
				min = out
			}
		}
		if min == unbounded {
			min = 0
		}
		node.StoresIn = min
		node.StoresOut = min
		if node.Instr.MayWrite() {
			node.StoresOut = min + 1
		}
	}
}
