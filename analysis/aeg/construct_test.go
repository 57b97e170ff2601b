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
	"testing"

	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/config"
	"github.com/specleak/specleak/analysis/ir"
	"github.com/specleak/specleak/analysis/solver"
)

// boundsCheckFunc is the classic v1 shape: load an index, branch on the bounds check, load
// A[idx] and then B[A[idx]*64] in the guarded block.
func boundsCheckFunc(t *testing.T) (*ir.Func, map[string]*ir.Instr) {
	t.Helper()
	b := ir.NewBuilder("victim")
	i64 := ir.IntType(64)
	idxp := b.Param("idxp", ir.PointerTo(i64))
	arrA := b.Param("A", ir.PointerTo(i64))
	arrB := b.Param("B", ir.PointerTo(i64))

	entry := b.Block("entry")
	then := b.Block("then")
	done := b.Block("done")

	m := map[string]*ir.Instr{}
	m["idx"] = entry.Load("idx", idxp)
	m["cmp"] = entry.Compute("cmp", ir.IntType(8), m["idx"], ir.NewConst(16, i64))
	m["br"] = entry.Branch(m["cmp"], then, done)
	m["gep1"] = then.GEP("gep1", arrA, m["idx"])
	m["a"] = then.Load("a", m["gep1"])
	m["mul"] = then.Compute("mul", i64, m["a"], ir.NewConst(64, i64))
	m["gep2"] = then.GEP("gep2", arrB, m["mul"])
	m["b"] = then.Load("b", m["gep2"])
	then.Jump(done)
	done.Return()

	return b.MustFinish(), m
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.NewDefault()
	c.LeakageClass = config.SpectreV1
	if err := c.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return c
}

func buildAEG(t *testing.T, fn *ir.Func, c *config.Config) *AEG {
	t.Helper()
	u, err := cfg.Unroll(fn, *c.NumUnrolls)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	calls, err := cfg.InlineCalls(u, *c.SpecDepth, *c.NumUnrolls)
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	var policy cfg.Policy = cfg.SpectreV1Policy{}
	if c.LeakageClass == config.SpectreV4 {
		policy = cfg.SpectreV4Policy{StbSize: c.SpectreV4Mode.StbSize}
	}
	exp, err := cfg.Expand(calls, policy, *c.SpecDepth)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	a, err := Construct(exp, Params{Config: c})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	return a
}

func TestConstructIdempotent(t *testing.T) {
	fn, _ := boundsCheckFunc(t)
	c := testConfig(t)
	a1 := buildAEG(t, fn, c)
	a2 := buildAEG(t, fn, c)
	if a1.Size() != a2.Size() {
		t.Errorf("node counts differ across constructions: %d vs %d", a1.Size(), a2.Size())
	}
	if a1.NumEdges() != a2.NumEdges() {
		t.Errorf("edge counts differ across constructions: %d vs %d", a1.NumEdges(), a2.NumEdges())
	}
	if len(a1.Constraints) != len(a2.Constraints) {
		t.Errorf("constraint counts differ across constructions: %d vs %d",
			len(a1.Constraints), len(a2.Constraints))
	}
}

func TestConstructEdgeKindsPresent(t *testing.T) {
	fn, m := boundsCheckFunc(t)
	c := testConfig(t)
	a := buildAEG(t, fn, c)

	counts := map[EdgeKind]int{}
	a.ForEachEdge(func(e *Edge) { counts[e.Kind]++ })
	for _, kind := range []EdgeKind{PO, TFO, RF, ADDR, ADDRGEP, CTRL} {
		if counts[kind] == 0 {
			t.Errorf("expected some %s edges, got none", kind)
		}
	}

	// every addr edge flows from a load
	a.ForEachEdgeOfKind(ADDR, func(e *Edge) {
		if !a.Lookup(e.Src).Instr.MayRead() {
			t.Errorf("addr edge from non-load %v", a.Lookup(e.Src).Instr)
		}
	})

	// the dependency frontier stops at loads: b's addr deps must be a, not idx
	for _, ref := range a.NodeRange() {
		node := a.Lookup(ref)
		if node.Instr != m["b"] {
			continue
		}
		for _, e := range a.EdgesIn(ref, ADDR) {
			if a.Lookup(e.Src).Instr == m["idx"] {
				t.Errorf("addr edge reaches through the intermediate load")
			}
		}
	}
}

// witnessModel asserts the axiomatic model plus extra constraints and returns a model.
func witnessModel(t *testing.T, a *AEG, extra ...solver.Bool) *solver.Model {
	t.Helper()
	s := a.Ctx.NewSolver()
	a.AddToSolver(s)
	for _, b := range extra {
		s.Assert(b)
	}
	if res := s.Check(); res != solver.Sat {
		t.Fatalf("expected sat model, got %v", res)
	}
	return s.Model()
}

func TestWitnessInvariants(t *testing.T) {
	fn, _ := boundsCheckFunc(t)
	c := testConfig(t)
	a := buildAEG(t, fn, c)

	// force one transient node so the witness exercises speculation
	var anyTrans []solver.Bool
	for _, ref := range a.NodeRange() {
		if !a.Lookup(ref).Trans.IsFalse() {
			anyTrans = append(anyTrans, a.Lookup(ref).Trans)
		}
	}
	if len(anyTrans) == 0 {
		t.Fatalf("no transient-capable nodes")
	}
	m := witnessModel(t, a, a.Ctx.Or(anyTrans...))

	// arch and trans are mutually exclusive
	for _, ref := range a.NodeRange() {
		node := a.Lookup(ref)
		if m.EvalBool(node.Arch) && m.EvalBool(node.Trans) {
			t.Errorf("node %d is both arch and trans", ref)
		}
	}

	// the entry executes architecturally and exactly one exit does
	if !m.EvalBool(a.Lookup(a.Entry).Arch) {
		t.Errorf("entry must execute architecturally")
	}
	exitArch := 0
	for x := range a.Exits {
		if m.EvalBool(a.Lookup(x).Arch) {
			exitArch++
		}
	}
	if exitArch != 1 {
		t.Errorf("expected exactly one arch exit, got %d", exitArch)
	}

	// at most one TFO successor per executing node
	for _, ref := range a.NodeRange() {
		n := 0
		for _, e := range a.EdgesOut(ref, TFO) {
			if m.EvalBool(e.Exists) {
				n++
			}
		}
		if n > 1 {
			t.Errorf("node %d has %d TFO successors", ref, n)
		}
	}

	// PO and communication edges respect the topological order, hence acyclic
	topo := a.PO.TopoIndex()
	for _, kind := range []EdgeKind{PO, RF, CO} {
		a.ForEachEdgeOfKind(kind, func(e *Edge) {
			if e.Src == a.Entry {
				return
			}
			if m.EvalBool(e.Exists) && topo[e.Src] >= topo[e.Dst] {
				t.Errorf("%s edge %d->%d against topological order", kind, e.Src, e.Dst)
			}
		})
	}

	// RF is functional: at most one source per read
	for _, ref := range a.NodeRange() {
		n := 0
		for _, e := range a.EdgesIn(ref, RF) {
			if m.EvalBool(e.Exists) {
				n++
			}
		}
		if n > 1 {
			t.Errorf("read %d has %d rf sources", ref, n)
		}
	}

	// FR is the composition of inverse RF with CO on the witness
	a.ForEachEdgeOfKind(FR, func(fr *Edge) {
		if !m.EvalBool(fr.Exists) {
			return
		}
		found := false
		for _, rf := range a.EdgesIn(fr.Src, RF) {
			if !m.EvalBool(rf.Exists) {
				continue
			}
			for _, co := range a.EdgesOut(rf.Src, CO) {
				if co.Dst == fr.Dst && m.EvalBool(co.Exists) {
					found = true
				}
			}
		}
		if !found {
			t.Errorf("fr edge %d->%d not justified by rf⁻¹;co", fr.Src, fr.Dst)
		}
	})

	// at most one speculation introduction
	intros := 0
	a.ForEachEdgeOfKind(TFO, func(e *Edge) {
		if m.EvalBool(e.Exists) &&
			m.EvalBool(a.Lookup(e.Src).Arch) && m.EvalBool(a.Lookup(e.Dst).Trans) {
			intros++
		}
	})
	if intros > 1 {
		t.Errorf("witness has %d speculation introductions", intros)
	}

	// slot-consuming transient count within the budget
	trans := 0
	for _, ref := range a.NodeRange() {
		if a.Lookup(ref).Instr.TakesSlot() && m.EvalBool(a.Lookup(ref).Trans) {
			trans++
		}
	}
	if trans > *c.SpecDepth {
		t.Errorf("witness has %d transient slots, budget %d", trans, *c.SpecDepth)
	}
}

func TestMaxTransientNodesPrunes(t *testing.T) {
	fn, _ := boundsCheckFunc(t)
	c := testConfig(t)
	zero := 0
	c.MaxTransientNodes = &zero
	a := buildAEG(t, fn, c)
	for _, ref := range a.NodeRange() {
		if !a.Lookup(ref).Trans.IsFalse() {
			t.Fatalf("max-transient-nodes=0 should force every trans flag to false")
		}
	}
}

func TestMustAliasMergesAddresses(t *testing.T) {
	b := ir.NewBuilder("aliasy")
	i64 := ir.IntType(64)
	p := b.Param("p", ir.PointerTo(i64))
	q := b.Param("q", ir.PointerTo(i64))
	blk := b.Block("entry")
	blk.Store(p, ir.NewConst(1, i64))
	ld := blk.Load("x", q)
	_ = ld
	blk.Return()
	fn := b.MustFinish()

	c := testConfig(t)
	u, _ := cfg.Unroll(fn, 2)
	calls, _ := cfg.InlineCalls(u, 2, 2)
	exp, _ := cfg.Expand(calls, cfg.SpectreV1Policy{}, 2)

	oracle := ir.AliasFunc(func(a ir.ID, va ir.Value, bID ir.ID, vb ir.Value) ir.AliasResult {
		return ir.MustAlias
	})
	a, err := Construct(exp, Params{Config: c, Oracle: oracle})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if a.AliasStats.MustAlias == 0 {
		t.Errorf("expected must-alias constraints to be emitted")
	}

	// under the merged addresses, the load must read from the store, not the entry
	s := a.Ctx.NewSolver()
	a.AddToSolver(s)
	for _, ref := range a.NodeRange() {
		node := a.Lookup(ref)
		if node.Instr.Kind != ir.Load || node.CFG.TransClone {
			continue
		}
		for _, e := range a.EdgesIn(ref, RF) {
			if e.Src == a.Entry {
				st := a.Ctx.NewSolver()
				a.AddToSolver(st)
				st.Assert(node.Arch)
				st.Assert(node.Read)
				// force the writer to actually write
				for _, w := range a.NodeRange() {
					if a.Lookup(w).Instr.MayWrite() && !a.Lookup(w).CFG.TransClone {
						st.Assert(a.Lookup(w).Write)
						st.Assert(a.Lookup(w).Arch)
					}
				}
				st.Assert(e.Exists)
				if res := st.Check(); res != solver.Unsat {
					t.Errorf("aliased store present: the load must not read the initial memory")
				}
			}
		}
	}
}
