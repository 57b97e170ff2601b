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
	"testing"

	"github.com/specleak/specleak/analysis/ir"
)

// branchFunc builds: load c; br c { load a } else { load b }; exit
func branchFunc(t *testing.T, withFence bool) (*ir.Func, map[string]*ir.Instr) {
	t.Helper()
	b := ir.NewBuilder("branchy")
	i64 := ir.IntType(64)
	p := b.Param("p", ir.PointerTo(i64))
	q := b.Param("q", ir.PointerTo(i64))

	entry := b.Block("entry")
	then := b.Block("then")
	els := b.Block("else")
	done := b.Block("done")

	instrs := map[string]*ir.Instr{}
	instrs["c"] = entry.Load("c", p)
	instrs["br"] = entry.Branch(instrs["c"], then, els)
	if withFence {
		instrs["fence"] = then.Fence()
	}
	instrs["a"] = then.Load("a", p)
	then.Jump(done)
	instrs["b"] = els.Load("b", q)
	els.Jump(done)
	done.Return()

	return b.MustFinish(), instrs
}

func expand(t *testing.T, fn *ir.Func, policy Policy, specDepth int) *Expanded {
	t.Helper()
	u, err := Unroll(fn, 2)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	calls, err := InlineCalls(u, specDepth, 2)
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	e, err := Expand(calls, policy, specDepth)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	return e
}

func transClones(e *Expanded, instr *ir.Instr) []*Node {
	var out []*Node
	for _, ref := range e.NodeRange() {
		n := e.Lookup(ref)
		if n.Instr == instr && n.TransClone {
			out = append(out, n)
		}
	}
	return out
}

func TestExpandClonesBranchSuccessors(t *testing.T) {
	fn, instrs := branchFunc(t, false)
	e := expand(t, fn, SpectreV1Policy{}, 2)

	for _, name := range []string{"a", "b"} {
		clones := transClones(e, instrs[name])
		if len(clones) != 1 {
			t.Fatalf("expected 1 transient clone of %s, got %d", name, len(clones))
		}
		c := clones[0]
		if c.Exec.Arch != ir.No || c.Exec.Trans != ir.May {
			t.Errorf("clone of %s has exec %v, want {no,may}", name, c.Exec)
		}
	}
	// the condition load precedes the branch: never cloned
	if clones := transClones(e, instrs["c"]); len(clones) != 0 {
		t.Errorf("condition load should have no transient clone, got %d", len(clones))
	}
	if err := e.Validate(); err != nil {
		t.Errorf("invalid expanded graph: %v", err)
	}
}

func TestExpandSpecDepthZero(t *testing.T) {
	fn, instrs := branchFunc(t, false)
	e := expand(t, fn, SpectreV1Policy{}, 0)
	for name, instr := range instrs {
		if clones := transClones(e, instr); len(clones) != 0 {
			t.Errorf("spec depth 0 should produce no clones, got one for %s", name)
		}
	}
}

func TestExpandFenceStopsCloning(t *testing.T) {
	fn, instrs := branchFunc(t, true)
	e := expand(t, fn, SpectreV1Policy{}, 3)
	// the fence leads the then-branch: the chain behind it must not be cloned
	if clones := transClones(e, instrs["a"]); len(clones) != 0 {
		t.Errorf("load behind a fence should not be cloned, got %d clones", len(clones))
	}
	// the else branch is unaffected
	if clones := transClones(e, instrs["b"]); len(clones) != 1 {
		t.Errorf("expected 1 clone of the unfenced load, got %d", len(clones))
	}
}

func TestExpandDepthBoundsChain(t *testing.T) {
	b := ir.NewBuilder("chain")
	i64 := ir.IntType(64)
	p := b.Param("p", ir.PointerTo(i64))
	entry := b.Block("entry")
	tail := b.Block("tail")
	done := b.Block("done")

	c := entry.Load("c", p)
	entry.Branch(c, tail, done)
	var loads []*ir.Instr
	for i := 0; i < 4; i++ {
		loads = append(loads, tail.Load("x", p))
	}
	tail.Jump(done)
	done.Return()
	fn := b.MustFinish()

	e := expand(t, fn, SpectreV1Policy{}, 2)
	cloned := 0
	for _, l := range loads {
		cloned += len(transClones(e, l))
	}
	if cloned != 2 {
		t.Errorf("spec depth 2 should clone 2 chain nodes, got %d", cloned)
	}
}

func TestExpandRefsResolveToClonePath(t *testing.T) {
	// a transient consumer's operand defs must come from its own path
	b := ir.NewBuilder("refs")
	i64 := ir.IntType(64)
	p := b.Param("p", ir.PointerTo(i64))
	entry := b.Block("entry")
	then := b.Block("then")
	done := b.Block("done")

	c := entry.Load("c", p)
	entry.Branch(c, then, done)
	x := then.Load("x", p)
	st := then.Store(p, x)
	then.Jump(done)
	done.Return()
	fn := b.MustFinish()

	e := expand(t, fn, SpectreV1Policy{}, 3)
	for _, ref := range e.NodeRange() {
		n := e.Lookup(ref)
		if n.Instr != st || !n.TransClone {
			continue
		}
		defs := n.Refs[x]
		if len(defs) != 1 {
			t.Fatalf("transient store should have exactly 1 reaching def of x, got %v", defs)
		}
		def := e.Lookup(defs[0])
		if !def.TransClone {
			t.Errorf("transient store's value def should be the transient load clone")
		}
	}
}

func TestExpandV4ClonesAfterStores(t *testing.T) {
	b := ir.NewBuilder("stores")
	i64 := ir.IntType(64)
	p := b.Param("p", ir.PointerTo(i64))
	blk := b.Block("entry")
	blk.Store(p, ir.NewConst(1, i64))
	ld := blk.Load("x", p)
	blk.Return()
	fn := b.MustFinish()

	e := expand(t, fn, SpectreV4Policy{StbSize: 1}, 2)
	if clones := transClones(e, ld); len(clones) != 1 {
		t.Errorf("expected the load after the store to be cloned, got %d", len(clones))
	}
}
