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

func loopFunc(t *testing.T) (*ir.Func, *ir.Instr) {
	t.Helper()
	b := ir.NewBuilder("loop")
	i64 := ir.IntType(64)
	p := b.Param("p", ir.PointerTo(i64))

	entry := b.Block("entry")
	header := b.Block("header")
	body := b.Block("body")
	exit := b.Block("exit")

	entry.Jump(header)
	cond := header.Load("cond", p)
	header.Branch(cond, body, exit)
	bodyLoad := body.Load("x", p)
	body.Jump(header)
	exit.Return()

	return b.MustFinish(), bodyLoad
}

func countInstances(g *Graph, instr *ir.Instr) int {
	n := 0
	for _, ref := range g.NodeRange() {
		if g.Lookup(ref).Instr == instr {
			n++
		}
	}
	return n
}

func TestUnrollBoundsLoopBody(t *testing.T) {
	fn, bodyLoad := loopFunc(t)
	for _, unrolls := range []int{1, 2, 3} {
		g, err := Unroll(fn, unrolls)
		if err != nil {
			t.Fatalf("unroll %d: %v", unrolls, err)
		}
		if got := countInstances(g, bodyLoad); got != unrolls {
			t.Errorf("num_unrolls=%d: expected %d body copies, got %d", unrolls, unrolls, got)
		}
		if err := g.Validate(); err != nil {
			t.Errorf("num_unrolls=%d: invalid graph: %v", unrolls, err)
		}
	}
}

func TestUnrollZeroSkipsBody(t *testing.T) {
	fn, bodyLoad := loopFunc(t)
	g, err := Unroll(fn, 0)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	if got := countInstances(g, bodyLoad); got != 0 {
		t.Errorf("expected no body copies with num_unrolls=0, got %d", got)
	}
}

func TestUnrollStraightLine(t *testing.T) {
	b := ir.NewBuilder("straight")
	i64 := ir.IntType(64)
	p := b.Param("p", ir.PointerTo(i64))
	blk := b.Block("entry")
	blk.Load("x", p)
	blk.Store(p, ir.NewConst(1, i64))
	blk.Return()
	fn := b.MustFinish()

	g, err := Unroll(fn, 2)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	// entry + exit + 2 instructions
	if g.Size() != 4 {
		t.Errorf("expected 4 nodes, got %d", g.Size())
	}
}

func TestUnrollIdempotent(t *testing.T) {
	fn, _ := loopFunc(t)
	g1, err := Unroll(fn, 2)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	g2, err := Unroll(fn, 2)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	if g1.Size() != g2.Size() {
		t.Errorf("node counts differ across runs: %d vs %d", g1.Size(), g2.Size())
	}
	if g1.Rel.NumEdges() != g2.Rel.NumEdges() {
		t.Errorf("edge counts differ across runs: %d vs %d", g1.Rel.NumEdges(), g2.Rel.NumEdges())
	}
}

func TestInlineCalls(t *testing.T) {
	i64 := ir.IntType(64)

	cb := ir.NewBuilder("callee")
	cp := cb.Param("cp", ir.PointerTo(i64))
	cblk := cb.Block("entry")
	calleeLoad := cblk.Load("cx", cp)
	cblk.Return()
	callee := cb.MustFinish()

	b := ir.NewBuilder("caller")
	p := b.Param("p", ir.PointerTo(i64))
	blk := b.Block("entry")
	blk.Call("c", callee, p)
	blk.Return()
	caller := b.MustFinish()

	u, err := Unroll(caller, 2)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	g, err := InlineCalls(u, 2, 2)
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	if got := countInstances(g, calleeLoad); got != 1 {
		t.Fatalf("expected 1 inlined callee load, got %d", got)
	}
	var inlined *Node
	for _, ref := range g.NodeRange() {
		if g.Lookup(ref).Instr == calleeLoad {
			inlined = g.Lookup(ref)
		}
	}
	if len(inlined.ID.Scope) != 1 {
		t.Errorf("inlined node should carry a one-deep call scope, got %v", inlined.ID.Scope)
	}
	// the callee argument resolves to the caller operand
	if got := inlined.Resolve(cp); got != p {
		t.Errorf("callee parameter should resolve to caller argument, got %v", got)
	}
}

func TestInlineCallsDepthZeroKeepsCall(t *testing.T) {
	i64 := ir.IntType(64)
	cb := ir.NewBuilder("callee")
	cp := cb.Param("cp", ir.PointerTo(i64))
	cblk := cb.Block("entry")
	cblk.Load("cx", cp)
	cblk.Return()
	callee := cb.MustFinish()

	b := ir.NewBuilder("caller")
	p := b.Param("p", ir.PointerTo(i64))
	blk := b.Block("entry")
	call := blk.Call("c", callee, p)
	blk.Return()
	caller := b.MustFinish()

	u, err := Unroll(caller, 2)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	g, err := InlineCalls(u, 0, 2)
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	if got := countInstances(g, call); got != 1 {
		t.Errorf("expected the opaque call node to survive, got %d instances", got)
	}
}
