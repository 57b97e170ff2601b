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

package solver

import (
	"testing"
)

func TestConstantFolding(t *testing.T) {
	c := NewCtx(0)
	if !c.True().IsTrue() || !c.False().IsFalse() {
		t.Fatalf("constants not recognized")
	}
	x := c.FreshBool("x")
	if got := c.And(c.True(), c.False(), x); !got.IsFalse() {
		t.Errorf("And with false should fold to false")
	}
	if got := c.Or(x, c.True()); !got.IsTrue() {
		t.Errorf("Or with true should fold to true")
	}
	if got := c.Implies(c.False(), x); !got.IsTrue() {
		t.Errorf("false implies anything")
	}
	if got := c.Not(c.True()); !got.IsFalse() {
		t.Errorf("not true should be false")
	}
	if got := c.EqInt(c.IntVal(3), c.IntVal(3)); !got.IsTrue() {
		t.Errorf("3 = 3 should fold to true")
	}
	if got := c.EqInt(c.IntVal(3), c.IntVal(4)); !got.IsFalse() {
		t.Errorf("3 = 4 should fold to false")
	}
	if got := c.IteInt(c.True(), c.IntVal(1), c.FreshInt("n")); got.lit == nil || *got.lit != 1 {
		t.Errorf("ite with constant condition should fold")
	}
}

func TestSolverSatUnsat(t *testing.T) {
	c := NewCtx(0)
	s := c.NewSolver()
	x := c.FreshBool("x")
	y := c.FreshBool("y")
	s.Assert(c.Or(x, y))
	if res := s.Check(); res != Sat {
		t.Fatalf("expected sat, got %v", res)
	}
	s.Assert(c.Not(x))
	s.Assert(c.Not(y))
	if res := s.Check(); res != Unsat {
		t.Fatalf("expected unsat, got %v", res)
	}
}

func TestSolverPushPop(t *testing.T) {
	c := NewCtx(0)
	s := c.NewSolver()
	x := c.FreshBool("x")
	s.Assert(x)
	s.Push()
	s.Assert(c.Not(x))
	if res := s.Check(); res != Unsat {
		t.Fatalf("expected unsat inside scope, got %v", res)
	}
	s.Pop()
	if res := s.Check(); res != Sat {
		t.Fatalf("expected sat after pop, got %v", res)
	}
}

func TestModelEval(t *testing.T) {
	c := NewCtx(0)
	s := c.NewSolver()
	x := c.FreshBool("x")
	n := c.FreshInt("n")
	s.Assert(x)
	s.Assert(c.EqInt(n, c.IntVal(42)))
	if res := s.Check(); res != Sat {
		t.Fatalf("expected sat, got %v", res)
	}
	m := s.Model()
	if !m.EvalBool(x) {
		t.Errorf("x should be true in the model")
	}
	if got := m.EvalInt(n); got != 42 {
		t.Errorf("expected n = 42, got %d", got)
	}
}

func TestCardinality(t *testing.T) {
	c := NewCtx(0)
	bs := []Bool{c.FreshBool("a"), c.FreshBool("b"), c.FreshBool("c")}

	s := c.NewSolver()
	s.Assert(c.AtMost(bs, 1))
	s.Assert(bs[0])
	s.Assert(bs[1])
	if res := s.Check(); res != Unsat {
		t.Errorf("two of three under atmost-1 should be unsat, got %v", res)
	}

	s2 := c.NewSolver()
	s2.Assert(c.Exactly(bs, 1))
	s2.Assert(c.Not(bs[0]))
	s2.Assert(c.Not(bs[1]))
	if res := s2.Check(); res != Sat {
		t.Fatalf("exactly-1 should force the last one, got %v", res)
	}
	if !s2.Model().EvalBool(bs[2]) {
		t.Errorf("exactly-1 with two false should make the third true")
	}

	s3 := c.NewSolver()
	s3.Assert(c.AtMost(bs, 2))
	s3.Assert(c.And(bs...))
	if res := s3.Check(); res != Unsat {
		t.Errorf("three of three under atmost-2 should be unsat, got %v", res)
	}
}

func TestArrays(t *testing.T) {
	c := NewCtx(0)
	s := c.NewSolver()
	mem := c.FreshArray("mem")
	i := c.FreshInt("i")
	j := c.FreshInt("j")

	mem2 := c.Store(mem, i, c.IntVal(7))
	s.Assert(c.EqInt(c.Select(mem2, i), c.IntVal(7)))
	if res := s.Check(); res != Sat {
		t.Fatalf("stored value should be selectable, got %v", res)
	}

	// a conditional store that does not fire leaves the array unchanged
	s.Push()
	mem3 := c.CondStore(mem, j, c.IntVal(9), c.False())
	s.Assert(c.Not(c.EqInt(c.Select(mem3, j), c.Select(mem, j))))
	if res := s.Check(); res != Unsat {
		t.Errorf("unfired conditional store must not change the array, got %v", res)
	}
	s.Pop()
}
