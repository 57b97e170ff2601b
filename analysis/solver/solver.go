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

// Package solver is a thin context over the z3 binding. Graph-structural code only ever sees
// the opaque Bool/Int/Array handles defined here, never binding types, so the binding can be
// swapped behind this one file. Boolean and integer literals are folded eagerly, which lets
// construction code branch on known-constant propositions without a solver round trip.
package solver

import (
	"fmt"

	"github.com/ebukreev/go-z3/z3"
)

// Ctx owns one solver context and hands out fresh constants with unique names.
type Ctx struct {
	z       *z3.Context
	fresh   uint64
	timeout int
}

// NewCtx returns a fresh context. timeoutMS, when positive, bounds every Check call.
func NewCtx(timeoutMS int) *Ctx {
	cfg := z3.NewContextConfig()
	if timeoutMS > 0 {
		cfg.SetUint("timeout", uint(timeoutMS))
	}
	return &Ctx{z: z3.NewContext(cfg), timeout: timeoutMS}
}

func (c *Ctx) name(prefix string) string {
	c.fresh++
	return fmt.Sprintf("%s!%d", prefix, c.fresh)
}

// Bool is a propositional expression. A known-constant value is carried alongside the solver
// term and consulted by the fold helpers.
type Bool struct {
	expr z3.Bool
	lit  *bool
	ctx  *Ctx
}

// Int is an integer expression.
type Int struct {
	expr z3.Int
	lit  *int64
	ctx  *Ctx
}

// Array is an integer-indexed, integer-valued array expression, used for the memory
// projection snapshots.
type Array struct {
	expr z3.Array
	ctx  *Ctx
}

// True returns the true proposition.
func (c *Ctx) True() Bool {
	v := true
	return Bool{expr: c.z.FromBool(true), lit: &v, ctx: c}
}

// False returns the false proposition.
func (c *Ctx) False() Bool {
	v := false
	return Bool{expr: c.z.FromBool(false), lit: &v, ctx: c}
}

// BoolVal returns the constant proposition b.
func (c *Ctx) BoolVal(b bool) Bool {
	if b {
		return c.True()
	}
	return c.False()
}

// FreshBool returns a fresh propositional variable.
func (c *Ctx) FreshBool(prefix string) Bool {
	return Bool{expr: c.z.BoolConst(c.name(prefix)), ctx: c}
}

// FreshInt returns a fresh integer variable.
func (c *Ctx) FreshInt(prefix string) Int {
	return Int{expr: c.z.IntConst(c.name(prefix)), ctx: c}
}

// IntVal returns the integer constant v.
func (c *Ctx) IntVal(v int64) Int {
	return Int{expr: c.z.FromInt(v, c.z.IntSort()).(z3.Int), lit: &v, ctx: c}
}

// FreshArray returns a fresh int→int array variable.
func (c *Ctx) FreshArray(prefix string) Array {
	sort := c.z.ArraySort(c.z.IntSort(), c.z.IntSort())
	return Array{expr: c.z.FreshConst(prefix, sort).(z3.Array), ctx: c}
}

// IsTrue reports whether b is the constant true.
func (b Bool) IsTrue() bool { return b.lit != nil && *b.lit }

// IsFalse reports whether b is the constant false.
func (b Bool) IsFalse() bool { return b.lit != nil && !*b.lit }

// IsConst reports whether b folded to a constant.
func (b Bool) IsConst() bool { return b.lit != nil }

// Not returns the negation of b.
func (c *Ctx) Not(b Bool) Bool {
	if b.lit != nil {
		return c.BoolVal(!*b.lit)
	}
	return Bool{expr: b.expr.Not(), ctx: c}
}

// And returns the conjunction of bs, folding constants.
func (c *Ctx) And(bs ...Bool) Bool {
	var terms []z3.Bool
	for _, b := range bs {
		if b.IsFalse() {
			return c.False()
		}
		if b.IsTrue() {
			continue
		}
		terms = append(terms, b.expr)
	}
	switch len(terms) {
	case 0:
		return c.True()
	case 1:
		return Bool{expr: terms[0], ctx: c}
	default:
		return Bool{expr: terms[0].And(terms[1:]...), ctx: c}
	}
}

// Or returns the disjunction of bs, folding constants.
func (c *Ctx) Or(bs ...Bool) Bool {
	var terms []z3.Bool
	for _, b := range bs {
		if b.IsTrue() {
			return c.True()
		}
		if b.IsFalse() {
			continue
		}
		terms = append(terms, b.expr)
	}
	switch len(terms) {
	case 0:
		return c.False()
	case 1:
		return Bool{expr: terms[0], ctx: c}
	default:
		return Bool{expr: terms[0].Or(terms[1:]...), ctx: c}
	}
}

// Implies returns a → b.
func (c *Ctx) Implies(a Bool, b Bool) Bool {
	if a.IsFalse() || b.IsTrue() {
		return c.True()
	}
	if a.IsTrue() {
		return b
	}
	if b.IsFalse() {
		return c.Not(a)
	}
	return Bool{expr: a.expr.Implies(b.expr), ctx: c}
}

// Iff returns a ↔ b.
func (c *Ctx) Iff(a Bool, b Bool) Bool {
	if a.IsConst() {
		if *a.lit {
			return b
		}
		return c.Not(b)
	}
	if b.IsConst() {
		if *b.lit {
			return a
		}
		return c.Not(a)
	}
	return c.Or(c.And(a, b), c.And(c.Not(a), c.Not(b)))
}

// EqInt returns a = b.
func (c *Ctx) EqInt(a Int, b Int) Bool {
	if a.lit != nil && b.lit != nil {
		return c.BoolVal(*a.lit == *b.lit)
	}
	return Bool{expr: a.expr.Eq(b.expr), ctx: c}
}

// NeqInt returns a ≠ b.
func (c *Ctx) NeqInt(a Int, b Int) Bool {
	return c.Not(c.EqInt(a, b))
}

// LTInt returns a < b.
func (c *Ctx) LTInt(a Int, b Int) Bool {
	if a.lit != nil && b.lit != nil {
		return c.BoolVal(*a.lit < *b.lit)
	}
	return Bool{expr: a.expr.LT(b.expr), ctx: c}
}

// AddInt returns a + b.
func (c *Ctx) AddInt(a Int, b Int) Int {
	if a.lit != nil && b.lit != nil {
		return c.IntVal(*a.lit + *b.lit)
	}
	return Int{expr: a.expr.Add(b.expr), ctx: c}
}

// IteInt returns if cond then t else f.
func (c *Ctx) IteInt(cond Bool, t Int, f Int) Int {
	if cond.IsTrue() {
		return t
	}
	if cond.IsFalse() {
		return f
	}
	return Int{expr: cond.expr.IfThenElse(t.expr, f.expr).(z3.Int), ctx: c}
}

// IteArray returns if cond then t else f.
func (c *Ctx) IteArray(cond Bool, t Array, f Array) Array {
	if cond.IsTrue() {
		return t
	}
	if cond.IsFalse() {
		return f
	}
	return Array{expr: cond.expr.IfThenElse(t.expr, f.expr).(z3.Array), ctx: c}
}

// Select returns a[i].
func (c *Ctx) Select(a Array, i Int) Int {
	return Int{expr: a.expr.Select(i.expr).(z3.Int), ctx: c}
}

// Store returns a with index i mapped to v.
func (c *Ctx) Store(a Array, i Int, v Int) Array {
	return Array{expr: a.expr.Store(i.expr, v.expr), ctx: c}
}

// CondStore returns a with index i mapped to v when cond holds, a otherwise.
func (c *Ctx) CondStore(a Array, i Int, v Int, cond Bool) Array {
	return c.IteArray(cond, c.Store(a, i, v), a)
}

// Count returns the number of true propositions among bs as an integer term.
func (c *Ctx) Count(bs []Bool) Int {
	sum := c.IntVal(0)
	for _, b := range bs {
		sum = c.AddInt(sum, c.IteInt(b, c.IntVal(1), c.IntVal(0)))
	}
	return sum
}

// AtMost returns the cardinality constraint |{b ∈ bs : b}| ≤ k.
func (c *Ctx) AtMost(bs []Bool, k int) Bool {
	if k >= len(bs) {
		return c.True()
	}
	if k == 0 {
		terms := make([]Bool, 0, len(bs))
		for _, b := range bs {
			terms = append(terms, c.Not(b))
		}
		return c.And(terms...)
	}
	if k == 1 {
		// pairwise encoding, small n
		var terms []Bool
		for i := 0; i < len(bs); i++ {
			for j := i + 1; j < len(bs); j++ {
				terms = append(terms, c.Not(c.And(bs[i], bs[j])))
			}
		}
		return c.And(terms...)
	}
	return Bool{expr: c.Count(bs).expr.LE(c.IntVal(int64(k)).expr), ctx: c}
}

// AtLeast returns the cardinality constraint |{b ∈ bs : b}| ≥ k.
func (c *Ctx) AtLeast(bs []Bool, k int) Bool {
	if k <= 0 {
		return c.True()
	}
	if k == 1 {
		return c.Or(bs...)
	}
	return Bool{expr: c.Count(bs).expr.GE(c.IntVal(int64(k)).expr), ctx: c}
}

// Exactly returns the cardinality constraint |{b ∈ bs : b}| = k.
func (c *Ctx) Exactly(bs []Bool, k int) Bool {
	return c.And(c.AtMost(bs, k), c.AtLeast(bs, k))
}

// Result is the outcome of a satisfiability check.
type Result int

// The check outcomes.
const (
	Unsat Result = iota
	Sat
	Unknown
)

func (r Result) String() string {
	switch r {
	case Unsat:
		return "unsat"
	case Sat:
		return "sat"
	default:
		return "unknown"
	}
}

// Solver wraps one incremental solver.
type Solver struct {
	s   *z3.Solver
	ctx *Ctx

	// Asserted records every non-constant proposition passed to Assert, in order; Pop does
	// not remove entries.
	Asserted []Bool
}

// NewSolver returns a fresh incremental solver in this context.
func (c *Ctx) NewSolver() *Solver {
	return &Solver{s: z3.NewSolver(c.z), ctx: c}
}

// Assert adds b to the solver.
func (s *Solver) Assert(b Bool) {
	if b.IsTrue() {
		return
	}
	s.Asserted = append(s.Asserted, b)
	s.s.Assert(b.expr)
}

// Push opens a backtracking scope.
func (s *Solver) Push() {
	s.s.Push()
}

// Pop discards the most recent scope.
func (s *Solver) Pop() {
	s.s.Pop()
}

// Check runs a satisfiability check. A binding-level failure (timeout, resource limit) is
// reported as Unknown; callers treat that as a local backtrack.
func (s *Solver) Check() Result {
	sat, err := s.s.Check()
	if err != nil {
		return Unknown
	}
	if sat {
		return Sat
	}
	return Unsat
}

// Model returns the model after a Sat check.
func (s *Solver) Model() *Model {
	return &Model{m: s.s.Model(), ctx: s.ctx}
}

// Model is a satisfying assignment.
type Model struct {
	m   *z3.Model
	ctx *Ctx
}

// EvalBool evaluates b under the model, with completion for don't-care variables.
func (m *Model) EvalBool(b Bool) bool {
	if b.lit != nil {
		return *b.lit
	}
	v := m.m.Eval(b.expr, true)
	val, ok := v.(z3.Bool).AsBool()
	return ok && bool(val)
}

// EvalInt evaluates i under the model.
func (m *Model) EvalInt(i Int) int64 {
	if i.lit != nil {
		return *i.lit
	}
	v := m.m.Eval(i.expr, true)
	val, _, _ := v.(z3.Int).AsInt64()
	return val
}
