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

package ir

import "fmt"

// Value is anything an instruction can consume as an operand: another instruction's result,
// a function argument, a global, or a constant.
type Value interface {
	Name() string
	Type() *Type
	value()
}

// Arg is a function argument.
type Arg struct {
	name string
	typ  *Type
}

// NewArg returns a fresh argument value.
func NewArg(name string, typ *Type) *Arg {
	return &Arg{name: name, typ: typ}
}

// Name implements Value.
func (a *Arg) Name() string { return a.name }

// Type implements Value.
func (a *Arg) Type() *Type { return a.typ }

func (a *Arg) value() {}

func (a *Arg) String() string { return a.name }

// Global is a module-level symbol.
type Global struct {
	name string
	typ  *Type
}

// NewGlobal returns a fresh global value.
func NewGlobal(name string, typ *Type) *Global {
	return &Global{name: name, typ: typ}
}

// Name implements Value.
func (g *Global) Name() string { return g.name }

// Type implements Value.
func (g *Global) Type() *Type { return g.typ }

func (g *Global) value() {}

func (g *Global) String() string { return "@" + g.name }

// Const is a constant operand. The only constant the address model interprets is null, which
// is fixed to address 0.
type Const struct {
	typ  *Type
	val  int64
	null bool
}

// NewConst returns an integer constant.
func NewConst(val int64, typ *Type) *Const {
	return &Const{typ: typ, val: val}
}

// Null returns the null pointer constant of the given pointer type.
func Null(typ *Type) *Const {
	return &Const{typ: typ, null: true}
}

// Name implements Value.
func (c *Const) Name() string {
	if c.null {
		return "null"
	}
	return fmt.Sprintf("%d", c.val)
}

// Type implements Value.
func (c *Const) Type() *Type { return c.typ }

// IsNull reports whether this is the null pointer constant.
func (c *Const) IsNull() bool { return c.null }

// Int returns the integer value.
func (c *Const) Int() int64 { return c.val }

func (c *Const) value() {}

func (c *Const) String() string { return c.Name() }
