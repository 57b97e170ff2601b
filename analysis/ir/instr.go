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

import (
	"fmt"
	"strings"
)

// Kind classifies an instruction. The analyzer interprets no instruction semantics beyond
// this classification.
type Kind uint8

// The instruction kinds.
const (
	Entry Kind = iota
	Exit
	Load
	Store
	Fence
	Branch
	Call
	Other
)

func (k Kind) String() string {
	switch k {
	case Entry:
		return "entry"
	case Exit:
		return "exit"
	case Load:
		return "load"
	case Store:
		return "store"
	case Fence:
		return "fence"
	case Branch:
		return "br"
	case Call:
		return "call"
	case Other:
		return "other"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Opt is a three-valued execution option.
type Opt uint8

// The execution options.
const (
	No Opt = iota
	May
	Must
)

func (o Opt) String() string {
	switch o {
	case No:
		return "no"
	case May:
		return "may"
	case Must:
		return "must"
	}
	return fmt.Sprintf("opt(%d)", uint8(o))
}

// Instr is one instruction. Kind-specific operands live in dedicated fields; Operands always
// lists every value operand for generic use-def traversals. An Instr is itself a Value: its
// result.
type Instr struct {
	// Kind is the instruction classification
	Kind Kind

	name string
	typ  *Type
	blk  *Block

	// Addr is the address operand of a Load or Store
	Addr Value

	// Val is the value operand of a Store
	Val Value

	// Cond is the condition operand of a Branch
	Cond Value

	// Base is the base pointer of a GEP-like arithmetic instruction
	Base Value

	// Indices are the index operands of a GEP-like arithmetic instruction
	Indices []Value

	// Callee is the direct call target; nil for indirect or external calls
	Callee *Func

	// Args are the call arguments
	Args []Value

	// GEP marks pointer-arithmetic instructions (Kind is Other)
	GEP bool

	// Alloc marks stack allocations, which define fresh disjoint storage (Kind is Other)
	Alloc bool

	// PointerResult marks instructions whose result can be consumed as an address
	PointerResult bool

	// Operands lists every value operand
	Operands []Value
}

// Name implements Value.
func (i *Instr) Name() string { return i.name }

// Type implements Value: the result type (the element type for loads).
func (i *Instr) Type() *Type { return i.typ }

func (i *Instr) value() {}

// Block returns the basic block holding this instruction, nil for synthetic entry/exit.
func (i *Instr) Block() *Block { return i.blk }

// MayRead reports whether the instruction can read memory.
func (i *Instr) MayRead() bool { return i.Kind == Load }

// MayWrite reports whether the instruction can write memory.
func (i *Instr) MayWrite() bool { return i.Kind == Store }

// IsMemory reports whether the instruction accesses memory.
func (i *Instr) IsMemory() bool { return i.Kind == Load || i.Kind == Store }

// IsFence reports whether the instruction is a speculation barrier.
func (i *Instr) IsFence() bool { return i.Kind == Fence }

// IsBranch reports whether the instruction is a conditional branch.
func (i *Instr) IsBranch() bool { return i.Kind == Branch }

// IsSpecial reports whether the instruction is a synthetic entry or exit marker.
func (i *Instr) IsSpecial() bool { return i.Kind == Entry || i.Kind == Exit }

// TakesSlot reports whether the instruction occupies a slot of the speculative window.
// Memory accesses, branches, calls and fences do; address arithmetic and other pure
// computation ride along free.
func (i *Instr) TakesSlot() bool {
	switch i.Kind {
	case Load, Store, Branch, Call, Fence:
		return true
	default:
		return false
	}
}

// MayXSRead returns the option for a transient-visible read event. Loads always probe the
// extra-architectural state; the exit observes its final contents.
func (i *Instr) MayXSRead() Opt {
	switch i.Kind {
	case Load, Exit:
		return Must
	default:
		return No
	}
}

// MayXSWrite returns the option for a transient-visible write event. A load may fill a line,
// a store may drain into it; the entry provides the initial contents.
func (i *Instr) MayXSWrite() Opt {
	switch i.Kind {
	case Load, Store:
		return May
	case Entry:
		return Must
	default:
		return No
	}
}

// MemoryOperand returns the address operand for memory instructions and nil otherwise.
func (i *Instr) MemoryOperand() Value {
	if i.IsMemory() {
		return i.Addr
	}
	return nil
}

func (i *Instr) String() string {
	switch i.Kind {
	case Entry, Exit, Fence:
		return i.Kind.String()
	case Load:
		return fmt.Sprintf("%s = load %s", i.name, opName(i.Addr))
	case Store:
		return fmt.Sprintf("store %s, %s", opName(i.Addr), opName(i.Val))
	case Branch:
		return fmt.Sprintf("br %s", opName(i.Cond))
	case Call:
		callee := "?"
		if i.Callee != nil {
			callee = i.Callee.Name
		}
		return fmt.Sprintf("call %s", callee)
	default:
		if i.GEP {
			idx := funcMapNames(i.Indices)
			return fmt.Sprintf("%s = gep %s [%s]", i.name, opName(i.Base), strings.Join(idx, ", "))
		}
		if i.Alloc {
			return fmt.Sprintf("%s = alloca %s", i.name, i.typ.Elem)
		}
		return i.name
	}
}

func opName(v Value) string {
	if v == nil {
		return "?"
	}
	return v.Name()
}

func funcMapNames(vs []Value) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, opName(v))
	}
	return out
}

// AddOperand appends a value operand after construction. Front ends use it to close phi
// cycles once every instruction of a function exists.
func (i *Instr) AddOperand(v Value) {
	i.Operands = append(i.Operands, v)
}

// NewEntry returns a synthetic entry marker instruction.
func NewEntry() *Instr {
	return &Instr{Kind: Entry, name: "entry"}
}

// NewExit returns a synthetic exit marker instruction.
func NewExit() *Instr {
	return &Instr{Kind: Exit, name: "exit"}
}
