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

// Builder constructs Funcs programmatically. Front ends lower compiled representations through
// it, and tests use it to write scenarios directly.
type Builder struct {
	fn       *Func
	finished bool
}

// NewBuilder starts a function with the given name. The first block created is the entry.
func NewBuilder(name string) *Builder {
	return &Builder{fn: &Func{Name: name}}
}

// Param appends a function argument.
func (b *Builder) Param(name string, typ *Type) *Arg {
	a := NewArg(name, typ)
	b.fn.Params = append(b.fn.Params, a)
	return a
}

// Block appends a new basic block.
func (b *Builder) Block(name string) *BlockBuilder {
	blk := &Block{Name: name, Index: len(b.fn.Blocks), fn: b.fn}
	b.fn.Blocks = append(b.fn.Blocks, blk)
	return &BlockBuilder{b: b, blk: blk}
}

// Finish links predecessor edges and validates the function shape.
func (b *Builder) Finish() (*Func, error) {
	if b.finished {
		return nil, fmt.Errorf("function %s already finished", b.fn.Name)
	}
	b.finished = true
	if len(b.fn.Blocks) == 0 {
		return nil, fmt.Errorf("function %s has no blocks", b.fn.Name)
	}
	for _, blk := range b.fn.Blocks {
		for _, succ := range blk.Succs {
			succ.Preds = append(succ.Preds, blk)
		}
	}
	for _, blk := range b.fn.Blocks {
		if blk != b.fn.Entry() && len(blk.Preds) == 0 {
			return nil, fmt.Errorf("function %s: block %s is unreachable", b.fn.Name, blk.Name)
		}
	}
	if len(b.fn.Exits()) == 0 {
		return nil, fmt.Errorf("function %s has no exit block", b.fn.Name)
	}
	return b.fn, nil
}

// MustFinish is Finish for tests and scenarios with known-good shapes.
func (b *Builder) MustFinish() *Func {
	fn, err := b.Finish()
	if err != nil {
		panic(err)
	}
	return fn
}

// BlockBuilder appends instructions to one block.
type BlockBuilder struct {
	b   *Builder
	blk *Block
}

// Raw returns the block under construction.
func (bb *BlockBuilder) Raw() *Block { return bb.blk }

func (bb *BlockBuilder) append(i *Instr) *Instr {
	i.blk = bb.blk
	bb.blk.Instrs = append(bb.blk.Instrs, i)
	return i
}

// Load appends a load of the element type of addr.
func (bb *BlockBuilder) Load(name string, addr Value) *Instr {
	var elem *Type
	if t := addr.Type(); t.IsPointer() {
		elem = t.Elem
	}
	return bb.append(&Instr{
		Kind:          Load,
		name:          name,
		typ:           elem,
		Addr:          addr,
		PointerResult: elem.IsPointer(),
		Operands:      []Value{addr},
	})
}

// Store appends a store of val through addr.
func (bb *BlockBuilder) Store(addr Value, val Value) *Instr {
	return bb.append(&Instr{
		Kind:     Store,
		name:     fmt.Sprintf("store.%s", addr.Name()),
		Addr:     addr,
		Val:      val,
		Operands: []Value{addr, val},
	})
}

// Fence appends a speculation barrier.
func (bb *BlockBuilder) Fence() *Instr {
	return bb.append(&Instr{Kind: Fence, name: "fence"})
}

// Alloc appends a stack allocation of elem, producing a pointer.
func (bb *BlockBuilder) Alloc(name string, elem *Type) *Instr {
	return bb.append(&Instr{
		Kind:          Other,
		name:          name,
		typ:           PointerTo(elem),
		Alloc:         true,
		PointerResult: true,
	})
}

// GEP appends a pointer-arithmetic instruction over base with the given indices.
func (bb *BlockBuilder) GEP(name string, base Value, indices ...Value) *Instr {
	ops := append([]Value{base}, indices...)
	return bb.append(&Instr{
		Kind:          Other,
		name:          name,
		typ:           base.Type(),
		Base:          base,
		Indices:       indices,
		GEP:           true,
		PointerResult: true,
		Operands:      ops,
	})
}

// Compute appends an opaque computation over the given operands.
func (bb *BlockBuilder) Compute(name string, typ *Type, ops ...Value) *Instr {
	return bb.append(&Instr{
		Kind:          Other,
		name:          name,
		typ:           typ,
		PointerResult: typ.IsPointer(),
		Operands:      ops,
	})
}

// Call appends a call. A nil callee is an opaque external call.
func (bb *BlockBuilder) Call(name string, callee *Func, args ...Value) *Instr {
	return bb.append(&Instr{
		Kind:     Call,
		name:     name,
		Callee:   callee,
		Args:     args,
		Operands: args,
	})
}

// Branch terminates the block with a conditional branch to then and els.
func (bb *BlockBuilder) Branch(cond Value, then *BlockBuilder, els *BlockBuilder) *Instr {
	i := bb.append(&Instr{
		Kind:     Branch,
		name:     fmt.Sprintf("br.%s", cond.Name()),
		Cond:     cond,
		Operands: []Value{cond},
	})
	bb.blk.Succs = []*Block{then.blk, els.blk}
	return i
}

// Jump terminates the block with an unconditional jump.
func (bb *BlockBuilder) Jump(target *BlockBuilder) {
	bb.blk.Succs = []*Block{target.blk}
}

// Return terminates the block; a block without successors is an exit.
func (bb *BlockBuilder) Return() {
	bb.blk.Succs = nil
}
