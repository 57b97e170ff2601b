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

// Package frontend lowers compiled Go SSA into the analyzer's ir: loads, stores, branches,
// fences and pointer arithmetic become classified instructions with explicit operands, and
// everything else becomes opaque computation. The analyzer core never sees SSA types.
package frontend

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/specleak/specleak/analysis/ir"
)

// LoadProgram loads the packages matching the patterns and builds their SSA form.
func LoadProgram(mode ssa.BuilderMode, patterns []string) (*ssa.Program, []*packages.Package, error) {
	pkgCfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedDeps | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedSyntax | packages.NeedTypesSizes,
	}
	pkgs, err := packages.Load(pkgCfg, patterns...)
	if err != nil {
		return nil, nil, fmt.Errorf("could not load packages: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return nil, nil, fmt.Errorf("packages contain errors")
	}
	prog, _ := ssautil.AllPackages(pkgs, mode)
	prog.Build()
	return prog, pkgs, nil
}

// SourceFunctions returns every function with a body in the loaded program, in a stable
// order.
func SourceFunctions(prog *ssa.Program) []*ssa.Function {
	var fns []*ssa.Function
	for fn := range ssautil.AllFunctions(prog) {
		if fn.Blocks != nil && fn.Synthetic == "" {
			fns = append(fns, fn)
		}
	}
	// ssautil returns a set; order by name for reproducible runs
	for i := 1; i < len(fns); i++ {
		for j := i; j > 0 && fns[j-1].String() > fns[j].String(); j-- {
			fns[j-1], fns[j] = fns[j], fns[j-1]
		}
	}
	return fns
}

// Lowerer caches lowered functions so direct-call targets are shared.
type Lowerer struct {
	funcs   map[*ssa.Function]*ir.Func
	pending map[*ssa.Function]bool
}

// NewLowerer returns an empty lowering cache.
func NewLowerer() *Lowerer {
	return &Lowerer{
		funcs:   make(map[*ssa.Function]*ir.Func),
		pending: make(map[*ssa.Function]bool),
	}
}

// Lower translates one SSA function. Direct callees are lowered recursively; recursion
// cycles leave the callee opaque.
func (lw *Lowerer) Lower(f *ssa.Function) (*ir.Func, error) {
	if fn, ok := lw.funcs[f]; ok {
		return fn, nil
	}
	if lw.pending[f] {
		return nil, nil
	}
	lw.pending[f] = true
	defer delete(lw.pending, f)

	fl := &funcLowerer{
		lw:     lw,
		values: make(map[ssa.Value]ir.Value),
	}
	fn, err := fl.run(f)
	if err != nil {
		return nil, err
	}
	lw.funcs[f] = fn
	return fn, nil
}

type funcLowerer struct {
	lw     *Lowerer
	values map[ssa.Value]ir.Value
	phis   []phiFix
}

type phiFix struct {
	phi   *ssa.Phi
	instr *ir.Instr
}

func (fl *funcLowerer) run(f *ssa.Function) (*ir.Func, error) {
	b := ir.NewBuilder(f.String())
	for _, p := range f.Params {
		fl.values[p] = b.Param(p.Name(), lowerType(p.Type()))
	}
	for _, fv := range f.FreeVars {
		fl.values[fv] = ir.NewGlobal(fv.Name(), lowerType(fv.Type()))
	}

	blocks := make(map[*ssa.BasicBlock]*ir.BlockBuilder, len(f.Blocks))
	for _, blk := range f.Blocks {
		blocks[blk] = b.Block(fmt.Sprintf("b%d", blk.Index))
	}

	// dominator preorder: defs precede uses except through phis, fixed afterwards
	for _, blk := range f.DomPreorder() {
		bb := blocks[blk]
		for _, instr := range blk.Instrs {
			if err := fl.lowerInstr(bb, instr); err != nil {
				return nil, fmt.Errorf("lowering %s: %w", f, err)
			}
		}
		switch term := blk.Instrs[len(blk.Instrs)-1].(type) {
		case *ssa.If:
			bb.Branch(fl.operand(term.Cond), blocks[blk.Succs[0]], blocks[blk.Succs[1]])
		case *ssa.Jump:
			bb.Jump(blocks[blk.Succs[0]])
		case *ssa.Return, *ssa.Panic:
			bb.Return()
		default:
			if len(blk.Succs) == 1 {
				bb.Jump(blocks[blk.Succs[0]])
			} else {
				bb.Return()
			}
		}
	}

	for _, fix := range fl.phis {
		for _, edge := range fix.phi.Edges {
			v := fl.operand(edge)
			if v == nil {
				continue
			}
			dup := false
			for _, op := range fix.instr.Operands {
				if op == v {
					dup = true
					break
				}
			}
			if !dup {
				fix.instr.AddOperand(v)
			}
		}
	}
	return b.Finish()
}

func (fl *funcLowerer) operand(v ssa.Value) ir.Value {
	if v == nil {
		return nil
	}
	if out, ok := fl.values[v]; ok {
		return out
	}
	switch v := v.(type) {
	case *ssa.Const:
		var out ir.Value
		if v.IsNil() {
			out = ir.Null(lowerType(v.Type()))
		} else if v.Value != nil && v.Value.Kind() == constant.Int {
			out = ir.NewConst(v.Int64(), lowerType(v.Type()))
		} else {
			out = ir.NewConst(0, lowerType(v.Type()))
		}
		fl.values[v] = out
		return out
	case *ssa.Global:
		out := ir.NewGlobal(v.Name(), lowerType(v.Type()))
		fl.values[v] = out
		return out
	default:
		// a value defined by an instruction not yet (or never) lowered
		out := ir.NewGlobal(v.Name(), lowerType(v.Type()))
		fl.values[v] = out
		return out
	}
}

func (fl *funcLowerer) operands(vs []ssa.Value) []ir.Value {
	out := make([]ir.Value, 0, len(vs))
	for _, v := range vs {
		if o := fl.operand(v); o != nil {
			out = append(out, o)
		}
	}
	return out
}

//gocyclo:ignore
func (fl *funcLowerer) lowerInstr(bb *ir.BlockBuilder, instr ssa.Instruction) error {
	switch v := instr.(type) {
	case *ssa.UnOp:
		if v.Op == token.MUL {
			fl.values[v] = bb.Load(v.Name(), fl.operand(v.X))
			return nil
		}
		fl.values[v] = bb.Compute(v.Name(), lowerType(v.Type()), fl.operand(v.X))

	case *ssa.Store:
		bb.Store(fl.operand(v.Addr), fl.operand(v.Val))

	case *ssa.Alloc:
		fl.values[v] = bb.Alloc(v.Name(), lowerType(v.Type()).Elem)

	case *ssa.IndexAddr:
		fl.values[v] = bb.GEP(v.Name(), fl.operand(v.X), fl.operand(v.Index))

	case *ssa.FieldAddr:
		fl.values[v] = bb.GEP(v.Name(), fl.operand(v.X), ir.NewConst(int64(v.Field), ir.IntType(64)))

	case *ssa.Call:
		if callee := v.Common().StaticCallee(); callee != nil {
			if isFenceCallee(callee) {
				bb.Fence()
				return nil
			}
			calleeFn, err := fl.lw.Lower(callee)
			if err != nil {
				return err
			}
			fl.values[v] = bb.Call(v.Name(), calleeFn, fl.operands(v.Common().Args)...)
			return nil
		}
		fl.values[v] = bb.Call(v.Name(), nil, fl.operands(v.Common().Args)...)

	case *ssa.Phi:
		i := bb.Compute(v.Name(), lowerType(v.Type()))
		fl.values[v] = i
		fl.phis = append(fl.phis, phiFix{phi: v, instr: i})

	case *ssa.BinOp:
		fl.values[v] = bb.Compute(v.Name(), lowerType(v.Type()), fl.operand(v.X), fl.operand(v.Y))

	case *ssa.If, *ssa.Jump, *ssa.Return, *ssa.Panic:
		// terminators handled at the block level

	default:
		if vv, ok := instr.(ssa.Value); ok {
			var irOps []ir.Value
			ops := instr.Operands(nil)
			for _, op := range ops {
				if op != nil && *op != nil {
					irOps = append(irOps, fl.operand(*op))
				}
			}
			fl.values[vv] = bb.Compute(vv.Name(), lowerType(vv.Type()), irOps...)
		}
	}
	return nil
}

// isFenceCallee recognizes speculation-barrier intrinsics by name.
func isFenceCallee(f *ssa.Function) bool {
	return strings.Contains(strings.ToLower(f.Name()), "fence")
}

func lowerType(t types.Type) *ir.Type {
	switch t := t.Underlying().(type) {
	case *types.Pointer:
		return ir.PointerTo(lowerType(t.Elem()))
	case *types.Basic:
		switch {
		case t.Info()&types.IsInteger != 0:
			if t.Kind() == types.Int8 || t.Kind() == types.Uint8 {
				return ir.IntType(8)
			}
			if t.Kind() == types.Int16 || t.Kind() == types.Uint16 {
				return ir.IntType(16)
			}
			if t.Kind() == types.Int32 || t.Kind() == types.Uint32 {
				return ir.IntType(32)
			}
			return ir.IntType(64)
		case t.Info()&types.IsBoolean != 0:
			return ir.IntType(8)
		default:
			return ir.IntType(64)
		}
	case *types.Struct:
		return ir.StructType(t.String(), 0)
	case *types.Slice, *types.Array, *types.Map, *types.Chan, *types.Signature, *types.Interface:
		return ir.StructType(t.String(), 0)
	default:
		return ir.IntType(64)
	}
}
