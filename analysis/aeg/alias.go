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
	"strings"

	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/ir"
	"github.com/specleak/specleak/analysis/solver"
)

// addrInfo is one address the alias pass relates: a pointer-producing instance or a
// graph-external value (argument, global, constant).
type addrInfo struct {
	id  ir.ID
	v   ir.Value
	e   solver.Int
	ref *cfg.NodeRef
}

// valueLoc identifies the source location of an address, shared by all unrolled and
// expanded instances.
type valueLoc struct {
	scope string
	v     ir.Value
}

func (x *addrInfo) loc() valueLoc {
	return valueLoc{scope: strings.Join(x.id.Scope, "/"), v: x.v}
}

// constructAliases enumerates unordered address pairs, applies the pre-oracle filters, asks
// the oracle about the survivors and emits the corresponding equality constraints. A
// must-alias verdict merges the pair and skips the second location in later pairings.
func (a *AEG) constructAliases(params Params) {
	var infos []*addrInfo

	// pointer-producing instances; instances of the same source location collapse onto the
	// first one so the pair enumeration works on locations
	firstByLoc := make(map[valueLoc]*addrInfo)
	for _, ref := range a.PO.NodeRange() {
		ref := ref
		node := a.Lookup(ref)
		if node.AddrDef == nil {
			continue
		}
		info := &addrInfo{id: node.CFG.ID, v: node.Instr, e: *node.AddrDef, ref: &ref}
		if prev, ok := firstByLoc[info.loc()]; ok {
			a.constrain("same-loc", a.Ctx.EqInt(prev.e, info.e))
			continue
		}
		firstByLoc[info.loc()] = info
		infos = append(infos, info)
	}

	// arguments, globals and other external address sources
	for _, ref := range a.PO.NodeRange() {
		node := a.Lookup(ref)
		for rv, e := range node.AddrRefs {
			switch rv.(type) {
			case *ir.Arg, *ir.Global:
				info := &addrInfo{id: ir.ID{}, v: rv, e: e}
				if _, ok := firstByLoc[info.loc()]; !ok {
					firstByLoc[info.loc()] = info
					infos = append(infos, info)
				}
			}
		}
	}

	skip := make(map[valueLoc]bool)
	for i := 0; i < len(infos); i++ {
		x := infos[i]
		if skip[x.loc()] {
			continue
		}
		for j := i + 1; j < len(infos); j++ {
			y := infos[j]
			if skip[y.loc()] {
				continue
			}
			res := a.aliasVerdict(x, y, params)

			precond := a.Ctx.True()
			if !params.Config.AliasModeFlags.Transient {
				precond = a.Ctx.And(a.archOf(x), a.archOf(y))
			}
			switch res {
			case ir.NoAlias:
				a.constrain("no-alias", a.Ctx.Implies(precond, a.Ctx.NeqInt(x.e, y.e)))
				a.AliasStats.NoAlias++
			case ir.MustAlias:
				a.constrain("must-alias", a.Ctx.Implies(precond, a.Ctx.EqInt(x.e, y.e)))
				skip[y.loc()] = true
				a.AliasStats.MustAlias++
			case ir.MayAlias:
				a.AliasStats.MayAlias++
			default:
				a.AliasStats.Invalid++
			}
		}
	}

	params.Log.Debugf("alias constraints for %s: NoAlias %d, MustAlias %d, MayAlias %d, Invalid %d",
		a.PO.FuncName, a.AliasStats.NoAlias, a.AliasStats.MustAlias, a.AliasStats.MayAlias, a.AliasStats.Invalid)
}

func (a *AEG) archOf(x *addrInfo) solver.Bool {
	if x.ref != nil {
		return a.Lookup(*x.ref).Arch
	}
	return a.Ctx.True()
}

// aliasVerdict runs the pre-oracle filters and falls through to the oracle.
func (a *AEG) aliasVerdict(x *addrInfo, y *addrInfo, params Params) ir.AliasResult {
	// an alloca whose call scope is disjoint from the other address cannot alias it
	if !x.id.PrefixCompatible(y.id) {
		if isAlloc(x.v) || isAlloc(y.v) {
			return ir.NoAlias
		}
		return ir.AliasUnknown
	}

	if !params.Config.AliasModeFlags.Lax {
		if r := typeFilter(x.v, y.v, params.Layout); r != ir.AliasUnknown {
			return r
		}
		if (isArgLike(x.v) && isAlloc(y.v)) || (isArgLike(y.v) && isAlloc(x.v)) {
			return ir.NoAlias
		}
		if r := gepAllocaFilter(x.v, y.v); r != ir.AliasUnknown {
			return r
		}
		if r := gepAllocaFilter(y.v, x.v); r != ir.AliasUnknown {
			return r
		}
	}

	return params.Oracle.Alias(x.id, x.v, y.id, y.v)
}

func isAlloc(v ir.Value) bool {
	i, ok := v.(*ir.Instr)
	return ok && i.Alloc
}

func isArgLike(v ir.Value) bool {
	switch v.(type) {
	case *ir.Arg, *ir.Global:
		return true
	}
	return false
}

// typeFilter separates addresses whose pointee types cannot overlap: mismatched scalar
// sizes or pointer-ness.
func typeFilter(vx ir.Value, vy ir.Value, layout ir.Layout) ir.AliasResult {
	tx, ty := elemType(vx), elemType(vy)
	if tx == nil || ty == nil {
		return ir.AliasUnknown
	}
	if tx.IsPointer() != ty.IsPointer() {
		return ir.NoAlias
	}
	if !tx.Struct && !ty.Struct && layout.SizeBits(tx) != layout.SizeBits(ty) {
		return ir.NoAlias
	}
	return ir.AliasUnknown
}

func elemType(v ir.Value) *ir.Type {
	if t := v.Type(); t.IsPointer() {
		return t.Elem
	}
	return nil
}

// gepAllocaFilter rejects pointer arithmetic with a provably non-zero constant offset
// against a stack allocation.
func gepAllocaFilter(g ir.Value, al ir.Value) ir.AliasResult {
	gi, ok := g.(*ir.Instr)
	if !ok || !gi.GEP {
		return ir.AliasUnknown
	}
	if !isAlloc(al) {
		return ir.AliasUnknown
	}
	allConst, anyNonZero := true, false
	for _, idx := range gi.Indices {
		c, ok := idx.(*ir.Const)
		if !ok {
			allConst = false
			break
		}
		if c.Int() != 0 {
			anyNonZero = true
		}
	}
	if allConst && anyNonZero {
		return ir.NoAlias
	}
	return ir.AliasUnknown
}
