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

package leakage

import (
	"github.com/specleak/specleak/analysis/aeg"
	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/solver"
)

// Mems is the memory projection: one symbolic snapshot per node mapping addresses to the
// last-writer node id. It is the substrate of the detector's reads-from queries.
type Mems struct {
	a    *aeg.AEG
	ins  map[cfg.NodeRef]solver.Array
	init solver.Array

	// Pins fix the initial snapshot to the entry id on every address term the graph can
	// query; callers assert them alongside the axiomatic model.
	Pins []solver.Bool
}

// NewMems builds the snapshots over the whole graph by walking reverse postorder, combining
// multiple incoming transient-fetch predecessors with ite chains on the edge existence, and
// conditionally storing at every may-write node.
func NewMems(a *aeg.AEG) *Mems {
	m := newMemsBase(a)
	c := a.Ctx
	outs := map[cfg.NodeRef]solver.Array{a.Entry: m.init}
	outAt := func(ref cfg.NodeRef) solver.Array {
		if arr, ok := outs[ref]; ok {
			return arr
		}
		return m.init
	}

	for _, ref := range a.PO.ReversePostorder() {
		if ref == a.Entry {
			continue
		}
		node := a.Lookup(ref)
		tfos := a.EdgesIn(ref, aeg.TFO)
		mem := m.init
		if len(tfos) > 0 {
			mem = outAt(tfos[0].Src)
			for _, e := range tfos[1:] {
				mem = c.IteArray(e.Exists, outAt(e.Src), mem)
			}
		}
		m.ins[ref] = mem
		mem = m.condStore(node, ref, mem)
		outs[ref] = mem
	}
	return m
}

// NewWindowMems builds the linearized snapshots restricted to a window: the nodes are walked
// in one topological line, which over-approximates path sensitivity but keeps the windowed
// solver small.
func NewWindowMems(a *aeg.AEG, window map[cfg.NodeRef]bool) *Mems {
	m := newMemsBase(a)
	mem := m.init
	for _, ref := range a.PO.ReversePostorder() {
		if ref == a.Entry || !window[ref] {
			continue
		}
		m.ins[ref] = mem
		mem = m.condStore(a.Lookup(ref), ref, mem)
	}
	return m
}

func newMemsBase(a *aeg.AEG) *Mems {
	c := a.Ctx
	m := &Mems{
		a:    a,
		ins:  make(map[cfg.NodeRef]solver.Array),
		init: c.FreshArray("mem-init"),
	}
	entryID := c.IntVal(int64(a.Entry))
	for _, addr := range a.MemoryAddressTerms() {
		m.Pins = append(m.Pins, c.EqInt(c.Select(m.init, addr), entryID))
	}
	return m
}

func (m *Mems) condStore(node *aeg.Node, ref cfg.NodeRef, mem solver.Array) solver.Array {
	if node.Write.IsFalse() {
		return mem
	}
	addr, ok := node.MemoryAddress()
	if !ok {
		return mem
	}
	c := m.a.Ctx
	return c.CondStore(mem, addr, c.IntVal(int64(ref)), c.And(node.Exec(c), node.Write))
}

// In returns the snapshot before ref.
func (m *Mems) In(ref cfg.NodeRef) solver.Array {
	if arr, ok := m.ins[ref]; ok {
		return arr
	}
	return m.init
}

// ReadSource returns the proposition that load reads the value written by store: the
// snapshot at the load maps the load's address to the store's id.
func (m *Mems) ReadSource(load cfg.NodeRef, store cfg.NodeRef) (solver.Bool, bool) {
	c := m.a.Ctx
	addr, ok := m.a.Lookup(load).MemoryAddress()
	if !ok {
		return solver.Bool{}, false
	}
	return c.EqInt(c.Select(m.In(load), addr), c.IntVal(int64(store))), true
}
