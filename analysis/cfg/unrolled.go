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
	"fmt"
	"sort"
	"strings"

	"github.com/specleak/specleak/analysis/ir"
)

// Unroll flattens fn into a DAG in which every loop is traversed at most numUnrolls times.
// The traversal is depth-first from the entry with a per-loop iteration counter carried along
// the path; when a back edge would exceed the bound, its target is replaced by a merge copy of
// the loop header that keeps only the successors leaving the loop body. Two unrolled copies of
// the same source instruction become distinct nodes that both remember their source identity.
func Unroll(fn *ir.Func, numUnrolls int) (*Graph, error) {
	g := newGraph(fn.Name)
	entryInstr, exitInstr := ir.NewEntry(), ir.NewExit()
	entry := g.addNode(&Node{Instr: entryInstr, ID: ir.NewID(nil, entryInstr)})
	exit := g.addNode(&Node{Instr: exitInstr, ID: ir.NewID(nil, exitInstr)})
	g.Exits[exit] = true

	u := &unroller{
		g:          g,
		numUnrolls: numUnrolls,
		copies:     make(map[string]*blockCopy),
		exitRef:    exit,
	}
	for i, loop := range fn.Loops() {
		loop := loop
		u.loops = append(u.loops, loopInfo{idx: i, loop: loop})
		if u.headerLoop == nil {
			u.headerLoop = make(map[*ir.Block]*loopInfo)
		}
		u.headerLoop[loop.Header] = &u.loops[len(u.loops)-1]
	}

	root := u.build(fn.Entry(), map[int]int{}, nil)
	u.wire(root, entry)

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("unrolling %s: %w", fn.Name, err)
	}
	return g, nil
}

type loopInfo struct {
	idx  int
	loop ir.Loop
}

type blockCopy struct {
	blk *ir.Block

	// excluded, when non-nil, restricts the successors to blocks outside this loop's body:
	// the copy is the merge successor standing in for a pruned back edge
	excluded *loopInfo

	instrs []NodeRef
	succs  []*blockCopy
	wired  bool

	entryCache []NodeRef
}

type unroller struct {
	g          *Graph
	numUnrolls int
	loops      []loopInfo
	headerLoop map[*ir.Block]*loopInfo
	copies     map[string]*blockCopy
	exitRef    NodeRef
}

func copyKey(b *ir.Block, counters map[int]int, excluded *loopInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "b%d", b.Index)
	idxs := make([]int, 0, len(counters))
	for i := range counters {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		fmt.Fprintf(&sb, ":%d=%d", i, counters[i])
	}
	if excluded != nil {
		fmt.Fprintf(&sb, "!%d", excluded.idx)
	}
	return sb.String()
}

func (u *unroller) build(b *ir.Block, counters map[int]int, excluded *loopInfo) *blockCopy {
	key := copyKey(b, counters, excluded)
	if c, ok := u.copies[key]; ok {
		return c
	}
	c := &blockCopy{blk: b, excluded: excluded}
	u.copies[key] = c

	for _, instr := range b.Instrs {
		ref := u.g.addNode(&Node{Instr: instr, ID: ir.NewID(nil, instr)})
		c.instrs = append(c.instrs, ref)
	}

	for _, s := range b.Succs {
		if excluded != nil && excluded.loop.Body[s] {
			continue
		}
		newCounters := make(map[int]int, len(counters))
		for i, n := range counters {
			newCounters[i] = n
		}
		var succExcluded *loopInfo
		if l := u.headerLoop[s]; l != nil {
			var next int
			if l.loop.Body[b] {
				next = counters[l.idx] + 1 // back edge: one more traversal
			} else {
				next = 1 // fresh loop entry
			}
			if next > u.numUnrolls {
				succExcluded = l
			} else {
				newCounters[l.idx] = next
			}
		}
		// forget the counters of loops this edge leaves
		for i := range newCounters {
			if !u.loops[i].loop.Body[s] {
				delete(newCounters, i)
			}
		}
		c.succs = append(c.succs, u.build(s, newCounters, succExcluded))
	}
	return c
}

// entryRefs resolves the first instruction nodes of a copy, looking through empty blocks.
func (u *unroller) entryRefs(c *blockCopy) []NodeRef {
	if c.entryCache != nil {
		return c.entryCache
	}
	if len(c.instrs) > 0 {
		c.entryCache = c.instrs[:1]
		return c.entryCache
	}
	if len(c.succs) == 0 {
		c.entryCache = []NodeRef{u.exitRef}
		return c.entryCache
	}
	seen := make(map[NodeRef]bool)
	var refs []NodeRef
	for _, s := range c.succs {
		for _, r := range u.entryRefs(s) {
			if !seen[r] {
				seen[r] = true
				refs = append(refs, r)
			}
		}
	}
	c.entryCache = refs
	return refs
}

func (u *unroller) wire(root *blockCopy, entry NodeRef) {
	for _, e := range u.entryRefs(root) {
		u.g.Rel.Insert(entry, e)
	}
	var visit func(c *blockCopy)
	visit = func(c *blockCopy) {
		if c.wired {
			return
		}
		c.wired = true
		for i := 0; i+1 < len(c.instrs); i++ {
			u.g.Rel.Insert(c.instrs[i], c.instrs[i+1])
		}
		if len(c.instrs) > 0 {
			tail := c.instrs[len(c.instrs)-1]
			if len(c.succs) == 0 {
				u.g.Rel.Insert(tail, u.exitRef)
			} else {
				for _, s := range c.succs {
					for _, e := range u.entryRefs(s) {
						u.g.Rel.Insert(tail, e)
					}
				}
			}
		}
		for _, s := range c.succs {
			visit(s)
		}
	}
	visit(root)
}
