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
	"github.com/specleak/specleak/internal/graphutil"
)

// Loop describes one natural loop of a function: the header block, the body blocks (header
// included) and the back edges re-entering the header.
type Loop struct {
	Header *Block
	Body   map[*Block]bool

	// BackEdges are the (latch, header) pairs
	BackEdges [][2]*Block
}

// Loops is the loop-info oracle: it returns every loop of f, outer loops before the loops
// nested inside them. Loops are discovered as strongly connected components of the block
// graph, recursively after removing each loop's back edges.
func (f *Func) Loops() []Loop {
	return findLoops(f.Blocks, func(b *Block) []*Block { return b.Succs })
}

func findLoops(blocks []*Block, succs func(*Block) []*Block) []Loop {
	var loops []Loop
	for _, scc := range graphutil.StronglyConnectedComponents(blocks, succs) {
		if !isLoopSCC(scc, succs) {
			continue
		}
		body := make(map[*Block]bool, len(scc))
		for _, b := range scc {
			body[b] = true
		}
		header := loopHeader(scc, body)
		loop := Loop{Header: header, Body: body}
		for _, b := range scc {
			for _, succ := range succs(b) {
				if succ == header {
					loop.BackEdges = append(loop.BackEdges, [2]*Block{b, header})
				}
			}
		}
		loops = append(loops, loop)

		// recurse into the body with the back edges removed to find nested loops
		inner := make([]*Block, 0, len(scc)-1)
		for _, b := range scc {
			if b != header {
				inner = append(inner, b)
			}
		}
		innerSuccs := func(b *Block) []*Block {
			var out []*Block
			for _, succ := range succs(b) {
				if succ != header && body[succ] {
					out = append(out, succ)
				}
			}
			return out
		}
		loops = append(loops, findLoops(inner, innerSuccs)...)
	}
	return loops
}

// isLoopSCC filters out the trivial single-node components without a self edge.
func isLoopSCC(scc []*Block, succs func(*Block) []*Block) bool {
	if len(scc) > 1 {
		return true
	}
	for _, succ := range succs(scc[0]) {
		if succ == scc[0] {
			return true
		}
	}
	return false
}

// loopHeader picks the body block with an edge from outside the component; with several
// candidates the one earliest in block order wins.
func loopHeader(scc []*Block, body map[*Block]bool) *Block {
	var header *Block
	for _, b := range scc {
		external := false
		for _, pred := range b.Preds {
			if !body[pred] {
				external = true
				break
			}
		}
		if external && (header == nil || b.Index < header.Index) {
			header = b
		}
	}
	if header == nil {
		// unreachable loop component; fall back to the first block
		header = scc[0]
		for _, b := range scc {
			if b.Index < header.Index {
				header = b
			}
		}
	}
	return header
}
