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

package binrel

import (
	"testing"
)

func intRel() *Rel[int] {
	return New[int](func(a, b int) bool { return a < b })
}

func checkMirror(t *testing.T, r *Rel[int]) {
	t.Helper()
	for src, dsts := range r.Fwd {
		for dst := range dsts {
			if !r.Rev[dst][src] {
				t.Errorf("edge %d->%d in fwd but not in rev", src, dst)
			}
		}
	}
	for dst, srcs := range r.Rev {
		for src := range srcs {
			if !r.Fwd[src][dst] {
				t.Errorf("edge %d->%d in rev but not in fwd", src, dst)
			}
		}
	}
}

func TestInsertEraseMirror(t *testing.T) {
	r := intRel()
	edges := [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}, {3, 4}}
	for _, e := range edges {
		r.Insert(e[0], e[1])
	}
	checkMirror(t, r)
	if r.Len() != 5 {
		t.Errorf("expected 5 nodes, got %d", r.Len())
	}
	if r.NumEdges() != 5 {
		t.Errorf("expected 5 edges, got %d", r.NumEdges())
	}
	if !r.Contains(1, 3) {
		t.Errorf("expected edge 1->3")
	}

	r.Erase(3)
	checkMirror(t, r)
	if r.Contains(1, 3) || r.Contains(3, 4) {
		t.Errorf("erased node still has edges")
	}
	if r.Len() != 4 {
		t.Errorf("expected 4 nodes after erase, got %d", r.Len())
	}
}

func TestRemoveEdge(t *testing.T) {
	r := intRel()
	r.Insert(0, 1)
	r.Insert(0, 2)
	r.Remove(0, 1)
	checkMirror(t, r)
	if r.Contains(0, 1) {
		t.Errorf("removed edge still present")
	}
	if !r.Contains(0, 2) {
		t.Errorf("unrelated edge vanished")
	}
}

func TestReversePostorderIsTopological(t *testing.T) {
	r := intRel()
	// a diamond with a tail
	for _, e := range [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}, {3, 4}} {
		r.Insert(e[0], e[1])
	}
	order := r.ReversePostorder(0)
	if len(order) != 5 {
		t.Fatalf("expected 5 nodes in order, got %d", len(order))
	}
	pos := make(map[int]int)
	for i, n := range order {
		pos[n] = i
	}
	for src, dsts := range r.Fwd {
		for dst := range dsts {
			if pos[src] >= pos[dst] {
				t.Errorf("edge %d->%d violates topological order %v", src, dst, order)
			}
		}
	}
	if order[0] != 0 {
		t.Errorf("reverse postorder should start at the entry, got %v", order)
	}
}

func TestPostorderDeterministic(t *testing.T) {
	build := func() []int {
		r := intRel()
		for _, e := range [][2]int{{0, 2}, {0, 1}, {1, 4}, {2, 3}, {1, 3}, {3, 4}} {
			r.Insert(e[0], e[1])
		}
		return r.Postorder(0)
	}
	first := build()
	for i := 0; i < 10; i++ {
		next := build()
		for j := range first {
			if first[j] != next[j] {
				t.Fatalf("postorder not deterministic: %v vs %v", first, next)
			}
		}
	}
}

func TestPostorderUnreachable(t *testing.T) {
	r := intRel()
	r.Insert(0, 1)
	r.AddNode(99)
	order := r.Postorder(0)
	for _, n := range order {
		if n == 99 {
			t.Errorf("unreachable node appeared in traversal")
		}
	}
}
