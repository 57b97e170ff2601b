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

// Package binrel implements a generic directed relation that maintains both the forward and
// the reverse adjacency. It is the backbone container of every CFG stage and of the AEG.
package binrel

import (
	"sort"
)

// Rel is a directed relation over nodes of type N. For every pair, dst ∈ Fwd[src] iff
// src ∈ Rev[dst].
type Rel[N comparable] struct {
	Fwd map[N]map[N]bool
	Rev map[N]map[N]bool

	// Less, when set, makes the traversal and successor orders deterministic.
	Less func(a, b N) bool
}

// New returns an empty relation. less may be nil, in which case iteration order follows map
// order and graph dumps are not reproducible.
func New[N comparable](less func(a, b N) bool) *Rel[N] {
	return &Rel[N]{
		Fwd:  make(map[N]map[N]bool),
		Rev:  make(map[N]map[N]bool),
		Less: less,
	}
}

// AddNode ensures n is present in the relation, with empty adjacency if new.
func (r *Rel[N]) AddNode(n N) {
	if _, ok := r.Fwd[n]; !ok {
		r.Fwd[n] = make(map[N]bool)
	}
	if _, ok := r.Rev[n]; !ok {
		r.Rev[n] = make(map[N]bool)
	}
}

// Insert adds the edge src→dst, adding the nodes if necessary.
func (r *Rel[N]) Insert(src N, dst N) {
	r.AddNode(src)
	r.AddNode(dst)
	r.Fwd[src][dst] = true
	r.Rev[dst][src] = true
}

// Remove deletes the edge src→dst if present. The nodes remain.
func (r *Rel[N]) Remove(src N, dst N) {
	if m, ok := r.Fwd[src]; ok {
		delete(m, dst)
	}
	if m, ok := r.Rev[dst]; ok {
		delete(m, src)
	}
}

// Erase removes n and all its incident edges.
func (r *Rel[N]) Erase(n N) {
	for dst := range r.Fwd[n] {
		delete(r.Rev[dst], n)
	}
	for src := range r.Rev[n] {
		delete(r.Fwd[src], n)
	}
	delete(r.Fwd, n)
	delete(r.Rev, n)
}

// Contains reports whether the edge src→dst is in the relation.
func (r *Rel[N]) Contains(src N, dst N) bool {
	return r.Fwd[src][dst]
}

// Len returns the number of nodes.
func (r *Rel[N]) Len() int {
	return len(r.Fwd)
}

// NumEdges returns the number of edges.
func (r *Rel[N]) NumEdges() int {
	n := 0
	for _, succs := range r.Fwd {
		n += len(succs)
	}
	return n
}

func (r *Rel[N]) sorted(set map[N]bool) []N {
	out := make([]N, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	if r.Less != nil {
		sort.Slice(out, func(i, j int) bool { return r.Less(out[i], out[j]) })
	}
	return out
}

// Succs returns the successors of n, sorted when Less is set.
func (r *Rel[N]) Succs(n N) []N {
	return r.sorted(r.Fwd[n])
}

// Preds returns the predecessors of n, sorted when Less is set.
func (r *Rel[N]) Preds(n N) []N {
	return r.sorted(r.Rev[n])
}

// Nodes returns all nodes, sorted when Less is set.
func (r *Rel[N]) Nodes() []N {
	out := make([]N, 0, len(r.Fwd))
	for n := range r.Fwd {
		out = append(out, n)
	}
	if r.Less != nil {
		sort.Slice(out, func(i, j int) bool { return r.Less(out[i], out[j]) })
	}
	return out
}

// Postorder returns the nodes reachable from entry in depth-first postorder.
func (r *Rel[N]) Postorder(entry N) []N {
	var order []N
	seen := make(map[N]bool, len(r.Fwd))
	var visit func(n N)
	visit = func(n N) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, succ := range r.Succs(n) {
			visit(succ)
		}
		order = append(order, n)
	}
	visit(entry)
	return order
}

// ReversePostorder returns the nodes reachable from entry in reverse postorder, i.e. a
// topological order when the relation is acyclic.
func (r *Rel[N]) ReversePostorder(entry N) []N {
	order := r.Postorder(entry)
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}
