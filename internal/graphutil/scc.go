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

// Package graphutil implements generic graph algorithms and adapters to work with existing
// graph libraries.
package graphutil

import (
	"github.com/yourbasic/graph"
)

// Iterator is an adjacency-list adapter satisfying graph.Iterator so that generic graphs can be
// fed to the yourbasic/graph algorithms. Nodes are identified by their index in Keys.
type Iterator[T comparable] struct {
	// Keys are the nodes, in a fixed order
	Keys []T

	// Index maps a node back to its position in Keys
	Index map[T]int

	// Succs returns the successors of a node
	Succs func(T) []T
}

// NewIterator builds an Iterator over the given nodes with the given successor function.
func NewIterator[T comparable](nodes []T, succs func(T) []T) Iterator[T] {
	index := make(map[T]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
	}
	return Iterator[T]{Keys: nodes, Index: index, Succs: succs}
}

// Order implements graph.Iterator.
func (it Iterator[T]) Order() int {
	return len(it.Keys)
}

// Visit implements graph.Iterator.
func (it Iterator[T]) Visit(v int, do func(w int, c int64) (skip bool)) (aborted bool) {
	if v < 0 || v >= len(it.Keys) {
		return false
	}
	for _, succ := range it.Succs(it.Keys[v]) {
		w, ok := it.Index[succ]
		if !ok {
			continue
		}
		if do(w, 1) {
			return true
		}
	}
	return false
}

// StronglyConnectedComponents returns the strongly connected components of the graph defined by
// nodes and succs, as slices of nodes.
func StronglyConnectedComponents[T comparable](nodes []T, succs func(T) []T) [][]T {
	it := NewIterator(nodes, succs)
	var sccs [][]T
	for _, component := range graph.StrongComponents(it) {
		scc := make([]T, 0, len(component))
		for _, v := range component {
			scc = append(scc, it.Keys[v])
		}
		sccs = append(sccs, scc)
	}
	return sccs
}
