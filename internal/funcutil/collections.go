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

// Package funcutil implements utility functions for generic manipulations of slices, maps and
// map-represented sets.
package funcutil

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// Map returns a new slice b such that for any i < len(a), b[i] = f(a[i])
func Map[T any, S any](a []T, f func(T) S) []S {
	b := make([]S, 0, len(a))
	for _, x := range a {
		b = append(b, f(x))
	}
	return b
}

// Contains returns true when x is an element of a.
func Contains[T comparable](a []T, x T) bool {
	for _, y := range a {
		if y == x {
			return true
		}
	}
	return false
}

// Reverse reverses the slice in place.
func Reverse[T any](a []T) {
	for i, j := 0, len(a)-1; i < j; i, j = i+1, j-1 {
		a[i], a[j] = a[j], a[i]
	}
}

// Union merges set b into set a and returns a.
// @mutates a
func Union[T comparable](a map[T]bool, b map[T]bool) map[T]bool {
	for x, in := range b {
		if in {
			a[x] = true
		}
	}
	return a
}

// SortedKeys returns the keys of m in increasing order. Iterating over SortedKeys makes
// map-driven constructions deterministic.
func SortedKeys[T constraints.Ordered, S any](m map[T]S) []T {
	keys := make([]T, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a T, b T) T {
	if b < a {
		return b
	}
	return a
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a T, b T) T {
	if b > a {
		return b
	}
	return a
}
