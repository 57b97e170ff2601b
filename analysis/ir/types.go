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

// Package ir defines the intermediate representation the analyzer consumes: functions as
// control-flow graphs of classified instructions with explicit value operands, plus the
// oracle interfaces (alias analysis, type layout, loop info) that front ends provide.
//
// The representation is deliberately small. Instructions are a tagged variant with a
// capability predicate set instead of a class hierarchy; anything the analyzer does not need
// to distinguish is Other.
package ir

import "fmt"

// Type is a minimal element-type descriptor. The analyzer only needs pointer-ness, struct-ness
// and size in bits, to filter alias pairs and store-forwarding candidates.
type Type struct {
	name string

	// Bits is the value size in bits
	Bits int

	// Elem is non-nil for pointer types and holds the pointee type
	Elem *Type

	// Struct marks aggregate types
	Struct bool
}

// IntType returns an integer type of the given width.
func IntType(bits int) *Type {
	return &Type{name: fmt.Sprintf("i%d", bits), Bits: bits}
}

// PointerTo returns the pointer type to elem.
func PointerTo(elem *Type) *Type {
	return &Type{name: elem.name + "*", Bits: 64, Elem: elem}
}

// StructType returns an aggregate type of the given total width.
func StructType(name string, bits int) *Type {
	return &Type{name: name, Bits: bits, Struct: true}
}

// IsPointer reports whether t is a pointer type.
func (t *Type) IsPointer() bool {
	return t != nil && t.Elem != nil
}

func (t *Type) String() string {
	if t == nil {
		return "void"
	}
	return t.name
}

// Layout is the type-layout oracle: the size in bits of any element type. It is used to reject
// size-mismatched store-forwarding candidates.
type Layout interface {
	SizeBits(t *Type) int
}

// DefaultLayout reads the size recorded on the type itself.
type DefaultLayout struct{}

// SizeBits implements Layout.
func (DefaultLayout) SizeBits(t *Type) int {
	if t == nil {
		return 0
	}
	return t.Bits
}
