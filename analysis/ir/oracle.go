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

import "strings"

// AliasResult is the verdict of the alias oracle on a pair of address values.
type AliasResult uint8

// The alias verdicts.
const (
	// AliasUnknown means the oracle cannot judge the pair (e.g. inter-procedural query)
	AliasUnknown AliasResult = iota

	NoAlias
	MayAlias
	MustAlias
)

func (r AliasResult) String() string {
	switch r {
	case NoAlias:
		return "NoAlias"
	case MayAlias:
		return "MayAlias"
	case MustAlias:
		return "MustAlias"
	default:
		return "Unknown"
	}
}

// ID identifies one instruction instance inside a (possibly inlined) call scope: the stack of
// call-site labels from the root function down, plus the source instruction. The alias oracle
// is only valid on ids with prefix-compatible scopes.
type ID struct {
	Scope []string
	Instr *Instr
}

// NewID returns the id of instr in the given call scope.
func NewID(scope []string, instr *Instr) ID {
	return ID{Scope: scope, Instr: instr}
}

// PrefixCompatible reports whether one scope is a prefix of the other, i.e. whether the two
// ids live in call scopes the oracle can relate.
func (id ID) PrefixCompatible(other ID) bool {
	a, b := id.Scope, other.Scope
	if len(b) < len(a) {
		a, b = b, a
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SameScope reports whether both ids have the identical call scope.
func (id ID) SameScope(other ID) bool {
	if len(id.Scope) != len(other.Scope) {
		return false
	}
	for i := range id.Scope {
		if id.Scope[i] != other.Scope[i] {
			return false
		}
	}
	return true
}

func (id ID) String() string {
	name := ""
	if id.Instr != nil {
		name = id.Instr.Name()
	}
	if len(id.Scope) == 0 {
		return name
	}
	return strings.Join(id.Scope, "/") + "/" + name
}

// AliasOracle answers may-alias queries on pairs of address values. Implementations must
// return AliasUnknown on queries whose scopes are not prefix-compatible.
type AliasOracle interface {
	Alias(a ID, va Value, b ID, vb Value) AliasResult
}

// AliasFunc adapts a plain function to the AliasOracle interface.
type AliasFunc func(a ID, va Value, b ID, vb Value) AliasResult

// Alias implements AliasOracle.
func (f AliasFunc) Alias(a ID, va Value, b ID, vb Value) AliasResult {
	return f(a, va, b, vb)
}

// MayAliasAll is the oracle without information: every valid query may alias.
func MayAliasAll() AliasOracle {
	return AliasFunc(func(a ID, va Value, b ID, vb Value) AliasResult {
		if !a.PrefixCompatible(b) {
			return AliasUnknown
		}
		return MayAlias
	})
}

// NoAliasAll is the oracle that separates everything; useful to establish detector baselines.
func NoAliasAll() AliasOracle {
	return AliasFunc(func(a ID, va Value, b ID, vb Value) AliasResult {
		if !a.PrefixCompatible(b) {
			return AliasUnknown
		}
		if va == vb {
			return MustAlias
		}
		return NoAlias
	})
}
