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

// Package leakage drives the SMT search for speculative-leakage witnesses over a constructed
// AEG: transmitter enumeration, per-transmitter windowing, dependency-chain traceback and
// witness emission, with optional process-parallel workers.
package leakage

import (
	"fmt"

	"github.com/specleak/specleak/analysis/aeg"
	"github.com/specleak/specleak/analysis/config"
)

// Dep is one step of a variant's dependency vector: the edge kind to consume and the
// execution mode required of the dependency source (value-flow kinds) or of the consumer
// (ctrl and reads-from kinds).
type Dep struct {
	Kind aeg.EdgeKind
	Mode aeg.ExecMode
}

func (d Dep) String() string {
	return fmt.Sprintf("(%s,%s)", d.Kind, d.Mode)
}

// Variant is a leakage class: it fixes the dependency vector the traceback consumes from the
// transmitter backwards, and may veto bypassed loads.
type Variant interface {
	// Name labels witness files
	Name() string

	// Deps is the dependency vector, consumed front-first from the transmitter backwards:
	// the first entry is the edge kind arriving at the transmitter
	Deps() []Dep

	// RfBypassEligible reports whether a load may read a stale source in this variant
	RfBypassEligible(n *aeg.Node) bool
}

// NewVariant builds the variant selected by the configuration.
func NewVariant(c *config.Config) (Variant, error) {
	switch c.LeakageClass {
	case config.SpectreV1:
		switch c.SpectreV1Mode.Mode {
		case config.V1BranchPredicate:
			return SpectreV1Control{}, nil
		default:
			return SpectreV1Classic{}, nil
		}
	case config.SpectreV4:
		return SpectreV4{StbSize: c.SpectreV4Mode.StbSize}, nil
	}
	return nil, fmt.Errorf("no variant for leakage class %q", c.LeakageClass)
}

// SpectreV1Classic finds transmitters whose address depends on a mis-speculated load.
type SpectreV1Classic struct{}

// Name implements Variant.
func (SpectreV1Classic) Name() string { return "spectre-v1" }

// Deps implements Variant.
func (SpectreV1Classic) Deps() []Dep {
	return []Dep{{Kind: aeg.ADDR, Mode: aeg.ExecTrans}}
}

// RfBypassEligible implements Variant: v1 loads read normally.
func (SpectreV1Classic) RfBypassEligible(n *aeg.Node) bool { return true }

// SpectreV1Control finds leaks where the branch condition itself is the secret.
type SpectreV1Control struct{}

// Name implements Variant.
func (SpectreV1Control) Name() string { return "spectre-v1-ctrl" }

// Deps implements Variant.
func (SpectreV1Control) Deps() []Dep {
	return []Dep{{Kind: aeg.CTRL, Mode: aeg.ExecTrans}}
}

// RfBypassEligible implements Variant.
func (SpectreV1Control) RfBypassEligible(n *aeg.Node) bool { return true }

// SpectreV4 finds store-to-load-forwarding bypasses: a stale read whose value reaches a
// transmitter address.
type SpectreV4 struct {
	StbSize int
}

// Name implements Variant.
func (SpectreV4) Name() string { return "spectre-v4" }

// Deps implements Variant.
func (SpectreV4) Deps() []Dep {
	return []Dep{
		{Kind: aeg.ADDR, Mode: aeg.ExecTrans},
		{Kind: aeg.RF, Mode: aeg.ExecTrans},
		{Kind: aeg.DATA, Mode: aeg.ExecTrans},
	}
}

// RfBypassEligible implements Variant: a load can only be bypassed once its path holds at
// least StbSize earlier stores (the static minimum gates the search).
func (v SpectreV4) RfBypassEligible(n *aeg.Node) bool {
	return n.StoresIn >= v.StbSize
}
