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

import "github.com/specleak/specleak/analysis/ir"

// Policy decides where the expansion introduces speculation and how transient clones execute.
type Policy interface {
	// Name labels the policy in graph dumps and witness file names
	Name() string

	// MayIntroduceSpeculation reports whether execution can go transient right after n
	MayIntroduceSpeculation(n *Node) bool

	// Execs returns the execution options for a transient clone of n at the given depth
	Execs(n *Node, depth int) ExecOpt

	// Resync reports whether n re-synchronizes execution: cloning stops at such nodes
	Resync(n *Node) bool
}

// SpectreV1Policy models branch misprediction: every conditional branch may introduce
// speculation and fences resynchronize.
type SpectreV1Policy struct{}

// Name implements Policy.
func (SpectreV1Policy) Name() string { return "spectre-v1" }

// MayIntroduceSpeculation implements Policy.
func (SpectreV1Policy) MayIntroduceSpeculation(n *Node) bool {
	return n.Instr.IsBranch()
}

// Execs implements Policy.
func (SpectreV1Policy) Execs(n *Node, depth int) ExecOpt {
	return ExecOpt{Arch: ir.No, Trans: ir.May}
}

// Resync implements Policy.
func (SpectreV1Policy) Resync(n *Node) bool {
	return n.Instr.IsFence() || n.Instr.IsSpecial()
}

// SpectreV4Policy models store-to-load-forwarding bypass: every store introduces speculation.
// StbSize is not consulted here; the detector's v4 variant skips loads whose paths hold fewer
// than StbSize earlier stores.
type SpectreV4Policy struct {
	StbSize int
}

// Name implements Policy.
func (SpectreV4Policy) Name() string { return "spectre-v4" }

// MayIntroduceSpeculation implements Policy.
func (SpectreV4Policy) MayIntroduceSpeculation(n *Node) bool {
	return n.Instr.MayWrite()
}

// Execs implements Policy.
func (SpectreV4Policy) Execs(n *Node, depth int) ExecOpt {
	return ExecOpt{Arch: ir.No, Trans: ir.May}
}

// Resync implements Policy.
func (SpectreV4Policy) Resync(n *Node) bool {
	return n.Instr.IsFence() || n.Instr.IsSpecial()
}
