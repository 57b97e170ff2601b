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

package leakage

import (
	"fmt"
	"os"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/specleak/specleak/analysis/aeg"
	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/solver"
	"github.com/specleak/specleak/internal/funcutil"
)

// outputExecution records the found chain as a leak and, when enabled, serializes the
// satisfying model as a DOT execution witness.
func (d *Detector) outputExecution(vec []cfg.NodeRef) {
	leakVec := append([]cfg.NodeRef{}, vec...)
	funcutil.Reverse(leakVec)

	descParts := append([]string{}, d.actions...)
	funcutil.Reverse(descParts)
	leak := Leakage{
		Vec:         leakVec,
		Transmitter: vec[0],
		Desc:        strings.Join(descParts, "; "),
	}
	d.leaks = append(d.leaks, leak)
	d.seenTransmitters[d.a.Lookup(leak.Transmitter).Instr] = true
	d.log.Infof("%s: leak %s", d.a.PO.FuncName, leak.Key())

	if !*d.cfg.WitnessExecutions {
		return
	}
	model := d.sol.Model()
	// the transmitter's xs access flows out to the exit
	flags := append([]FlagEdge{}, d.flagEdges...)
	for _, x := range funcutil.SortedKeys(d.a.Exits) {
		flags = append(flags, FlagEdge{Src: leak.Transmitter, Dst: x, Kind: aeg.RFX})
		break
	}
	path := d.cfg.RelPath(witnessFileName(d.variant.Name(), leakVec))
	if err := d.writeWitness(path, model, flags); err != nil {
		d.log.Errorf("could not write witness %s: %v", path, err)
	}
}

func witnessFileName(variant string, vec []cfg.NodeRef) string {
	parts := make([]string, 0, len(vec)+1)
	parts = append(parts, variant)
	for _, ref := range vec {
		parts = append(parts, fmt.Sprintf("%d", ref))
	}
	return strings.Join(parts, "-") + ".dot"
}

type witnessNode struct {
	id    int64
	label string
	attrs map[string]string
}

// ID implements graph.Node.
func (n witnessNode) ID() int64 { return n.id }

// Attributes implements encoding.Attributer.
func (n witnessNode) Attributes() []encoding.Attribute {
	attrs := []encoding.Attribute{{Key: "label", Value: n.label}}
	for _, k := range funcutil.SortedKeys(n.attrs) {
		attrs = append(attrs, encoding.Attribute{Key: k, Value: n.attrs[k]})
	}
	return attrs
}

type witnessEdge struct {
	from, to witnessNode
	label    string
	color    string
}

// From implements graph.Edge.
func (e witnessEdge) From() graph.Node { return e.from }

// To implements graph.Edge.
func (e witnessEdge) To() graph.Node { return e.to }

// ReversedEdge implements graph.Edge.
func (e witnessEdge) ReversedEdge() graph.Edge {
	e.from, e.to = e.to, e.from
	return e
}

// Attributes implements encoding.Attributer.
func (e witnessEdge) Attributes() []encoding.Attribute {
	attrs := []encoding.Attribute{{Key: "label", Value: e.label}}
	if e.color != "" {
		attrs = append(attrs, encoding.Attribute{Key: "color", Value: e.color})
	}
	return attrs
}

// writeWitness serializes the executing slice of the model: every executing node with its
// flags and concrete address, every edge whose existence holds in the model, and the
// committed dependency chain highlighted.
func (d *Detector) writeWitness(path string, model *solver.Model, flags []FlagEdge) error {
	dg := simple.NewDirectedGraph()
	nodes := make(map[cfg.NodeRef]witnessNode)

	addNode := func(ref cfg.NodeRef) (witnessNode, bool) {
		if n, ok := nodes[ref]; ok {
			return n, true
		}
		node := d.a.Lookup(ref)
		c := d.a.Ctx
		if !model.EvalBool(node.Exec(c)) {
			return witnessNode{}, false
		}
		mode := "arch"
		if model.EvalBool(node.Trans) {
			mode = "trans"
		}
		label := fmt.Sprintf("%d: %s [%s]", ref, node.Instr, mode)
		if addr, ok := node.MemoryAddress(); ok {
			label += fmt.Sprintf(" {%d}", model.EvalInt(addr))
		}
		n := witnessNode{id: int64(ref), label: label, attrs: map[string]string{}}
		if mode == "trans" {
			n.attrs["style"] = "dashed"
		}
		nodes[ref] = n
		dg.AddNode(n)
		return n, true
	}

	type pair struct{ src, dst cfg.NodeRef }
	labels := make(map[pair][]string)
	colors := make(map[pair]string)
	var order []pair

	record := func(src, dst cfg.NodeRef, kind string, color string) {
		if src == dst {
			return
		}
		if _, ok := addNode(src); !ok {
			return
		}
		if _, ok := addNode(dst); !ok {
			return
		}
		key := pair{src, dst}
		if _, seen := labels[key]; !seen {
			order = append(order, key)
		}
		if !funcutil.Contains(labels[key], kind) {
			labels[key] = append(labels[key], kind)
		}
		if color != "" {
			colors[key] = color
		}
	}

	d.a.ForEachEdge(func(e *aeg.Edge) {
		if e.Exists.IsFalse() {
			return
		}
		if model.EvalBool(e.Exists) {
			record(e.Src, e.Dst, e.Kind.String(), "")
		}
	})
	for _, f := range flags {
		record(f.Src, f.Dst, f.Kind.String(), "red")
	}

	for _, key := range order {
		dg.SetEdge(witnessEdge{
			from:  nodes[key.src],
			to:    nodes[key.dst],
			label: strings.Join(labels[key], ","),
			color: colors[key],
		})
	}

	b, err := dot.Marshal(dg, d.a.PO.FuncName, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal witness: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// writeOutputs writes the leak list and the transmitter list to the output files, truncating
// them first unless batch mode appends a per-function section.
func (d *Detector) writeOutputs() error {
	if d.cfg.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}

	openMode := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if d.cfg.BatchMode {
		openMode = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	leakFile, err := os.OpenFile(d.cfg.RelPath("leakage.txt"), openMode, 0o644)
	if err != nil {
		return fmt.Errorf("could not open leakage.txt: %w", err)
	}
	defer leakFile.Close()
	if d.cfg.BatchMode {
		fmt.Fprintf(leakFile, "\n%s:\n", d.a.PO.FuncName)
	}
	for _, leak := range d.leaks {
		refs := make([]string, 0, len(leak.Vec))
		instrs := make([]string, 0, len(leak.Vec))
		for _, ref := range leak.Vec {
			refs = append(refs, fmt.Sprintf("%d", ref))
			instrs = append(instrs, d.a.Lookup(ref).Instr.String())
		}
		fmt.Fprintf(leakFile, "%s : %s -- %s\n",
			strings.Join(refs, " "), leak.Desc, strings.Join(instrs, "; "))
	}

	txFile, err := os.OpenFile(d.cfg.RelPath("transmitters.txt"), openMode, 0o644)
	if err != nil {
		return fmt.Errorf("could not open transmitters.txt: %w", err)
	}
	defer txFile.Close()
	seen := make(map[string]bool)
	for _, leak := range d.leaks {
		s := d.a.Lookup(leak.Transmitter).Instr.String()
		if !seen[s] {
			seen[s] = true
			fmt.Fprintln(txFile, s)
		}
	}
	return nil
}
