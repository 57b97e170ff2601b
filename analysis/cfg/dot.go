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

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

type dotNode struct {
	id    int64
	label string
	shape string
}

// ID implements graph.Node.
func (n dotNode) ID() int64 { return n.id }

// Attributes implements encoding.Attributer.
func (n dotNode) Attributes() []encoding.Attribute {
	attrs := []encoding.Attribute{{Key: "label", Value: n.label}}
	if n.shape != "" {
		attrs = append(attrs, encoding.Attribute{Key: "shape", Value: n.shape})
	}
	return attrs
}

// DumpDOT serializes the stage as a GraphViz digraph.
func (g *Graph) DumpDOT() ([]byte, error) {
	dg := simple.NewDirectedGraph()
	for _, ref := range g.NodeRange() {
		node := g.Lookup(ref)
		shape := ""
		if node.Instr.IsSpecial() {
			shape = "diamond"
		} else if node.TransClone {
			shape = "box"
		}
		dg.AddNode(dotNode{
			id:    int64(ref),
			label: fmt.Sprintf("%d: %s %s", ref, node.Instr, node.Exec),
			shape: shape,
		})
	}
	for _, u := range g.NodeRange() {
		for _, v := range g.Rel.Succs(u) {
			dg.SetEdge(dg.NewEdge(dg.Node(int64(u)), dg.Node(int64(v))))
		}
	}
	return dot.Marshal(dg, g.FuncName, "", "  ")
}

// WriteDOT dumps the stage into path.
func (g *Graph) WriteDOT(path string) error {
	b, err := g.DumpDOT()
	if err != nil {
		return fmt.Errorf("could not serialize graph for %s: %w", g.FuncName, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("could not write graph for %s: %w", g.FuncName, err)
	}
	return nil
}

var _ graph.Node = dotNode{}
