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

// Func is a function: a list of basic blocks, the first of which is the entry.
type Func struct {
	Name   string
	Params []*Arg
	Blocks []*Block
}

// Block is a basic block.
type Block struct {
	Name   string
	Index  int
	Instrs []*Instr
	Succs  []*Block
	Preds  []*Block

	fn *Func
}

// Func returns the enclosing function.
func (b *Block) Func() *Func { return b.fn }

// Entry returns the entry block.
func (f *Func) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// Exits returns the blocks without successors.
func (f *Func) Exits() []*Block {
	var out []*Block
	for _, b := range f.Blocks {
		if len(b.Succs) == 0 {
			out = append(out, b)
		}
	}
	return out
}
