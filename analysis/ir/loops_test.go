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

import (
	"testing"
)

// loopFunc builds: entry -> header; header -> body | exit; body -> header
func loopFunc(t *testing.T) *Func {
	t.Helper()
	b := NewBuilder("loop")
	i64 := IntType(64)
	p := b.Param("p", PointerTo(i64))

	entry := b.Block("entry")
	header := b.Block("header")
	body := b.Block("body")
	exit := b.Block("exit")

	entry.Jump(header)
	cond := header.Load("cond", p)
	header.Branch(cond, body, exit)
	body.Load("x", p)
	body.Jump(header)
	exit.Return()

	return b.MustFinish()
}

func TestLoopsSimple(t *testing.T) {
	fn := loopFunc(t)
	loops := fn.Loops()
	if len(loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(loops))
	}
	l := loops[0]
	if l.Header.Name != "header" {
		t.Errorf("expected header block, got %s", l.Header.Name)
	}
	if len(l.Body) != 2 {
		t.Errorf("expected 2 body blocks, got %d", len(l.Body))
	}
	if len(l.BackEdges) != 1 || l.BackEdges[0][0].Name != "body" {
		t.Errorf("unexpected back edges %v", l.BackEdges)
	}
}

func TestLoopsNested(t *testing.T) {
	b := NewBuilder("nested")
	i64 := IntType(64)
	p := b.Param("p", PointerTo(i64))

	entry := b.Block("entry")
	outer := b.Block("outer")
	inner := b.Block("inner")
	innerLatch := b.Block("innerlatch")
	outerLatch := b.Block("outerlatch")
	exit := b.Block("exit")

	entry.Jump(outer)
	c1 := outer.Load("c1", p)
	outer.Branch(c1, inner, exit)
	c2 := inner.Load("c2", p)
	inner.Branch(c2, innerLatch, outerLatch)
	innerLatch.Jump(inner)
	outerLatch.Jump(outer)
	exit.Return()

	fn := b.MustFinish()
	loops := fn.Loops()
	if len(loops) != 2 {
		t.Fatalf("expected 2 loops, got %d", len(loops))
	}
	headers := map[string]bool{}
	for _, l := range loops {
		headers[l.Header.Name] = true
	}
	if !headers["outer"] || !headers["inner"] {
		t.Errorf("expected outer and inner headers, got %v", headers)
	}
}

func TestLoopsNone(t *testing.T) {
	b := NewBuilder("straight")
	i64 := IntType(64)
	p := b.Param("p", PointerTo(i64))
	blk := b.Block("entry")
	blk.Load("x", p)
	blk.Return()
	fn := b.MustFinish()
	if loops := fn.Loops(); len(loops) != 0 {
		t.Errorf("expected no loops, got %v", loops)
	}
}

func TestBuilderRejectsUnreachable(t *testing.T) {
	b := NewBuilder("bad")
	i64 := IntType(64)
	p := b.Param("p", PointerTo(i64))
	entry := b.Block("entry")
	entry.Load("x", p)
	entry.Return()
	orphan := b.Block("orphan")
	orphan.Return()
	if _, err := b.Finish(); err == nil {
		t.Errorf("expected error for unreachable block")
	}
}

func TestBuilderCapabilities(t *testing.T) {
	b := NewBuilder("caps")
	i64 := IntType(64)
	p := b.Param("p", PointerTo(i64))
	blk := b.Block("entry")
	ld := blk.Load("x", p)
	st := blk.Store(p, ld)
	fence := blk.Fence()
	al := blk.Alloc("a", i64)
	blk.Return()
	if _, err := b.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if !ld.MayRead() || ld.MayWrite() || !ld.IsMemory() {
		t.Errorf("load capabilities wrong")
	}
	if st.MayRead() || !st.MayWrite() || !st.IsMemory() {
		t.Errorf("store capabilities wrong")
	}
	if !fence.IsFence() || fence.IsMemory() {
		t.Errorf("fence capabilities wrong")
	}
	if !al.PointerResult || !al.Alloc {
		t.Errorf("alloc should produce a pointer")
	}
	if ld.MayXSRead() != Must || ld.MayXSWrite() != May {
		t.Errorf("load xs options wrong: %v %v", ld.MayXSRead(), ld.MayXSWrite())
	}
	if st.MayXSRead() != No || st.MayXSWrite() != May {
		t.Errorf("store xs options wrong: %v %v", st.MayXSRead(), st.MayXSWrite())
	}
}
