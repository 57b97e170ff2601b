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
	"testing"

	"github.com/specleak/specleak/analysis/aeg"
	"github.com/specleak/specleak/analysis/cfg"
	"github.com/specleak/specleak/analysis/config"
	"github.com/specleak/specleak/analysis/ir"
)

func v1Config(t *testing.T) *config.Config {
	t.Helper()
	c := config.NewDefault()
	c.LeakageClass = config.SpectreV1
	f := false
	c.WitnessExecutions = &f
	if err := c.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return c
}

func v4Config(t *testing.T, stbSize int) *config.Config {
	t.Helper()
	c := config.NewDefault()
	c.LeakageClass = config.SpectreV4
	c.SpectreV4Mode.StbSize = stbSize
	f := false
	c.WitnessExecutions = &f
	if err := c.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return c
}

func buildDetector(t *testing.T, fn *ir.Func, c *config.Config, oracle ir.AliasOracle) *Detector {
	t.Helper()
	u, err := cfg.Unroll(fn, *c.NumUnrolls)
	if err != nil {
		t.Fatalf("unroll: %v", err)
	}
	calls, err := cfg.InlineCalls(u, *c.SpecDepth, *c.NumUnrolls)
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	var policy cfg.Policy = cfg.SpectreV1Policy{}
	if c.LeakageClass == config.SpectreV4 {
		policy = cfg.SpectreV4Policy{StbSize: c.SpectreV4Mode.StbSize}
	}
	exp, err := cfg.Expand(calls, policy, *c.SpecDepth)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	a, err := aeg.Construct(exp, aeg.Params{Config: c, Oracle: oracle})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	d, err := NewDetector(a, c, nil, nil)
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	return d
}

// runLeaks runs the detector, treating a resumable skip as zero leaks.
func runLeaks(t *testing.T, d *Detector) []Leakage {
	t.Helper()
	if err := d.Run(); err != nil && !IsSkip(err) {
		t.Fatalf("run: %v", err)
	}
	return d.Leaks()
}

func vecInstrs(d *Detector, leak Leakage) []string {
	var out []string
	for _, ref := range leak.Vec {
		out = append(out, d.a.Lookup(ref).Instr.Name())
	}
	return out
}

// s1Func is the classic bounds-check-bypass shape:
// load idx; cmp idx, N; br; load A[idx]; load B[A[idx]*64]
func s1Func(t *testing.T, withFence bool) *ir.Func {
	t.Helper()
	b := ir.NewBuilder("s1")
	i64 := ir.IntType(64)
	idxp := b.Param("idxp", ir.PointerTo(i64))
	arrA := b.Param("A", ir.PointerTo(i64))
	arrB := b.Param("B", ir.PointerTo(i64))

	entry := b.Block("entry")
	then := b.Block("then")
	done := b.Block("done")

	idx := entry.Load("idx", idxp)
	cmp := entry.Compute("cmp", ir.IntType(8), idx, ir.NewConst(16, i64))
	entry.Branch(cmp, then, done)
	if withFence {
		then.Fence()
	}
	gep1 := then.GEP("gep1", arrA, idx)
	a := then.Load("a", gep1)
	mul := then.Compute("mul", i64, a, ir.NewConst(64, i64))
	gep2 := then.GEP("gep2", arrB, mul)
	then.Load("b", gep2)
	then.Jump(done)
	done.Return()

	return b.MustFinish()
}

func TestS1ClassicArrayBounds(t *testing.T) {
	d := buildDetector(t, s1Func(t, false), v1Config(t), nil)
	leaks := runLeaks(t, d)
	if len(leaks) != 1 {
		t.Fatalf("expected exactly one leak, got %d: %v", len(leaks), leaks)
	}
	got := vecInstrs(d, leaks[0])
	want := []string{"idx", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected vec %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected vec %v, got %v", want, got)
		}
	}
	if name := d.a.Lookup(leaks[0].Transmitter).Instr.Name(); name != "b" {
		t.Errorf("expected transmitter b, got %s", name)
	}
}

func TestS2BranchPredicate(t *testing.T) {
	b := ir.NewBuilder("s2")
	i64 := ir.IntType(64)
	sp := b.Param("sp", ir.PointerTo(i64))
	xp := b.Param("xp", ir.PointerTo(i64))

	entry := b.Block("entry")
	then := b.Block("then")
	done := b.Block("done")

	secret := entry.Load("secret", sp)
	cmp := entry.Compute("cmp", ir.IntType(8), secret, ir.NewConst(0, i64))
	entry.Branch(cmp, then, done)
	then.Load("x", xp)
	then.Jump(done)
	done.Return()
	fn := b.MustFinish()

	c := v1Config(t)
	c.SpectreV1Mode.Mode = config.V1BranchPredicate
	d := buildDetector(t, fn, c, nil)
	leaks := runLeaks(t, d)
	if len(leaks) != 1 {
		t.Fatalf("expected exactly one leak, got %d", len(leaks))
	}
	got := vecInstrs(d, leaks[0])
	if len(got) != 3 || got[0] != "secret" || got[2] != "x" {
		t.Fatalf("expected vec [secret, branch, x], got %v", got)
	}
	if !d.a.Lookup(leaks[0].Vec[1]).Instr.IsBranch() {
		t.Errorf("middle vec element should be the branch, got %v", d.a.Lookup(leaks[0].Vec[1]).Instr)
	}
}

// s3Func is the store-to-load-forwarding shape:
// store X, 1; store X, 2; load X; load A[loaded*64]
// The load goes through the store pointer X itself.
func s3Func(t *testing.T) *ir.Func {
	t.Helper()
	b := ir.NewBuilder("s3")
	i64 := ir.IntType(64)
	x := b.Param("X", ir.PointerTo(i64))
	arrA := b.Param("A", ir.PointerTo(i64))

	blk := b.Block("entry")
	blk.Store(x, ir.NewConst(1, i64))
	blk.Store(x, ir.NewConst(2, i64))
	ld := blk.Load("ld", x)
	mul := blk.Compute("mul", i64, ld, ir.NewConst(64, i64))
	gep := blk.GEP("gep", arrA, mul)
	blk.Load("t", gep)
	blk.Return()
	return b.MustFinish()
}

func TestS3StoreToLoadBypass(t *testing.T) {
	d := buildDetector(t, s3Func(t), v4Config(t, 1), nil)
	leaks := runLeaks(t, d)
	if len(leaks) != 1 {
		t.Fatalf("expected exactly one leak, got %d: %v", len(leaks), leaks)
	}
	got := vecInstrs(d, leaks[0])
	if len(got) != 3 || got[1] != "ld" || got[2] != "t" {
		t.Fatalf("expected vec [stale store, ld, t], got %v", got)
	}
	// the chain must end at the first (stale) store
	stale := d.a.Lookup(leaks[0].Vec[0])
	if stale.Instr.Kind != ir.Store {
		t.Fatalf("chain should end at a store, got %v", stale.Instr)
	}
	if v, ok := stale.Instr.Val.(*ir.Const); !ok || v.Int() != 1 {
		t.Errorf("expected the stale store of 1, got %v", stale.Instr)
	}
}

func TestS4FenceBlocks(t *testing.T) {
	d := buildDetector(t, s1Func(t, true), v1Config(t), nil)
	if leaks := runLeaks(t, d); len(leaks) != 0 {
		t.Fatalf("fence should block the leak, got %d leaks", len(leaks))
	}
}

func TestS5MustAliasMerge(t *testing.T) {
	// like s1, but the guarded loads go through a second pointer proven must-alias with A
	b := ir.NewBuilder("s5")
	i64 := ir.IntType(64)
	idxp := b.Param("idxp", ir.PointerTo(i64))
	arrA := b.Param("A", ir.PointerTo(i64))
	arrA2 := b.Param("A2", ir.PointerTo(i64))
	arrB := b.Param("B", ir.PointerTo(i64))

	entry := b.Block("entry")
	then := b.Block("then")
	done := b.Block("done")

	idx := entry.Load("idx", idxp)
	cmp := entry.Compute("cmp", ir.IntType(8), idx, ir.NewConst(16, i64))
	entry.Branch(cmp, then, done)
	gep1 := then.GEP("gep1", arrA2, idx)
	a := then.Load("a", gep1)
	mul := then.Compute("mul", i64, a, ir.NewConst(64, i64))
	gep2 := then.GEP("gep2", arrB, mul)
	then.Load("b", gep2)
	then.Jump(done)
	done.Return()
	fn := b.MustFinish()

	oracle := ir.AliasFunc(func(ida ir.ID, va ir.Value, idb ir.ID, vb ir.Value) ir.AliasResult {
		if (va == arrA && vb == arrA2) || (va == arrA2 && vb == arrA) {
			return ir.MustAlias
		}
		return ir.MayAlias
	})
	d := buildDetector(t, fn, v1Config(t), oracle)
	leaks := runLeaks(t, d)
	if len(leaks) != 1 {
		t.Fatalf("expected the same single witness under must-alias, got %d leaks", len(leaks))
	}
	if d.a.AliasStats.MustAlias == 0 {
		t.Errorf("expected a must-alias constraint to be emitted")
	}
	got := vecInstrs(d, leaks[0])
	if len(got) != 3 || got[0] != "idx" || got[1] != "a" || got[2] != "b" {
		t.Errorf("expected vec [idx, a, b], got %v", got)
	}
}

func TestS6WindowBoundary(t *testing.T) {
	c := v1Config(t)
	two := 2
	c.WindowSize = &two
	d := buildDetector(t, s1Func(t, false), c, nil)
	if leaks := runLeaks(t, d); len(leaks) != 0 {
		t.Fatalf("window of 2 should cut the 3-long chain, got %d leaks", len(leaks))
	}
}

func TestSpecDepthZeroNoLeaks(t *testing.T) {
	for name, build := range map[string]func() (*ir.Func, *config.Config){
		"v1": func() (*ir.Func, *config.Config) { return s1Func(t, false), v1Config(t) },
		"v4": func() (*ir.Func, *config.Config) { return s3Func(t), v4Config(t, 1) },
	} {
		fn, c := build()
		zero := 0
		c.SpecDepth = &zero
		d := buildDetector(t, fn, c, nil)
		if leaks := runLeaks(t, d); len(leaks) != 0 {
			t.Errorf("%s: spec depth 0 should report no leaks, got %d", name, len(leaks))
		}
	}
}

func TestMaxTracebackZeroNoV4Leaks(t *testing.T) {
	c := v4Config(t, 1)
	zero := 0
	c.MaxTraceback = &zero
	d := buildDetector(t, s3Func(t), c, nil)
	if leaks := runLeaks(t, d); len(leaks) != 0 {
		t.Fatalf("max traceback 0 should report no v4 leaks, got %d", len(leaks))
	}
}

func TestForcedNoAliasNoLeaks(t *testing.T) {
	// like s3 but the load goes through a second pointer; without aliasing between the two
	// pointers no speculative read can return attacker-controlled data
	build := func() *ir.Func {
		b := ir.NewBuilder("s3alias")
		i64 := ir.IntType(64)
		p := b.Param("p", ir.PointerTo(i64))
		q := b.Param("q", ir.PointerTo(i64))
		arrA := b.Param("A", ir.PointerTo(i64))

		blk := b.Block("entry")
		blk.Store(p, ir.NewConst(1, i64))
		blk.Store(p, ir.NewConst(2, i64))
		ld := blk.Load("ld", q)
		mul := blk.Compute("mul", i64, ld, ir.NewConst(64, i64))
		gep := blk.GEP("gep", arrA, mul)
		blk.Load("t", gep)
		blk.Return()
		return b.MustFinish()
	}

	// with may-alias the bypass is found
	d := buildDetector(t, build(), v4Config(t, 1), nil)
	if leaks := runLeaks(t, d); len(leaks) != 1 {
		t.Fatalf("expected one leak under may-alias, got %d", len(leaks))
	}

	// forced no-alias on distinct values removes every witness
	d2 := buildDetector(t, build(), v4Config(t, 1), ir.NoAliasAll())
	if leaks := runLeaks(t, d2); len(leaks) != 0 {
		t.Fatalf("forced no-alias should report no leaks, got %d", len(leaks))
	}
}

func TestDetectorIdempotent(t *testing.T) {
	fn := s1Func(t, false)
	c := v1Config(t)
	d1 := buildDetector(t, fn, c, nil)
	leaks1 := runLeaks(t, d1)
	d2 := buildDetector(t, fn, c, nil)
	leaks2 := runLeaks(t, d2)
	if len(leaks1) != len(leaks2) {
		t.Fatalf("leak counts differ across runs: %d vs %d", len(leaks1), len(leaks2))
	}
	for i := range leaks1 {
		if leaks1[i].Key() != leaks2[i].Key() {
			t.Errorf("leak %d differs: %s vs %s", i, leaks1[i].Key(), leaks2[i].Key())
		}
	}
}

func TestFastModeStopsAfterFirstLeak(t *testing.T) {
	c := v1Config(t)
	c.FastMode = true
	d := buildDetector(t, s1Func(t, false), c, nil)
	leaks := runLeaks(t, d)
	if len(leaks) != 1 {
		t.Fatalf("fast mode should report the first leak, got %d", len(leaks))
	}
}

func TestSkipOnNoCandidates(t *testing.T) {
	// a function without branches or stores has no speculation of either class
	b := ir.NewBuilder("plain")
	i64 := ir.IntType(64)
	p := b.Param("p", ir.PointerTo(i64))
	blk := b.Block("entry")
	blk.Load("x", p)
	blk.Return()
	fn := b.MustFinish()

	d := buildDetector(t, fn, v1Config(t), nil)
	err := d.Run()
	if err == nil || !IsSkip(err) {
		t.Fatalf("expected a resumable skip, got %v", err)
	}
}
