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
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/specleak/specleak/analysis/cfg"
)

// WorkerSpawner builds the command running one transmitter in an isolated worker process.
// The worker must write its length-delimited LeakageMsg records to outPath and exit zero.
// In practice this re-executes the current binary with worker flags; workers share no state
// with the parent beyond the serialized results.
type WorkerSpawner func(transmitter cfg.NodeRef, outPath string) *exec.Cmd

// runParallel fans the transmitters out over isolated worker processes, at most max-parallel
// at a time. A worker that exits nonzero is requeued once; a second failure marks the
// transmitter permanently failed.
func (d *Detector) runParallel(transmitters []cfg.NodeRef) error {
	maxParallel := int64(*d.cfg.MaxParallel)
	d.log.Infof("%s: using %d workers for %d transmitters",
		d.a.PO.FuncName, maxParallel, len(transmitters))

	sem := semaphore.NewWeighted(maxParallel)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := make(map[cfg.NodeRef]int)
	pending := append([]cfg.NodeRef{}, transmitters...)
	var wg sync.WaitGroup

	var launch func(t cfg.NodeRef)
	launch = func(t cfg.NodeRef) {
		defer wg.Done()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)

		err := d.runOneWorker(t)
		if err == nil {
			return
		}
		mu.Lock()
		attempts[t]++
		retry := attempts[t] < 2
		if !retry {
			d.failed = append(d.failed, t)
		}
		mu.Unlock()
		if retry {
			d.log.Warnf("worker for transmitter %d failed (%v); restarting once", t, err)
			wg.Add(1)
			go launch(t)
		} else {
			d.log.Errorf("worker for transmitter %d failed twice (%v); giving up", t, err)
		}
	}

	for _, t := range pending {
		wg.Add(1)
		go launch(t)
	}
	wg.Wait()
	return nil
}

// runOneWorker spawns one worker process, waits for it, and ingests its result records.
// The worker writes to a temp file which the parent reads back after a successful exit.
func (d *Detector) runOneWorker(t cfg.NodeRef) error {
	tmp, err := os.CreateTemp("", "specleak-lkg-*")
	if err != nil {
		return fmt.Errorf("could not create worker temp file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	cmd := d.spawn(t, path)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("worker process: %w", err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read worker results: %w", err)
	}
	msgs, err := ReadAllDelimited(buf)
	if err != nil {
		return fmt.Errorf("could not parse worker results: %w", err)
	}

	var leaks []Leakage
	for _, m := range msgs {
		leaks = append(leaks, msgToLeak(m))
	}
	d.ingest(leaks)
	return nil
}

// ingest serializes incorporation of worker results into the parent's leak list.
func (d *Detector) ingest(leaks []Leakage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, leak := range leaks {
		d.leaks = append(d.leaks, leak)
		d.seenTransmitters[d.a.Lookup(leak.Transmitter).Instr] = true
	}
}

// FailedTransmitters returns the transmitters whose workers crashed twice.
func (d *Detector) FailedTransmitters() []cfg.NodeRef {
	return d.failed
}
