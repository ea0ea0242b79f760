// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gvisor.dev/lazyfp/pkg/emu"
	"gvisor.dev/lazyfp/pkg/fpu"
	"gvisor.dev/lazyfp/pkg/lazyfp"
	"gvisor.dev/lazyfp/pkg/ring0"
)

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Fatal(c *ring0.CPU, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

type testMachine struct {
	sched    *Scheduler
	machine  *emu.Machine
	registry *lazyfp.Registry
	pool     *fpu.Pool
	reporter *recordingReporter
}

func newTestMachine(t *testing.T, cores, banks int, opts Opts) *testMachine {
	t.Helper()
	pool := fpu.NewPool(banks)
	registry := lazyfp.NewRegistry(pool)
	handler := lazyfp.NewHandler(registry, lazyfp.HandlerOpts{})
	reporter := &recordingReporter{}
	k := ring0.New(ring0.KernelOpts{Reporter: reporter})
	m, err := emu.NewMachine(k, cores, ring0.Hooks{FP: handler, General: Exceptions{}})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	return &testMachine{
		sched:    New(m, handler, opts),
		machine:  m,
		registry: registry,
		pool:     pool,
		reporter: reporter,
	}
}

func (tm *testMachine) add(t *testing.T, p Program) lazyfp.ThreadID {
	t.Helper()
	tid, err := tm.sched.Add(p)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	return tid
}

func TestRunMixedWorkload(t *testing.T) {
	tm := newTestMachine(t, 3, 0, Opts{Quantum: 5})
	usesFP := map[lazyfp.ThreadID]bool{}
	for i := 0; i < 9; i++ {
		if i%3 == 2 {
			usesFP[tm.add(t, &IntegerOnly{Steps: 50})] = false
			continue
		}
		// All threads share v0, so any leak shows up in the sums.
		tid := tm.add(t, &FPCounter{Steps: 200, Seed: uint64(i+1) << 16, Syscall: 7})
		usesFP[tid] = true
	}

	if err := tm.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, r := range tm.sched.Reports() {
		if r.Err != nil || r.State != Dead {
			t.Errorf("thread %d: state %v, err %v", r.ID, r.State, r.Err)
		}
		if usesFP[r.ID] && r.Traps == 0 {
			t.Errorf("thread %d used FP without trapping", r.ID)
		}
		if !usesFP[r.ID] && r.Traps != 0 {
			t.Errorf("integer thread %d took %d FP traps", r.ID, r.Traps)
		}
	}
	if got := tm.registry.Len(); got != 0 {
		t.Errorf("registry has %d entries after all threads exited", got)
	}
	if got := tm.pool.InUse(); got != 0 {
		t.Errorf("pool has %d banks in use after all threads exited", got)
	}
	for i := 0; i < tm.machine.NumCores(); i++ {
		if got := tm.machine.Core(i).Gate(); got != ring0.GateTrap {
			t.Errorf("core %d gate = %v, want %v", i, got, ring0.GateTrap)
		}
	}
}

func TestMigration(t *testing.T) {
	tm := newTestMachine(t, 2, 0, Opts{Quantum: 4})
	tid := tm.add(t, &FPCounter{Steps: 10, Seed: 3})

	// Core 0, core 1, core 0.
	for _, core := range []int{0, 1, 0} {
		th := <-tm.sched.runq
		if err := tm.sched.runSlice(tm.machine.Core(core), th); err != nil {
			t.Fatalf("runSlice on core %d failed: %v", core, err)
		}
	}

	want := []Report{{
		ID:         tid,
		State:      Dead,
		Slices:     3,
		Cores:      2,
		Migrations: 2,
		Traps:      3, // First use, then a restore per slice.
	}}
	if diff := cmp.Diff(want, tm.sched.Reports()); diff != "" {
		t.Errorf("reports mismatch (-want +got):\n%s", diff)
	}
	select {
	case <-tm.sched.idle:
	default:
		t.Errorf("scheduler not idle after the last thread exited")
	}
}

func TestAddLimit(t *testing.T) {
	tm := newTestMachine(t, 1, 0, Opts{MaxThreads: 2})
	var ids []lazyfp.ThreadID
	for i := 0; i < 2; i++ {
		ids = append(ids, tm.add(t, &IntegerOnly{}))
	}
	if diff := cmp.Diff([]lazyfp.ThreadID{1, 2}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if _, err := tm.sched.Add(&IntegerOnly{}); !errors.Is(err, ErrTooManyThreads) {
		t.Errorf("Add over limit got %v, want %v", err, ErrTooManyThreads)
	}
}

// spinner never finishes.
type spinner struct{}

func (spinner) Step(c *emu.Core) (bool, error) {
	return false, c.ExecFP(func(fpu.State) {})
}

func TestRunCancelled(t *testing.T) {
	tm := newTestMachine(t, 2, 0, Opts{Quantum: 3})
	tm.add(t, spinner{})
	tm.add(t, spinner{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tm.sched.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run got %v, want %v", err, context.DeadlineExceeded)
	}
}

// rogue enables the gate behind the FP handler's back.
type rogue struct{}

func (rogue) Step(c *emu.Core) (bool, error) {
	c.SetEnabledMode()
	return false, nil
}

func TestFatalStopsRun(t *testing.T) {
	tm := newTestMachine(t, 2, 0, Opts{Quantum: 2})
	tm.add(t, spinner{})
	tid := tm.add(t, rogue{})

	err := tm.sched.Run(context.Background())
	var fatal *ring0.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Run got %v, want a *ring0.FatalError", err)
	}
	if len(tm.reporter.errs) != 1 {
		t.Errorf("reporter got %d errors, want 1", len(tm.reporter.errs))
	}
	if r := tm.sched.Reports()[tid-1]; !errors.As(r.Err, &fatal) {
		t.Errorf("thread %d err = %v, want a *ring0.FatalError", tid, r.Err)
	}
}

// aborter takes a data abort on its first step.
type aborter struct{}

func (aborter) Step(c *emu.Core) (bool, error) {
	frame := ring0.TrapFrame{Tpidr: c.Context().Tpidr, Far: 0xdead0000}
	return false, c.Dispatch(&frame, ring0.NewSyndrome(ring0.ECDAbtLow, 0))
}

func TestUnhandledExceptionKillsThread(t *testing.T) {
	tm := newTestMachine(t, 1, 0, Opts{Quantum: 4})
	bad := tm.add(t, aborter{})
	good := tm.add(t, &FPCounter{Steps: 20, Seed: 1})
	other := exceptions.Value("other")

	if err := tm.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	reports := tm.sched.Reports()
	if r := reports[bad-1]; r.Err == nil || r.State != Dead {
		t.Errorf("aborting thread: state %v, err %v", r.State, r.Err)
	} else if !strings.Contains(r.Err.Error(), "far 0xdead0000") {
		t.Errorf("aborting thread err = %v, want fault address", r.Err)
	}
	if r := reports[good-1]; r.Err != nil {
		t.Errorf("FP thread failed: %v", r.Err)
	}
	if got := exceptions.Value("other") - other; got != 1 {
		t.Errorf("other exceptions delta = %d, want 1", got)
	}
}

func TestAllocationFailureKillsThread(t *testing.T) {
	tm := newTestMachine(t, 1, 1, Opts{Quantum: 1})
	first := tm.add(t, &FPCounter{Steps: 10, Seed: 5})
	second := tm.add(t, &FPCounter{Steps: 10, Seed: 7})

	if err := tm.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	reports := tm.sched.Reports()
	if r := reports[first-1]; r.Err != nil {
		t.Errorf("thread %d failed: %v", first, r.Err)
	}
	if r := reports[second-1]; !errors.Is(r.Err, fpu.ErrNoMemory) {
		t.Errorf("thread %d err = %v, want %v", second, r.Err, fpu.ErrNoMemory)
	}
	if len(tm.reporter.errs) != 0 {
		t.Errorf("allocation failure escalated: %v", tm.reporter.errs)
	}
}

func TestCorruptionDetected(t *testing.T) {
	tm := newTestMachine(t, 1, 0, Opts{Quantum: 100})
	p := &FPCounter{Steps: 3, Seed: 2}
	tid := tm.add(t, p)
	th := <-tm.sched.runq

	// Run the counter, then scribble on its live registers.
	c := tm.machine.Core(0)
	c.SwitchContext(th.ctx)
	for i := 0; i < 3; i++ {
		if _, err := p.Step(c); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if err := c.ExecFP(func(s fpu.State) { s.SetVregUint64(0, 1, 1) }); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	_, err := p.Step(c)
	if !errors.Is(err, ErrCorrupted) {
		t.Errorf("thread %d: got %v, want %v", tid, err, ErrCorrupted)
	}
}

func TestStateString(t *testing.T) {
	got := []string{Ready.String(), Running.String(), Dead.String()}
	if diff := cmp.Diff([]string{"ready", "running", "dead"}, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("String mismatch (-want +got):\n%s", diff)
	}
}
