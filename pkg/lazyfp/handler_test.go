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

package lazyfp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/lazyfp/pkg/emu"
	"gvisor.dev/lazyfp/pkg/fpu"
	"gvisor.dev/lazyfp/pkg/ring0"
)

// recordingReporter records fatal errors instead of halting.
type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Fatal(c *ring0.CPU, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// svcHandler accepts every non-FP exception.
type svcHandler struct{}

func (svcHandler) Exception(*ring0.CPU, *ring0.TrapFrame, ring0.Syndrome) error {
	return nil
}

type harness struct {
	machine  *emu.Machine
	handler  *Handler
	registry *Registry
	pool     *fpu.Pool
	reporter *recordingReporter
}

func newHarness(t *testing.T, cores, banks int) *harness {
	t.Helper()
	pool := fpu.NewPool(banks)
	registry := NewRegistry(pool)
	handler := NewHandler(registry, HandlerOpts{})
	reporter := &recordingReporter{}
	k := ring0.New(ring0.KernelOpts{Reporter: reporter})
	m, err := emu.NewMachine(k, cores, ring0.Hooks{FP: handler, General: svcHandler{}})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	return &harness{
		machine:  m,
		handler:  handler,
		registry: registry,
		pool:     pool,
		reporter: reporter,
	}
}

// schedule puts tid on core i.
func (h *harness) schedule(i int, tid ThreadID) *emu.Core {
	c := h.machine.Core(i)
	c.SwitchContext(emu.Context{Tpidr: uint64(tid)})
	return c
}

// fill sets every FP/SIMD register to a value derived from seed.
func fill(seed uint64) func(fpu.State) {
	return func(s fpu.State) {
		for i := 0; i < fpu.NumVregs; i++ {
			s.SetVregUint64(i, seed+uint64(i), ^(seed + uint64(i)))
		}
		s.SetFPSR(uint32(seed))
		s.SetFPCR(uint32(seed >> 8))
	}
}

// read copies the live registers into dst.
func read(dst *fpu.State) func(fpu.State) {
	return func(s fpu.State) {
		*dst = s.Fork()
	}
}

func filled(seed uint64) fpu.State {
	s := fpu.NewState()
	fill(seed)(s)
	return s
}

func TestThreadWithoutFP(t *testing.T) {
	h := newHarness(t, 1, 0)
	c := h.schedule(0, 1)

	for i := 0; i < 10; i++ {
		if err := c.Svc(0); err != nil {
			t.Fatalf("Svc failed: %v", err)
		}
		if got := c.Gate(); got != ring0.GateTrap {
			t.Fatalf("gate after svc = %v, want %v", got, ring0.GateTrap)
		}
	}
	if err := h.handler.SwitchOut(&c.CPU, 1); err != nil {
		t.Fatalf("SwitchOut failed: %v", err)
	}
	if err := h.handler.ThreadExit(&c.CPU, 1); err != nil {
		t.Fatalf("ThreadExit failed: %v", err)
	}

	if got := h.registry.Len(); got != 0 {
		t.Errorf("registry has %d entries, want 0", got)
	}
	if got := h.registry.State(1); got != NeverUsed {
		t.Errorf("state = %v, want %v", got, NeverUsed)
	}
	if got := c.Stats().Traps; got != 0 {
		t.Errorf("traps = %d, want 0", got)
	}
}

func TestFirstUse(t *testing.T) {
	h := newHarness(t, 1, 0)
	c := h.schedule(0, 7)
	before := fpTraps.Value("first_use")

	if err := c.ExecFP(fill(100)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if got := c.Stats().Traps; got != 1 {
		t.Errorf("traps = %d, want 1", got)
	}
	if got := c.Gate(); got != ring0.GateEnabled {
		t.Errorf("gate = %v, want %v", got, ring0.GateEnabled)
	}
	e := h.registry.Lookup(7)
	if e == nil {
		t.Fatalf("no entry after first use")
	}
	if got, want := e.State(), Enabled; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
	if got := e.CPU(); got != 0 {
		t.Errorf("owner = %d, want 0", got)
	}

	// The instruction now runs natively.
	if err := c.ExecFP(fill(200)); err != nil {
		t.Fatalf("second ExecFP failed: %v", err)
	}
	if got := c.Stats().Traps; got != 1 {
		t.Errorf("traps after second instruction = %d, want 1", got)
	}
	if got := c.Stats().Retired; got != 2 {
		t.Errorf("retired = %d, want 2", got)
	}
	if got := fpTraps.Value("first_use") - before; got != 1 {
		t.Errorf("first_use metric delta = %d, want 1", got)
	}
}

func TestFirstUseClearsPreviousOwner(t *testing.T) {
	h := newHarness(t, 1, 0)
	c := h.schedule(0, 1)
	if err := c.ExecFP(fill(0xdead)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if err := h.handler.SwitchOut(&c.CPU, 1); err != nil {
		t.Fatalf("SwitchOut failed: %v", err)
	}

	h.schedule(0, 2)
	var got fpu.State
	if err := c.ExecFP(read(&got)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if !got.Equal(fpu.NewState()) {
		t.Errorf("first use of thread 2 observed thread 1's registers: v0 = %#x", got.Vreg(0))
	}
}

func TestSnapshotRearmsGate(t *testing.T) {
	h := newHarness(t, 1, 0)
	c := h.schedule(0, 1)
	if err := c.ExecFP(fill(0x5a5a)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}

	// Snapshot through the registry directly, without the handler.
	daif := c.MaskInterrupts()
	err := h.registry.SnapshotOnSwitchOut(1, &c.CPU)
	c.RestoreInterrupts(daif)
	if err != nil {
		t.Fatalf("SnapshotOnSwitchOut failed: %v", err)
	}
	if got := c.Gate(); got != ring0.GateTrap {
		t.Fatalf("gate after snapshot = %v, want %v", got, ring0.GateTrap)
	}

	// The next thread traps rather than reading thread 1's registers.
	h.schedule(0, 2)
	var got fpu.State
	if err := c.ExecFP(read(&got)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if got := c.Stats().Traps; got != 2 {
		t.Errorf("traps = %d, want 2", got)
	}
	if !got.Equal(fpu.NewState()) {
		t.Errorf("thread 2 observed thread 1's registers: v0 = %#x", got.Vreg(0))
	}
}

func TestSwitchOutAndRestore(t *testing.T) {
	h := newHarness(t, 2, 0)
	restores := fpTraps.Value("restore")
	snapshots := fpSnapshots.Value()

	c0 := h.schedule(0, 1)
	if err := c0.ExecFP(fill(0x1111)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	live := c0.Live()
	if err := h.handler.SwitchOut(&c0.CPU, 1); err != nil {
		t.Fatalf("SwitchOut failed: %v", err)
	}
	if got := c0.Gate(); got != ring0.GateTrap {
		t.Errorf("gate after switch-out = %v, want %v", got, ring0.GateTrap)
	}
	e := h.registry.Lookup(1)
	if got := e.State(); got != SavedAndTrapped {
		t.Errorf("state after switch-out = %v, want %v", got, SavedAndTrapped)
	}
	if diff := cmp.Diff(live, e.Saved()); diff != "" {
		t.Errorf("snapshot mismatch (-live +saved):\n%s", diff)
	}

	// Another thread dirties core 0.
	h.schedule(0, 2)
	if err := c0.ExecFP(fill(0x2222)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if err := h.handler.SwitchOut(&c0.CPU, 2); err != nil {
		t.Fatalf("SwitchOut failed: %v", err)
	}

	// Thread 1 resumes on the other core.
	c1 := h.schedule(1, 1)
	var got fpu.State
	if err := c1.ExecFP(read(&got)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if diff := cmp.Diff(filled(0x1111), got); diff != "" {
		t.Errorf("restored registers mismatch (-want +got):\n%s", diff)
	}
	if got := c1.Stats().Traps; got != 1 {
		t.Errorf("traps on core 1 = %d, want 1", got)
	}
	if got := e.CPU(); got != 1 {
		t.Errorf("owner = %d, want 1", got)
	}
	if got := fpTraps.Value("restore") - restores; got != 1 {
		t.Errorf("restore metric delta = %d, want 1", got)
	}
	if got := fpSnapshots.Value() - snapshots; got != 2 {
		t.Errorf("snapshot metric delta = %d, want 2", got)
	}
}

func TestRoundTripIsBitExact(t *testing.T) {
	h := newHarness(t, 1, 0)
	c := h.schedule(0, 3)

	want := fpu.NewState()
	for i := 0; i < fpu.NumVregs; i++ {
		var v [fpu.VregSize]byte
		for j := range v {
			v[j] = byte(i*fpu.VregSize + j)
		}
		want.SetVreg(i, v)
	}
	want.SetFPSR(0xf800009f)
	want.SetFPCR(0x07c09f00)

	if err := c.ExecFP(func(s fpu.State) { copy(s, want) }); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.handler.SwitchOut(&c.CPU, 3); err != nil {
			t.Fatalf("SwitchOut failed: %v", err)
		}
		var got fpu.State
		if err := c.ExecFP(read(&got)); err != nil {
			t.Fatalf("ExecFP failed: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("round trip %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestConcurrentCores(t *testing.T) {
	const (
		cores      = 4
		iterations = 500
	)
	h := newHarness(t, cores, 0)

	err := h.machine.Parallel(context.Background(), func(ctx context.Context, c *emu.Core) error {
		tid := ThreadID(c.ID() + 1)
		c.SwitchContext(emu.Context{Tpidr: uint64(tid)})
		for i := 0; i < iterations; i++ {
			if err := c.ExecFP(func(s fpu.State) {
				lo, hi := s.VregUint64(0)
				s.SetVregUint64(0, lo+uint64(tid), hi)
			}); err != nil {
				return err
			}
			if i%10 == 9 {
				if err := h.handler.SwitchOut(&c.CPU, tid); err != nil {
					return err
				}
			}
		}
		var got fpu.State
		if err := c.ExecFP(read(&got)); err != nil {
			return err
		}
		if lo, _ := got.VregUint64(0); lo != iterations*uint64(tid) {
			t.Errorf("thread %d: v0 = %d, want %d", tid, lo, iterations*uint64(tid))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Parallel failed: %v", err)
	}
	if got := h.registry.Len(); got != cores {
		t.Errorf("registry has %d entries, want %d", got, cores)
	}
	if got := h.reporter.count(); got != 0 {
		t.Errorf("reporter got %d fatal errors", got)
	}
}

func TestAllocationFailure(t *testing.T) {
	h := newHarness(t, 1, 1)
	c := h.schedule(0, 1)
	if err := c.ExecFP(fill(1)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if err := h.handler.SwitchOut(&c.CPU, 1); err != nil {
		t.Fatalf("SwitchOut failed: %v", err)
	}

	h.schedule(0, 2)
	err := c.ExecFP(fill(2))
	if !errors.Is(err, fpu.ErrNoMemory) {
		t.Fatalf("ExecFP got %v, want %v", err, fpu.ErrNoMemory)
	}
	if !strings.Contains(err.Error(), "all 1 banks in use") {
		t.Errorf("ExecFP error %q does not name the bank limit", err)
	}
	var fatal *ring0.FatalError
	if errors.As(err, &fatal) {
		t.Errorf("allocation failure reported as fatal: %v", err)
	}
	if got := h.reporter.count(); got != 0 {
		t.Errorf("reporter got %d errors, want 0", got)
	}
	if got := c.Gate(); got != ring0.GateTrap {
		t.Errorf("gate = %v, want %v", got, ring0.GateTrap)
	}
	if h.registry.Lookup(2) != nil {
		t.Errorf("entry created despite allocation failure")
	}

	// Releasing thread 1's bank makes room.
	if err := h.handler.ThreadExit(&c.CPU, 2); err != nil {
		t.Fatalf("ThreadExit(2) failed: %v", err)
	}
	if err := h.registry.OnThreadDestroyed(1); err != nil {
		t.Fatalf("OnThreadDestroyed(1) failed: %v", err)
	}
	if err := c.ExecFP(fill(2)); err != nil {
		t.Errorf("ExecFP after release failed: %v", err)
	}
}

func TestThreadExit(t *testing.T) {
	h := newHarness(t, 1, 0)
	destroyed := fpDestroyed.Value()

	// Exit while live.
	c := h.schedule(0, 1)
	if err := c.ExecFP(fill(1)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if err := h.registry.OnThreadDestroyed(1); !errors.Is(err, ErrThreadLive) {
		t.Errorf("destroying live thread got %v, want %v", err, ErrThreadLive)
	}
	if err := h.handler.ThreadExit(&c.CPU, 1); err != nil {
		t.Fatalf("ThreadExit failed: %v", err)
	}
	if got := c.Gate(); got != ring0.GateTrap {
		t.Errorf("gate after exit = %v, want %v", got, ring0.GateTrap)
	}

	// Exit while saved.
	h.schedule(0, 2)
	if err := c.ExecFP(fill(2)); err != nil {
		t.Fatalf("ExecFP failed: %v", err)
	}
	if err := h.handler.SwitchOut(&c.CPU, 2); err != nil {
		t.Fatalf("SwitchOut failed: %v", err)
	}
	if err := h.handler.ThreadExit(&c.CPU, 2); err != nil {
		t.Fatalf("ThreadExit failed: %v", err)
	}

	if got := h.registry.Len(); got != 0 {
		t.Errorf("registry has %d entries, want 0", got)
	}
	if got := h.pool.InUse(); got != 0 {
		t.Errorf("pool has %d banks in use, want 0", got)
	}
	if got := fpDestroyed.Value() - destroyed; got != 2 {
		t.Errorf("destroyed metric delta = %d, want 2", got)
	}
}

func TestFatal(t *testing.T) {
	for _, tc := range []struct {
		name string
		run  func(h *harness) error
		want error
	}{
		{
			name: "no identity",
			run: func(h *harness) error {
				return h.schedule(0, 0).ExecFP(fill(1))
			},
			want: ErrNoIdentity,
		},
		{
			name: "trap while live elsewhere",
			run: func(h *harness) error {
				if err := h.schedule(0, 1).ExecFP(fill(1)); err != nil {
					return err
				}
				return h.schedule(1, 1).ExecFP(fill(1))
			},
		},
		{
			name: "switch-out with gate enabled and no entry",
			run: func(h *harness) error {
				c := h.schedule(0, 5)
				c.SetEnabledMode()
				return h.handler.SwitchOut(&c.CPU, 5)
			},
		},
		{
			name: "switch-out with gate trapping and live entry",
			run: func(h *harness) error {
				c := h.schedule(0, 1)
				if err := c.ExecFP(fill(1)); err != nil {
					return err
				}
				c.SetTrapMode()
				return h.handler.SwitchOut(&c.CPU, 1)
			},
		},
		{
			name: "switch-out of a thread live on another core",
			run: func(h *harness) error {
				if err := h.schedule(0, 1).ExecFP(fill(1)); err != nil {
					return err
				}
				if err := h.schedule(1, 2).ExecFP(fill(2)); err != nil {
					return err
				}
				return h.handler.SwitchOut(&h.machine.Core(1).CPU, 1)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 2, 0)
			fatals := fatalErrors.Value()

			err := tc.run(h)
			var fatal *ring0.FatalError
			if !errors.As(err, &fatal) {
				t.Fatalf("got %v, want a *ring0.FatalError", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
			if got := h.reporter.count(); got != 1 {
				t.Errorf("reporter got %d errors, want 1", got)
			}
			if got := fatalErrors.Value() - fatals; got != 1 {
				t.Errorf("fatal metric delta = %d, want 1", got)
			}
		})
	}
}

func TestTrapWithGateEnabled(t *testing.T) {
	h := newHarness(t, 1, 0)
	c := h.schedule(0, 1)
	c.SetEnabledMode()

	frame := ring0.TrapFrame{Tpidr: 1}
	err := h.handler.FPAccess(&c.CPU, &frame)
	var fatal *ring0.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("got %v, want a *ring0.FatalError", err)
	}
	if h.registry.Len() != 0 {
		t.Errorf("entry created on an inconsistent trap")
	}
}
