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
	"errors"
	"time"

	"gvisor.dev/lazyfp/pkg/fpu"
	"gvisor.dev/lazyfp/pkg/log"
	"gvisor.dev/lazyfp/pkg/ring0"
)

// Handler is the FP/SIMD access trap handler, and the scheduler's switch-out
// hook for FP state.
//
// Handler implements ring0.FPHandler.
type Handler struct {
	registry *Registry
	log      log.Logger
}

// HandlerOpts are options for NewHandler.
type HandlerOpts struct {
	// LogInterval is the minimum interval between debug messages for
	// first use and restore events. Zero means one per second.
	LogInterval time.Duration

	// LogBurst is the number of debug messages allowed at once.
	LogBurst int
}

// NewHandler returns a handler backed by r.
func NewHandler(r *Registry, opts HandlerOpts) *Handler {
	if opts.LogInterval == 0 {
		opts.LogInterval = time.Second
	}
	if opts.LogBurst == 0 {
		opts.LogBurst = 8
	}
	return &Handler{
		registry: r,
		log:      log.RateLimitedLogger(log.Log(), opts.LogInterval, opts.LogBurst),
	}
}

// Registry returns the handler's registry.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// fatalf returns a FatalError for c and counts it.
func (h *Handler) fatalf(c *ring0.CPU, format string, v ...any) error {
	fatalErrors.Increment()
	return c.Fatalf(format, v...)
}

// FPAccess implements ring0.FPHandler.FPAccess.
//
// The gate must be Trap: an Enabled gate cannot produce this trap. On return
// without error, the thread's registers are live and the gate is Enabled.
func (h *Handler) FPAccess(c *ring0.CPU, frame *ring0.TrapFrame) error {
	tid, err := ThreadIDFromFrame(frame)
	if err != nil {
		return h.fatalf(c, "FP trap at pc %#x: %w", frame.Pc, err)
	}
	if g := c.Gate(); g != ring0.GateTrap {
		return h.fatalf(c, "thread %d: FP trap with gate %v", tid, g)
	}

	e := h.registry.Lookup(tid)
	if e == nil {
		return h.firstUse(c, tid, frame)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.trapEnabled {
		return h.fatalf(c, "thread %d: FP trap with registers live on CPU %d", tid, e.cpu)
	}

	// The frame's FP area is the staging buffer for the load.
	fp := frame.FPState()
	copy(fp, e.saved)
	c.LoadFloatingPoint(fp)
	e.trapEnabled = false
	e.cpu = c.ID()
	c.SetEnabledMode()

	fpTraps.Increment("restore")
	h.log.Debugf("CPU %d: thread %d: FP state restored", c.ID(), tid)
	return nil
}

// firstUse handles the first FP trap of tid.
//
// The live registers still hold whatever the previous user of this core left
// there, so they are cleared before EL0 is let in.
func (h *Handler) firstUse(c *ring0.CPU, tid ThreadID, frame *ring0.TrapFrame) error {
	e, err := h.registry.CreateOnFirstUse(tid)
	if errors.Is(err, fpu.ErrNoMemory) {
		return err
	} else if err != nil {
		return h.fatalf(c, "FP trap: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fp := frame.FPState()
	fp.Reset()
	c.LoadFloatingPoint(fp)
	e.cpu = c.ID()
	c.SetEnabledMode()

	fpTraps.Increment("first_use")
	h.log.Debugf("CPU %d: thread %d: first FP use", c.ID(), tid)
	return nil
}

// SwitchOut is called by the scheduler on c before tid, the thread running on
// c, is descheduled. If tid's registers are live they are saved into its
// entry. In all cases the gate is left as Trap for the next thread.
//
// tid must not be made runnable elsewhere until SwitchOut returns. Fatal
// errors are reported to the kernel's fault reporter, and returned.
func (h *Handler) SwitchOut(c *ring0.CPU, tid ThreadID) error {
	daif := c.MaskInterrupts()
	defer c.RestoreInterrupts(daif)

	if err := h.switchOut(c, tid, true /* save */); err != nil {
		c.Fatal(err)
		return err
	}
	return nil
}

// ThreadExit is called by the scheduler on c when tid, the thread running on
// c, exits. It is a switch-out that discards the live registers, followed by
// OnThreadDestroyed.
func (h *Handler) ThreadExit(c *ring0.CPU, tid ThreadID) error {
	daif := c.MaskInterrupts()
	defer c.RestoreInterrupts(daif)

	if err := h.switchOut(c, tid, false /* save */); err != nil {
		c.Fatal(err)
		return err
	}
	if err := h.registry.OnThreadDestroyed(tid); err != nil {
		err = h.fatalf(c, "thread exit: %w", err)
		c.Fatal(err)
		return err
	}
	return nil
}

// switchOut checks that the gate and tid's entry agree about who holds the
// live registers, then saves or discards them and re-arms the gate.
//
// Preconditions: interrupts are masked.
func (h *Handler) switchOut(c *ring0.CPU, tid ThreadID, save bool) error {
	g := c.Gate()
	e := h.registry.Lookup(tid)
	switch g {
	case ring0.GateEnabled:
		if e == nil {
			return h.fatalf(c, "thread %d: switch-out with gate enabled and no FP entry", tid)
		}
		if !save {
			return h.discard(c, e)
		}
		if cpu := e.CPU(); cpu != c.ID() {
			return h.fatalf(c, "thread %d: switch-out with gate enabled, registers owned by CPU %d", tid, cpu)
		}
		if err := h.registry.SnapshotOnSwitchOut(tid, c); err != nil {
			return h.fatalf(c, "switch-out: %w", err)
		}
		fpSnapshots.Increment()
		return nil

	case ring0.GateTrap:
		if e != nil {
			e.mu.Lock()
			live, cpu := !e.trapEnabled, e.cpu
			e.mu.Unlock()
			if live {
				return h.fatalf(c, "thread %d: switch-out with gate trapping, registers live on CPU %d", tid, cpu)
			}
		}
		return nil

	default:
		return h.fatalf(c, "thread %d: switch-out with gate %v", tid, g)
	}
}

// discard marks e's live registers as dead and re-arms the gate.
func (h *Handler) discard(c *ring0.CPU, e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trapEnabled || e.cpu != c.ID() {
		return h.fatalf(c, "thread %d: exit with gate enabled, entry %v on CPU %d", e.tid, e.stateLocked(), e.cpu)
	}
	e.trapEnabled = true
	e.cpu = -1
	c.SetTrapMode()
	return nil
}
