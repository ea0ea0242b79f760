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

// Package emu provides software arm64 cores for ring0.
//
// A Core models the privileged state that the lazy FP protocol depends on:
// cpacr_el1, DAIF and the live FP/SIMD register file. EL0 instructions are
// modelled at the granularity of "an FP/SIMD instruction" and "an svc",
// which is all the trap path distinguishes.
//
// Each Core must be driven by a single goroutine at a time, just as a
// physical core runs one instruction stream.
package emu

import (
	"errors"
	"fmt"

	"gvisor.dev/lazyfp/pkg/fpu"
	"gvisor.dev/lazyfp/pkg/ring0"
)

// DAIF bits.
const (
	_PSR_F_BIT = 1 << 6
	_PSR_I_BIT = 1 << 7
	_PSR_A_BIT = 1 << 8
	_PSR_D_BIT = 1 << 9

	_PSR_DAIF_MASK = _PSR_D_BIT | _PSR_A_BIT | _PSR_I_BIT | _PSR_F_BIT
)

// cpacr_el1.FPEN.
const (
	_CPACR_FPEN_SHIFT = 20
	_CPACR_FPEN_MASK  = 0x3
)

// ErrRefault is returned when an FP/SIMD instruction traps again after its
// trap was handled.
var ErrRefault = errors.New("FP/SIMD instruction faulted again after the trap was handled")

// Context is the EL0 integer context of a thread.
type Context struct {
	Regs  [31]uint64
	Sp    uint64
	Pc    uint64
	Tpidr uint64
}

// Stats are per-core counters.
type Stats struct {
	// Traps is the number of FP/SIMD access traps taken.
	Traps uint64

	// Exceptions is the number of other synchronous exceptions taken.
	Exceptions uint64

	// GateWrites is the number of cpacr_el1 writes.
	GateWrites uint64

	// Retired is the number of EL0 FP/SIMD instructions completed.
	Retired uint64
}

// regfile is the privileged register file of one core. It implements
// ring0.Hardware.
type regfile struct {
	cpacr uint64
	daif  uint64

	// fp is the live FP/SIMD register file.
	fp fpu.State

	stats *Stats
}

// fpen returns cpacr_el1.FPEN.
func (r *regfile) fpen() uint64 {
	return (r.cpacr >> _CPACR_FPEN_SHIFT) & _CPACR_FPEN_MASK
}

// el0FP returns true if EL0 may execute FP/SIMD instructions.
func (r *regfile) el0FP() bool {
	return r.fpen() == uint64(ring0.GateEnabled)
}

// el1FP returns true if EL1 may execute FP/SIMD instructions.
func (r *regfile) el1FP() bool {
	fpen := r.fpen()
	return fpen == uint64(ring0.GateEnabled) || fpen == uint64(ring0.GateTrap)
}

// ReadCPACR implements ring0.Hardware.ReadCPACR.
func (r *regfile) ReadCPACR() uint64 {
	return r.cpacr
}

// WriteCPACR implements ring0.Hardware.WriteCPACR.
func (r *regfile) WriteCPACR(v uint64) {
	r.stats.GateWrites++
	r.cpacr = v
}

// ISB implements ring0.Hardware.ISB.
func (r *regfile) ISB() {}

// MaskInterrupts implements ring0.Hardware.MaskInterrupts.
func (r *regfile) MaskInterrupts() uint64 {
	old := r.daif
	r.daif |= _PSR_DAIF_MASK
	return old
}

// RestoreInterrupts implements ring0.Hardware.RestoreInterrupts.
func (r *regfile) RestoreInterrupts(daif uint64) {
	r.daif = daif & _PSR_DAIF_MASK
}

// InterruptsMasked implements ring0.Hardware.InterruptsMasked.
func (r *regfile) InterruptsMasked() bool {
	return r.daif&_PSR_I_BIT != 0
}

// checkEL1FP panics if an EL1 FP/SIMD access would trap or could be
// preempted. Either would corrupt a thread's registers on real hardware.
func (r *regfile) checkEL1FP(op string) {
	if !r.el1FP() {
		panic(fmt.Sprintf("%s at EL1 with FPEN=%#b", op, r.fpen()))
	}
	if !r.InterruptsMasked() {
		panic(fmt.Sprintf("%s at EL1 with interrupts enabled", op))
	}
}

// SaveFloatingPoint implements ring0.Hardware.SaveFloatingPoint.
func (r *regfile) SaveFloatingPoint(s fpu.State) {
	r.checkEL1FP("fpsimd_save")
	copy(s, r.fp)
}

// LoadFloatingPoint implements ring0.Hardware.LoadFloatingPoint.
func (r *regfile) LoadFloatingPoint(s fpu.State) {
	r.checkEL1FP("fpsimd_load")
	copy(r.fp, s)
}

// Core is a software core.
type Core struct {
	// CPU is the kernel CPU data.
	ring0.CPU

	// id is the core number.
	id int

	// regs are the privileged registers.
	regs regfile

	// ctx is the EL0 context currently loaded.
	ctx Context

	// stats are informational counters.
	stats Stats

	// machine is the machine this core belongs to.
	machine *Machine
}

// newCore returns a core with EL0 FP/SIMD access trapping.
func newCore(m *Machine, id int, hooks ring0.Hooks) *Core {
	c := &Core{
		id:      id,
		machine: m,
	}
	c.regs.fp = fpu.NewState()
	c.regs.stats = &c.stats
	c.CPU.Init(m.kernel, id, &c.regs, hooks)
	return c
}

// Stats returns a copy of the core's counters.
func (c *Core) Stats() Stats {
	return c.stats
}

// Context returns the EL0 context currently loaded.
func (c *Core) Context() Context {
	return c.ctx
}

// SwitchContext loads ctx as the EL0 context and returns the previous one.
//
// This is the integer half of a context switch only. The FP/SIMD registers
// are left alone: ownership of those is tracked by the FP trap handler.
func (c *Core) SwitchContext(ctx Context) Context {
	old := c.ctx
	c.ctx = ctx
	return old
}

// Live returns a copy of the live FP/SIMD register file.
func (c *Core) Live() fpu.State {
	return c.regs.fp.Fork()
}

// entry builds the trap frame the way the exception vector does: general
// registers only. The FP area is left zero for the handler.
func (c *Core) entry(esr ring0.Syndrome) error {
	frame := ring0.TrapFrame{
		Regs:  c.ctx.Regs,
		Sp:    c.ctx.Sp,
		Pc:    c.ctx.Pc,
		Tpidr: c.ctx.Tpidr,
	}
	err := c.Dispatch(&frame, esr)
	c.ctx.Regs = frame.Regs
	return err
}

// ExecFP executes one EL0 FP/SIMD instruction, modelled by op, which may read
// and modify the live register file.
//
// If EL0 access traps, the exception is taken and dispatched, and the
// instruction is retried once.
func (c *Core) ExecFP(op func(fpu.State)) error {
	for retried := false; ; retried = true {
		if c.regs.el0FP() {
			op(c.regs.fp)
			c.ctx.Pc += 4
			c.stats.Retired++
			return nil
		}
		if retried {
			return fmt.Errorf("core %d, pc %#x: %w", c.id, c.ctx.Pc, ErrRefault)
		}
		c.stats.Traps++
		if err := c.entry(ring0.FPAccessSyndrome()); err != nil {
			return err
		}
	}
}

// Svc executes an EL0 supervisor call.
func (c *Core) Svc(imm uint16) error {
	c.stats.Exceptions++
	// elr_el1 is the instruction after the svc.
	c.ctx.Pc += 4
	return c.entry(ring0.NewSyndrome(ring0.ECSVC64, uint64(imm)))
}
