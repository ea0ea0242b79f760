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

package ring0

import (
	"fmt"

	"gvisor.dev/lazyfp/pkg/fpu"
	"gvisor.dev/lazyfp/pkg/log"
)

// New creates a new kernel.
func New(opts KernelOpts) *Kernel {
	k := new(Kernel)
	k.init(opts)
	return k
}

// init initializes kernel state.
func (k *Kernel) init(opts KernelOpts) {
	k.reporter = opts.Reporter
	if k.reporter == nil {
		k.reporter = haltReporter{}
	}
}

// NewCPU creates a new CPU associated with this Kernel.
func (k *Kernel) NewCPU(id int, hw Hardware, hooks Hooks) *CPU {
	c := new(CPU)
	c.Init(k, id, hw, hooks)
	return c
}

// Init allows the initialization of a CPU from a kernel without allocation.
// The same constraints as NewCPU apply.
//
// Init allows embedding in other objects.
func (c *CPU) Init(k *Kernel, id int, hw Hardware, hooks Hooks) {
	c.self = c   // Set self reference.
	c.kernel = k // Set kernel reference.
	c.id = id
	c.hw = hw
	c.hooks = hooks
	c.init()

	// Defaults.
	if c.hooks.FP == nil {
		c.hooks.FP = defaultHooks{}
	}
	if c.hooks.General == nil {
		c.hooks.General = defaultHooks{}
	}
}

// init performs architectural init.
//
// A CPU comes up with EL0 FP/SIMD access trapping: no thread owns the live
// registers yet.
func (c *CPU) init() {
	c.ClearErrorCode()
	c.SetTrapMode()
}

// Halt halts execution.
//
// There is no way to stop a core from Go, so this panics; the panic unwinds
// to whatever drives the core.
func Halt(c *CPU, err error) {
	panic(fmt.Sprintf("ring0: CPU %d halted: %v", c.id, err))
}

// Fatal reports a fatal internal error to the fault reporter.
func (c *CPU) Fatal(err error) {
	c.kernel.reporter.Fatal(c, err)
}

// haltReporter is the default fault reporter.
type haltReporter struct{}

// Fatal implements FaultReporter.Fatal.
func (haltReporter) Fatal(c *CPU, err error) {
	log.Warningf("CPU %d: fatal: %v", c.id, err)
	Halt(c, err)
}

// defaultHooks halt on any exception.
type defaultHooks struct{}

// FPAccess implements FPHandler.FPAccess.
func (defaultHooks) FPAccess(c *CPU, frame *TrapFrame) error {
	Halt(c, fmt.Errorf("no FP handler for pc %#x", frame.Pc))
	return nil
}

// Exception implements ExceptionHandler.Exception.
func (defaultHooks) Exception(c *CPU, frame *TrapFrame, esr Syndrome) error {
	Halt(c, fmt.Errorf("no exception handler for %v at pc %#x", esr, frame.Pc))
	return nil
}

// SaveFloatingPoint saves the live FP/SIMD registers into s.
//
//go:nosplit
func (c *CPU) SaveFloatingPoint(s fpu.State) {
	c.hw.SaveFloatingPoint(s)
}

// LoadFloatingPoint loads the live FP/SIMD registers from s.
//
//go:nosplit
func (c *CPU) LoadFloatingPoint(s fpu.State) {
	c.hw.LoadFloatingPoint(s)
}

// MaskInterrupts masks interrupts on this CPU, returning the previous mask.
//
//go:nosplit
func (c *CPU) MaskInterrupts() uint64 {
	return c.hw.MaskInterrupts()
}

// RestoreInterrupts restores a mask returned by MaskInterrupts.
//
//go:nosplit
func (c *CPU) RestoreInterrupts(daif uint64) {
	c.hw.RestoreInterrupts(daif)
}
