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

// Kernel is a global kernel object.
//
// This contains global state, shared by multiple CPUs.
type Kernel struct {
	// reporter receives fatal internal errors.
	reporter FaultReporter
}

// KernelOpts has initialization options for the kernel.
type KernelOpts struct {
	// Reporter receives fatal internal errors. If nil, fatal errors halt.
	Reporter FaultReporter
}

// FaultReporter is the kernel's fault-reporting collaborator.
//
// Fatal is called with a *FatalError when an internal invariant is found to
// be broken. The reporter decides whether to halt the core or terminate the
// offending thread; ring0 never attempts repair.
type FaultReporter interface {
	Fatal(c *CPU, err error)
}

// ExceptionHandler handles synchronous exceptions that are not FP/SIMD
// access traps.
type ExceptionHandler interface {
	Exception(c *CPU, frame *TrapFrame, esr Syndrome) error
}

// FPHandler handles FP/SIMD access traps.
//
// It is called with interrupts masked, and must not yield.
type FPHandler interface {
	FPAccess(c *CPU, frame *TrapFrame) error
}

// Hooks are the exception handlers for a CPU. A nil hook halts.
type Hooks struct {
	// FP handles EL0 FP/SIMD access traps.
	FP FPHandler

	// General handles everything else.
	General ExceptionHandler
}

// CPU is the per-CPU struct.
type CPU struct {
	// self is a self reference.
	//
	// This is always guaranteed to be at offset zero.
	self *CPU

	// kernel is reference to the kernel that this CPU was initialized
	// with.
	kernel *Kernel

	// id is the CPU number.
	id int

	// CPUArchState is architecture-specific state.
	CPUArchState

	// hw are the privileged primitives of this CPU.
	hw Hardware

	// hooks are kernel hooks.
	hooks Hooks
}

// CPUArchState contains CPU-specific arch state.
type CPUArchState struct {
	// errorCode is the syndrome of the last exception.
	errorCode uintptr

	// errorType indicates the type of error code here, it is always set
	// along with the errorCode value above.
	//
	// It will either by 1, which indicates a user error, or 0 indicating a
	// kernel error.
	errorType uintptr

	// faultAddr is the value of far_el1.
	faultAddr uintptr

	// vecCode is the vector of the last exception.
	vecCode Vector

	// inFPTrap is set while the FP handler runs on this CPU.
	inFPTrap bool
}

// ID returns the CPU number.
//
//go:nosplit
func (c *CPU) ID() int {
	return c.id
}

// ErrorCode returns the last error code.
//
// The returned boolean indicates whether the error code corresponds to the
// last user error or not. If it does not, then fault information must be
// ignored.
//
//go:nosplit
func (c *CPU) ErrorCode() (value uintptr, user bool) {
	return c.errorCode, c.errorType != 0
}

// ClearErrorCode resets the error code.
//
//go:nosplit
func (c *CPU) ClearErrorCode() {
	c.errorCode = 0
	c.errorType = 1
}

//go:nosplit
func (c *CPU) GetFaultAddr() (value uintptr) {
	return c.faultAddr
}

//go:nosplit
func (c *CPU) GetVector() (value Vector) {
	return c.vecCode
}

// InFPTrap returns true while the FP handler runs on this CPU.
//
//go:nosplit
func (c *CPU) InFPTrap() bool {
	return c.inFPTrap
}
