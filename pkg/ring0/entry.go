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
	"errors"
	"fmt"
)

// ErrReentered is returned when an FP trap is taken while the FP handler is
// already running on the same CPU.
var ErrReentered = errors.New("FP trap taken inside the FP trap handler")

// FatalError is an internal consistency violation.
//
// A FatalError returned by a hook is escalated to the kernel's
// FaultReporter by Dispatch.
type FatalError struct {
	// CPU is the CPU that detected the violation.
	CPU int

	// Err is the underlying error.
	Err error
}

// Error implements error.Error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("CPU %d: internal consistency violation: %v", e.CPU, e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatalf returns a FatalError for this CPU.
func (c *CPU) Fatalf(format string, v ...any) error {
	return &FatalError{CPU: c.id, Err: fmt.Errorf(format, v...)}
}

// Dispatch routes a synchronous exception taken from EL0.
//
// frame has been populated by entry code. FP/SIMD access traps go to the FP
// hook with interrupts masked; all other classes go to the general hook with
// the frame and syndrome untouched.
//
// Precondition: nothing between the vector and the FP hook, including this
// function, executes FP/SIMD instructions. Those registers still belong to
// whichever thread last loaded them. This is held by construction (integer
// code only, nosplit) and cannot be checked at runtime.
//
//go:nosplit
func (c *CPU) Dispatch(frame *TrapFrame, esr Syndrome) error {
	c.errorCode = uintptr(esr)
	c.errorType = 1
	c.faultAddr = uintptr(frame.Far)
	c.vecCode = esr.Vector()
	frame.Esr = uint64(esr)

	if !esr.IsFPAccess() {
		return c.hooks.General.Exception(c, frame, esr)
	}

	daif := c.hw.MaskInterrupts()
	defer c.hw.RestoreInterrupts(daif)

	if c.inFPTrap {
		err := &FatalError{CPU: c.id, Err: ErrReentered}
		c.Fatal(err)
		return err
	}
	c.inFPTrap = true
	defer func() { c.inFPTrap = false }()
	err := c.hooks.FP.FPAccess(c, frame)

	var fatal *FatalError
	if errors.As(err, &fatal) {
		c.Fatal(err)
	}
	return err
}
