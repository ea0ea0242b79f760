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
	"errors"
	"fmt"

	"gvisor.dev/lazyfp/pkg/emu"
	"gvisor.dev/lazyfp/pkg/fpu"
)

// ErrCorrupted is returned by a program that finds its FP/SIMD registers
// changed by someone else.
var ErrCorrupted = errors.New("FP/SIMD registers corrupted")

// FPCounter is a program that accumulates into FP/SIMD registers, and checks
// them once done.
//
// Each step adds Seed to v[Reg] and yields with an svc every Syscall steps.
// Any lost, leaked or swapped register state shows up as a wrong final sum.
type FPCounter struct {
	// Steps is the number of FP/SIMD instructions to run.
	Steps int

	// Seed is added on every step. It should be unique per thread.
	Seed uint64

	// Reg is the vector register used.
	Reg int

	// Syscall is the number of FP steps between svcs. Zero means never.
	Syscall int

	pc int
}

// Step implements Program.Step.
func (p *FPCounter) Step(c *emu.Core) (bool, error) {
	if p.pc == p.Steps {
		var got fpu.State
		if err := c.ExecFP(func(s fpu.State) { got = s.Fork() }); err != nil {
			return false, err
		}
		want, wantHi := uint64(p.Steps)*p.Seed, p.Seed
		if p.Steps == 0 {
			wantHi = 0
		}
		if lo, hi := got.VregUint64(p.Reg); lo != want || hi != wantHi {
			return false, fmt.Errorf("v%d = {%#x, %#x}, want {%#x, %#x}: %w", p.Reg, lo, hi, want, wantHi, ErrCorrupted)
		}
		return true, nil
	}
	p.pc++
	if p.Syscall > 0 && p.pc%p.Syscall == 0 {
		if err := c.Svc(0); err != nil {
			return false, err
		}
	}
	return false, c.ExecFP(func(s fpu.State) {
		lo, _ := s.VregUint64(p.Reg)
		s.SetVregUint64(p.Reg, lo+p.Seed, p.Seed)
	})
}

// IntegerOnly is a program that never touches FP/SIMD registers. It issues an
// svc per step.
type IntegerOnly struct {
	// Steps is the number of svcs.
	Steps int

	pc int
}

// Step implements Program.Step.
func (p *IntegerOnly) Step(c *emu.Core) (bool, error) {
	if p.pc == p.Steps {
		return true, nil
	}
	p.pc++
	return false, c.Svc(0)
}
