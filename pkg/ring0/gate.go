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
)

// cpacr_el1 FPEN field, bits [21:20].
const (
	_CPACR_FPEN_SHIFT = 20
	_CPACR_FPEN_MASK  = 0x3 << _CPACR_FPEN_SHIFT
)

// Gate is the decoded value of cpacr_el1.FPEN.
type Gate uint64

const (
	// GateDisabled traps FP/SIMD use at EL0 and EL1. It is never written
	// by ring0; 0b10 decodes to the same behaviour.
	GateDisabled Gate = 0b00

	// GateTrap traps FP/SIMD use at EL0 only, so the handler may restore
	// registers at EL1.
	GateTrap Gate = 0b01

	// GateEnabled permits FP/SIMD use at EL0 and EL1.
	GateEnabled Gate = 0b11
)

// String implements fmt.Stringer.String.
func (g Gate) String() string {
	switch g {
	case GateDisabled, 0b10:
		return "disabled"
	case GateTrap:
		return "trap"
	case GateEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("Gate(%#x)", uint64(g))
	}
}

// Gate returns the current FPEN value, read from hardware.
//
//go:nosplit
func (c *CPU) Gate() Gate {
	return Gate((c.hw.ReadCPACR() & _CPACR_FPEN_MASK) >> _CPACR_FPEN_SHIFT)
}

// SetTrapMode makes EL0 FP/SIMD use trap on this CPU.
//
//go:nosplit
func (c *CPU) SetTrapMode() {
	c.setGate(GateTrap)
}

// SetEnabledMode lets EL0 use FP/SIMD on this CPU without trapping.
//
//go:nosplit
func (c *CPU) SetEnabledMode() {
	c.setGate(GateEnabled)
}

// setGate writes FPEN with interrupts masked. The write is skipped if FPEN
// already holds g.
//
//go:nosplit
func (c *CPU) setGate(g Gate) {
	daif := c.hw.MaskInterrupts()
	cpacr := c.hw.ReadCPACR()
	want := cpacr&^_CPACR_FPEN_MASK | uint64(g)<<_CPACR_FPEN_SHIFT
	if want != cpacr {
		c.hw.WriteCPACR(want)
		c.hw.ISB()
	}
	c.hw.RestoreInterrupts(daif)
}
