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

// FPSIMDState is the FP/SIMD area of a trap frame.
//
// The layout is that of fpu.State.
type FPSIMDState struct {
	// Vregs are v0-v31, two 64-bit halves each.
	Vregs [64]uint64
	Fpsr  uint32
	Fpcr  uint32

	reserved [2]uint32
}

// TrapFrame is the register state saved on synchronous exception entry.
//
// Entry code fills the general registers and the system registers below.
// It reserves FP but never reads or writes it: FP is written only by the FP
// trap handler, and whether it holds anything meaningful is known only to
// the handler's per-thread records.
//
// The field offsets are an ABI shared with entry code. See Emit.
type TrapFrame struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64

	// Tpidr is tpidr_el0, the thread identity register.
	Tpidr uint64

	// Esr and Far are esr_el1 and far_el1.
	Esr uint64
	Far uint64

	_ uint64

	// FP must be 16-byte aligned within the frame.
	FP FPSIMDState
}

// Trap frame offsets.
const (
	TrapFrameRegsOffset   = 0x000
	TrapFrameSpOffset     = 0x0f8
	TrapFramePcOffset     = 0x100
	TrapFramePstateOffset = 0x108
	TrapFrameTpidrOffset  = 0x110
	TrapFrameEsrOffset    = 0x118
	TrapFrameFarOffset    = 0x120
	TrapFrameFPOffset     = 0x130
	TrapFrameFpsrOffset   = 0x330
	TrapFrameFpcrOffset   = 0x334
	TrapFrameSize         = 0x340
)
