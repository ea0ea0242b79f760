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
	"gvisor.dev/lazyfp/pkg/fpu"
)

// Hardware is the set of privileged per-core primitives used by ring0.
//
// Each method corresponds to a single instruction (or a short fixed
// sequence) on arm64. None of them may issue floating point or SIMD
// instructions except SaveFloatingPoint and LoadFloatingPoint.
type Hardware interface {
	// ReadCPACR reads cpacr_el1.
	ReadCPACR() uint64

	// WriteCPACR writes cpacr_el1.
	WriteCPACR(value uint64)

	// ISB is an instruction synchronization barrier. It must follow any
	// write to cpacr_el1 before the new value is relied upon.
	ISB()

	// MaskInterrupts sets DAIF and returns the previous value.
	MaskInterrupts() (daif uint64)

	// RestoreInterrupts writes a DAIF value returned by MaskInterrupts.
	RestoreInterrupts(daif uint64)

	// InterruptsMasked returns true if IRQs are masked.
	InterruptsMasked() bool

	// SaveFloatingPoint stores v0-v31, fpsr and fpcr into the given state.
	SaveFloatingPoint(fpu.State)

	// LoadFloatingPoint loads v0-v31, fpsr and fpcr from the given state.
	LoadFloatingPoint(fpu.State)
}
