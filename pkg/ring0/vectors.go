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

// Vector is an exception vector.
type Vector uintptr

// Exception vectors.
const (
	El1InvSync = iota
	El1InvIrq
	El1InvFiq
	El1InvError

	El1Sync
	El1Irq
	El1Fiq
	El1Err

	El0Sync
	El0Irq
	El0Fiq
	El0Err

	El0InvSync
	El0InvIrq
	El0InvFiq
	El0InvErr

	El1SyncDa
	El1SyncIa
	El1SyncSpPc
	El1SyncUndef
	El1SyncDbg
	El1SyncInv

	El0SyncSVC
	El0SyncDa
	El0SyncIa
	El0SyncFpsimdAcc
	El0SyncSveAcc
	El0SyncFpsimdExc
	El0SyncSys
	El0SyncSpPc
	El0SyncUndef
	El0SyncDbg
	El0SyncWfx
	El0SyncInv

	El0ErrNMI
	El0ErrBounce

	_NR_INTERRUPTS
)

// System call vectors.
const (
	Syscall   Vector = El0SyncSVC
	PageFault Vector = El0SyncDa
	FPAccess  Vector = El0SyncFpsimdAcc
)

// Exception classes, esr_el1 bits [31:26].
const (
	ECUnknown     = 0x00
	ECWFx         = 0x01
	ECFPAccess    = 0x07
	ECIllegal     = 0x0e
	ECSVC64       = 0x15
	ECSys64       = 0x18
	ECSVE         = 0x19
	ECIAbtLow     = 0x20
	ECPCAlign     = 0x22
	ECDAbtLow     = 0x24
	ECSPAlign     = 0x26
	ECFPExc64     = 0x2c
	ECBreakptLow  = 0x30
	ECSoftStepLow = 0x32
	ECWatchptLow  = 0x34
	ECBrk64       = 0x3c
)

const (
	_ESR_ELx_EC_SHIFT = 26
	_ESR_ELx_EC_MASK  = 0x3f << _ESR_ELx_EC_SHIFT
	_ESR_ELx_IL       = 1 << 25
	_ESR_ELx_ISS_MASK = _ESR_ELx_IL - 1

	// _ESR_ELx_COND_FP is the ISS of an FP access trap taken from
	// AArch64: CV clear, COND 0b1110.
	_ESR_ELx_COND_FP = 0xe << 20
)

// Syndrome is a value of esr_el1.
type Syndrome uint64

// NewSyndrome builds a 32-bit instruction syndrome.
func NewSyndrome(class uint64, iss uint64) Syndrome {
	return Syndrome(class<<_ESR_ELx_EC_SHIFT | _ESR_ELx_IL | iss&_ESR_ELx_ISS_MASK)
}

// FPAccessSyndrome is the syndrome of an EL0 FP/SIMD access trap.
func FPAccessSyndrome() Syndrome {
	return NewSyndrome(ECFPAccess, _ESR_ELx_COND_FP)
}

// Class returns the exception class.
//
//go:nosplit
func (s Syndrome) Class() uint64 {
	return (uint64(s) & _ESR_ELx_EC_MASK) >> _ESR_ELx_EC_SHIFT
}

// ISS returns the instruction specific syndrome.
//
//go:nosplit
func (s Syndrome) ISS() uint64 {
	return uint64(s) & _ESR_ELx_ISS_MASK
}

// IsFPAccess returns true if s is an FP/SIMD access trap.
//
//go:nosplit
func (s Syndrome) IsFPAccess() bool {
	return s.Class() == ECFPAccess
}

// Vector returns the EL0 synchronous vector for s.
//
//go:nosplit
func (s Syndrome) Vector() Vector {
	switch s.Class() {
	case ECSVC64:
		return El0SyncSVC
	case ECDAbtLow:
		return El0SyncDa
	case ECIAbtLow:
		return El0SyncIa
	case ECFPAccess:
		return El0SyncFpsimdAcc
	case ECSVE:
		return El0SyncSveAcc
	case ECFPExc64:
		return El0SyncFpsimdExc
	case ECSys64:
		return El0SyncSys
	case ECPCAlign, ECSPAlign:
		return El0SyncSpPc
	case ECUnknown:
		return El0SyncUndef
	case ECBreakptLow, ECSoftStepLow, ECWatchptLow, ECBrk64:
		return El0SyncDbg
	case ECWFx:
		return El0SyncWfx
	default:
		return El0SyncInv
	}
}

// String implements fmt.Stringer.String.
func (s Syndrome) String() string {
	return fmt.Sprintf("esr %#x (ec %#x, iss %#x)", uint64(s), s.Class(), s.ISS())
}
