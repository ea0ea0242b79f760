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

// Package fpu provides the saved floating point/SIMD register bank.
//
// The layout of State matches the kernel's user_fpsimd_state on arm64: 32
// 128-bit vector registers followed by FPSR, FPCR and padding. The same
// layout is used by the trap frame FP area, so a bank can be moved between
// the two with a single copy.
package fpu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/cpu"
)

const (
	// NumVregs is the number of vector registers.
	NumVregs = 32

	// VregSize is the size of one vector register in bytes.
	VregSize = 16

	// FPSROffset is the offset of FPSR within a State.
	FPSROffset = NumVregs * VregSize

	// FPCROffset is the offset of FPCR within a State.
	FPCROffset = FPSROffset + 4

	// StateSize is the size of the fpsimd context.
	StateSize = 0x210

	// stateAlign is the alignment required by the ldp/stp q-register forms.
	stateAlign = 16
)

// ErrNoMemory indicates that no backing storage is left for a register bank.
var ErrNoMemory = errors.New("no memory for floating point state")

// State represents floating point state.
//
// This is a simple byte slice, with architecture-specific accessors attached
// to it.
type State []byte

// ErrLoadingState indicates a failed restore due to unusable floating point
// state.
type ErrLoadingState struct {
	// size is the size of the offered state.
	size int
}

// Error returns a sensible description of the restore error.
func (e ErrLoadingState) Error() string {
	return fmt.Sprintf("floating point state has size %#x, want %#x", e.size, StateSize)
}

// NewState returns a zeroed floating point state.
//
// FPCR is left as zero, which is round-to-nearest with no traps enabled, as
// Linux does in fpsimd_flush_thread().
func NewState() State {
	return State(alignedBytes(StateSize, stateAlign))
}

// Fork creates and returns an identical copy of the floating point state.
func (s State) Fork() State {
	n := NewState()
	copy(n, s)
	return n
}

// Reset zeroes the state.
func (s State) Reset() {
	clear(s)
}

// Validate checks that s can hold a full register bank.
func (s State) Validate() error {
	if len(s) != StateSize {
		return ErrLoadingState{size: len(s)}
	}
	return nil
}

// Equal returns true if both states hold identical registers.
func (s State) Equal(o State) bool {
	return bytes.Equal(s, o)
}

// Vreg returns the contents of vector register i.
func (s State) Vreg(i int) (v [VregSize]byte) {
	copy(v[:], s[i*VregSize:(i+1)*VregSize])
	return v
}

// SetVreg sets vector register i.
func (s State) SetVreg(i int, v [VregSize]byte) {
	copy(s[i*VregSize:(i+1)*VregSize], v[:])
}

// VregUint64 returns the low and high halves of vector register i.
func (s State) VregUint64(i int) (lo, hi uint64) {
	off := i * VregSize
	return binary.LittleEndian.Uint64(s[off:]), binary.LittleEndian.Uint64(s[off+8:])
}

// SetVregUint64 sets the low and high halves of vector register i.
func (s State) SetVregUint64(i int, lo, hi uint64) {
	off := i * VregSize
	binary.LittleEndian.PutUint64(s[off:], lo)
	binary.LittleEndian.PutUint64(s[off+8:], hi)
}

// FPSR returns the floating point status register.
func (s State) FPSR() uint32 {
	return binary.LittleEndian.Uint32(s[FPSROffset:])
}

// SetFPSR sets the floating point status register.
func (s State) SetFPSR(v uint32) {
	binary.LittleEndian.PutUint32(s[FPSROffset:], v)
}

// FPCR returns the floating point control register.
func (s State) FPCR() uint32 {
	return binary.LittleEndian.Uint32(s[FPCROffset:])
}

// SetFPCR sets the floating point control register.
func (s State) SetFPCR(v uint32) {
	binary.LittleEndian.PutUint32(s[FPCROffset:], v)
}

// BytePointer returns a pointer to the first byte of the state.
//
//go:nosplit
func (s State) BytePointer() *byte {
	return &s[0]
}

// Features describes host floating point support.
type Features struct {
	// FP is scalar floating point.
	FP bool

	// ASIMD is Advanced SIMD (NEON).
	ASIMD bool

	// SVE is the scalable vector extension. Banks never hold SVE state.
	SVE bool
}

// HostFeatures returns the floating point features of the host.
//
// All fields are false on hosts that are not arm64.
func HostFeatures() Features {
	return Features{
		FP:    cpu.ARM64.HasFP,
		ASIMD: cpu.ARM64.HasASIMD,
		SVE:   cpu.ARM64.HasSVE,
	}
}
