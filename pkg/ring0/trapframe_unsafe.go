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
	"unsafe"

	"gvisor.dev/lazyfp/pkg/fpu"
)

// FPState returns the frame's FP area as an fpu.State that aliases it.
//
//go:nosplit
func (f *TrapFrame) FPState() fpu.State {
	return fpu.State(unsafe.Slice((*byte)(unsafe.Pointer(&f.FP)), unsafe.Sizeof(f.FP)))
}

// Compile-time checks that the Go layout matches the ABI constants.
var (
	_ [TrapFrameSpOffset - unsafe.Offsetof(TrapFrame{}.Sp)]struct{}
	_ [unsafe.Offsetof(TrapFrame{}.Sp) - TrapFrameSpOffset]struct{}
	_ [TrapFrameFPOffset - unsafe.Offsetof(TrapFrame{}.FP)]struct{}
	_ [unsafe.Offsetof(TrapFrame{}.FP) - TrapFrameFPOffset]struct{}
	_ [TrapFrameSize - unsafe.Sizeof(TrapFrame{})]struct{}
	_ [unsafe.Sizeof(TrapFrame{}) - TrapFrameSize]struct{}
	_ [fpu.StateSize - unsafe.Sizeof(FPSIMDState{})]struct{}
	_ [unsafe.Sizeof(FPSIMDState{}) - fpu.StateSize]struct{}
)
