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
	"io"
	"reflect"
)

// Emit prints the trap frame ABI as assembler definitions.
//
// Entry code includes the output to size the frame and to skip over the FP
// area, which it must allocate but not touch.
func Emit(w io.Writer) {
	fmt.Fprintf(w, "// Automatically generated, do not edit.\n")

	f := &TrapFrame{}
	fmt.Fprintf(w, "\n// Trap frame offsets.\n")
	fmt.Fprintf(w, "#define TRAPFRAME_REGS       0x%03x\n", reflect.ValueOf(&f.Regs).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_SP         0x%03x\n", reflect.ValueOf(&f.Sp).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_PC         0x%03x\n", reflect.ValueOf(&f.Pc).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_PSTATE     0x%03x\n", reflect.ValueOf(&f.Pstate).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_TPIDR      0x%03x\n", reflect.ValueOf(&f.Tpidr).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_ESR        0x%03x\n", reflect.ValueOf(&f.Esr).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_FAR        0x%03x\n", reflect.ValueOf(&f.Far).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_FP         0x%03x\n", reflect.ValueOf(&f.FP).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_FPSR       0x%03x\n", reflect.ValueOf(&f.FP.Fpsr).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_FPCR       0x%03x\n", reflect.ValueOf(&f.FP.Fpcr).Pointer()-reflect.ValueOf(f).Pointer())
	fmt.Fprintf(w, "#define TRAPFRAME_SIZE       0x%03x\n", reflect.TypeOf(*f).Size())

	fmt.Fprintf(w, "\n// Bits.\n")
	fmt.Fprintf(w, "#define _CPACR_FPEN_SHIFT    %d\n", _CPACR_FPEN_SHIFT)
	fmt.Fprintf(w, "#define _CPACR_FPEN_TRAP     0x%x\n", uint64(GateTrap)<<_CPACR_FPEN_SHIFT)
	fmt.Fprintf(w, "#define _CPACR_FPEN_ENABLED  0x%x\n", uint64(GateEnabled)<<_CPACR_FPEN_SHIFT)
	fmt.Fprintf(w, "#define _ESR_ELx_EC_SHIFT    %d\n", _ESR_ELx_EC_SHIFT)
	fmt.Fprintf(w, "#define ESR_ELx_EC_FP_ASIMD  0x%02x\n", ECFPAccess)

	fmt.Fprintf(w, "\n// Vectors.\n")
	fmt.Fprintf(w, "#define El0Sync 0x%02x\n", El0Sync)
	fmt.Fprintf(w, "#define El0SyncSVC 0x%02x\n", El0SyncSVC)
	fmt.Fprintf(w, "#define El0SyncDa 0x%02x\n", El0SyncDa)
	fmt.Fprintf(w, "#define El0SyncIa 0x%02x\n", El0SyncIa)
	fmt.Fprintf(w, "#define El0SyncFpsimdAcc 0x%02x\n", El0SyncFpsimdAcc)
	fmt.Fprintf(w, "#define El0SyncSveAcc 0x%02x\n", El0SyncSveAcc)
	fmt.Fprintf(w, "#define El0SyncFpsimdExc 0x%02x\n", El0SyncFpsimdExc)
	fmt.Fprintf(w, "#define El0SyncSys 0x%02x\n", El0SyncSys)
	fmt.Fprintf(w, "#define El0SyncSpPc 0x%02x\n", El0SyncSpPc)
	fmt.Fprintf(w, "#define El0SyncUndef 0x%02x\n", El0SyncUndef)
	fmt.Fprintf(w, "#define El0SyncDbg 0x%02x\n", El0SyncDbg)
	fmt.Fprintf(w, "#define El0SyncWfx 0x%02x\n", El0SyncWfx)
	fmt.Fprintf(w, "#define El0SyncInv 0x%02x\n", El0SyncInv)
}
