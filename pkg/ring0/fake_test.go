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

const fakeDAIFMask = 0xf << 6

// fakeHardware records privileged operations.
type fakeHardware struct {
	cpacr uint64
	daif  uint64
	live  fpu.State

	writes         int
	isbs           int
	unmaskedWrites int
	fpOps          int
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{live: fpu.NewState()}
}

func (h *fakeHardware) ReadCPACR() uint64 { return h.cpacr }

func (h *fakeHardware) WriteCPACR(v uint64) {
	if !h.InterruptsMasked() {
		h.unmaskedWrites++
	}
	h.writes++
	h.cpacr = v
}

func (h *fakeHardware) ISB() { h.isbs++ }

func (h *fakeHardware) MaskInterrupts() uint64 {
	old := h.daif
	h.daif |= fakeDAIFMask
	return old
}

func (h *fakeHardware) RestoreInterrupts(daif uint64) { h.daif = daif }

func (h *fakeHardware) InterruptsMasked() bool { return h.daif&fakeDAIFMask != 0 }

func (h *fakeHardware) SaveFloatingPoint(s fpu.State) {
	h.fpOps++
	copy(s, h.live)
}

func (h *fakeHardware) LoadFloatingPoint(s fpu.State) {
	h.fpOps++
	copy(h.live, s)
}

// recordingReporter records fatal errors instead of halting.
type recordingReporter struct {
	errs []error
}

func (r *recordingReporter) Fatal(c *CPU, err error) {
	r.errs = append(r.errs, err)
}
