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
	"fmt"

	"gvisor.dev/lazyfp/pkg/metric"
	"gvisor.dev/lazyfp/pkg/ring0"
)

var exceptions = metric.MustCreateNewUint64Metric("/sched/exceptions",
	"Number of non-FP synchronous exceptions taken from EL0, by class.",
	metric.NewField("class", "svc", "other"))

// Exceptions handles the non-FP synchronous exceptions of scheduled threads.
// It implements ring0.ExceptionHandler.
//
// An svc is a no-op system call returning zero. Anything else kills the
// thread.
type Exceptions struct{}

// Exception implements ring0.ExceptionHandler.Exception.
func (Exceptions) Exception(c *ring0.CPU, frame *ring0.TrapFrame, esr ring0.Syndrome) error {
	if esr.Vector() == ring0.Syscall {
		exceptions.Increment("svc")
		frame.Regs[0] = 0
		return nil
	}
	exceptions.Increment("other")
	return fmt.Errorf("thread %d: unhandled %v at pc %#x, far %#x", frame.Tpidr, esr, frame.Pc, c.GetFaultAddr())
}
