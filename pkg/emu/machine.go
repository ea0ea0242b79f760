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

package emu

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/lazyfp/pkg/ring0"
)

// Machine is a set of cores sharing one kernel.
type Machine struct {
	kernel *ring0.Kernel
	cores  []*Core
}

// NewMachine returns a machine with n cores, all using the given hooks.
func NewMachine(k *ring0.Kernel, n int, hooks ring0.Hooks) (*Machine, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid number of cores: %d", n)
	}
	m := &Machine{kernel: k}
	for i := 0; i < n; i++ {
		m.cores = append(m.cores, newCore(m, i, hooks))
	}
	return m, nil
}

// NumCores returns the number of cores.
func (m *Machine) NumCores() int {
	return len(m.cores)
}

// Core returns core i.
func (m *Machine) Core(i int) *Core {
	return m.cores[i]
}

// Parallel runs fn once per core, each on its own goroutine. The first error
// cancels the context passed to the others.
func (m *Machine) Parallel(ctx context.Context, fn func(ctx context.Context, c *Core) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.cores {
		g.Go(func() error {
			return fn(ctx, c)
		})
	}
	return g.Wait()
}
