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

package fpu

import (
	"sync"
)

// Pool hands out register banks up to a fixed limit.
//
// Banks returned with Put are zeroed and reused before new ones are
// allocated, so that a bank never carries one thread's registers to another.
type Pool struct {
	// limit is the maximum number of banks in use. Zero means no limit.
	limit int

	// mu protects the fields below.
	mu sync.Mutex

	// inUse is the number of banks handed out and not yet returned.
	inUse int

	// free are returned banks.
	free []State
}

// NewPool returns a pool that allows at most limit banks in use at once. A
// limit of zero means that only the Go heap bounds the pool.
func NewPool(limit int) *Pool {
	return &Pool{limit: limit}
}

// Get returns a zeroed bank, or ErrNoMemory if the limit has been reached.
func (p *Pool) Get() (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.inUse >= p.limit {
		return nil, ErrNoMemory
	}
	p.inUse++
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		return s, nil
	}
	return NewState(), nil
}

// Put returns a bank to the pool.
func (p *Pool) Put(s State) {
	if s == nil {
		return
	}
	s.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse == 0 {
		panic("fpu: Put without matching Get")
	}
	p.inUse--
	p.free = append(p.free, s)
}

// InUse returns the number of banks handed out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Limit returns the pool limit.
func (p *Pool) Limit() int {
	return p.limit
}
