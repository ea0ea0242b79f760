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

// Package sched is a round-robin thread scheduler for emulated cores.
//
// All cores share one run queue, so a thread resumes on whichever core picks
// it up next. Every context switch calls the FP switch-out hook before the
// outgoing thread is made runnable again.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"gvisor.dev/lazyfp/pkg/emu"
	"gvisor.dev/lazyfp/pkg/lazyfp"
	"gvisor.dev/lazyfp/pkg/log"
	"gvisor.dev/lazyfp/pkg/ring0"
)

// ErrTooManyThreads is returned by Add when the run queue is full.
var ErrTooManyThreads = errors.New("too many threads")

// State is the scheduling state of a thread.
type State int

const (
	// Ready threads are in the run queue.
	Ready State = iota

	// Running threads are loaded on a core.
	Running

	// Dead threads have exited.
	Dead
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Program is the code a thread runs.
type Program interface {
	// Step executes one instruction of the program on c. It returns true
	// once the program has finished.
	Step(c *emu.Core) (done bool, err error)
}

// SwitchHooks are called around context switches. They are implemented by
// *lazyfp.Handler.
type SwitchHooks interface {
	// SwitchOut is called on c before tid is descheduled.
	SwitchOut(c *ring0.CPU, tid lazyfp.ThreadID) error

	// ThreadExit is called on c when tid exits.
	ThreadExit(c *ring0.CPU, tid lazyfp.ThreadID) error
}

// Thread is a schedulable thread.
type Thread struct {
	id      lazyfp.ThreadID
	program Program

	// The fields below are only accessed by the core running the thread,
	// or after Run returns.
	state      State
	ctx        emu.Context
	lastCore   int
	cores      map[int]struct{}
	slices     int
	migrations int
	traps      uint64
	err        error
}

// Report is a summary of a thread's execution.
type Report struct {
	ID         lazyfp.ThreadID
	State      State
	Slices     int
	Cores      int
	Migrations int
	Traps      uint64
	Err        error
}

// Opts are scheduler options.
type Opts struct {
	// Quantum is the number of program steps per time slice.
	Quantum int

	// MaxThreads bounds the number of threads. Zero means 1024.
	MaxThreads int
}

// Scheduler schedules threads on the cores of a machine.
type Scheduler struct {
	machine *emu.Machine
	hooks   SwitchHooks
	quantum int

	// runq is the run queue. A thread is in runq iff it is Ready.
	runq chan *Thread

	// live is the number of threads that have not exited.
	live atomic.Int64

	// idle is closed when the last thread exits.
	idle     chan struct{}
	idleOnce sync.Once

	mu sync.Mutex

	// +checklocks:mu
	lastID lazyfp.ThreadID

	// +checklocks:mu
	threads []*Thread
}

// New returns a scheduler for the cores of m.
func New(m *emu.Machine, hooks SwitchHooks, opts Opts) *Scheduler {
	if opts.Quantum <= 0 {
		opts.Quantum = 1
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = 1024
	}
	return &Scheduler{
		machine: m,
		hooks:   hooks,
		quantum: opts.Quantum,
		runq:    make(chan *Thread, opts.MaxThreads),
		idle:    make(chan struct{}),
	}
}

// Add adds a thread running p to the run queue and returns its id.
//
// Ids start at 1; zero in tpidr_el0 means "no thread".
func (s *Scheduler) Add(p Program) (lazyfp.ThreadID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.threads) == cap(s.runq) {
		return 0, ErrTooManyThreads
	}
	s.lastID++
	t := &Thread{
		id:       s.lastID,
		program:  p,
		state:    Ready,
		ctx:      emu.Context{Tpidr: uint64(s.lastID)},
		lastCore: -1,
		cores:    make(map[int]struct{}),
	}
	s.threads = append(s.threads, t)
	s.live.Add(1)
	s.runq <- t
	return t.id, nil
}

// Run runs threads on all cores until every thread has exited, ctx is
// cancelled, or a core fails.
//
// A thread that fails is terminated; the failure is recorded in its Report.
// A *ring0.FatalError stops all cores and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.live.Load() == 0 {
		return nil
	}
	return s.machine.Parallel(ctx, s.runCore)
}

// runCore is the scheduling loop of one core.
func (s *Scheduler) runCore(ctx context.Context, c *emu.Core) error {
	for {
		var t *Thread
		select {
		case t = <-s.runq:
		case <-s.idle:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := s.runSlice(c, t); err != nil {
			return err
		}
	}
}

// runSlice runs t on c for one quantum and switches it out.
func (s *Scheduler) runSlice(c *emu.Core, t *Thread) error {
	c.SwitchContext(t.ctx)
	t.state = Running
	if t.lastCore >= 0 && t.lastCore != c.ID() {
		t.migrations++
	}
	t.lastCore = c.ID()
	t.cores[c.ID()] = struct{}{}
	t.slices++

	traps := c.Stats().Traps
	done, err := s.steps(c, t)
	t.traps += c.Stats().Traps - traps
	t.ctx = c.Context()

	if err != nil {
		var fatal *ring0.FatalError
		if errors.As(err, &fatal) {
			t.err = err
			t.state = Dead
			return err
		}
		log.Warningf("CPU %d: thread %d terminated: %v", c.ID(), t.id, err)
		t.err = err
		done = true
	}
	if done {
		return s.exit(c, t)
	}

	if err := s.hooks.SwitchOut(&c.CPU, t.id); err != nil {
		t.err = err
		return err
	}
	t.state = Ready
	// The switch-out above happens before any other core can pick t up.
	s.runq <- t
	return nil
}

// steps runs up to one quantum of t's program.
func (s *Scheduler) steps(c *emu.Core, t *Thread) (bool, error) {
	for i := 0; i < s.quantum; i++ {
		done, err := t.program.Step(c)
		if done || err != nil {
			return done, err
		}
	}
	return false, nil
}

// exit retires t, which is loaded on c.
func (s *Scheduler) exit(c *emu.Core, t *Thread) error {
	t.state = Dead
	if err := s.hooks.ThreadExit(&c.CPU, t.id); err != nil {
		if t.err == nil {
			t.err = err
		}
		return err
	}
	log.Debugf("CPU %d: thread %d exited after %d slices", c.ID(), t.id, t.slices)
	if s.live.Add(-1) == 0 {
		s.idleOnce.Do(func() { close(s.idle) })
	}
	return nil
}

// Reports returns a report per thread, ordered by id. It must not be called
// concurrently with Run.
func (s *Scheduler) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := make([]Report, 0, len(s.threads))
	for _, t := range s.threads {
		reports = append(reports, Report{
			ID:         t.id,
			State:      t.state,
			Slices:     t.slices,
			Cores:      len(t.cores),
			Migrations: t.migrations,
			Traps:      t.traps,
			Err:        t.err,
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ID < reports[j].ID })
	return reports
}
