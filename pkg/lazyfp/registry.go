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

// Package lazyfp implements lazy FP/SIMD context switching.
//
// The FP/SIMD registers of a thread are not saved or restored on context
// switch. Instead, cores run with EL0 FP/SIMD access trapping, and the
// registers are brought in on the first FP/SIMD instruction a thread issues
// after being scheduled:
//
//	NeverUsed ---- first trap ----> Enabled
//	Enabled ------ SwitchOut -----> SavedAndTrapped
//	SavedAndTrapped --- trap -----> Enabled
//
// A thread's entry in the Registry records which of these states it is in.
// The gate of the core running a thread is Enabled iff that thread's live
// registers are in that core's register file.
package lazyfp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/lazyfp/pkg/fpu"
	"gvisor.dev/lazyfp/pkg/ring0"
)

var (
	// ErrNoIdentity is returned when a trap frame carries no thread
	// identity.
	ErrNoIdentity = errors.New("no thread identity in tpidr_el0")

	// ErrEntryExists is returned by CreateOnFirstUse for a thread that
	// already has an entry.
	ErrEntryExists = errors.New("thread already has an FP entry")

	// ErrNoEntry is returned for a thread that has no entry.
	ErrNoEntry = errors.New("thread has no FP entry")

	// ErrNotLive is returned when snapshotting a thread whose registers
	// are already saved.
	ErrNotLive = errors.New("thread FP registers are not live")

	// ErrThreadLive is returned when destroying a thread whose registers
	// are still live on a core.
	ErrThreadLive = errors.New("thread FP registers are still live")
)

// ThreadID is a thread identity, as held in tpidr_el0.
type ThreadID uint64

// ThreadIDFromFrame decodes the identity of the thread that took an
// exception. Zero is reserved to mean "no identity".
//
//go:nosplit
func ThreadIDFromFrame(frame *ring0.TrapFrame) (ThreadID, error) {
	if frame.Tpidr == 0 {
		return 0, ErrNoIdentity
	}
	return ThreadID(frame.Tpidr), nil
}

// State is the lazy FP state of a thread.
type State int

const (
	// NeverUsed threads have not executed an FP/SIMD instruction. They
	// have no entry.
	NeverUsed State = iota

	// Enabled threads have their registers live on a core, and that
	// core's gate is Enabled.
	Enabled

	// SavedAndTrapped threads have their registers in their entry.
	SavedAndTrapped
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case NeverUsed:
		return "NeverUsed"
	case Enabled:
		return "Enabled"
	case SavedAndTrapped:
		return "SavedAndTrapped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// LiveRegisters is the live FP/SIMD register file of a core and its gate.
// It is implemented by *ring0.CPU.
type LiveRegisters interface {
	SaveFloatingPoint(fpu.State)
	SetTrapMode()
}

// Entry is the FP record of one thread.
type Entry struct {
	// tid is immutable.
	tid ThreadID

	// mu serializes the trap handler and switch-out for this thread.
	mu sync.Mutex

	// trapEnabled is false iff the registers are live on cpu.
	trapEnabled bool

	// cpu is the core holding the live registers, or -1.
	cpu int

	// saved holds the registers while trapEnabled is true. It is reserved
	// at creation so that switch-out never allocates.
	saved fpu.State
}

// TID returns the entry's thread.
func (e *Entry) TID() ThreadID {
	return e.tid
}

// State returns Enabled or SavedAndTrapped.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// +checklocks:e.mu
func (e *Entry) stateLocked() State {
	if e.trapEnabled {
		return SavedAndTrapped
	}
	return Enabled
}

// CPU returns the core holding the live registers, or -1 if they are saved.
func (e *Entry) CPU() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cpu
}

// Saved returns a copy of the saved registers.
func (e *Entry) Saved() fpu.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saved.Fork()
}

// numShards must be a power of two.
const numShards = 64

// btreeDegree is the degree of each shard's tree.
const btreeDegree = 8

func lessEntry(a, b *Entry) bool {
	return a.tid < b.tid
}

// shard is one partition of the registry.
type shard struct {
	mu sync.RWMutex

	// +checklocks:mu
	entries *btree.BTreeG[*Entry]
}

// Registry holds the FP entries of all threads, keyed by ThreadID.
//
// Threads are spread over independently locked shards so that cores trapping
// for different threads do not contend. Within an entry, Entry.mu provides
// the exclusion between a switch-out on one core and a restore on another.
type Registry struct {
	pool   *fpu.Pool
	shards [numShards]shard
}

// NewRegistry returns an empty registry that reserves saved banks from pool.
func NewRegistry(pool *fpu.Pool) *Registry {
	r := &Registry{pool: pool}
	for i := range r.shards {
		r.shards[i].entries = btree.NewG(btreeDegree, lessEntry)
	}
	return r
}

func (r *Registry) shard(tid ThreadID) *shard {
	return &r.shards[uint64(tid)&(numShards-1)]
}

// Lookup returns the entry for tid, or nil if tid has never used FP/SIMD.
func (r *Registry) Lookup(tid ThreadID) *Entry {
	s := r.shard(tid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, _ := s.entries.Get(&Entry{tid: tid})
	return e
}

// State returns the state of tid.
func (r *Registry) State(tid ThreadID) State {
	e := r.Lookup(tid)
	if e == nil {
		return NeverUsed
	}
	return e.State()
}

// CreateOnFirstUse inserts an entry for tid in the Enabled state, owned by
// no core yet, and reserves its saved bank.
//
// If no bank is available, the returned error wraps fpu.ErrNoMemory.
func (r *Registry) CreateOnFirstUse(tid ThreadID) (*Entry, error) {
	saved, err := r.pool.Get()
	if err != nil {
		return nil, fmt.Errorf("thread %d: all %d banks in use: %w", tid, r.pool.Limit(), err)
	}
	e := &Entry{
		tid:   tid,
		cpu:   -1,
		saved: saved,
	}

	s := r.shard(tid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries.Has(e) {
		r.pool.Put(saved)
		return nil, fmt.Errorf("thread %d: %w", tid, ErrEntryExists)
	}
	s.entries.ReplaceOrInsert(e)
	return e, nil
}

// SnapshotOnSwitchOut copies the live registers of tid into its entry, marks
// it SavedAndTrapped and re-arms the gate, so the next thread on the core
// traps before it can read them.
//
// The caller must be the core that holds tid's live registers, with
// interrupts masked.
func (r *Registry) SnapshotOnSwitchOut(tid ThreadID, live LiveRegisters) error {
	e := r.Lookup(tid)
	if e == nil {
		return fmt.Errorf("thread %d: %w", tid, ErrNoEntry)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trapEnabled {
		return fmt.Errorf("thread %d: %w", tid, ErrNotLive)
	}
	live.SaveFloatingPoint(e.saved)
	e.trapEnabled = true
	e.cpu = -1
	live.SetTrapMode()
	return nil
}

// OnThreadDestroyed removes the entry for tid and releases its bank. A thread
// that never used FP/SIMD has no entry, and this is a no-op.
//
// The entry must not be live: a dead thread has first been switched out.
func (r *Registry) OnThreadDestroyed(tid ThreadID) error {
	s := r.shard(tid)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(&Entry{tid: tid})
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.trapEnabled {
		return fmt.Errorf("thread %d on CPU %d: %w", tid, e.cpu, ErrThreadLive)
	}
	s.entries.Delete(e)
	r.pool.Put(e.saved)
	e.saved = nil
	fpDestroyed.Increment()
	return nil
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += s.entries.Len()
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry, in thread order within each shard, until fn
// returns false. fn must not call back into the registry.
func (r *Registry) Range(fn func(*Entry) bool) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		cont := true
		s.entries.Ascend(func(e *Entry) bool {
			cont = fn(e)
			return cont
		})
		s.mu.RUnlock()
		if !cont {
			return
		}
	}
}
