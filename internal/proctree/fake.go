package proctree

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Fake is an in-memory Table for tests
type Fake struct {
	mu      sync.Mutex
	procs   map[int]fakeProc
	killed  []int
	killErr map[int]error
}

type fakeProc struct {
	parent  int
	created time.Time
}

// NewFake returns an empty process table
func NewFake() *Fake {
	return &Fake{procs: map[int]fakeProc{}, killErr: map[int]error{}}
}

// Add registers a live process
func (f *Fake) Add(pid, parent int, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[pid] = fakeProc{parent: parent, created: created}
}

// FailKill makes Kill of pid return err while leaving the process alive
func (f *Fake) FailKill(pid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killErr[pid] = err
}

// Killed returns the pids killed so far, in order
func (f *Fake) Killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

// Alive reports whether pid is registered
func (f *Fake) Alive(_ context.Context, pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[pid]
	return ok, nil
}

// CreateTime returns the registered creation time
func (f *Fake) CreateTime(_ context.Context, pid int) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return p.created, nil
}

// Children returns registered children in ascending pid order
func (f *Fake) Children(_ context.Context, pid int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.procs[pid]; !ok {
		return nil, ErrNotFound
	}
	var out []int
	for c, p := range f.procs {
		if p.parent == pid && c != pid {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Kill removes pid from the table
func (f *Fake) Kill(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.killErr[pid]; err != nil {
		return err
	}
	if _, ok := f.procs[pid]; !ok {
		return ErrNotFound
	}
	delete(f.procs, pid)
	f.killed = append(f.killed, pid)
	return nil
}
